package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

const defaultIdempotencyTTL = 5 * time.Minute

// RPCRouter dispatches requests to registered methods.
//
// A request with an idempotency key runs at most once per method and key
// within the TTL. A retry that arrives while the first call is still running
// waits for it and receives the same answer under its own request id.
type RPCRouter struct {
	mu      sync.RWMutex
	methods map[string]RequestHandler

	ttl      time.Duration
	now      func() time.Time
	flightMu sync.Mutex
	flights  map[string]*flight
}

// flight is one keyed invocation. resp is written before done is closed.
type flight struct {
	done      chan struct{}
	resp      RPCResponse
	expiresAt time.Time
}

func NewRPCRouter() *RPCRouter {
	return &RPCRouter{
		methods: make(map[string]RequestHandler),
		ttl:     defaultIdempotencyTTL,
		now:     time.Now,
		flights: make(map[string]*flight),
	}
}

// RegisterMethod binds name to handler, replacing any earlier binding.
func (r *RPCRouter) RegisterMethod(name string, handler RequestHandler) error {
	if handler == nil {
		return fmt.Errorf("handler for %s cannot be nil", name)
	}
	r.mu.Lock()
	r.methods[name] = handler
	r.mu.Unlock()
	return nil
}

// ParseRequest decodes one request frame. Errors are *RPCError.
func (r *RPCRouter) ParseRequest(data []byte) (*RPCRequest, error) {
	var req RPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &RPCError{Code: ParseError, Message: "Parse error", Data: err.Error()}
	}
	switch {
	case req.ID == "":
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: missing id field"}
	case req.Method == "":
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: missing method field"}
	}
	if req.JSONRPC == "" {
		req.JSONRPC = "2.0"
	}
	return &req, nil
}

// RouteRequest runs req and returns its response.
func (r *RPCRouter) RouteRequest(ctx context.Context, req *RPCRequest) *RPCResponse {
	if req == nil {
		return errorResponse("", &RPCError{Code: InvalidRequest, Message: "invalid request"})
	}
	if req.IdempotencyKey == "" {
		resp := r.invoke(ctx, req)
		return &resp
	}

	key := req.Method + ":" + req.IdempotencyKey
	f, leader := r.join(key)
	if leader {
		f.resp = r.invoke(ctx, req)
		r.land(f)
	} else {
		select {
		case <-f.done:
		case <-ctx.Done():
			return errorResponse(req.ID, &RPCError{Code: InternalError, Message: ctx.Err().Error()})
		}
	}

	resp := f.resp.clone()
	resp.ID = req.ID
	return &resp
}

func (r *RPCRouter) invoke(ctx context.Context, req *RPCRequest) RPCResponse {
	r.mu.RLock()
	handler, ok := r.methods[req.Method]
	r.mu.RUnlock()
	if !ok {
		return *errorResponse(req.ID, &RPCError{Code: MethodNotFound, Message: fmt.Sprintf("Method not found: %s", req.Method)})
	}

	params := req.Params
	if params == nil {
		params = map[string]interface{}{}
	}
	result, err := handler(ctx, params)
	if err != nil {
		return *errorResponse(req.ID, toRPCError(err))
	}
	return RPCResponse{ID: req.ID, JSONRPC: "2.0", Result: result}
}

// join returns the live flight for key, or registers a new one and reports
// that the caller must run it.
func (r *RPCRouter) join(key string) (*flight, bool) {
	r.flightMu.Lock()
	defer r.flightMu.Unlock()

	now := r.now()
	for k, f := range r.flights {
		if !f.expiresAt.IsZero() && now.After(f.expiresAt) {
			delete(r.flights, k)
		}
	}
	if f, ok := r.flights[key]; ok {
		return f, false
	}
	f := &flight{done: make(chan struct{})}
	r.flights[key] = f
	return f, true
}

func (r *RPCRouter) land(f *flight) {
	r.flightMu.Lock()
	f.expiresAt = r.now().Add(r.ttl)
	r.flightMu.Unlock()
	close(f.done)
}

// Methods lists registered method names in no particular order.
func (r *RPCRouter) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	return names
}

func errorResponse(id string, err *RPCError) *RPCResponse {
	return &RPCResponse{ID: id, JSONRPC: "2.0", Error: err}
}

// toRPCError keeps a handler's *RPCError code and maps anything else to
// InternalError.
func toRPCError(err error) *RPCError {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return &RPCError{Code: InternalError, Message: err.Error()}
}

func (resp RPCResponse) clone() RPCResponse {
	if resp.Error != nil {
		e := *resp.Error
		resp.Error = &e
	}
	return resp
}
