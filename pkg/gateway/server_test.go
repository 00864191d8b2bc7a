package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/vigil/pkg/cron"
	"github.com/harun/vigil/pkg/session"
	"github.com/harun/vigil/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRuntime struct {
	mu       sync.Mutex
	sent     []ChatRequest
	running  map[string]bool
	shutdown chan struct{}
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{running: map[string]bool{}, shutdown: make(chan struct{})}
}

func (f *fakeRuntime) Send(_ context.Context, req ChatRequest) (interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, req)
	return map[string]interface{}{"accepted": true, "sessionKey": req.SessionKey}, nil
}

func (f *fakeRuntime) Abort(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	was := f.running[key]
	delete(f.running, key)
	return was
}

func (f *fakeRuntime) IsRunning(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[key]
}

func (f *fakeRuntime) Status(context.Context) (interface{}, error) {
	return map[string]interface{}{"ok": true}, nil
}

func (f *fakeRuntime) Shutdown() { close(f.shutdown) }

type fakeScheduler struct {
	jobs []cron.JobStatus
}

func (f *fakeScheduler) Jobs() []cron.JobStatus { return f.jobs }

func (f *fakeScheduler) RunJob(id string) (cron.Fire, error) {
	for _, j := range f.jobs {
		if j.Job.ID == id {
			return cron.Fire{Job: j.Job, RunID: "r1", SessionKey: "cron:" + id + ":r1", Manual: true}, nil
		}
	}
	return cron.Fire{}, cron.ErrJobNotFound
}

func startServer(t *testing.T, secret string, mutate ...func(*Config)) (*Server, *fakeRuntime) {
	t.Helper()
	rt := newFakeRuntime()
	cfg := Config{
		Addr:         "127.0.0.1:0",
		SharedSecret: secret,
		Runtime:      rt,
		Logger:       zerolog.Nop(),
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	srv, err := NewServer(cfg)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})
	return srv, rt
}

func dial(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr()+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func authenticate(t *testing.T, conn *websocket.Conn, secret string) AuthResult {
	t.Helper()
	var challenge AuthChallenge
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&challenge))
	require.Equal(t, "auth.challenge", challenge.Event)

	require.NoError(t, conn.WriteJSON(AuthResponse{Method: "auth.response", Signature: Sign(secret, challenge.Challenge)}))
	var result AuthResult
	require.NoError(t, conn.ReadJSON(&result))
	return result
}

func call(t *testing.T, conn *websocket.Conn, method string, params map[string]interface{}) RPCResponse {
	t.Helper()
	id := method + "-" + time.Now().Format("150405.000000")
	require.NoError(t, conn.WriteJSON(RPCRequest{ID: id, Method: method, Params: params}))
	for {
		var raw map[string]json.RawMessage
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		require.NoError(t, conn.ReadJSON(&raw))
		if _, isEvent := raw["event"]; isEvent {
			continue
		}
		data, err := json.Marshal(raw)
		require.NoError(t, err)
		var resp RPCResponse
		require.NoError(t, json.Unmarshal(data, &resp))
		require.Equal(t, id, resp.ID)
		return resp
	}
}

func TestServer_SecondBindFails(t *testing.T) {
	first, _ := startServer(t, "")

	second, err := NewServer(Config{Addr: first.Addr(), Runtime: newFakeRuntime(), Logger: zerolog.Nop()})
	require.NoError(t, err)
	err = second.Start()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAddressInUse)

	// The first server is unaffected.
	resp, err := http.Get("http://" + first.Addr() + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_ServesPreboundListener(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	require.NoError(t, err)

	_, err = Listen(ln.Addr().String())
	assert.ErrorIs(t, err, ErrAddressInUse)

	srv, err := NewServer(Config{Listener: ln, Runtime: newFakeRuntime(), Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop(context.Background()) })
	assert.Equal(t, ln.Addr().String(), srv.Addr())

	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	srv, _ := startServer(t, "")

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "# HELP")
}

func TestServer_WebsocketAuth(t *testing.T) {
	srv, rt := startServer(t, "s3cret")

	t.Run("unauthenticated requests are refused", func(t *testing.T) {
		conn := dial(t, srv)
		var challenge AuthChallenge
		require.NoError(t, conn.ReadJSON(&challenge))

		require.NoError(t, conn.WriteJSON(RPCRequest{ID: "1", Method: "status"}))
		var resp RPCResponse
		require.NoError(t, conn.ReadJSON(&resp))
		require.NotNil(t, resp.Error)
		assert.Equal(t, AuthenticationRequired, resp.Error.Code)
	})

	t.Run("valid signature authenticates", func(t *testing.T) {
		conn := dial(t, srv)
		result := authenticate(t, conn, "s3cret")
		require.True(t, result.Success)

		resp := call(t, conn, "chat.send", map[string]interface{}{"sessionKey": "owner", "message": "hi"})
		require.Nil(t, resp.Error)

		rt.mu.Lock()
		defer rt.mu.Unlock()
		require.Len(t, rt.sent, 1)
		assert.Equal(t, "owner", rt.sent[0].SessionKey)
		assert.NotEmpty(t, rt.sent[0].ClientID)
	})

	t.Run("three bad signatures drop the connection", func(t *testing.T) {
		conn := dial(t, srv)
		var challenge AuthChallenge
		require.NoError(t, conn.ReadJSON(&challenge))

		for i := 0; i < 3; i++ {
			require.NoError(t, conn.WriteJSON(AuthResponse{Method: "auth.response", Signature: "bad"}))
			var result AuthResult
			require.NoError(t, conn.ReadJSON(&result))
			assert.False(t, result.Success)
		}
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, _, err := conn.ReadMessage()
		assert.Error(t, err)
	})
}

func TestServer_NoSecretSkipsHandshake(t *testing.T) {
	srv, _ := startServer(t, "")
	conn := dial(t, srv)

	resp := call(t, conn, "status", nil)
	require.Nil(t, resp.Error)
	assert.Equal(t, map[string]interface{}{"ok": true}, resp.Result)
}

func TestServer_HTTPRPC(t *testing.T) {
	srv, rt := startServer(t, "s3cret")

	post := func(secret string, body string) *http.Response {
		req, err := http.NewRequest(http.MethodPost, "http://"+srv.Addr()+"/rpc", bytes.NewBufferString(body))
		require.NoError(t, err)
		if secret != "" {
			req.Header.Set(SecretHeader, secret)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	assert.Equal(t, http.StatusUnauthorized, post("", `{"id":"1","method":"status"}`).StatusCode)
	assert.Equal(t, http.StatusUnauthorized, post("wrong", `{"id":"1","method":"status"}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, post("s3cret", `{nope`).StatusCode)

	resp := post("s3cret", `{"id":"2","method":"daemon.stop"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	select {
	case <-rt.shutdown:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown not requested")
	}
}

func TestServer_OriginCheckWithoutSecret(t *testing.T) {
	unguarded, rt := startServer(t, "")
	guarded, _ := startServer(t, "s3cret")

	dialFrom := func(srv *Server, origin string) (*http.Response, error) {
		conn, resp, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr()+"/ws", http.Header{"Origin": {origin}})
		if err == nil {
			_ = conn.Close()
		}
		return resp, err
	}

	resp, err := dialFrom(unguarded, "https://evil.example")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, err = dialFrom(unguarded, "http://localhost:5173")
	assert.NoError(t, err)
	_, err = dialFrom(unguarded, "http://127.0.0.1:8080")
	assert.NoError(t, err)
	_, err = dialFrom(guarded, "https://evil.example")
	assert.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, "http://"+unguarded.Addr()+"/rpc",
		strings.NewReader(`{"id":"1","method":"chat.send","params":{"sessionKey":"main","message":"hi"}}`))
	require.NoError(t, err)
	req.Header.Set("Origin", "https://evil.example")
	rpcResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer rpcResp.Body.Close()
	assert.Equal(t, http.StatusForbidden, rpcResp.StatusCode)

	rt.mu.Lock()
	defer rt.mu.Unlock()
	assert.Empty(t, rt.sent)
}

func TestServer_ChatValidation(t *testing.T) {
	srv, _ := startServer(t, "")
	conn := dial(t, srv)

	resp := call(t, conn, "chat.send", map[string]interface{}{"sessionKey": "../etc", "message": "x"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, InvalidParams, resp.Error.Code)

	resp = call(t, conn, "chat.send", map[string]interface{}{"sessionKey": "owner"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, InvalidParams, resp.Error.Code)

	resp = call(t, conn, "nope", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, MethodNotFound, resp.Error.Code)
}

func TestServer_SessionMethods(t *testing.T) {
	store, err := session.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	_, err = store.Append(ctx, "owner", session.Turn{Role: session.RoleUser, Kind: session.KindMessage, Content: "hello"})
	require.NoError(t, err)

	srv, rt := startServer(t, "", func(c *Config) { c.Sessions = store })
	conn := dial(t, srv)

	resp := call(t, conn, "sessions.list", nil)
	require.Nil(t, resp.Error)
	assert.Contains(t, mustJSON(t, resp.Result), `"key":"owner"`)

	resp = call(t, conn, "sessions.get", map[string]interface{}{"sessionKey": "owner"})
	require.Nil(t, resp.Error)
	assert.Contains(t, mustJSON(t, resp.Result), "hello")

	resp = call(t, conn, "sessions.get", map[string]interface{}{"sessionKey": "ghost"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, NotFound, resp.Error.Code)

	rt.mu.Lock()
	rt.running["owner"] = true
	rt.mu.Unlock()
	resp = call(t, conn, "sessions.delete", map[string]interface{}{"sessionKey": "owner"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, Conflict, resp.Error.Code)

	rt.Abort("owner")
	resp = call(t, conn, "sessions.delete", map[string]interface{}{"sessionKey": "owner"})
	require.Nil(t, resp.Error)

	_, err = store.Load(ctx, "owner")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestServer_CronMethods(t *testing.T) {
	sched := &fakeScheduler{jobs: []cron.JobStatus{{Job: cron.Job{ID: "daily", Kind: cron.KindCron}}}}
	srv, _ := startServer(t, "", func(c *Config) { c.Scheduler = sched })
	conn := dial(t, srv)

	resp := call(t, conn, "cron.list", nil)
	require.Nil(t, resp.Error)
	assert.Contains(t, mustJSON(t, resp.Result), `"daily"`)

	resp = call(t, conn, "cron.run", map[string]interface{}{"jobId": "daily"})
	require.Nil(t, resp.Error)
	assert.Contains(t, mustJSON(t, resp.Result), "cron:daily:r1")

	resp = call(t, conn, "cron.run", map[string]interface{}{"jobId": "missing"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, NotFound, resp.Error.Code)
}

func TestServer_ApprovalFlow(t *testing.T) {
	var srv *Server
	gate := toolexecutor.NewApprovalGate(2*time.Second, func(ctx context.Context, event string, data map[string]any) {
		srv.Emit(ctx, event, data)
	}, nil)
	srv, _ = startServer(t, "", func(c *Config) { c.Approvals = gate })
	conn := dial(t, srv)

	// Make sure the client is registered before the request is emitted.
	require.Nil(t, call(t, conn, "status", nil).Error)

	outcome := make(chan toolexecutor.ApprovalOutcome, 1)
	go func() {
		out, err := gate.Request(context.Background(), "exec", "rm -rf build")
		assert.NoError(t, err)
		outcome <- out
	}()

	evt := readEvent(t, conn)
	require.Equal(t, toolexecutor.EventApprovalRequest, evt.Event)
	data := evt.Data.(map[string]interface{})
	id, _ := data["approval_id"].(string)
	require.NotEmpty(t, id)

	resp := call(t, conn, "tools.approve", map[string]interface{}{"approval_id": id, "decision": "allow-once"})
	require.Nil(t, resp.Error)

	select {
	case out := <-outcome:
		assert.True(t, out.Approved)
		assert.True(t, strings.HasPrefix(out.Actor, "client:"))
	case <-time.After(2 * time.Second):
		t.Fatal("approval not delivered")
	}

	resp = call(t, conn, "tools.approve", map[string]interface{}{"approval_id": id, "decision": "deny"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, NotFound, resp.Error.Code)
}

func mustJSON(t *testing.T, v interface{}) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}
