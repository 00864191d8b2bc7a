// Package router maps model calls onto concrete (model, credential) pairs.
//
// Each agent has an ordered fallback chain of models; each provider has a pool
// of auth profiles. A failed call rotates to another healthy profile of the same
// provider first and advances the chain only when that provider has none left.
// Successful pairs are pinned per session to keep provider-side caches warm.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/vigil/internal/observability"
	"github.com/harun/vigil/internal/tracing"
	"github.com/harun/vigil/pkg/provider"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const (
	pinNamespace    = "router.pins"
	healthNamespace = "router.health"
	maxErrorLen     = 300
)

// KV persists pins and profile health across restarts.
type KV interface {
	GetKV(ctx context.Context, namespace, key string) (string, bool, error)
	PutKV(ctx context.Context, namespace, key, value string) error
	ListKV(ctx context.Context, namespace string) (map[string]string, error)
}

// ChainEntry is one (model, preferred profile) step of a fallback chain.
type ChainEntry struct {
	Model    string `json:"model"`
	Provider string `json:"provider"`
	Profile  string `json:"profile,omitempty"`
}

// Chain is consulted left to right.
type Chain []ChainEntry

// CallHandle names the pair a call was (or would be) sent to.
type CallHandle struct {
	Model     string `json:"model"`
	Provider  string `json:"provider"`
	ProfileID string `json:"profile_id"`
}

// CallResult is a successful model call.
type CallResult struct {
	Response *provider.Response
	Handle   CallHandle
	Attempts int
}

// CallOption tweaks one Call.
type CallOption func(*callOptions)

type callOptions struct {
	onReset func(CallHandle)
}

// WithResetHook registers fn to run when an attempt that already streamed
// deltas fails and the call moves on to another profile or model.
func WithResetHook(fn func(CallHandle)) CallOption {
	return func(o *callOptions) { o.onReset = fn }
}

// Options configures a Router.
type Options struct {
	// Cooldown is multiplied by the failure count, capped at MaxCooldown.
	Cooldown    time.Duration
	MaxCooldown time.Duration
	// ExhaustedBackoff parks quota-exhausted profiles.
	ExhaustedBackoff time.Duration
	// TransientBackoff is the pause before the single same-profile retry.
	TransientBackoff time.Duration

	Factory provider.Factory
	KV      KV
	Now     func() time.Time
}

type pin struct {
	Model    string    `json:"model"`
	Provider string    `json:"provider"`
	Profile  string    `json:"profile"`
	At       time.Time `json:"at"`
}

// Router owns the auth profile pool. Nothing else touches profile health or
// credentials.
type Router struct {
	opts       Options
	profiles   map[string]*Profile
	byProvider map[string][]*Profile

	pinsMu sync.Mutex
	pins   map[string]pin
}

// New builds a router over the given profiles.
func New(profiles []ProfileConfig, opts Options) (*Router, error) {
	observability.EnsureRegistered()

	if opts.Cooldown <= 0 {
		opts.Cooldown = time.Minute
	}
	if opts.MaxCooldown <= 0 {
		opts.MaxCooldown = 30 * time.Minute
	}
	if opts.MaxCooldown < opts.Cooldown {
		opts.MaxCooldown = opts.Cooldown
	}
	if opts.ExhaustedBackoff <= 0 {
		opts.ExhaustedBackoff = 6 * time.Hour
	}
	if opts.TransientBackoff <= 0 {
		opts.TransientBackoff = 500 * time.Millisecond
	}
	if opts.Factory == nil {
		opts.Factory = provider.New
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	r := &Router{
		opts:       opts,
		profiles:   make(map[string]*Profile, len(profiles)),
		byProvider: make(map[string][]*Profile),
		pins:       make(map[string]pin),
	}
	for _, pc := range profiles {
		if pc.ID == "" || pc.Provider == "" {
			return nil, fmt.Errorf("profile requires id and provider")
		}
		if _, dup := r.profiles[pc.ID]; dup {
			return nil, fmt.Errorf("duplicate profile id %q", pc.ID)
		}
		p := &Profile{
			id:       pc.ID,
			provider: pc.Provider,
			priority: pc.Priority,
			cred:     pc.Credential,
			health:   HealthHealthy,
		}
		r.profiles[pc.ID] = p
		r.byProvider[pc.Provider] = append(r.byProvider[pc.Provider], p)
		observability.SetProfileHealth(p.id, p.provider, HealthHealthy.level())
	}
	for _, pool := range r.byProvider {
		sort.SliceStable(pool, func(i, j int) bool { return pool[i].priority < pool[j].priority })
	}
	return r, nil
}

// Restore loads persisted profile health and session pins.
func (r *Router) Restore(ctx context.Context) error {
	if r.opts.KV == nil {
		return nil
	}

	states, err := r.opts.KV.ListKV(ctx, healthNamespace)
	if err != nil {
		return fmt.Errorf("failed to load profile health: %w", err)
	}
	for id, raw := range states {
		p, ok := r.profiles[id]
		if !ok {
			continue
		}
		var st profileState
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			log.Warn().Str("profile_id", id).Err(err).Msg("Ignoring corrupt profile health record")
			continue
		}
		p.restore(st)
	}

	pins, err := r.opts.KV.ListKV(ctx, pinNamespace)
	if err != nil {
		return fmt.Errorf("failed to load session pins: %w", err)
	}
	r.pinsMu.Lock()
	defer r.pinsMu.Unlock()
	for key, raw := range pins {
		var p pin
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			continue
		}
		r.pins[key] = p
	}

	log.Info().Int("profiles", len(states)).Int("pins", len(pins)).Msg("Router state restored")
	return nil
}

type candidate struct {
	entry   ChainEntry
	profile *Profile
}

// candidates lists every (entry, profile) pair in try order: the session's
// pinned pair first, then each chain entry left to right with its preferred
// profile ahead of the rest of its provider's pool.
func (r *Router) candidates(sessionKey string, chain Chain) []candidate {
	r.pinsMu.Lock()
	pinned, hasPin := r.pins[sessionKey]
	r.pinsMu.Unlock()

	order := make([]int, 0, len(chain))
	pinnedEntry := -1
	if hasPin {
		for i, e := range chain {
			if e.Model == pinned.Model && e.Provider == pinned.Provider {
				pinnedEntry = i
				order = append(order, i)
				break
			}
		}
	}
	for i := range chain {
		if i != pinnedEntry {
			order = append(order, i)
		}
	}

	var out []candidate
	for _, i := range order {
		entry := chain[i]
		first := entry.Profile
		if i == pinnedEntry {
			first = pinned.Profile
		}
		var seen []string
		if p, ok := r.profiles[first]; ok && p.provider == entry.Provider {
			out = append(out, candidate{entry: entry, profile: p})
			seen = append(seen, first)
		}
		if i == pinnedEntry && entry.Profile != "" && entry.Profile != first {
			if p, ok := r.profiles[entry.Profile]; ok && p.provider == entry.Provider {
				out = append(out, candidate{entry: entry, profile: p})
				seen = append(seen, entry.Profile)
			}
		}
		for _, p := range r.byProvider[entry.Provider] {
			if !contains(seen, p.id) {
				out = append(out, candidate{entry: entry, profile: p})
			}
		}
	}
	return out
}

func contains(ids []string, id string) bool {
	for _, s := range ids {
		if s == id {
			return true
		}
	}
	return false
}

// Resolve returns the pair the next call for this session would try first.
func (r *Router) Resolve(agentID, sessionKey string, chain Chain) (CallHandle, error) {
	if len(chain) == 0 {
		return CallHandle{}, ErrEmptyChain
	}
	now := r.opts.Now()
	for _, c := range r.candidates(sessionKey, chain) {
		if c.profile.available(now) {
			return handleFor(c), nil
		}
	}
	return CallHandle{}, fmt.Errorf("%w: agent %s has no healthy profile", ErrChainExhausted, agentID)
}

func handleFor(c candidate) CallHandle {
	return CallHandle{Model: c.entry.Model, Provider: c.entry.Provider, ProfileID: c.profile.id}
}

// Call sends req down the failover cascade. Auth and rate-limit failures cool
// the profile down and rotate; quota failures park it longer; a transient
// failure is retried once on the same profile. Fatal request errors and
// cancellation return immediately.
func (r *Router) Call(ctx context.Context, agentID, sessionKey string, chain Chain, req provider.Request, opts ...CallOption) (*CallResult, error) {
	ctx, span := tracing.StartSpan(ctx, "vigil.router", "router.call",
		attribute.String("agent_id", agentID),
		attribute.String("session_key", sessionKey),
	)
	res, err := r.call(ctx, agentID, sessionKey, chain, req, opts...)
	if res != nil {
		span.SetAttributes(
			attribute.String("model", res.Handle.Model),
			attribute.String("profile_id", res.Handle.ProfileID),
			attribute.Int("attempts", res.Attempts),
		)
	}
	tracing.EndSpan(span, err)
	return res, err
}

func (r *Router) call(ctx context.Context, agentID, sessionKey string, chain Chain, req provider.Request, opts ...CallOption) (*CallResult, error) {
	if len(chain) == 0 {
		return nil, ErrEmptyChain
	}
	var co callOptions
	for _, o := range opts {
		o(&co)
	}
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	var lastErr error
	attempts := 0
	for _, c := range r.candidates(sessionKey, chain) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !c.profile.available(r.opts.Now()) {
			logger.Debug().Str("profile_id", c.profile.id).Msg("Skipping unavailable profile")
			continue
		}

		handle := handleFor(c)
		for try := 0; ; try++ {
			attempts++
			resp, err := r.attempt(ctx, c, req, co)
			if err == nil {
				r.markSuccess(ctx, c.profile)
				r.setPin(ctx, sessionKey, handle)
				return &CallResult{Response: resp, Handle: handle, Attempts: attempts}, nil
			}
			lastErr = err

			class := provider.Classify(err)
			logger.Warn().
				Str("model", handle.Model).
				Str("profile_id", handle.ProfileID).
				Str("class", string(class)).
				Err(err).
				Msg("Model call failed")

			switch class {
			case provider.ClassCanceled:
				return nil, err
			case provider.ClassFatal:
				return nil, err
			case provider.ClassTransient:
				if try == 0 {
					if !sleep(ctx, r.opts.TransientBackoff) {
						return nil, ctx.Err()
					}
					continue
				}
			}
			r.markFailure(ctx, c.profile, class, err)
			break
		}
	}

	if lastErr == nil {
		return nil, fmt.Errorf("%w: no healthy profile for agent %s", ErrChainExhausted, agentID)
	}
	logger.Error().Err(lastErr).Int("attempts", attempts).Msg("All models and profiles failed")
	return nil, fmt.Errorf("%w: %w", ErrChainExhausted, lastErr)
}

func (r *Router) attempt(ctx context.Context, c candidate, req provider.Request, co callOptions) (*provider.Response, error) {
	client, err := r.client(c.profile)
	if err != nil {
		return nil, &provider.Error{Provider: c.profile.provider, Class: provider.ClassAuth, Err: err}
	}

	req.Model = c.entry.Model
	streamed := false
	if req.OnDelta != nil {
		forward := req.OnDelta
		req.OnDelta = func(text string) {
			streamed = true
			forward(text)
		}
	}

	start := r.opts.Now()
	resp, err := client.Complete(ctx, req)
	elapsed := r.opts.Now().Sub(start)
	if err != nil {
		observability.RecordProviderCall(c.profile.provider, c.entry.Model, string(provider.Classify(err)), elapsed)
		if streamed && co.onReset != nil {
			co.onReset(handleFor(c))
		}
		return nil, err
	}
	observability.RecordProviderCall(c.profile.provider, c.entry.Model, "success", elapsed)
	return resp, nil
}

func (r *Router) client(p *Profile) (provider.Provider, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return p.client, nil
	}
	client, err := r.opts.Factory(p.provider, p.cred)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s client for %s: %w", p.provider, p.id, err)
	}
	p.client = client
	return client, nil
}

func (r *Router) markSuccess(ctx context.Context, p *Profile) {
	p.mu.Lock()
	p.health = HealthHealthy
	p.cooldownUntil = time.Time{}
	p.failures = 0
	p.lastError = ""
	p.lastUsed = r.opts.Now()
	st := p.snapshotLocked()
	p.mu.Unlock()

	observability.SetProfileHealth(p.id, p.provider, HealthHealthy.level())
	r.persistHealth(ctx, p.id, st)
}

// markFailure moves a profile out of rotation. The failure count and the
// cooldown window are updated under the profile lock so concurrent sessions
// failing on the same profile both count.
func (r *Router) markFailure(ctx context.Context, p *Profile, class provider.Class, cause error) {
	now := r.opts.Now()

	p.mu.Lock()
	p.failures++
	p.lastError = truncate(cause.Error(), maxErrorLen)
	if class == provider.ClassQuota {
		p.health = HealthExhausted
		p.cooldownUntil = now.Add(r.opts.ExhaustedBackoff)
	} else {
		window := r.opts.Cooldown * time.Duration(p.failures)
		if window > r.opts.MaxCooldown || window <= 0 {
			window = r.opts.MaxCooldown
		}
		p.health = HealthCoolingDown
		p.cooldownUntil = now.Add(window)
	}
	st := p.snapshotLocked()
	p.mu.Unlock()

	observability.SetProfileHealth(p.id, p.provider, st.Health.level())
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Warn().
		Str("profile_id", p.id).
		Str("health", string(st.Health)).
		Time("cooldown_until", st.CooldownUntil).
		Int("failures", st.Failures).
		Msg("Auth profile taken out of rotation")
	r.persistHealth(ctx, p.id, st)
}

func (r *Router) persistHealth(ctx context.Context, id string, st profileState) {
	if r.opts.KV == nil {
		return
	}
	data, err := json.Marshal(st)
	if err != nil {
		return
	}
	if err := r.opts.KV.PutKV(tracing.Detach(ctx), healthNamespace, id, string(data)); err != nil {
		log.Warn().Str("profile_id", id).Err(err).Msg("Failed to persist profile health")
	}
}

func (r *Router) setPin(ctx context.Context, sessionKey string, h CallHandle) {
	if sessionKey == "" {
		return
	}
	r.pinsMu.Lock()
	cur, ok := r.pins[sessionKey]
	if ok && cur.Model == h.Model && cur.Provider == h.Provider && cur.Profile == h.ProfileID {
		r.pinsMu.Unlock()
		return
	}
	p := pin{Model: h.Model, Provider: h.Provider, Profile: h.ProfileID, At: r.opts.Now()}
	r.pins[sessionKey] = p
	r.pinsMu.Unlock()

	if r.opts.KV == nil {
		return
	}
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := r.opts.KV.PutKV(tracing.Detach(ctx), pinNamespace, sessionKey, string(data)); err != nil {
		log.Warn().Str("session_key", sessionKey).Err(err).Msg("Failed to persist session pin")
	}
}

// Pin returns the session's pinned pair, if any.
func (r *Router) Pin(sessionKey string) (CallHandle, bool) {
	r.pinsMu.Lock()
	defer r.pinsMu.Unlock()
	p, ok := r.pins[sessionKey]
	if !ok {
		return CallHandle{}, false
	}
	return CallHandle{Model: p.Model, Provider: p.Provider, ProfileID: p.Profile}, true
}

// UpdateCredential writes refreshed credential material back into a profile.
// The cached client is dropped so the next call uses the new secret.
func (r *Router) UpdateCredential(ctx context.Context, profileID string, cred provider.Credential) error {
	p, ok := r.profiles[profileID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProfile, profileID)
	}
	p.mu.Lock()
	p.cred = cred
	p.client = nil
	p.mu.Unlock()

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Info().Str("profile_id", profileID).Msg("Auth profile credential updated")
	return nil
}

// Status returns a snapshot of every profile, ordered by provider and priority.
func (r *Router) Status() []ProfileStatus {
	now := r.opts.Now()
	out := make([]ProfileStatus, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p.status(now))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
