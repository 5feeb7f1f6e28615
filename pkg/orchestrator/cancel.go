package orchestrator

import "sync"

// CancelToken lets an external caller request cancellation of a running
// job. It is checked between phases and before each script, per spec.md
// §5's cancellation model; it does not use context.Context directly
// because a job's cancellation is a business decision distinct from the
// process-wide context.
type CancelToken struct {
	mu        sync.Mutex
	cancelled bool
	reason    string
}

// NewCancelToken returns a token in the not-cancelled state.
func NewCancelToken() *CancelToken {
	return &CancelToken{}
}

// Cancel marks the token cancelled with reason. Idempotent.
func (t *CancelToken) Cancel(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.cancelled {
		t.cancelled = true
		t.reason = reason
	}
}

// Cancelled reports whether Cancel has been called, and with what reason.
func (t *CancelToken) Cancelled() (bool, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled, t.reason
}

// Registry tracks live CancelTokens keyed by container ID so an external
// API surface can cancel a running job by container ID.
type Registry struct {
	mu     sync.Mutex
	tokens map[string]*CancelToken
}

// NewRegistry returns an empty token registry.
func NewRegistry() *Registry {
	return &Registry{tokens: make(map[string]*CancelToken)}
}

// Register associates token with containerID, replacing any prior token.
func (r *Registry) Register(containerID string, token *CancelToken) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[containerID] = token
}

// Unregister removes containerID's token once its job has concluded.
func (r *Registry) Unregister(containerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tokens, containerID)
}

// Cancel requests cancellation of containerID's running job, if any. It
// reports false if no job is currently registered for that container.
func (r *Registry) Cancel(containerID, reason string) bool {
	r.mu.Lock()
	token, ok := r.tokens[containerID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	token.Cancel(reason)
	return true
}
