package session

import "sync"

// ExpiredMessage is shown when a stream is rejected with 401
const ExpiredMessage = "登录已过期，请重新登录"

// AuthService is the part of the auth state the orchestrators touch
type AuthService interface {
	ClearError()
}

// Navigator performs a view change, e.g. to the login view
type Navigator interface {
	Push(path string)
}

// AuthState caches the logged-in user and the last auth error
type AuthState struct {
	mu   sync.RWMutex
	user *User
	err  string
}

// NewAuthState creates an empty, logged-out state
func NewAuthState() *AuthState {
	return &AuthState{}
}

// SetUser records the logged-in user; nil logs out
func (a *AuthState) SetUser(u *User) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.user = u
}

// User returns the logged-in user, or nil
func (a *AuthState) User() *User {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.user
}

// IsAuthenticated reports whether a user is logged in
func (a *AuthState) IsAuthenticated() bool {
	return a.User() != nil
}

// SetError records a user-facing auth error
func (a *AuthState) SetError(msg string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.err = msg
}

// Error returns the last auth error
func (a *AuthState) Error() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.err
}

// ClearError drops the cached auth error
func (a *AuthState) ClearError() {
	a.SetError("")
}

// Router tracks the current view. Listeners are notified on every Push.
type Router struct {
	mu       sync.Mutex
	current  string
	listener func(path string)
}

// NewRouter creates a router positioned at start
func NewRouter(start string) *Router {
	return &Router{current: start}
}

// OnNavigate registers fn to run after each Push
func (r *Router) OnNavigate(fn func(path string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listener = fn
}

// Push navigates to path
func (r *Router) Push(path string) {
	r.mu.Lock()
	r.current = path
	fn := r.listener
	r.mu.Unlock()

	if fn != nil {
		fn(path)
	}
}

// Current returns the current path
func (r *Router) Current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}
