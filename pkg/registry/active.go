// Package registry holds the server's shared ephemeral state: the set of
// usernames with a live session and the table of pending transfers bridging
// control-plane negotiation to the data plane.
//
// Both registries are plain mutex-guarded maps owned by the server and passed
// explicitly to the components that need them; nothing here is a package
// global.
package registry

import "sync"

// ActiveUsers tracks which usernames currently hold a live session.
//
// Invariant: a username is a member exactly while one session holds it. Claim
// performs the membership test and the insertion under one lock, so two
// concurrent logins for the same name cannot both succeed.
type ActiveUsers struct {
	mu    sync.Mutex
	users map[string]struct{}
}

// NewActiveUsers creates an empty registry.
func NewActiveUsers() *ActiveUsers {
	return &ActiveUsers{users: make(map[string]struct{})}
}

// Claim atomically claims a username for a session. Returns false if the
// username already has a live session.
func (a *ActiveUsers) Claim(username string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.users[username]; ok {
		return false
	}
	a.users[username] = struct{}{}
	return true
}

// Release frees a username claim. Releasing an unclaimed name is a no-op.
func (a *ActiveUsers) Release(username string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.users, username)
}

// Active reports whether a username currently holds a session.
func (a *ActiveUsers) Active(username string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.users[username]
	return ok
}

// Count returns the number of live sessions.
func (a *ActiveUsers) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.users)
}
