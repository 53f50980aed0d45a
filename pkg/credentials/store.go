// Package credentials implements the username/password store backed by a
// plain "username password" line file.
//
// The store is loaded once at startup and kept in memory; registration of a
// new user writes the whole file back atomically. An optional fsnotify
// watcher picks up external edits to the file (operator adding or removing
// accounts while the server runs).
package credentials

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Store is a file-backed username -> password map.
//
// Thread safety: all methods are safe for concurrent use. PutIfAbsent checks
// and inserts under one lock so two sessions registering the same name cannot
// both succeed.
type Store struct {
	path string

	mu    sync.RWMutex
	users map[string]string
}

// NewStore creates a store persisting to the given file path. Call Load to
// read existing credentials before use.
func NewStore(path string) *Store {
	return &Store{
		path:  path,
		users: make(map[string]string),
	}
}

// Load reads the credential file into memory. A missing file is not an
// error; the store starts empty and the file is created on first
// registration.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read credential file: %w", err)
	}

	users := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		// One split only: passwords may contain spaces.
		parts := strings.SplitN(line, " ", 2)
		if len(parts) != 2 {
			continue
		}
		users[parts[0]] = parts[1]
	}

	s.mu.Lock()
	s.users = users
	s.mu.Unlock()
	return nil
}

// Save writes the credential file atomically (temporary file plus rename).
func (s *Store) Save() error {
	s.mu.RLock()
	var b strings.Builder
	for name, pwd := range s.users {
		b.WriteString(name)
		b.WriteByte(' ')
		b.WriteString(pwd)
		b.WriteByte('\n')
	}
	s.mu.RUnlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create credential directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".credentials-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary credential file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(b.String()); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write credential file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close credential file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to replace credential file: %w", err)
	}
	return nil
}

// Get returns the stored password for a username.
func (s *Store) Get(username string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pwd, ok := s.users[username]
	return pwd, ok
}

// Exists reports whether a username is registered.
func (s *Store) Exists(username string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.users[username]
	return ok
}

// PutIfAbsent registers a new credential and persists the file. Returns
// false without writing if the username is already registered.
func (s *Store) PutIfAbsent(username, password string) (bool, error) {
	s.mu.Lock()
	if _, ok := s.users[username]; ok {
		s.mu.Unlock()
		return false, nil
	}
	s.users[username] = password
	s.mu.Unlock()

	if err := s.Save(); err != nil {
		// The credential never reached disk; drop it so a retry starts over
		// instead of being told the user already exists.
		s.mu.Lock()
		delete(s.users, username)
		s.mu.Unlock()
		return false, err
	}
	return true, nil
}

// Count returns the number of registered users.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}
