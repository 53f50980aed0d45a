// Package forum implements the persistent thread store: one flat file per
// discussion thread, holding a creator line followed by numbered message
// records and unnumbered upload/download audit records.
//
// All mutating operations on a title are serialized through a per-title lock,
// and every rewrite goes through a temporary file plus rename so a crash can
// never leave a partially written thread file. Operations on distinct titles
// proceed independently.
package forum

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// CreatorVerifier reports whether a username is a registered user. The store
// uses it to decide which directory entries are valid thread files (a valid
// thread file starts with a known username).
type CreatorVerifier interface {
	Exists(username string) bool
}

// Store is a flat-file thread store rooted at a single directory.
//
// Thread safety: all methods are safe for concurrent use. Mutations against
// the same title are serialized; reads take the same per-title lock so they
// never observe a half-applied renumbering.
type Store struct {
	dir   string
	creds CreatorVerifier

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a thread store rooted at dir, creating the directory if
// needed.
func NewStore(dir string, creds CreatorVerifier) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create thread directory: %w", err)
	}
	return &Store{
		dir:   dir,
		creds: creds,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

// titleLock returns the mutex serializing operations on one title, creating
// it on first use. Lock entries are never removed; titles are few and small.
func (s *Store) titleLock(title string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[title]
	if !ok {
		l = &sync.Mutex{}
		s.locks[title] = l
	}
	return l
}

// validateTitle rejects titles that cannot serve as storage keys. Titles are
// opaque identifiers but they name files, so path metacharacters are refused.
func validateTitle(title string) error {
	if title == "" {
		return NewInvalidArgumentError(title, "thread title must not be empty")
	}
	if len(title) > 255 {
		return NewInvalidArgumentError(title, "thread title too long")
	}
	if title == "." || title == ".." || strings.ContainsAny(title, "/\\") {
		return NewInvalidArgumentError(title, "thread title contains invalid characters")
	}
	return nil
}

func (s *Store) path(title string) string {
	return filepath.Join(s.dir, title)
}

// load reads a thread file into its creator line and records.
// Caller must hold the title lock.
func (s *Store) load(title string) (string, []Record, error) {
	data, err := os.ReadFile(s.path(title))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil, NewNotFoundError(title)
		}
		return "", nil, fmt.Errorf("failed to read thread file: %w", err)
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	creator := lines[0]
	if creator == "" {
		return "", nil, fmt.Errorf("thread %q: missing creator line", title)
	}

	records := make([]Record, 0, len(lines)-1)
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		rec, err := ParseRecord(line)
		if err != nil {
			return "", nil, fmt.Errorf("thread %q: %w", title, err)
		}
		records = append(records, rec)
	}

	return creator, records, nil
}

// rewrite replaces the thread file atomically: write to a temporary file in
// the same directory, then rename over the original.
// Caller must hold the title lock.
func (s *Store) rewrite(title, creator string, records []Record) error {
	var b strings.Builder
	b.WriteString(creator)
	b.WriteByte('\n')
	for _, rec := range records {
		b.WriteString(rec.String())
		b.WriteByte('\n')
	}

	tmp, err := os.CreateTemp(s.dir, ".thread-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary thread file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(b.String()); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write thread file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close thread file: %w", err)
	}

	if err := os.Rename(tmpName, s.path(title)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to replace thread file: %w", err)
	}
	return nil
}

// Exists reports whether a thread with the given title exists.
func (s *Store) Exists(ctx context.Context, title string) bool {
	if validateTitle(title) != nil {
		return false
	}
	_, err := os.Stat(s.path(title))
	return err == nil
}

// Create creates a new empty thread owned by creator.
//
// Returns ErrAlreadyExists if a thread with that title exists.
func (s *Store) Create(ctx context.Context, title, creator string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateTitle(title); err != nil {
		return err
	}

	lock := s.titleLock(title)
	lock.Lock()
	defer lock.Unlock()

	// O_EXCL makes the existence check and the create one atomic step.
	f, err := os.OpenFile(s.path(title), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return NewAlreadyExistsError(title)
		}
		return fmt.Errorf("failed to create thread file: %w", err)
	}
	if _, err := f.WriteString(creator + "\n"); err != nil {
		// Don't leave a creator-less file behind; it would block a retry
		// with AlreadyExists.
		_ = f.Close()
		_ = os.Remove(s.path(title))
		return fmt.Errorf("failed to write creator line: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(s.path(title))
		return fmt.Errorf("failed to close thread file: %w", err)
	}
	return nil
}

// Post appends a message record authored by author and returns its sequence
// number: 1 + the count of existing message records, audit records excluded.
func (s *Store) Post(ctx context.Context, title, author, body string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := validateTitle(title); err != nil {
		return 0, err
	}

	lock := s.titleLock(title)
	lock.Lock()
	defer lock.Unlock()

	creator, records, err := s.load(title)
	if err != nil {
		return 0, err
	}

	seq := CountMessages(records) + 1
	records = append(records, Message(seq, author, body))

	if err := s.rewrite(title, creator, records); err != nil {
		return 0, err
	}
	return seq, nil
}

// DeleteMessage removes the message record carrying sequence number num and
// renumbers the surviving message records to dense 1..N' in their stored
// order. Audit records keep their positions untouched.
//
// Fails with ErrNotFound if the thread or the numbered message is absent, and
// ErrPermissionDenied if author did not post the message.
func (s *Store) DeleteMessage(ctx context.Context, title, author string, num int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateTitle(title); err != nil {
		return err
	}

	lock := s.titleLock(title)
	lock.Lock()
	defer lock.Unlock()

	creator, records, err := s.load(title)
	if err != nil {
		return err
	}

	idx := FindMessage(records, num)
	if idx < 0 {
		return &StoreError{Code: ErrNotFound, Message: "message number does not exist", Title: title}
	}
	if records[idx].Author != author {
		return NewPermissionDeniedError(title, "only the poster may delete a message")
	}

	records = append(records[:idx], records[idx+1:]...)
	Renumber(records)

	return s.rewrite(title, creator, records)
}

// EditMessage replaces the body of the message carrying sequence number num,
// keeping its sequence number and author.
//
// Same lookup and ownership rules as DeleteMessage.
func (s *Store) EditMessage(ctx context.Context, title, author string, num int, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateTitle(title); err != nil {
		return err
	}

	lock := s.titleLock(title)
	lock.Lock()
	defer lock.Unlock()

	creator, records, err := s.load(title)
	if err != nil {
		return err
	}

	idx := FindMessage(records, num)
	if idx < 0 {
		return &StoreError{Code: ErrNotFound, Message: "message number does not exist", Title: title}
	}
	if records[idx].Author != author {
		return NewPermissionDeniedError(title, "only the poster may edit a message")
	}

	records[idx].Body = body

	return s.rewrite(title, creator, records)
}

// AppendAudit appends an unnumbered audit record recording a completed
// transfer.
func (s *Store) AppendAudit(ctx context.Context, title, actor, verb, filename string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateTitle(title); err != nil {
		return err
	}

	lock := s.titleLock(title)
	lock.Lock()
	defer lock.Unlock()

	creator, records, err := s.load(title)
	if err != nil {
		return err
	}

	records = append(records, Audit(actor, verb, filename))

	return s.rewrite(title, creator, records)
}

// Read returns every record of the thread except the leading creator line, in
// stored order.
func (s *Store) Read(ctx context.Context, title string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateTitle(title); err != nil {
		return nil, err
	}

	lock := s.titleLock(title)
	lock.Lock()
	defer lock.Unlock()

	_, records, err := s.load(title)
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Creator returns the username that created the thread.
func (s *Store) Creator(ctx context.Context, title string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := validateTitle(title); err != nil {
		return "", err
	}

	lock := s.titleLock(title)
	lock.Lock()
	defer lock.Unlock()

	creator, _, err := s.load(title)
	if err != nil {
		return "", err
	}
	return creator, nil
}

// List enumerates the titles of all valid threads: directory entries whose
// first line is a registered username. The result is sorted by the directory
// listing order of the underlying filesystem.
func (s *Store) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list thread directory: %w", err)
	}

	var titles []string
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		f, err := os.Open(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue
		}
		creator := readFirstLine(f)
		_ = f.Close()
		if s.creds != nil && s.creds.Exists(creator) {
			titles = append(titles, entry.Name())
		}
	}
	return titles, nil
}

// Remove deletes the thread file. Only the creator may remove a thread.
// Attachment cleanup is the caller's responsibility (the blob store owns
// attachment keys).
func (s *Store) Remove(ctx context.Context, title, requester string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateTitle(title); err != nil {
		return err
	}

	lock := s.titleLock(title)
	lock.Lock()
	defer lock.Unlock()

	creator, _, err := s.load(title)
	if err != nil {
		return err
	}
	if creator != requester {
		return NewPermissionDeniedError(title, "only the thread creator may remove it")
	}

	if err := os.Remove(s.path(title)); err != nil {
		return fmt.Errorf("failed to remove thread file: %w", err)
	}
	return nil
}

func readFirstLine(f *os.File) string {
	buf := make([]byte, 256)
	n, _ := f.Read(buf)
	line := string(buf[:n])
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	return strings.TrimRight(line, "\r")
}

// Healthcheck verifies the thread directory is present and readable.
func (s *Store) Healthcheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := os.Stat(s.dir)
	if err != nil {
		return fmt.Errorf("thread directory unavailable: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("thread path %q is not a directory", s.dir)
	}
	return nil
}
