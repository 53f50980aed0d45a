package credentials

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFile(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "credentials.txt"))
	require.NoError(t, store.Load())
	assert.Equal(t, 0, store.Count())
}

func TestLoadParsesLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.txt")
	content := "alice pw1\nbob secret with spaces\n\nmalformed-line\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	store := NewStore(path)
	require.NoError(t, store.Load())

	pwd, ok := store.Get("alice")
	require.True(t, ok)
	assert.Equal(t, "pw1", pwd)

	pwd, ok = store.Get("bob")
	require.True(t, ok)
	assert.Equal(t, "secret with spaces", pwd)

	assert.False(t, store.Exists("malformed-line"))
	assert.Equal(t, 2, store.Count())
}

func TestPutIfAbsent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.txt")
	store := NewStore(path)
	require.NoError(t, store.Load())

	ok, err := store.PutIfAbsent("alice", "pw1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.PutIfAbsent("alice", "other")
	require.NoError(t, err)
	assert.False(t, ok)

	// The original password survives and the file was persisted.
	reloaded := NewStore(path)
	require.NoError(t, reloaded.Load())
	pwd, found := reloaded.Get("alice")
	require.True(t, found)
	assert.Equal(t, "pw1", pwd)
}

func TestPutIfAbsentFailedPersist(t *testing.T) {
	dir := t.TempDir()

	// A regular file where the credential directory should be makes Save fail.
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	store := NewStore(filepath.Join(blocker, "credentials.txt"))

	ok, err := store.PutIfAbsent("alice", "pw1")
	require.Error(t, err)
	assert.False(t, ok)

	// The unpersisted entry must not linger: a retry sees an unregistered
	// name rather than a credential that would vanish on restart.
	assert.False(t, store.Exists("alice"))
	assert.Equal(t, 0, store.Count())
}

func TestPutIfAbsentConcurrent(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "credentials.txt"))
	require.NoError(t, store.Load())

	const racers = 16
	var wg sync.WaitGroup
	wins := make(chan bool, racers)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.PutIfAbsent("alice", "pw")
			assert.NoError(t, err)
			wins <- ok
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for ok := range wins {
		if ok {
			won++
		}
	}
	assert.Equal(t, 1, won, "exactly one registration must win")
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.txt")
	store := NewStore(path)
	require.NoError(t, store.Load())

	_, err := store.PutIfAbsent("alice", "pw1")
	require.NoError(t, err)
	_, err = store.PutIfAbsent("bob", "pw2")
	require.NoError(t, err)

	reloaded := NewStore(path)
	require.NoError(t, reloaded.Load())
	assert.Equal(t, 2, reloaded.Count())
	assert.True(t, reloaded.Exists("alice"))
	assert.True(t, reloaded.Exists("bob"))
}
