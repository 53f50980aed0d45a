package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActiveUsersClaimRelease(t *testing.T) {
	active := NewActiveUsers()

	assert.True(t, active.Claim("alice"))
	assert.False(t, active.Claim("alice"), "second claim must fail")
	assert.True(t, active.Active("alice"))
	assert.Equal(t, 1, active.Count())

	active.Release("alice")
	assert.False(t, active.Active("alice"))
	assert.True(t, active.Claim("alice"), "claim after release succeeds")

	// Releasing an unclaimed name is a no-op.
	active.Release("bob")
}

func TestActiveUsersConcurrentClaim(t *testing.T) {
	active := NewActiveUsers()

	const racers = 32
	var wg sync.WaitGroup
	wins := make(chan bool, racers)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wins <- active.Claim("alice")
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
	assert.Equal(t, 1, won, "exactly one concurrent claim must win")
}

func TestPendingReserveClaim(t *testing.T) {
	pending := NewPendingTransfers(time.Minute)

	id, err := pending.Reserve("10.0.0.1", Transfer{
		Direction: Upload,
		Title:     "coffee",
		Filename:  "photo.png",
		Username:  "alice",
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, id)

	got, ok := pending.Claim("10.0.0.1")
	require.True(t, ok)
	assert.Equal(t, Upload, got.Direction)
	assert.Equal(t, "coffee", got.Title)
	assert.Equal(t, "photo.png", got.Filename)
	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, id, got.ID)

	// Claim consumes the reservation; a second connection gets nothing.
	_, ok = pending.Claim("10.0.0.1")
	assert.False(t, ok)
}

func TestPendingOneReservationPerClient(t *testing.T) {
	pending := NewPendingTransfers(time.Minute)

	_, err := pending.Reserve("10.0.0.1", Transfer{Direction: Upload, Title: "coffee", Filename: "a"})
	require.NoError(t, err)

	_, err = pending.Reserve("10.0.0.1", Transfer{Direction: Download, Title: "tea", Filename: "b"})
	assert.ErrorIs(t, err, ErrReservationExists)

	// A different client is unaffected.
	_, err = pending.Reserve("10.0.0.2", Transfer{Direction: Download, Title: "tea", Filename: "b"})
	assert.NoError(t, err)
}

func TestPendingExpiry(t *testing.T) {
	pending := NewPendingTransfers(20 * time.Millisecond)

	_, err := pending.Reserve("10.0.0.1", Transfer{Direction: Upload, Title: "coffee", Filename: "a"})
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)

	// Expired reservations cannot be claimed...
	_, ok := pending.Claim("10.0.0.1")
	assert.False(t, ok)

	// ...and do not block a fresh negotiation.
	_, err = pending.Reserve("10.0.0.1", Transfer{Direction: Download, Title: "tea", Filename: "b"})
	assert.NoError(t, err)
}

func TestPendingSweep(t *testing.T) {
	pending := NewPendingTransfers(10 * time.Millisecond)

	_, err := pending.Reserve("10.0.0.1", Transfer{Direction: Upload, Title: "coffee", Filename: "a"})
	require.NoError(t, err)
	_, err = pending.Reserve("10.0.0.2", Transfer{Direction: Download, Title: "tea", Filename: "b"})
	require.NoError(t, err)
	assert.Equal(t, 2, pending.Len())

	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, 2, pending.sweep())
	assert.Equal(t, 0, pending.Len())
}

func TestDirectionString(t *testing.T) {
	assert.Equal(t, "upload", Upload.String())
	assert.Equal(t, "download", Download.String())
}
