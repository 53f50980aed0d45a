package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/threadline/threadline/internal/logger"
)

// Direction says which way attachment bytes flow on the data plane.
type Direction int

const (
	// Upload streams bytes from the client into the attachment store.
	Upload Direction = iota

	// Download streams stored attachment bytes back to the client.
	Download
)

// String returns the direction name used in logs and metrics labels.
func (d Direction) String() string {
	if d == Upload {
		return "upload"
	}
	return "download"
}

// ErrReservationExists is returned by Reserve when the client already has an
// unclaimed reservation. One reservation per client at a time keeps a later
// data-plane connection from being attributed to the wrong negotiation.
var ErrReservationExists = errors.New("a transfer is already pending for this client")

// Transfer is a negotiated transfer waiting for its data-plane connection.
type Transfer struct {
	// ID correlates the negotiation with the transfer worker in logs.
	ID uuid.UUID

	Direction Direction
	Title     string
	Filename  string
	Username  string

	// ControlAddr is the full control-plane address of the negotiating
	// session, kept for logging. The reservation itself is keyed by IP only:
	// the data-plane connection arrives from an unrelated source port.
	ControlAddr string

	expiresAt time.Time
}

// PendingTransfers maps a client IP to its one outstanding reservation.
//
// A reservation is consumed exactly once: Claim removes it. Reservations not
// claimed within the TTL are expired, either lazily on the next Reserve/Claim
// for that IP or by the background sweep.
type PendingTransfers struct {
	ttl time.Duration

	mu   sync.Mutex
	byIP map[string]Transfer
}

// NewPendingTransfers creates an empty reservation table. Reservations live
// at most ttl before an arriving connection can no longer claim them.
func NewPendingTransfers(ttl time.Duration) *PendingTransfers {
	return &PendingTransfers{
		ttl:  ttl,
		byIP: make(map[string]Transfer),
	}
}

// Reserve records a negotiated transfer for the client at ip and returns its
// reservation ID. Fails with ErrReservationExists if an unexpired reservation
// for that IP is still outstanding.
func (p *PendingTransfers) Reserve(ip string, t Transfer) (uuid.UUID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.byIP[ip]; ok && time.Now().Before(existing.expiresAt) {
		return uuid.Nil, ErrReservationExists
	}

	t.ID = uuid.New()
	t.expiresAt = time.Now().Add(p.ttl)
	p.byIP[ip] = t
	return t.ID, nil
}

// Claim consumes the reservation for ip. The second claim for the same
// reservation, or a claim after expiry, returns false.
func (p *PendingTransfers) Claim(ip string) (Transfer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.byIP[ip]
	if !ok {
		return Transfer{}, false
	}
	delete(p.byIP, ip)

	if time.Now().After(t.expiresAt) {
		return Transfer{}, false
	}
	return t, true
}

// Len returns the number of outstanding reservations, expired ones included
// until the next sweep.
func (p *PendingTransfers) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byIP)
}

// sweep drops expired reservations and returns how many were removed.
func (p *PendingTransfers) sweep() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	removed := 0
	for ip, t := range p.byIP {
		if now.After(t.expiresAt) {
			delete(p.byIP, ip)
			removed++
		}
	}
	return removed
}

// ExpireLoop periodically drops expired reservations until the context is
// cancelled, reporting each sweep's count to onExpire (which may be nil).
// Run it in its own goroutine.
func (p *PendingTransfers) ExpireLoop(ctx context.Context, interval time.Duration, onExpire func(count int)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := p.sweep(); n > 0 {
				logger.Debug("Expired unclaimed transfer reservations", "count", n)
				if onExpire != nil {
					onExpire(n)
				}
			}
		}
	}
}
