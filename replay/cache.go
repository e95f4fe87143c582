// Package replay stores fingerprints of accepted payment assertions so that
// no assertion is accepted twice.
package replay

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vitwit/x402-burn/types"
)

// Cache is a short-lived fingerprint store. PutIfAbsent is the only write
// and must be an atomic check-and-set: for concurrent calls with the same
// fingerprint, exactly one returns true.
type Cache interface {
	Has(ctx context.Context, fingerprint string) (bool, error)
	PutIfAbsent(ctx context.Context, fingerprint string, assertion *types.PaymentAssertion) (bool, error)
	Sweep(ctx context.Context) (int, error)
	Len() int
}

// Fingerprint derives the replay key of an assertion.
func Fingerprint(a *types.PaymentAssertion, mode types.FingerprintMode) string {
	payer := strings.ToLower(strings.TrimSpace(a.Payer))
	if mode == types.FingerprintPayerNonce {
		return payer + "|" + a.Nonce
	}
	return payer + "|" + a.Nonce + "|" + strconv.FormatInt(a.Timestamp, 10)
}

// RefFingerprint is the replay key of an on-chain transfer reference. Hex
// hashes compare case-insensitively; Solana signatures are base58 and do not.
func RefFingerprint(network types.Network, ref string) string {
	ref = strings.TrimSpace(ref)
	if !network.IsSolana() {
		ref = strings.ToLower(ref)
	}
	return "ref|" + network.String() + "|" + ref
}

type entry struct {
	assertion types.PaymentAssertion
	storedAt  time.Time
}

// MemoryCache is an in-process Cache. Entries are evicted by Sweep once they
// are older than the retention window.
type MemoryCache struct {
	mu        sync.Mutex
	entries   map[string]entry
	retention time.Duration
	now       func() time.Time
}

// NewMemoryCache creates an empty cache with the given retention window
func NewMemoryCache(retention time.Duration) *MemoryCache {
	if retention <= 0 {
		retention = types.DefaultReplayRetention
	}
	return &MemoryCache{
		entries:   make(map[string]entry),
		retention: retention,
		now:       time.Now,
	}
}

// WithClock replaces the cache's time source
func (c *MemoryCache) WithClock(now func() time.Time) *MemoryCache {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
	return c
}

func (c *MemoryCache) Has(_ context.Context, fingerprint string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.entries[fingerprint]
	return ok, nil
}

func (c *MemoryCache) PutIfAbsent(_ context.Context, fingerprint string, assertion *types.PaymentAssertion) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[fingerprint]; ok {
		return false, nil
	}

	c.entries[fingerprint] = entry{
		assertion: *assertion,
		storedAt:  c.now(),
	}
	return true, nil
}

// Get returns the stored assertion for fingerprint
func (c *MemoryCache) Get(fingerprint string) (types.PaymentAssertion, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[fingerprint]
	return e.assertion, ok
}

// Sweep removes entries older than the retention window and returns how
// many were evicted. It holds the same lock as PutIfAbsent, so an entry is
// never evicted while it is being inserted.
func (c *MemoryCache) Sweep(_ context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-c.retention)
	evicted := 0
	for fp, e := range c.entries {
		if e.storedAt.Before(cutoff) {
			delete(c.entries, fp)
			evicted++
		}
	}
	return evicted, nil
}

func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// SweepFunc is called after every sweep with the number of evicted entries
// or the sweep error.
type SweepFunc func(evicted int, err error)

// Run sweeps cache every interval until ctx is done.
func Run(ctx context.Context, cache Cache, interval time.Duration, onSweep SweepFunc) {
	if interval <= 0 {
		interval = types.DefaultSweepInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			evicted, err := cache.Sweep(ctx)
			if onSweep != nil {
				onSweep(evicted, err)
			}
		}
	}
}
