// Package registry maps wormhole codes to initiator pylons waiting for a
// payload. Every code is handed out at most once.
package registry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"pylon/internal/cryptographic/kdf"
	"pylon/internal/pylon"
	"pylon/internal/utils/log"
)

type (
	Registry struct {
		lease time.Duration
		nowFn func() time.Time

		// OnExpire is called, outside the lock, for every entry dropped by Sweep.
		OnExpire func(code string)

		// Salt keys the code fingerprints written to the log.
		Salt []byte

		mu      sync.Mutex
		entries map[string]*entry
	}

	entry struct {
		pylon     *pylon.Initiator
		createdAt time.Time
	}
)

// New returns a registry whose entries expire after lease. A zero lease keeps
// entries until they are taken.
func New(lease time.Duration) *Registry {
	return &Registry{
		lease:   lease,
		nowFn:   time.Now,
		entries: make(map[string]*entry),
	}
}

// Register stores p under code, replacing and closing any previous entry.
func (r *Registry) Register(code string, p *pylon.Initiator) {
	r.mu.Lock()
	prev, ok := r.entries[code]
	r.entries[code] = &entry{pylon: p, createdAt: r.nowFn()}
	r.mu.Unlock()

	if ok && prev.pylon != p {
		log.Warn("registry: code overwritten", zap.String("fingerprint", kdf.Fingerprint(code, r.Salt)))
		_ = prev.pylon.Close()
	}
}

// Take removes and returns the pylon registered for code.
func (r *Registry) Take(code string) (*pylon.Initiator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[code]
	if !ok {
		return nil, false
	}
	delete(r.entries, code)
	return e.pylon, true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Sweep drops and closes every entry older than the lease. It returns the
// number of entries removed.
func (r *Registry) Sweep(now time.Time) int {
	if r.lease <= 0 {
		return 0
	}

	var expired []string
	var pylons []*pylon.Initiator

	r.mu.Lock()
	for code, e := range r.entries {
		if now.Sub(e.createdAt) >= r.lease {
			delete(r.entries, code)
			expired = append(expired, code)
			pylons = append(pylons, e.pylon)
		}
	}
	r.mu.Unlock()

	for i, code := range expired {
		if err := pylons[i].Close(); err != nil {
			log.Debug("registry: close expired pylon", zap.String("fingerprint", kdf.Fingerprint(code, r.Salt)), zap.Error(err))
		}
		if r.OnExpire != nil {
			r.OnExpire(code)
		}
	}
	return len(expired)
}

// Run sweeps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if r.lease <= 0 || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(r.nowFn()); n > 0 {
				log.Info("registry: expired codes", zap.Int("count", n))
			}
		}
	}
}

// Close releases every remaining entry.
func (r *Registry) Close() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	for _, e := range entries {
		_ = e.pylon.Close()
	}
}
