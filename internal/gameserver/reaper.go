package gameserver

import (
	"sort"
	"sync"
	"time"
)

// Reaper runs named sweeps once per interval. It satisfies the lifecycle
// service contract: Start blocks until Stop.
//
// Invariant: sweeps run sequentially, in name order, at most once per interval.
type Reaper struct {
	interval time.Duration
	now      func() time.Time

	mu     sync.Mutex
	sweeps map[string]func(now time.Time)

	quit chan struct{}
	once sync.Once
}

// NewReaper returns a Reaper that fires every interval.
//
// Precondition: interval must be > 0.
func NewReaper(interval time.Duration) *Reaper {
	if interval <= 0 {
		panic("gameserver.NewReaper: interval must be > 0")
	}
	return &Reaper{
		interval: interval,
		now:      time.Now,
		sweeps:   make(map[string]func(time.Time)),
		quit:     make(chan struct{}),
	}
}

// Register adds a sweep under name, replacing any existing one.
func (r *Reaper) Register(name string, fn func(now time.Time)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweeps[name] = fn
}

// Start runs the sweep loop until Stop is called.
func (r *Reaper) Start() error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.quit:
			return nil
		case <-ticker.C:
			r.sweep()
		}
	}
}

// Stop ends the sweep loop. Idempotent.
func (r *Reaper) Stop() {
	r.once.Do(func() { close(r.quit) })
}

func (r *Reaper) sweep() {
	r.mu.Lock()
	names := make([]string, 0, len(r.sweeps))
	for name := range r.sweeps {
		names = append(names, name)
	}
	sort.Strings(names)
	fns := make([]func(time.Time), 0, len(names))
	for _, name := range names {
		fns = append(fns, r.sweeps[name])
	}
	r.mu.Unlock()

	now := r.now()
	for _, fn := range fns {
		fn(now)
	}
}
