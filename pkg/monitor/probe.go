package monitor

import (
	"context"
	"runtime"
	"sync"
	"time"
)

// Snapshot is a lightweight view of host resources used for adaptive
// batching and load shedding. Fields are best-effort and may be zero on
// unsupported platforms.
type Snapshot struct {
	Timestamp time.Time

	// Memory in bytes (Go runtime view).
	MemTotal uint64
	MemUsed  uint64

	// Disk total/free in bytes for the filesystem holding the data dir.
	DiskTotal uint64
	DiskFree  uint64

	Goroutines int
}

// DiskUtilPct returns used disk as a percentage, or 0 when unknown.
func (s Snapshot) DiskUtilPct() int {
	if s.DiskTotal == 0 {
		return 0
	}
	used := s.DiskTotal - s.DiskFree
	return int((used * 100) / s.DiskTotal)
}

// ThrottleRequest is an advisory signal asking other components to shed
// load or release resources.
type ThrottleRequest struct {
	Source   string
	Reason   string
	Severity float64 // [0..1], 1 is most urgent
}

// Probe polls host resources for the filesystem under path and exposes the
// latest Snapshot, plus a small pub/sub for throttle requests.
type Probe struct {
	mu       sync.RWMutex
	snap     Snapshot
	path     string
	interval time.Duration

	thMu     sync.RWMutex
	handlers []func(ThrottleRequest)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProbe creates a probe sampling the filesystem that holds path every
// interval.
func NewProbe(path string, interval time.Duration) *Probe {
	if interval <= 0 {
		interval = time.Second
	}
	p := &Probe{path: path, interval: interval}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p
}

// Start begins background polling. Call Stop to terminate.
func (p *Probe) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		p.sample()
		for {
			select {
			case <-p.ctx.Done():
				return
			case <-ticker.C:
				p.sample()
			}
		}
	}()
}

// Stop stops polling and waits for the worker to exit.
func (p *Probe) Stop() {
	p.cancel()
	p.wg.Wait()
}

// Snapshot returns the most recent sample.
func (p *Probe) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snap
}

// RegisterThrottleHandler registers a callback for throttle requests.
// Handlers run asynchronously and are given a short deadline.
func (p *Probe) RegisterThrottleHandler(h func(ThrottleRequest)) {
	p.thMu.Lock()
	defer p.thMu.Unlock()
	p.handlers = append(p.handlers, h)
}

// SendThrottle delivers req to all registered handlers, best-effort.
func (p *Probe) SendThrottle(req ThrottleRequest) {
	p.thMu.RLock()
	handlers := append([]func(ThrottleRequest){}, p.handlers...)
	p.thMu.RUnlock()
	for _, h := range handlers {
		go func(cb func(ThrottleRequest)) {
			done := make(chan struct{})
			go func() {
				cb(req)
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(250 * time.Millisecond):
			}
		}(h)
	}
}

func (p *Probe) sample() {
	snap := Snapshot{Timestamp: time.Now(), Goroutines: runtime.NumGoroutine()}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	snap.MemTotal = memStats.Sys
	snap.MemUsed = memStats.Alloc

	snap.DiskTotal, snap.DiskFree = diskUsage(p.path)

	p.mu.Lock()
	p.snap = snap
	p.mu.Unlock()
}
