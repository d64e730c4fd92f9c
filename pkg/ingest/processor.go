package ingest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"farmchat/pkg/config"
	"farmchat/pkg/feed"
	"farmchat/pkg/logger"
	"farmchat/pkg/metrics"
)

const (
	defaultWorkers   = 2
	defaultMaxBatch  = 256
	defaultFlushDur  = 25 * time.Millisecond
	defaultDrainPoll = 50 * time.Microsecond
)

// Processor runs the worker pool that consumes the ingest queue, dispatches
// ops to registered handlers and applies the resulting entries to the store
// in commit order. Batches from different workers commit in the order the
// workers picked up their first item, so per-conversation ordering holds.
type Processor struct {
	q        *Queue
	broker   feed.Broker
	workers  int
	stop     chan struct{}
	wg       sync.WaitGroup
	running  int32
	handlers map[HandlerID]HandlerFunc

	// batch knobs, adjustable at runtime by the storage monitor
	mu        sync.RWMutex
	maxBatch  int
	flushDur  time.Duration
	drainPoll time.Duration

	paused int32

	seqCounter uint64
	nextCommit uint64
	commitMu   sync.Mutex
	commitCond *sync.Cond
}

// NewProcessor creates a Processor attached to q. Events for applied
// entries are published on broker; a nil broker disables fanout.
func NewProcessor(q *Queue, pc config.ProcessorConfig, drainPoll time.Duration, broker feed.Broker) *Processor {
	p := &Processor{
		q:          q,
		broker:     broker,
		workers:    pc.Workers,
		stop:       make(chan struct{}),
		handlers:   make(map[HandlerID]HandlerFunc),
		maxBatch:   pc.MaxBatchMsgs,
		flushDur:   pc.FlushInterval.Duration(),
		drainPoll:  drainPoll,
		nextCommit: 1,
	}
	if p.workers <= 0 {
		p.workers = defaultWorkers
	}
	if p.maxBatch <= 0 {
		p.maxBatch = defaultMaxBatch
	}
	if p.flushDur <= 0 {
		p.flushDur = defaultFlushDur
	}
	if p.drainPoll <= 0 {
		p.drainPoll = defaultDrainPoll
	}
	p.commitCond = sync.NewCond(&p.commitMu)
	return p
}

// RegisterHandler installs fn for the given handler id.
func (p *Processor) RegisterHandler(h HandlerID, fn HandlerFunc) {
	p.handlers[h] = fn
}

// SetBatchParams adjusts batching at runtime.
func (p *Processor) SetBatchParams(maxMsgs int, flush time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if maxMsgs > 0 {
		p.maxBatch = maxMsgs
	}
	if flush > 0 {
		p.flushDur = flush
	}
}

// GetBatchParams returns the current batch size and flush interval.
func (p *Processor) GetBatchParams() (int, time.Duration) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.maxBatch, p.flushDur
}

// Pause stops consuming new items until Resume.
func (p *Processor) Pause()  { atomic.StoreInt32(&p.paused, 1) }
func (p *Processor) Resume() { atomic.StoreInt32(&p.paused, 0) }

// Paused reports whether the processor is currently paused.
func (p *Processor) Paused() bool { return atomic.LoadInt32(&p.paused) == 1 }

// Start launches the worker pool.
func (p *Processor) Start() {
	if !atomic.CompareAndSwapInt32(&p.running, 0, 1) {
		return
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func(workerID int) {
			defer p.wg.Done()
			p.workerLoop(workerID)
		}(i)
	}
	logger.Info("ingest_processor_started", "workers", p.workers)
}

// Stop waits for workers to finish the queue. The queue must be closed
// first; if ctx expires the workers are aborted mid-stream.
func (p *Processor) Stop(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&p.running, 1, 0) {
		return
	}
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("ingest_processor_stopped")
	case <-ctx.Done():
		close(p.stop)
		<-done
		logger.Warn("ingest_processor_aborted", "queued", p.q.Len())
	}
}

func (p *Processor) workerLoop(workerID int) {
	for {
		if atomic.LoadInt32(&p.paused) == 1 {
			select {
			case <-p.stop:
				return
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}

		var items []*Item
		select {
		case it, ok := <-p.q.Out():
			if !ok {
				return
			}
			items = append(items, it)
		case <-p.stop:
			return
		}

		// claim a commit slot as soon as the batch starts
		seqID := atomic.AddUint64(&p.seqCounter, 1)

		maxBatch, flushDur := p.GetBatchParams()
		p.mu.RLock()
		drainPoll := p.drainPoll
		p.mu.RUnlock()

		drainTimer := time.NewTimer(flushDur)
	drainLoop:
		for len(items) < maxBatch {
			select {
			case it, ok := <-p.q.Out():
				if !ok {
					break drainLoop
				}
				items = append(items, it)
			case <-drainTimer.C:
				break drainLoop
			case <-p.stop:
				drainTimer.Stop()
				p.abandonCommit(seqID, items)
				return
			default:
				time.Sleep(drainPoll)
			}
		}
		drainTimer.Stop()
		metrics.QueueDepth.Set(float64(p.q.Len()))

		var entries []Entry
		for _, it := range items {
			fn, ok := p.handlers[it.Op.Handler]
			if !ok || fn == nil {
				logger.Warn("ingest_no_handler", "handler", it.Op.Handler)
				it.Done()
				continue
			}
			got, err := fn(context.Background(), it.Op)
			if err != nil {
				logger.Error("ingest_handler_error",
					"handler", it.Op.Handler,
					"conversation", it.Op.Conversation,
					"request_id", it.Op.Extras["request_id"],
					"error", err)
				it.Done()
				continue
			}
			for i := range got {
				if got[i].Enq == 0 {
					got[i].Enq = it.Op.EnqSeq
				}
			}
			entries = append(entries, got...)
			// payload decoded into entries; pooled buffer can go back now
			it.Done()
		}

		p.waitForCommit(seqID)
		if len(entries) > 0 {
			if err := applyEntries(context.Background(), p.broker, entries); err != nil {
				logger.Error("ingest_apply_failed", "worker", workerID, "error", err)
			}
		}
		p.markCommitted(seqID)
	}
}

// abandonCommit releases a claimed commit slot when a worker aborts so the
// remaining workers do not wait on it forever.
func (p *Processor) abandonCommit(seq uint64, items []*Item) {
	for _, it := range items {
		it.Done()
	}
	p.waitForCommit(seq)
	p.markCommitted(seq)
}

func (p *Processor) waitForCommit(seq uint64) {
	p.commitMu.Lock()
	for seq != p.nextCommit {
		p.commitCond.Wait()
	}
	p.commitMu.Unlock()
}

func (p *Processor) markCommitted(seq uint64) {
	p.commitMu.Lock()
	if seq == p.nextCommit {
		p.nextCommit++
		p.commitCond.Broadcast()
	} else if seq > p.nextCommit {
		// should not happen, but avoid deadlock if it does
		p.nextCommit = seq + 1
		p.commitCond.Broadcast()
	}
	p.commitMu.Unlock()
}
