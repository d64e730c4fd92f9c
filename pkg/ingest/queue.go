package ingest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/valyala/bytebufferpool"

	"farmchat/pkg/metrics"
)

// HandlerID names the operation a queued Op carries. It is set by the
// enqueueing side, which knows the authoritative intent; the processor
// dispatches on it and never probes payloads.
type HandlerID string

const (
	HandlerMessageCreate HandlerID = "message.create"
	HandlerMessageRead   HandlerID = "message.read"
)

// Op is the in-memory representation of one write operation headed for the
// store. Payload may be backed by a pooled ByteBuffer; consumers must call
// Item.Done() when finished with it.
type Op struct {
	Handler HandlerID
	// Conversation is the resolved conversation id. The HTTP layer resolves
	// it before enqueueing, so handlers never create conversations.
	Conversation string
	// ID is the message id when the op is a create.
	ID string
	// Payload holds the raw JSON for the operation (may be nil).
	Payload []byte
	// TS is the server-assigned timestamp (nanoseconds).
	TS int64
	// EnqSeq is a monotonic enqueue sequence assigned on acceptance, used
	// for deterministic ordering inside batches.
	EnqSeq uint64
	// Extras holds small request metadata (role, identity, request id).
	Extras map[string]string
}

// Item wraps an Op and owns a pooled ByteBuffer if one was used. Consumers
// MUST call Done() exactly once after processing the item.
type Item struct {
	Op *Op

	buf  *bytebufferpool.ByteBuffer
	once sync.Once
	q    *Queue
}

// Done releases pooled resources back to their pools.
func (it *Item) Done() {
	it.once.Do(func() {
		if it.q != nil {
			atomic.AddInt64(&it.q.inFlight, -1)
			it.q = nil
		}
		if it.buf != nil {
			// avoid retaining huge buffers in the pool
			if cap(it.buf.B) > maxPooledBuffer {
				it.buf = nil
			} else {
				bytebufferpool.Put(it.buf)
				it.buf = nil
			}
		}
		if it.Op != nil {
			it.Op.Payload = nil
			it.Op.Extras = nil
			opPool.Put(it.Op)
			it.Op = nil
		}
		itemPool.Put(it)
	})
}

var opPool = sync.Pool{New: func() any { return &Op{} }}
var itemPool = sync.Pool{New: func() any { return &Item{} }}

// maxPooledBuffer is the largest payload buffer returned to the pool;
// bigger ones are dropped so resident memory stays bounded.
var maxPooledBuffer = 256 * 1024

// SetMaxPooledBuffer overrides the pooled-buffer ceiling (bytes).
func SetMaxPooledBuffer(n int) {
	if n > 0 {
		maxPooledBuffer = n
	}
}

// ErrQueueFull is returned by TryEnqueue when the queue is at capacity.
var ErrQueueFull = errors.New("ingest queue full")

// ErrQueueClosed is returned when enqueueing after Close.
var ErrQueueClosed = errors.New("ingest queue closed")

// instrumentation counters (package-local)
var (
	enqueueTotal     uint64
	enqueueFailTotal uint64
	enqSeq           uint64
)

const fallbackQueueCapacity = 1024

// Queue is a bounded in-memory queue of write operations. It is safe for
// concurrent producers; consumers receive items through Out().
type Queue struct {
	ch       chan *Item
	capacity int
	dropped  uint64
	closed   int32
	inFlight int64

	enqWg     sync.WaitGroup
	closeOnce sync.Once
}

// NewQueue creates a bounded Queue of the given capacity (>0).
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = fallbackQueueCapacity
	}
	return &Queue{ch: make(chan *Item, capacity), capacity: capacity}
}

// Out exposes queued items for consumers. Do not close it from callers.
func (q *Queue) Out() <-chan *Item { return q.ch }

// prepare copies op into pooled storage and assigns its enqueue sequence.
func (q *Queue) prepare(op *Op) *Item {
	newOp := opPool.Get().(*Op)
	*newOp = *op
	if op.Extras != nil {
		m := make(map[string]string, len(op.Extras))
		for k, v := range op.Extras {
			m[k] = v
		}
		newOp.Extras = m
	}
	newOp.EnqSeq = atomic.AddUint64(&enqSeq, 1)

	var bb *bytebufferpool.ByteBuffer
	if len(op.Payload) > 0 {
		bb = bytebufferpool.Get()
		bb.B = append(bb.B[:0], op.Payload...)
		newOp.Payload = bb.B[:len(op.Payload)]
	}
	it := itemPool.Get().(*Item)
	*it = Item{Op: newOp, buf: bb, q: q}
	return it
}

// release returns a prepared item's resources after a failed enqueue.
func (q *Queue) release(it *Item) {
	if it.buf != nil {
		bytebufferpool.Put(it.buf)
		it.buf = nil
	}
	if it.Op != nil {
		it.Op.Payload = nil
		it.Op.Extras = nil
		opPool.Put(it.Op)
		it.Op = nil
	}
	it.q = nil
	itemPool.Put(it)
	atomic.AddUint64(&q.dropped, 1)
	atomic.AddUint64(&enqueueFailTotal, 1)
	metrics.QueueDropped.Inc()
}

// TryEnqueue enqueues op without blocking. Returns ErrQueueFull when at
// capacity and ErrQueueClosed after Close.
func (q *Queue) TryEnqueue(op *Op) error {
	atomic.AddUint64(&enqueueTotal, 1)
	if atomic.LoadInt32(&q.closed) == 1 {
		atomic.AddUint64(&enqueueFailTotal, 1)
		return ErrQueueClosed
	}
	q.enqWg.Add(1)
	defer q.enqWg.Done()
	// re-check after joining the enqueue group so Close can wait us out
	if atomic.LoadInt32(&q.closed) == 1 {
		atomic.AddUint64(&enqueueFailTotal, 1)
		return ErrQueueClosed
	}

	it := q.prepare(op)
	select {
	case q.ch <- it:
		atomic.AddInt64(&q.inFlight, 1)
		metrics.QueueDepth.Set(float64(len(q.ch)))
		return nil
	default:
		q.release(it)
		return ErrQueueFull
	}
}

// Enqueue blocks until op is accepted or ctx is done.
func (q *Queue) Enqueue(ctx context.Context, op *Op) error {
	atomic.AddUint64(&enqueueTotal, 1)
	if atomic.LoadInt32(&q.closed) == 1 {
		atomic.AddUint64(&enqueueFailTotal, 1)
		return ErrQueueClosed
	}
	q.enqWg.Add(1)
	defer q.enqWg.Done()
	if atomic.LoadInt32(&q.closed) == 1 {
		atomic.AddUint64(&enqueueFailTotal, 1)
		return ErrQueueClosed
	}

	it := q.prepare(op)
	select {
	case q.ch <- it:
		atomic.AddInt64(&q.inFlight, 1)
		metrics.QueueDepth.Set(float64(len(q.ch)))
		return nil
	case <-ctx.Done():
		q.release(it)
		return ctx.Err()
	}
}

// EnqueueOp builds an Op from the fields and enqueues it without blocking.
func (q *Queue) EnqueueOp(handler HandlerID, conversation, id string, payload []byte, ts int64, extras map[string]string) error {
	return q.TryEnqueue(&Op{Handler: handler, Conversation: conversation, ID: id, Payload: payload, TS: ts, Extras: extras})
}

// Close stops producers and closes the channel. Items already accepted stay
// queued for consumers to finish; pair with Drain to discard them instead.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		atomic.StoreInt32(&q.closed, 1)
		q.enqWg.Wait()
		close(q.ch)
	})
}

// Drain discards remaining items, releasing their pooled resources. Only
// valid after Close.
func (q *Queue) Drain() {
	for it := range q.ch {
		it.Done()
	}
}

// CloseAndDrain closes the queue and discards whatever was still queued.
func (q *Queue) CloseAndDrain() {
	q.Close()
	q.Drain()
}

// Len returns the number of queued items.
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the configured capacity.
func (q *Queue) Cap() int { return q.capacity }

// Dropped counts operations rejected by a full queue or cancelled enqueue.
func (q *Queue) Dropped() uint64 { return atomic.LoadUint64(&q.dropped) }

// InFlight counts accepted items whose Done has not run yet.
func (q *Queue) InFlight() int64 { return atomic.LoadInt64(&q.inFlight) }

// EnqueuedTotal returns total attempted enqueues.
func (q *Queue) EnqueuedTotal() uint64 { return atomic.LoadUint64(&enqueueTotal) }

// FailedTotal returns total enqueue failures.
func (q *Queue) FailedTotal() uint64 { return atomic.LoadUint64(&enqueueFailTotal) }
