package persist

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ErrQueueFull is returned when a write-back operation had to be dropped.
var ErrQueueFull = errors.New("persist: write-back queue full")

type opKind int

const (
	opSave opKind = iota
	opRemove
	opFlush
)

type writeOp struct {
	kind  opKind
	key   string
	value []byte
	seq   uint64
	done  chan struct{}
}

// WriteBackStore queues writes for a single background worker so callers
// never wait on the backend. Operations reach the backend in the order they
// were issued. When the queue is full a Save is dropped and logged. A Remove
// waits for room instead, until its context ends, so an older queued Save of
// the same key cannot outlive it.
//
// Reads see queued writes: a Load of a key with a pending Save returns that
// value, and a pending Remove reads as ErrNotFound.
type WriteBackStore struct {
	next   Store
	logger *zap.Logger
	ch     chan writeOp

	// sendMu serializes sends, so queue order matches seq order, and keeps
	// them from racing Close
	sendMu sync.Mutex

	mu      sync.Mutex
	closed  bool
	seq     uint64
	applied uint64
	pending map[string]writeOp
	dropped uint64

	wg sync.WaitGroup
}

// NewWriteBackStore starts the worker; buffer is the queue capacity.
func NewWriteBackStore(next Store, buffer int, logger *zap.Logger) *WriteBackStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = 256
	}
	w := &WriteBackStore{
		next:    next,
		logger:  logger,
		ch:      make(chan writeOp, buffer),
		pending: make(map[string]writeOp),
	}
	w.wg.Add(1)
	go w.worker()
	return w
}

func (w *WriteBackStore) worker() {
	defer w.wg.Done()
	for op := range w.ch {
		switch op.kind {
		case opFlush:
			close(op.done)
			continue
		case opSave:
			if err := w.next.Save(context.Background(), op.key, op.value); err != nil {
				w.logger.Warn("write-back save failed", zap.String("key", op.key), zap.Error(err))
			}
		case opRemove:
			if err := w.next.Remove(context.Background(), op.key); err != nil {
				w.logger.Warn("write-back remove failed", zap.String("key", op.key), zap.Error(err))
			}
		}
		w.mu.Lock()
		w.applied = op.seq
		if cur, ok := w.pending[op.key]; ok && cur.seq == op.seq {
			delete(w.pending, op.key)
		}
		w.mu.Unlock()
	}
}

// enqueue publishes op in the pending overlay and sends it to the worker.
// With wait unset a full queue drops the op; otherwise the send blocks until
// ctx ends.
func (w *WriteBackStore) enqueue(ctx context.Context, kind opKind, key string, value []byte, wait bool) error {
	w.sendMu.Lock()
	defer w.sendMu.Unlock()

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	w.seq++
	op := writeOp{kind: kind, key: key, value: value, seq: w.seq}
	prev, hadPrev := w.pending[key]
	w.pending[key] = op
	w.mu.Unlock()

	var err error
	if wait {
		select {
		case w.ch <- op:
			return nil
		case <-ctx.Done():
			err = ctx.Err()
		}
	} else {
		select {
		case w.ch <- op:
			return nil
		default:
			err = ErrQueueFull
		}
	}

	w.mu.Lock()
	if hadPrev && prev.seq > w.applied {
		w.pending[key] = prev
	} else {
		delete(w.pending, key)
	}
	w.dropped++
	w.mu.Unlock()
	w.logger.Warn("write-back queue full, dropping operation", zap.String("key", key), zap.Error(err))
	return err
}

func (w *WriteBackStore) Save(ctx context.Context, key string, value []byte) error {
	buf := make([]byte, len(value))
	copy(buf, value)
	return w.enqueue(ctx, opSave, key, buf, false)
}

// Remove waits for queue space. It fails only when ctx ends first.
func (w *WriteBackStore) Remove(ctx context.Context, key string) error {
	return w.enqueue(ctx, opRemove, key, nil, true)
}

func (w *WriteBackStore) Load(ctx context.Context, key string) ([]byte, error) {
	w.mu.Lock()
	op, ok := w.pending[key]
	w.mu.Unlock()
	if ok {
		if op.kind == opRemove {
			return nil, ErrNotFound
		}
		out := make([]byte, len(op.value))
		copy(out, op.value)
		return out, nil
	}
	return w.next.Load(ctx, key)
}

func (w *WriteBackStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys, err := w.next.Keys(ctx, prefix)
	if err != nil && !errors.Is(err, ErrUnsupported) {
		return nil, err
	}
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	w.mu.Lock()
	for k, op := range w.pending {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if op.kind == opRemove {
			delete(set, k)
		} else {
			set[k] = struct{}{}
		}
	}
	w.mu.Unlock()
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// Dropped returns how many operations were discarded because the queue was full.
func (w *WriteBackStore) Dropped() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}

// Flush blocks until every operation queued before the call has been applied.
func (w *WriteBackStore) Flush(ctx context.Context) error {
	w.sendMu.Lock()
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		w.sendMu.Unlock()
		return ErrClosed
	}

	// a flush marker must not be dropped, so this send may block on a full queue
	done := make(chan struct{})
	select {
	case w.ch <- writeOp{kind: opFlush, done: done}:
		w.sendMu.Unlock()
	case <-ctx.Done():
		w.sendMu.Unlock()
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the queue and closes the wrapped store.
func (w *WriteBackStore) Close() error {
	w.sendMu.Lock()
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		w.sendMu.Unlock()
		return nil
	}
	w.closed = true
	close(w.ch)
	w.mu.Unlock()
	w.sendMu.Unlock()
	w.wg.Wait()
	return w.next.Close()
}
