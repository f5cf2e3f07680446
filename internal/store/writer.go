package store

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/Global-Witness/augmenta/pkg/log"
)

var errClosed = errors.New("store is closed")

const (
	writeQueueCapacity = 1024
	// A batch is applied once it reaches writeBatchSize tasks or the
	// oldest queued task has waited writeBatchWindow.
	writeBatchSize   = 100
	writeBatchWindow = time.Second
	// Transient failures are retried this many times with a fixed
	// backoff before the writer gives up with a StorageError.
	writeMaxRetries   = 3
	writeRetryBackoff = 100 * time.Millisecond
)

// writeTask is one queued mutation. A task with a non-nil barrier carries
// no statement; it makes the writer apply everything queued before it and
// then report the writer's health on the channel.
type writeTask struct {
	query   string
	args    []any
	barrier chan error
}

// queueWriter owns the write queue and the single goroutine that drains
// it. No other component touches the queue directly.
type queueWriter struct {
	db    *sql.DB
	tasks chan writeTask

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu     sync.Mutex
	closed bool
	fatal  error
}

func newQueueWriter(db *sql.DB) *queueWriter {
	return &queueWriter{
		db:     db,
		tasks:  make(chan writeTask, writeQueueCapacity),
		stopCh: make(chan struct{}),
	}
}

func (w *queueWriter) start() {
	w.wg.Add(1)
	go w.run()
}

// stop drains everything already queued, applies it, and waits for the
// writer goroutine to exit.
func (w *queueWriter) stop() {
	w.stopOnce.Do(func() {
		// Flip the flag before signalling the drain: once a channel is
		// closed a select with a ready buffered send picks either case,
		// so the flag is what makes post-close enqueues fail every time.
		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()
		close(w.stopCh)
		w.wg.Wait()
	})
}

// enqueue queues one mutation. It fails fast once the writer has died or
// the store has been closed.
func (w *queueWriter) enqueue(task writeTask) error {
	w.mu.Lock()
	if w.fatal != nil {
		err := w.fatal
		w.mu.Unlock()
		return err
	}
	if w.closed {
		w.mu.Unlock()
		return &StorageError{Op: "enqueue", Err: errClosed}
	}
	w.mu.Unlock()

	select {
	case w.tasks <- task:
		return nil
	case <-w.stopCh:
		return &StorageError{Op: "enqueue", Err: errClosed}
	}
}

// flush blocks until every write enqueued before it has been applied.
func (w *queueWriter) flush(ctx context.Context) error {
	barrier := make(chan error, 1)
	if err := w.enqueue(writeTask{barrier: barrier}); err != nil {
		return err
	}
	select {
	case err := <-barrier:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *queueWriter) fatalErr() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fatal
}

func (w *queueWriter) setFatal(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fatal == nil {
		w.fatal = err
	}
}

func (w *queueWriter) run() {
	defer w.wg.Done()

	batch := make([]writeTask, 0, writeBatchSize)
	var window <-chan time.Time

	apply := func() {
		if len(batch) > 0 {
			w.applyBatch(batch)
			batch = batch[:0]
		}
		window = nil
	}

	for {
		select {
		case <-w.stopCh:
			// Drain what is already queued so computed rows are not
			// silently lost on shutdown.
			for {
				select {
				case task := <-w.tasks:
					if task.barrier != nil {
						apply()
						task.barrier <- w.fatalErr()
						continue
					}
					batch = append(batch, task)
					if len(batch) >= writeBatchSize {
						apply()
					}
				default:
					apply()
					return
				}
			}
		case task := <-w.tasks:
			if task.barrier != nil {
				apply()
				task.barrier <- w.fatalErr()
				continue
			}
			batch = append(batch, task)
			if len(batch) >= writeBatchSize {
				apply()
			} else if window == nil {
				window = time.After(writeBatchWindow)
			}
		case <-window:
			apply()
		}
	}
}

// applyBatch runs the batch as one transaction, retrying transient
// failures a bounded number of times. Exhausting the retries marks the
// writer fatally broken; later enqueues and flushes surface the
// StorageError. A statement the database rejects outright is never
// retried: the batch falls back to per-task application so one bad write
// cannot take the rest of the batch, or the writer, down with it.
func (w *queueWriter) applyBatch(batch []writeTask) {
	if w.fatalErr() != nil {
		return
	}

	var lastErr error
	for attempt := 0; attempt <= writeMaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(writeRetryBackoff)
		}
		lastErr = w.applyOnce(batch)
		if lastErr == nil {
			return
		}
		if !isTransient(lastErr) {
			w.applySingly(batch)
			return
		}
		log.Warn("Write batch of %d failed (attempt %d/%d): %v", len(batch), attempt+1, writeMaxRetries+1, lastErr)
	}

	log.Error("Write batch of %d abandoned after %d attempts: %v", len(batch), writeMaxRetries+1, lastErr)
	w.setFatal(&StorageError{Op: "apply write batch", Err: lastErr})
}

// applySingly applies each task in its own transaction. Tasks rejected
// outright (constraint violations and the like) are logged and dropped;
// only a persistent transient failure kills the writer.
func (w *queueWriter) applySingly(batch []writeTask) {
	for _, task := range batch {
		var lastErr error
		for attempt := 0; attempt <= writeMaxRetries; attempt++ {
			if attempt > 0 {
				time.Sleep(writeRetryBackoff)
			}
			lastErr = w.applyOnce([]writeTask{task})
			if lastErr == nil || !isTransient(lastErr) {
				break
			}
		}
		if lastErr == nil {
			continue
		}
		if isTransient(lastErr) {
			log.Error("Write abandoned after %d attempts: %v", writeMaxRetries+1, lastErr)
			w.setFatal(&StorageError{Op: "apply write batch", Err: lastErr})
			return
		}
		log.Error("Dropping write rejected by the database: %v", lastErr)
	}
}

// isTransient reports whether retrying the write could plausibly succeed.
// Lock contention can clear; a constraint violation never will.
func isTransient(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}
	return true
}

func (w *queueWriter) applyOnce(batch []writeTask) error {
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}
	for _, task := range batch {
		if _, err := tx.Exec(task.query, task.args...); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}
