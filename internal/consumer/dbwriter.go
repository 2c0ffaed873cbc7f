package consumer

import (
	"context"
	"sync"
	"time"

	"github.com/oriys/chatflow/internal/chatmsg"
	"github.com/oriys/chatflow/internal/config"
	"github.com/oriys/chatflow/internal/logging"
	"github.com/oriys/chatflow/internal/metrics"
	"github.com/oriys/chatflow/internal/storage"
)

// slowBatchThreshold is the insert duration past which a batch is
// logged as slow, per spec.md §4.3.2.
const slowBatchThreshold = time.Second

// DBWriter is the batch database writer described in spec.md §4.3.2: a
// bounded queue fed by consumer workers, drained by W writer
// goroutines that flush on batch-size or a timer, whichever comes
// first.
type DBWriter struct {
	store *storage.Store
	m     *metrics.Metrics
	cfg   config.DBConfig

	queue  chan chatmsg.QueuedMessage
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewDBWriter returns a DBWriter that persists through store according
// to cfg. If cfg.EnablePersistence is false, Offer reports success for
// every message without queueing it, so nothing reaches the writers or
// storage.
func NewDBWriter(store *storage.Store, m *metrics.Metrics, cfg config.DBConfig) *DBWriter {
	return &DBWriter{
		store:  store,
		m:      m,
		cfg:    cfg,
		queue:  make(chan chatmsg.QueuedMessage, cfg.QueueCapacity),
		stopCh: make(chan struct{}),
	}
}

// Offer enqueues a message for persistence. It returns false without
// blocking if the queue is full; callers must treat that as a
// best-effort drop, not an error.
func (w *DBWriter) Offer(q chatmsg.QueuedMessage) bool {
	if !w.cfg.EnablePersistence {
		return true
	}
	select {
	case <-w.stopCh:
		return false
	default:
	}
	select {
	case w.queue <- q:
		return true
	default:
		return false
	}
}

// Start launches cfg.WriterThreads writer goroutines.
func (w *DBWriter) Start() {
	threads := w.cfg.WriterThreads
	if threads <= 0 {
		threads = 1
	}
	for i := 0; i < threads; i++ {
		w.wg.Add(1)
		go w.writer(i)
	}
	logging.Op().Info("db writer pool started", "writers", threads, "batch_size", w.cfg.BatchSize, "flush_interval", w.cfg.FlushInterval)
}

// Stop closes the queue to new work, drains whatever is buffered, then
// waits for every writer to finish its final flush. Bounded by
// cfg.ShutdownGrace.
func (w *DBWriter) Stop() {
	close(w.stopCh)
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(w.cfg.ShutdownGrace):
		logging.Op().Warn("db writer shutdown grace period elapsed before all writers finished")
	}
}

func (w *DBWriter) writer(id int) {
	defer w.wg.Done()
	log := logging.Op().With("writer", id)

	batch := make([]chatmsg.QueuedMessage, 0, w.cfg.BatchSize)
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		if err := w.store.InsertBatch(context.Background(), batch); err != nil {
			log.Error("batch insert failed", "size", len(batch), "err", err)
		} else if w.m != nil {
			w.m.DBRowsWritten(len(batch))
		}
		elapsed := time.Since(start)
		if w.m != nil {
			w.m.DBBatchDuration(float64(elapsed.Milliseconds()))
		}
		if elapsed > slowBatchThreshold {
			log.Warn("slow db batch insert", "size", len(batch), "duration", elapsed)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-w.stopCh:
			w.drainRemaining(&batch)
			flush()
			return
		case <-ticker.C:
			flush()
		case q := <-w.queue:
			batch = append(batch, q)
			if len(batch) >= w.cfg.BatchSize {
				flush()
			}
		}
	}
}

// drainRemaining pulls whatever is already sitting in the queue
// without blocking, so the final flush captures it.
func (w *DBWriter) drainRemaining(batch *[]chatmsg.QueuedMessage) {
	for {
		select {
		case q := <-w.queue:
			*batch = append(*batch, q)
		default:
			return
		}
	}
}
