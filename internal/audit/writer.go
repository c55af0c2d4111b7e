package audit

import (
	"encoding/json"
	"log"
	"sync"
	"time"
)

// event is one RecordEvent call, queued for batch insertion.
type event struct {
	at     time.Time
	kind   string
	detail map[string]string
}

// Writer implements jobserver.AuditSink, batching events in memory and
// flushing them to Postgres on a size or time trigger. The matchmaker
// calls RecordEvent in-process, so there is nothing to consume from,
// only to batch and flush.
type Writer struct {
	db            *DB
	batchSize     int
	flushInterval time.Duration

	eventCh chan event
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewWriter(db *DB, batchSize int, flushInterval time.Duration) *Writer {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 2 * time.Second
	}
	w := &Writer{
		db:            db,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		eventCh:       make(chan event, 1024),
		stopCh:        make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// RecordEvent implements jobserver.AuditSink. Non-blocking: if the
// internal queue is full, the event is dropped rather than stalling the
// matchmaker loop that called it.
func (w *Writer) RecordEvent(kind string, detail map[string]string) {
	e := event{at: time.Now(), kind: kind, detail: detail}
	select {
	case w.eventCh <- e:
	default:
		log.Printf("audit: event queue full, dropping %q", kind)
	}
}

func (w *Writer) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}

func (w *Writer) run() {
	defer w.wg.Done()

	var batch []event
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			w.flush(batch)
			return
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = nil
			}
		case e := <-w.eventCh:
			batch = append(batch, e)
			if len(batch) >= w.batchSize {
				w.flush(batch)
				batch = nil
			}
		}
	}
}

func (w *Writer) flush(batch []event) {
	if len(batch) == 0 {
		return
	}

	tx, err := w.db.Begin()
	if err != nil {
		log.Printf("audit: begin transaction: %v", err)
		return
	}

	stmt, err := tx.Prepare(`
		INSERT INTO audit_events (occurred_at, kind, detail)
		VALUES ($1, $2, $3)
	`)
	if err != nil {
		log.Printf("audit: prepare insert: %v", err)
		tx.Rollback()
		return
	}
	defer stmt.Close()

	for _, e := range batch {
		detailJSON, err := json.Marshal(e.detail)
		if err != nil {
			log.Printf("audit: marshal detail for %q: %v", e.kind, err)
			continue
		}
		if _, err := stmt.Exec(e.at, e.kind, detailJSON); err != nil {
			log.Printf("audit: insert %q: %v", e.kind, err)
		}
	}

	if err := tx.Commit(); err != nil {
		log.Printf("audit: commit batch of %d: %v", len(batch), err)
	}
}
