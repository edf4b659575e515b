package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"prism-backend/internal/store"
)

// Buffer collects events in memory and flushes them to _events in batch
// inserts, on a timer or when the buffer fills.
type Buffer struct {
	store   *store.Store
	mu      sync.Mutex
	events  []Event
	maxSize int
	ticker  *time.Ticker
	done    chan struct{}
}

// NewBuffer creates a buffer that flushes every flushIntervalMs and
// whenever maxSize events are pending.
func NewBuffer(s *store.Store, maxSize, flushIntervalMs int) *Buffer {
	b := &Buffer{
		store:   s,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	b.ticker = time.NewTicker(time.Duration(flushIntervalMs) * time.Millisecond)
	go b.run()
	return b
}

func (b *Buffer) run() {
	for {
		select {
		case <-b.done:
			return
		case <-b.ticker.C:
			b.Flush()
		}
	}
}

// Record buffers the event. A full buffer triggers an asynchronous flush.
func (b *Buffer) Record(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Status == "" {
		ev.Status = "ok"
	}
	b.mu.Lock()
	b.events = append(b.events, ev)
	full := len(b.events) >= b.maxSize
	b.mu.Unlock()
	if full {
		go b.Flush()
	}
}

// Flush writes all pending events in a single batch insert. Errors are
// logged, never returned; a lost audit batch must not take requests down.
func (b *Buffer) Flush() {
	b.mu.Lock()
	if len(b.events) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.events
	b.events = nil
	b.mu.Unlock()

	ctx := context.Background()
	tx, err := b.store.DB.BeginTx(ctx, nil)
	if err != nil {
		log.Printf("ERROR: audit buffer begin tx: %v", err)
		return
	}

	if pragma := b.store.Dialect.SyncCommitOff(); pragma != "" {
		if _, err := tx.ExecContext(ctx, pragma); err != nil {
			tx.Rollback()
			log.Printf("ERROR: audit buffer set sync commit: %v", err)
			return
		}
	}

	pb := b.store.Dialect.NewParamBuilder()
	var tuples []string
	for _, e := range batch {
		var actor any
		if e.Actor != "" {
			actor = e.Actor
		}
		var groupID any
		if e.GroupID > 0 {
			groupID = e.GroupID
		}
		var detail any
		if e.Detail != nil {
			raw, _ := json.Marshal(e.Detail)
			detail = string(raw)
		}
		tuples = append(tuples, fmt.Sprintf("(%s,%s,%s,%s,%s,%s,%s,%s)",
			pb.Add(e.ID), pb.Add(e.Type), pb.Add(e.Collection), pb.Add(e.Field),
			pb.Add(actor), pb.Add(groupID), pb.Add(e.Status), pb.Add(detail)))
	}

	query := fmt.Sprintf(
		"INSERT INTO _events (id, event_type, collection, field, actor, group_id, status, detail) VALUES %s",
		strings.Join(tuples, ","))
	if _, err := tx.ExecContext(ctx, query, pb.Params()...); err != nil {
		tx.Rollback()
		log.Printf("ERROR: audit buffer insert: %v", err)
		return
	}
	if err := tx.Commit(); err != nil {
		log.Printf("ERROR: audit buffer commit: %v", err)
	}
}

// Stop halts the background ticker and flushes remaining events.
func (b *Buffer) Stop() {
	if b.ticker != nil {
		b.ticker.Stop()
	}
	close(b.done)
	b.Flush()
}
