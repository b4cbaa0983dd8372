package logging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// DedupHandler wraps a slog.Handler and collapses identical records
// emitted within a flush window into a single record carrying a
// repeated_count attribute. Retry loops and flapping circuits produce
// bursts of identical lines; this keeps the files readable.
//
// Handlers derived via WithAttrs/WithGroup share the parent's buffer
// and flush goroutine, so Close on any of them closes the whole chain.
type DedupHandler struct {
	id      uint64
	handler slog.Handler
	core    *dedupCore
}

// dedupCore is the buffer state shared by a DedupHandler and every
// handler derived from it.
type dedupCore struct {
	mu     sync.Mutex
	seen   map[dedupKey]*dedupEntry
	order  []dedupKey
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	closed bool
	nextID uint64

	batchSize int
}

// dedupKey scopes the content hash to the derived handler that saw the
// record, so records carrying different With-attrs never collapse into
// each other.
type dedupKey struct {
	handlerID uint64
	hash      uint64
}

type dedupEntry struct {
	record  slog.Record
	handler slog.Handler
	count   int
}

// DedupConfig configures the dedup window.
type DedupConfig struct {
	// BatchSize is the number of unique entries buffered before a flush (default 100).
	BatchSize int
	// FlushInterval is the maximum time a record is held back (default 1s).
	FlushInterval time.Duration
}

// NewDedupHandler creates a deduplicating handler.
func NewDedupHandler(handler slog.Handler, cfg DedupConfig) *DedupHandler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}

	core := &dedupCore{
		seen:      make(map[dedupKey]*dedupEntry),
		order:     make([]dedupKey, 0, cfg.BatchSize),
		ticker:    time.NewTicker(cfg.FlushInterval),
		stop:      make(chan struct{}),
		nextID:    1,
		batchSize: cfg.BatchSize,
	}

	core.wg.Add(1)
	go core.flushLoop()
	return &DedupHandler{id: 0, handler: handler, core: core}
}

func (h *DedupHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

// Handle buffers the record, counting duplicates by content hash.
// The hash excludes the timestamp so identical lines logged at
// different instants still collapse.
func (h *DedupHandler) Handle(ctx context.Context, r slog.Record) error {
	c := h.core
	key := dedupKey{handlerID: h.id, hash: hashRecord(r)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return h.handler.Handle(ctx, r)
	}
	if entry, ok := c.seen[key]; ok {
		entry.count++
		c.mu.Unlock()
		return nil
	}

	c.seen[key] = &dedupEntry{record: r.Clone(), handler: h.handler, count: 1}
	c.order = append(c.order, key)
	var batch []*dedupEntry
	if len(c.order) >= c.batchSize {
		batch = c.takeBatch()
	}
	c.mu.Unlock()

	emit(batch)
	return nil
}

// WithAttrs derives a handler that shares this handler's buffer and
// flush goroutine.
func (h *DedupHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.derive(h.handler.WithAttrs(attrs))
}

// WithGroup derives a handler that shares this handler's buffer and
// flush goroutine.
func (h *DedupHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return h.derive(h.handler.WithGroup(name))
}

func (h *DedupHandler) derive(handler slog.Handler) *DedupHandler {
	c := h.core
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.mu.Unlock()
	return &DedupHandler{id: id, handler: handler, core: c}
}

// Close flushes pending records and stops the background loop. After
// Close the handler writes through without buffering.
func (h *DedupHandler) Close() error {
	c := h.core

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.stop)
	c.wg.Wait()
	c.ticker.Stop()

	c.mu.Lock()
	batch := c.takeBatch()
	c.mu.Unlock()
	emit(batch)
	return nil
}

func (c *dedupCore) flushLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ticker.C:
			c.mu.Lock()
			batch := c.takeBatch()
			c.mu.Unlock()
			emit(batch)
		case <-c.stop:
			return
		}
	}
}

// takeBatch drains the buffer. Caller must hold c.mu.
func (c *dedupCore) takeBatch() []*dedupEntry {
	if len(c.order) == 0 {
		return nil
	}
	entries := make([]*dedupEntry, 0, len(c.order))
	for _, key := range c.order {
		entry := c.seen[key]
		if entry == nil {
			continue
		}
		if entry.count > 1 {
			entry.record.AddAttrs(slog.Int("repeated_count", entry.count))
		}
		entries = append(entries, entry)
	}
	c.seen = make(map[dedupKey]*dedupEntry)
	c.order = c.order[:0]
	return entries
}

// emit writes records outside the lock so a handler that itself logs
// cannot deadlock the dedup buffer.
func emit(entries []*dedupEntry) {
	for _, entry := range entries {
		_ = entry.handler.Handle(context.Background(), entry.record)
	}
}

func hashRecord(r slog.Record) uint64 {
	hash := xxhash.New()
	hash.WriteString(r.Level.String())
	hash.WriteString("|")
	hash.WriteString(r.Message)
	hash.WriteString("|")
	r.Attrs(func(a slog.Attr) bool {
		hash.WriteString(a.Key)
		hash.WriteString("=")
		hash.WriteString(a.Value.String())
		hash.WriteString("|")
		return true
	})
	return hash.Sum64()
}
