package journal

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/realtime-client/internal/router"
)

// ErrBufferFull is returned by the handler when the writer cannot keep up.
var ErrBufferFull = errors.New("journal buffer full")

// Config holds writer configuration.
type Config struct {
	Types         []string      // Message types to journal
	BatchSize     int           // Rows per COPY
	FlushInterval time.Duration // Max time a row waits in a partial batch
	BufferSize    int           // Pending messages before the handler drops
}

// DefaultConfig returns default writer configuration.
func DefaultConfig() Config {
	return Config{
		Types:         []string{router.TypeMarketData, router.TypeSignal, router.TypeNotification, router.TypePortfolio},
		BatchSize:     500,
		FlushInterval: time.Second,
		BufferSize:    10000,
	}
}

// Stats contains writer statistics.
type Stats struct {
	Received int64
	Dropped  int64
	Inserts  int64
	Flushes  int64
	Errors   int64
}

// Registrar is the subset of the connection manager the writer attaches to.
type Registrar interface {
	OnMessage(msgType string, h router.Handler) router.HandlerID
	OffMessage(id router.HandlerID)
}

// Writer batches routed messages into a Sink.
type Writer struct {
	cfg      Config
	sink     Sink
	clientID string
	logger   *slog.Logger

	input chan router.Message

	batch   []Row
	batchMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	statsMu sync.Mutex
	stats   Stats
}

// NewWriter creates a Writer. clientID is stamped on every row.
func NewWriter(cfg Config, sink Sink, clientID string, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	return &Writer{
		cfg:      cfg,
		sink:     sink,
		clientID: clientID,
		logger:   logger,
		input:    make(chan router.Message, cfg.BufferSize),
		batch:    make([]Row, 0, cfg.BatchSize),
	}
}

// Attach registers the writer's handler for every configured type and
// returns a function that removes the registrations.
func (w *Writer) Attach(r Registrar) (detach func()) {
	ids := make([]router.HandlerID, 0, len(w.cfg.Types))
	for _, t := range w.cfg.Types {
		ids = append(ids, r.OnMessage(t, w.Handle))
	}
	return func() {
		for _, id := range ids {
			r.OffMessage(id)
		}
	}
}

// Handle enqueues a message without blocking. It runs on the connection's
// reader goroutine.
func (w *Writer) Handle(msg router.Message) error {
	select {
	case w.input <- msg:
		w.statsMu.Lock()
		w.stats.Received++
		w.statsMu.Unlock()
		return nil
	default:
		w.statsMu.Lock()
		w.stats.Dropped++
		w.statsMu.Unlock()
		return ErrBufferFull
	}
}

// Start begins consuming messages and flushing batches.
func (w *Writer) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.consumeLoop()

	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("journal writer started",
		"types", w.cfg.Types,
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop drains buffered messages, flushes the last batch and waits for
// the loops to exit.
func (w *Writer) Stop(ctx context.Context) error {
	w.logger.Info("stopping journal writer")

	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("journal writer stop timed out")
		return ctx.Err()
	}

	// Drain what the consumer had not picked up.
drain:
	for {
		select {
		case msg := <-w.input:
			w.append(msg)
		default:
			break drain
		}
	}
	w.flush(ctx)

	w.logger.Info("journal writer stopped")
	return nil
}

// Stats returns current statistics.
func (w *Writer) Stats() Stats {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	return w.stats
}

func (w *Writer) consumeLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case msg := <-w.input:
			if w.append(msg) {
				w.flush(w.ctx)
			}
		}
	}
}

func (w *Writer) flushLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.flush(w.ctx)
		}
	}
}

// append adds a message to the batch and reports whether it is full.
func (w *Writer) append(msg router.Message) bool {
	row := w.transform(msg)

	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	w.batch = append(w.batch, row)
	return len(w.batch) >= w.cfg.BatchSize
}

func (w *Writer) transform(msg router.Message) Row {
	var payload []byte
	if len(msg.Payload) > 0 {
		payload = append([]byte(nil), msg.Payload...)
	}
	receivedAt := msg.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}
	return Row{
		Type:       msg.Type,
		Payload:    payload,
		ReceivedAt: receivedAt.UTC(),
		ClientID:   w.clientID,
	}
}

func (w *Writer) flush(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]Row, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	// A cancelled run context must not lose the final batch.
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}

	start := time.Now()
	n, err := w.sink.Write(ctx, batch)
	if err != nil {
		w.logger.Error("journal flush failed", "error", err, "count", len(batch))
		w.statsMu.Lock()
		w.stats.Errors++
		w.statsMu.Unlock()
		return
	}

	w.statsMu.Lock()
	w.stats.Inserts += n
	w.stats.Flushes++
	w.statsMu.Unlock()

	w.logger.Debug("flushed journal batch",
		"count", n,
		"duration", time.Since(start),
	)
}
