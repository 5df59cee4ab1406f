package clickhouse

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/nexus-swap/internal/execution"
	"github.com/nexus-trading/nexus-swap/internal/position"
	"github.com/rs/zerolog/log"
)

const (
	tableTrades    = "swap_trades"
	tablePositions = "swap_positions"
)

const tradesDDL = `CREATE TABLE IF NOT EXISTS %s (
	ts           DateTime64(3),
	swap_id      String,
	pair_id      LowCardinality(String),
	side         Enum8('BUY' = 1, 'SELL' = 2),
	success      UInt8,
	error_kind   LowCardinality(String),
	signature    String,
	input_mint   String,
	output_mint  String,
	in_amount    String,
	out_amount   String,
	attempts     UInt16,
	submissions  UInt16,
	latency_ms   UInt32
) ENGINE = MergeTree ORDER BY (pair_id, ts)`

const positionsDDL = `CREATE TABLE IF NOT EXISTS %s (
	ts            DateTime64(3),
	event         Enum8('open' = 1, 'close' = 2),
	position_id   String,
	pair_id       LowCardinality(String),
	token_mint    String,
	entry_price   String,
	entry_amount  String,
	last_price    String,
	held_seconds  UInt32
) ENGINE = MergeTree ORDER BY (pair_id, ts)`

// TradeRow is one pipeline outcome.
type TradeRow struct {
	Timestamp   time.Time
	SwapID      string
	PairID      string
	Side        string
	Success     bool
	ErrorKind   string
	Signature   string
	InputMint   string
	OutputMint  string
	InAmount    string // base units
	OutAmount   string // base units
	Attempts    uint16
	Submissions uint16
	LatencyMs   uint32
}

func (r TradeRow) values() []any {
	var success uint8
	if r.Success {
		success = 1
	}
	return []any{
		r.Timestamp, r.SwapID, r.PairID, r.Side, success, r.ErrorKind, r.Signature,
		r.InputMint, r.OutputMint, r.InAmount, r.OutAmount,
		r.Attempts, r.Submissions, r.LatencyMs,
	}
}

// PositionRow is one position open or close.
type PositionRow struct {
	Timestamp   time.Time
	Event       string
	PositionID  string
	PairID      string
	TokenMint   string
	EntryPrice  string
	EntryAmount string
	LastPrice   string
	HeldSeconds uint32
}

func (r PositionRow) values() []any {
	return []any{
		r.Timestamp, r.Event, r.PositionID, r.PairID, r.TokenMint,
		r.EntryPrice, r.EntryAmount, r.LastPrice, r.HeldSeconds,
	}
}

// TradeRowFromResult converts a pipeline outcome to a row.
func TradeRowFromResult(req execution.SwapRequest, res execution.TradeResult, at time.Time) TradeRow {
	row := TradeRow{
		Timestamp:   at,
		SwapID:      res.SwapID,
		PairID:      req.PairID,
		Side:        string(req.Side),
		Success:     res.Success,
		ErrorKind:   string(res.ErrorKind),
		InputMint:   string(req.InputMint),
		OutputMint:  string(req.OutputMint),
		InAmount:    res.InAmount.String(),
		OutAmount:   res.OutAmount.String(),
		Attempts:    uint16(res.Attempts),
		Submissions: uint16(res.Submissions),
		LatencyMs:   uint32(res.Latency.Milliseconds()),
	}
	if res.Signature != nil {
		row.Signature = string(*res.Signature)
	}
	return row
}

// PositionRowFromEvent converts a tracker change to a row.
func PositionRowFromEvent(event string, pos position.Position, at time.Time) PositionRow {
	return PositionRow{
		Timestamp:   at,
		Event:       event,
		PositionID:  pos.ID,
		PairID:      pos.PairID,
		TokenMint:   string(pos.TokenMint),
		EntryPrice:  pos.EntryPrice.String(),
		EntryAmount: pos.EntryAmount.String(),
		LastPrice:   pos.LastPrice.String(),
		HeldSeconds: uint32(at.Sub(pos.EntryTimestamp).Seconds()),
	}
}

func tableName(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// ---------------------------------------------------------------------------
// TradeWriter
// ---------------------------------------------------------------------------

// TradeWriter batches trade outcomes and position changes and flushes them
// to ClickHouse periodically or when the combined buffers reach batchSize.
type TradeWriter struct {
	client        *Client
	dbPrefix      string
	batchSize     int
	flushInterval time.Duration

	mu       sync.Mutex
	tradeBuf []TradeRow
	posBuf   []PositionRow
	closed   bool

	flushCount atomic.Int64
	errorCount atomic.Int64
	rowCount   atomic.Int64

	cancel context.CancelFunc
	done   chan struct{}

	// flushHook replaces real writes during testing.
	flushHook func(ctx context.Context, table string, rows [][]any) error
}

// NewTradeWriter creates a batch writer. dbPrefix may be empty.
func NewTradeWriter(client *Client, dbPrefix string, batchSize int, flushInterval time.Duration) *TradeWriter {
	if batchSize <= 0 {
		batchSize = 500
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	return &TradeWriter{
		client:        client,
		dbPrefix:      dbPrefix,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		tradeBuf:      make([]TradeRow, 0, batchSize),
		posBuf:        make([]PositionRow, 0, 64),
	}
}

// WriteTrade buffers a trade row, flushing when the buffers are full.
func (w *TradeWriter) WriteTrade(ctx context.Context, row TradeRow) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return fmt.Errorf("clickhouse: trade writer is closed")
	}
	w.tradeBuf = append(w.tradeBuf, row)
	needsFlush := len(w.tradeBuf)+len(w.posBuf) >= w.batchSize
	w.mu.Unlock()

	if needsFlush {
		return w.Flush(ctx)
	}
	return nil
}

// WritePosition buffers a position row, flushing when the buffers are full.
func (w *TradeWriter) WritePosition(ctx context.Context, row PositionRow) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return fmt.Errorf("clickhouse: trade writer is closed")
	}
	w.posBuf = append(w.posBuf, row)
	needsFlush := len(w.tradeBuf)+len(w.posBuf) >= w.batchSize
	w.mu.Unlock()

	if needsFlush {
		return w.Flush(ctx)
	}
	return nil
}

// RecordResult is a pipeline result callback.
func (w *TradeWriter) RecordResult(req execution.SwapRequest, res execution.TradeResult) {
	if err := w.WriteTrade(context.Background(), TradeRowFromResult(req, res, time.Now())); err != nil {
		log.Warn().Err(err).Str("swap_id", res.SwapID).Msg("clickhouse: trade row dropped")
	}
}

// RecordPosition is a position tracker change callback.
func (w *TradeWriter) RecordPosition(event string, pos position.Position) {
	if err := w.WritePosition(context.Background(), PositionRowFromEvent(event, pos, time.Now())); err != nil {
		log.Warn().Err(err).Str("pos_id", pos.ID).Msg("clickhouse: position row dropped")
	}
}

// Start begins the background flush loop.
func (w *TradeWriter) Start(ctx context.Context) {
	bgCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.flushInterval)
		defer ticker.Stop()

		log.Info().
			Str("prefix", w.dbPrefix).
			Int("batch_size", w.batchSize).
			Dur("flush_interval", w.flushInterval).
			Msg("clickhouse: trade writer started")

		for {
			select {
			case <-bgCtx.Done():
				return
			case <-ticker.C:
				if err := w.Flush(bgCtx); err != nil {
					log.Error().Err(err).Msg("clickhouse: periodic flush error")
				}
			}
		}
	}()
}

// Flush writes all buffered rows.
func (w *TradeWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	trades := w.tradeBuf
	positions := w.posBuf
	w.tradeBuf = make([]TradeRow, 0, w.batchSize)
	w.posBuf = make([]PositionRow, 0, 64)
	w.mu.Unlock()

	if len(trades) == 0 && len(positions) == 0 {
		return nil
	}

	var firstErr error
	if len(trades) > 0 {
		rows := make([][]any, len(trades))
		for i, r := range trades {
			rows[i] = r.values()
		}
		if err := w.insert(ctx, tableTrades, tradeColumns, rows); err != nil {
			log.Error().Err(err).Int("count", len(trades)).Msg("clickhouse: flush trades failed")
			firstErr = err
		}
	}
	if len(positions) > 0 {
		rows := make([][]any, len(positions))
		for i, r := range positions {
			rows[i] = r.values()
		}
		if err := w.insert(ctx, tablePositions, positionColumns, rows); err != nil {
			log.Error().Err(err).Int("count", len(positions)).Msg("clickhouse: flush positions failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	w.flushCount.Add(1)
	log.Debug().
		Int("trades", len(trades)).
		Int("positions", len(positions)).
		Int64("total_flushes", w.flushCount.Load()).
		Msg("clickhouse: batch flushed")
	return firstErr
}

const (
	tradeColumns = "ts, swap_id, pair_id, side, success, error_kind, signature, " +
		"input_mint, output_mint, in_amount, out_amount, attempts, submissions, latency_ms"
	positionColumns = "ts, event, position_id, pair_id, token_mint, entry_price, entry_amount, last_price, held_seconds"
)

func (w *TradeWriter) insert(ctx context.Context, table, columns string, rows [][]any) error {
	name := tableName(w.dbPrefix, table)
	if w.flushHook != nil {
		err := w.flushHook(ctx, name, rows)
		w.account(err, len(rows))
		return err
	}

	batch, err := w.client.Conn().PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s (%s)", name, columns))
	if err != nil {
		w.account(err, 0)
		return fmt.Errorf("prepare %s batch: %w", table, err)
	}
	for _, r := range rows {
		if err := batch.Append(r...); err != nil {
			w.account(err, 0)
			return fmt.Errorf("append %s row: %w", table, err)
		}
	}
	err = batch.Send()
	w.account(err, len(rows))
	return err
}

func (w *TradeWriter) account(err error, rows int) {
	if err != nil {
		w.errorCount.Add(1)
		return
	}
	w.rowCount.Add(int64(rows))
}

// Close stops the background loop and performs a final flush.
func (w *TradeWriter) Close() error {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	if err := w.Flush(context.Background()); err != nil {
		log.Error().Err(err).Msg("clickhouse: final flush on close failed")
		return err
	}

	log.Info().
		Int64("flushes", w.flushCount.Load()).
		Int64("rows", w.rowCount.Load()).
		Int64("errors", w.errorCount.Load()).
		Msg("clickhouse: trade writer closed")
	return nil
}

// WriterStats is a snapshot of writer counters.
type WriterStats struct {
	Flushes          int64
	Rows             int64
	Errors           int64
	PendingTrades    int
	PendingPositions int
}

// Stats returns writer statistics.
func (w *TradeWriter) Stats() WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WriterStats{
		Flushes:          w.flushCount.Load(),
		Rows:             w.rowCount.Load(),
		Errors:           w.errorCount.Load(),
		PendingTrades:    len(w.tradeBuf),
		PendingPositions: len(w.posBuf),
	}
}

// SetFlushHook sets a test hook. Intended for testing only.
func (w *TradeWriter) SetFlushHook(hook func(ctx context.Context, table string, rows [][]any) error) {
	w.flushHook = hook
}
