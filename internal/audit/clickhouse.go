package audit

import (
	"context"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

const (
	bufferSize    = 10_000
	flushInterval = 100 * time.Millisecond
	flushBatch    = 1000
	drainTimeout  = 2 * time.Second
)

// ClickHouseSink writes audit records to ClickHouse asynchronously.
// Write is non-blocking — records are buffered and batch-inserted in a
// background goroutine, so the decision path never waits on the store.
type ClickHouseSink struct {
	conn    driver.Conn
	buffer  chan *Record
	done    chan struct{}
	flushed chan struct{} // closed by flushLoop when it returns
	logger  *zap.Logger
}

// NewClickHouseSink connects to the DSN and starts the flush loop.
func NewClickHouseSink(dsn string, logger *zap.Logger) (*ClickHouseSink, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, err
	}

	s := &ClickHouseSink{
		conn:    conn,
		buffer:  make(chan *Record, bufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  logger,
	}
	go s.flushLoop()
	return s, nil
}

// Write queues a record for async insertion. Non-blocking: drops the
// record if the buffer is full.
func (s *ClickHouseSink) Write(r *Record) {
	select {
	case s.buffer <- r:
	default:
		s.logger.Warn("clickhouse buffer full, dropping audit record",
			zap.String("id", r.ID),
		)
	}
}

// Close signals the flush loop to drain remaining records and waits
// for it to finish (up to drainTimeout). Safe to call once.
func (s *ClickHouseSink) Close() {
	close(s.done)
	<-s.flushed
}

func (s *ClickHouseSink) flushLoop() {
	defer close(s.flushed)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*Record, 0, flushBatch)

	for {
		select {
		case r := <-s.buffer:
			batch = append(batch, r)
			if len(batch) >= flushBatch {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-s.done:
			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
		drainLoop:
			for {
				select {
				case r := <-s.buffer:
					batch = append(batch, r)
				case <-drainCtx.Done():
					break drainLoop
				default:
					break drainLoop
				}
			}
			if len(batch) > 0 {
				s.flush(batch)
			}
			return
		}
	}
}

func (s *ClickHouseSink) flush(records []*Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO audit_records (
			id, ts, identity, tool, resource, decision, reason,
			finding_rule_ids, finding_severities, finding_reasons,
			retry_after_sec, request_hash, latency_ms, policy_version
		)
	`)
	if err != nil {
		s.logger.Error("clickhouse prepare batch failed", zap.Error(err))
		return
	}

	for _, r := range records {
		ruleIDs := make([]string, len(r.Findings))
		severities := make([]string, len(r.Findings))
		reasons := make([]string, len(r.Findings))
		for i, f := range r.Findings {
			ruleIDs[i] = f.RuleID
			severities[i] = f.Severity
			reasons[i] = f.Reason
		}

		if err := batch.Append(
			r.ID,
			r.TS,
			r.Identity,
			r.Tool,
			r.Resource,
			r.Decision,
			r.Reason,
			ruleIDs,
			severities,
			reasons,
			r.RetryAfterSec,
			r.RequestHash,
			r.LatencyMs,
			int32(r.PolicyVersion),
		); err != nil {
			s.logger.Error("clickhouse append record failed",
				zap.String("id", r.ID),
				zap.Error(err),
			)
		}
	}

	if err := batch.Send(); err != nil {
		s.logger.Error("clickhouse batch send failed",
			zap.Int("batch_size", len(records)),
			zap.Error(err),
		)
	}
}
