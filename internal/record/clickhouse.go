package record

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"UDPulse/internal/model"
)

const createSamplesTable = `
CREATE TABLE IF NOT EXISTS rtt_samples (
    Timestamp      DateTime64(6),
    FlowID         UInt32,
    Sequence       UInt64,
    SendTime       Float64,
    ResponderTime  Float64,
    ReceiveTime    Float64,
    RTTMillis      Float64
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(Timestamp)
ORDER BY (FlowID, Sequence);
`

// defaultBatchSize bounds how many samples are buffered before a batch
// insert is sent.
const defaultBatchSize = 500

// ClickHouseConfig holds the connection settings for the sample store.
type ClickHouseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// ClickHouseWriter persists resolved samples to ClickHouse in batches.
// It implements the model.SampleWriter interface.
type ClickHouseWriter struct {
	conn      driver.Conn
	batchSize int

	mu  sync.Mutex
	buf []*model.Sample
}

// NewClickHouseWriter connects to ClickHouse and ensures the sample table
// exists.
func NewClickHouseWriter(cfg ClickHouseConfig) (*ClickHouseWriter, error) {
	conn, err := connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}

	if err := conn.Exec(context.Background(), createSamplesTable); err != nil {
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	log.Println("Successfully connected to ClickHouse and ensured table exists.")

	return &ClickHouseWriter{conn: conn, batchSize: defaultBatchSize}, nil
}

func connect(cfg ClickHouseConfig) (driver.Conn, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Debug: false,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, err
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}

	return conn, nil
}

// WriteSample buffers one sample and flushes a batch insert once the buffer
// fills. Safe for concurrent callers.
func (w *ClickHouseWriter) WriteSample(s *model.Sample) error {
	w.mu.Lock()
	w.buf = append(w.buf, s)
	var flush []*model.Sample
	if len(w.buf) >= w.batchSize {
		flush = w.buf
		w.buf = nil
	}
	w.mu.Unlock()

	if flush == nil {
		return nil
	}
	return w.send(flush)
}

// Close flushes the remaining buffered samples and closes the connection.
func (w *ClickHouseWriter) Close() error {
	w.mu.Lock()
	flush := w.buf
	w.buf = nil
	w.mu.Unlock()

	if len(flush) > 0 {
		if err := w.send(flush); err != nil {
			return err
		}
	}
	return w.conn.Close()
}

func (w *ClickHouseWriter) send(samples []*model.Sample) error {
	batch, err := w.conn.PrepareBatch(context.Background(), "INSERT INTO rtt_samples")
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, s := range samples {
		err = batch.Append(
			time.Now(),
			s.FlowID,
			s.Sequence,
			s.SendTime,
			s.ResponderTime,
			s.ReceiveTime,
			s.RTTMillis(),
		)
		if err != nil {
			return fmt.Errorf("failed to append sample to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	log.Printf("Wrote %d samples to ClickHouse", len(samples))
	return nil
}
