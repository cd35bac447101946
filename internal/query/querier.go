package query

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"

	"UDPulse/internal/record"
)

// FlowSummary aggregates the stored RTT samples of one flow.
type FlowSummary struct {
	FlowID      uint32    `json:"flow_id"`
	Samples     uint64    `json:"samples"`
	RTTMeanMS   float64   `json:"rtt_mean_ms"`
	RTTStdevMS  float64   `json:"rtt_stddev_ms"`
	RTTMinMS    float64   `json:"rtt_min_ms"`
	RTTMaxMS    float64   `json:"rtt_max_ms"`
	RTTP95MS    float64   `json:"rtt_p95_ms"`
	RTTP99MS    float64   `json:"rtt_p99_ms"`
	FirstSample time.Time `json:"first_sample"`
	LastSample  time.Time `json:"last_sample"`
}

// SampleRow is one stored sample, returned by RecentSamples.
type SampleRow struct {
	Timestamp     time.Time `json:"timestamp"`
	FlowID        uint32    `json:"flow_id"`
	Sequence      uint64    `json:"sequence"`
	SendTime      float64   `json:"send_time"`
	ResponderTime float64   `json:"responder_time"`
	ReceiveTime   float64   `json:"receive_time"`
	RTTMillis     float64   `json:"rtt_ms"`
}

// SummaryRequest narrows a FlowSummaries query. Zero values mean "no filter".
type SummaryRequest struct {
	FlowID *uint32
	Since  time.Time
	Until  time.Time
}

// Querier reads back stored samples for the HTTP API.
type Querier interface {
	FlowSummaries(ctx context.Context, req SummaryRequest) ([]FlowSummary, error)
	RecentSamples(ctx context.Context, flowID uint32, limit int) ([]SampleRow, error)
	Close() error
}

type clickhouseQuerier struct {
	conn clickhouse.Conn
}

// NewClickHouseQuerier connects to the sample store described by cfg.
func NewClickHouseQuerier(cfg record.ClickHouseConfig) (Querier, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
	})
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}

	return &clickhouseQuerier{conn: conn}, nil
}

// FlowSummaries builds and executes a per-flow aggregation query.
func (q *clickhouseQuerier) FlowSummaries(ctx context.Context, req SummaryRequest) ([]FlowSummary, error) {
	var queryBuilder strings.Builder
	queryBuilder.WriteString(`
		SELECT
			FlowID,
			count()               AS Samples,
			avg(RTTMillis)        AS RTTMean,
			stddevPop(RTTMillis)  AS RTTStdev,
			min(RTTMillis)        AS RTTMin,
			max(RTTMillis)        AS RTTMax,
			quantile(0.95)(RTTMillis) AS RTTP95,
			quantile(0.99)(RTTMillis) AS RTTP99,
			min(Timestamp)        AS FirstSample,
			max(Timestamp)        AS LastSample
		FROM rtt_samples
	`)

	var whereClauses []string
	args := []interface{}{}

	if req.FlowID != nil {
		whereClauses = append(whereClauses, "FlowID = ?")
		args = append(args, *req.FlowID)
	}
	if !req.Since.IsZero() {
		whereClauses = append(whereClauses, "Timestamp >= ?")
		args = append(args, req.Since)
	}
	if !req.Until.IsZero() {
		whereClauses = append(whereClauses, "Timestamp <= ?")
		args = append(args, req.Until)
	}

	if len(whereClauses) > 0 {
		queryBuilder.WriteString(" WHERE " + strings.Join(whereClauses, " AND "))
	}

	queryBuilder.WriteString(`
		GROUP BY FlowID
		ORDER BY FlowID
	`)

	rows, err := q.conn.Query(ctx, queryBuilder.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	var summaries []FlowSummary
	for rows.Next() {
		var s FlowSummary
		if err := rows.Scan(
			&s.FlowID, &s.Samples,
			&s.RTTMeanMS, &s.RTTStdevMS, &s.RTTMinMS, &s.RTTMaxMS,
			&s.RTTP95MS, &s.RTTP99MS,
			&s.FirstSample, &s.LastSample,
		); err != nil {
			return nil, fmt.Errorf("failed to scan summary: %w", err)
		}
		summaries = append(summaries, s)
	}

	return summaries, nil
}

// RecentSamples returns the most recent stored samples for one flow.
func (q *clickhouseQuerier) RecentSamples(ctx context.Context, flowID uint32, limit int) ([]SampleRow, error) {
	if limit <= 0 || limit > 10000 {
		limit = 100
	}

	rows, err := q.conn.Query(ctx, `
		SELECT Timestamp, FlowID, Sequence, SendTime, ResponderTime, ReceiveTime, RTTMillis
		FROM rtt_samples
		WHERE FlowID = ?
		ORDER BY Sequence DESC
		LIMIT ?
	`, flowID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	var samples []SampleRow
	for rows.Next() {
		var r SampleRow
		if err := rows.Scan(
			&r.Timestamp, &r.FlowID, &r.Sequence,
			&r.SendTime, &r.ResponderTime, &r.ReceiveTime, &r.RTTMillis,
		); err != nil {
			return nil, fmt.Errorf("failed to scan sample: %w", err)
		}
		samples = append(samples, r)
	}

	return samples, nil
}

func (q *clickhouseQuerier) Close() error {
	return q.conn.Close()
}
