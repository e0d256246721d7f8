package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/klauspost/compress/zstd"
	"github.com/routebeacon/bgpd/internal/metrics"
	"go.uber.org/zap"
)

var zstdEncoder *zstd.Encoder

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil)
	if err != nil {
		panic(fmt.Sprintf("history: zstd encoder init: %v", err))
	}
}

type Writer struct {
	pool          *pgxpool.Pool
	logger        *zap.Logger
	storeRawBytes bool
	compressRaw   bool
}

func NewWriter(pool *pgxpool.Pool, logger *zap.Logger, storeRawBytes, compressRaw bool) *Writer {
	return &Writer{
		pool:          pool,
		logger:        logger,
		storeRawBytes: storeRawBytes,
		compressRaw:   compressRaw,
	}
}

// HistoryRow is a single Adj-RIB change bound for route_events. The
// column names (router_id, table_name, afi, prefix, ingest_time) predate
// this daemon, back when a row described a prefix learned from one of
// many BMP-monitored routers; here router_id holds the neighbor
// identifier and table_name holds the AFI/SAFI family string, so the
// partitioning and indexing built on those columns (internal/maintenance)
// carries over unchanged.
type HistoryRow struct {
	EventID    []byte
	Neighbor   string
	Family     string
	AFI        int
	Prefix     string
	PathID     uint32
	HasPathID  bool
	Action     string
	NextHop    string
	ASPath     string
	Origin     string
	LocalPref  uint32
	HasLocPref bool
	MED        uint32
	HasMED     bool
	CommStd    []string
	CommExt    []string
	CommLarge  []string
	Attrs      map[string]any
	RawUpdate  []byte
}

// FlushBatch inserts a batch of history rows into route_events.
// Returns the number of rows actually inserted (after dedup).
func (w *Writer) FlushBatch(ctx context.Context, rows []*HistoryRow) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	start := time.Now()

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const insertSQL = `
		INSERT INTO route_events (event_id, ingest_time, router_id, table_name, afi,
			prefix, path_id, action, nexthop, as_path, origin, localpref, med,
			communities_std, communities_ext, communities_large, attrs, raw_update)
		VALUES ($1, date_trunc('day', now() AT TIME ZONE 'UTC')::timestamptz, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (event_id, ingest_time) DO NOTHING`

	batch := &pgx.Batch{}
	for _, row := range rows {
		var attrsJSON []byte
		if len(row.Attrs) > 0 {
			attrsJSON, _ = json.Marshal(row.Attrs)
		}

		var raw []byte
		if w.storeRawBytes && row.RawUpdate != nil {
			if w.compressRaw {
				raw = zstdEncoder.EncodeAll(row.RawUpdate, nil)
			} else {
				raw = row.RawUpdate
			}
		}

		batch.Queue(insertSQL,
			row.EventID, row.Neighbor, row.Family, row.AFI,
			row.Prefix, optionalUint32(row.PathID, row.HasPathID), row.Action,
			nilIfEmpty(row.NextHop), nilIfEmpty(row.ASPath),
			nilIfEmpty(row.Origin), optionalUint32(row.LocalPref, row.HasLocPref),
			optionalUint32(row.MED, row.HasMED),
			row.CommStd, row.CommExt, row.CommLarge,
			attrsJSON, raw,
		)
	}

	results := tx.SendBatch(ctx, batch)
	var totalInserted int64
	for i, row := range rows {
		tag, err := results.Exec()
		if err != nil {
			results.Close()
			return 0, fmt.Errorf("insert route_event[%d]: %w", i, err)
		}
		affected := tag.RowsAffected()
		totalInserted += affected
		if affected == 0 {
			w.logger.Debug("route_event deduplicated",
				zap.String("neighbor", row.Neighbor), zap.String("prefix", row.Prefix))
		}
	}
	if err := results.Close(); err != nil {
		return 0, fmt.Errorf("closing batch results: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}

	dur := time.Since(start).Seconds()
	metrics.HistoryWriteDuration.WithLabelValues("insert").Observe(dur)
	metrics.HistoryBatchSize.WithLabelValues().Observe(float64(len(rows)))

	return totalInserted, nil
}

// UpdateSyncStatus upserts the rib_sync_status row for a neighbor/family
// pair, recording the time of the most recent route event and, once
// eorSeen is true, that the initial table transfer for that family
// completed.
func (w *Writer) UpdateSyncStatus(ctx context.Context, neighbor, family string, eorSeen bool) error {
	_, err := w.pool.Exec(ctx, `
		INSERT INTO rib_sync_status (router_id, table_name, afi, last_raw_msg_time, eor_seen, session_start_time, updated_at)
		VALUES ($1, $2, 0, now(), $3, now(), now())
		ON CONFLICT (router_id, table_name, afi)
		DO UPDATE SET last_raw_msg_time = now(), eor_seen = rib_sync_status.eor_seen OR $3, updated_at = now()`,
		neighbor, family, eorSeen,
	)
	return err
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func optionalUint32(v uint32, has bool) any {
	if !has {
		return nil
	}
	return v
}
