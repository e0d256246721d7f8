package history

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/routebeacon/bgpd/internal/process"
	"github.com/routebeacon/bgpd/internal/protocol"
	"go.uber.org/zap"
)

// Pipeline batches process.Event occurrences of kind update into
// HistoryRow writes, the way the teacher's Kafka consumer batched raw
// records: size- and time-triggered flush via a ticker, draining
// whatever is buffered on context cancellation.
type Pipeline struct {
	writer        *Writer
	batchSize     int
	flushInterval time.Duration
	logger        *zap.Logger
	events        chan *process.Event
}

// NewPipeline builds a Pipeline. channelBufferSize bounds the Sink
// backlog the way process.Helper's queue bounds helper output: once
// full, Sink drops events rather than blocking the reactor tick that
// produced them.
func NewPipeline(writer *Writer, batchSize, flushIntervalMs, channelBufferSize int, logger *zap.Logger) *Pipeline {
	if channelBufferSize <= 0 {
		channelBufferSize = 256
	}
	return &Pipeline{
		writer:        writer,
		batchSize:     batchSize,
		flushInterval: time.Duration(flushIntervalMs) * time.Millisecond,
		logger:        logger,
		events:        make(chan *process.Event, channelBufferSize),
	}
}

// Sink is the reactor sink function for this pipeline: register it via
// reactor.New(cfg, logger, pipeline.Sink, ...). It never blocks; a full
// channel means a dropped history row, logged at debug level, not a
// stalled reactor tick.
func (p *Pipeline) Sink(ev *process.Event) {
	select {
	case p.events <- ev:
	default:
		p.logger.Debug("history pipeline backlog full, dropping event", zap.String("kind", string(ev.Kind)))
	}
}

// Run drains the event channel into batched Postgres writes until ctx
// is cancelled, flushing whatever remains buffered before returning.
func (p *Pipeline) Run(ctx context.Context) {
	var batch []*HistoryRow
	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				p.flush(shutdownCtx, batch)
				cancel()
			}
			return

		case ev, ok := <-p.events:
			if !ok {
				return
			}
			batch = append(batch, p.processEvent(ctx, ev)...)
			if len(batch) >= p.batchSize {
				p.flush(ctx, batch)
				batch = nil
			}

		case <-ticker.C:
			if len(batch) > 0 {
				p.flush(ctx, batch)
				batch = nil
			}
		}
	}
}

// processEvent converts one update event into zero or more HistoryRows
// (one per announced or withdrawn NLRI), and updates rib_sync_status
// for end-of-RIB markers along the way.
func (p *Pipeline) processEvent(ctx context.Context, ev *process.Event) []*HistoryRow {
	if ev.Kind != process.KindUpdate || ev.Update == nil {
		return nil
	}
	u := ev.Update
	neighbor := ev.Neighbor.PeerAddr

	if family, ok := u.IsEndOfRIB(); ok {
		if err := p.writer.UpdateSyncStatus(ctx, neighbor, family.String(), true); err != nil {
			p.logger.Warn("failed to record end-of-rib sync status",
				zap.String("neighbor", neighbor), zap.Error(err))
		}
		return nil
	}

	var rows []*HistoryRow
	for _, n := range u.AnnouncedV4 {
		rows = append(rows, p.buildRow(ev, n, "announce", u.Attributes))
	}
	for _, n := range u.WithdrawnV4 {
		rows = append(rows, p.buildRow(ev, n, "withdraw", nil))
	}
	return rows
}

func (p *Pipeline) buildRow(ev *process.Event, n protocol.NLRI, action string, attrs *protocol.Attributes) *HistoryRow {
	neighbor := ev.Neighbor.PeerAddr
	family := n.Family()

	row := &HistoryRow{
		Neighbor: neighbor,
		Family:   family.String(),
		AFI:      int(family.AFI),
		Prefix:   n.Index(),
		Action:   action,
		Attrs:    n.JSON(),
	}
	if pathID, ok := n.PathID(); ok {
		row.PathID, row.HasPathID = pathID, true
	}
	if attrs != nil {
		if nh, ok := attrs.NextHop(); ok {
			row.NextHop = fmt.Sprintf("%d.%d.%d.%d", nh[0], nh[1], nh[2], nh[3])
		}
		if segs, err := attrs.ASPath(); err == nil && len(segs) > 0 {
			row.ASPath = formatASPath(segs)
		}
		if origin, ok := attrs.Origin(); ok {
			row.Origin = originString(origin)
		}
		if lp, ok := attrs.LocalPref(); ok {
			row.LocalPref, row.HasLocPref = lp, true
		}
		if med, ok := attrs.MED(); ok {
			row.MED, row.HasMED = med, true
		}
		if comms, ok := attrs.Communities(); ok {
			row.CommStd = formatCommunities(comms)
		}
		if ecomms, ok := attrs.ExtendedCommunities(); ok {
			row.CommExt = formatExtCommunities(ecomms)
		}
		if lcomms, ok := attrs.LargeCommunities(); ok {
			row.CommLarge = formatLargeCommunities(lcomms)
		}
	}

	suffix := neighbor + "/" + action + "/" + row.Prefix
	if row.HasPathID {
		suffix += "/" + strconv.FormatUint(uint64(row.PathID), 10)
	}
	row.EventID = ComputeEventID([]byte(fmt.Sprintf("%d/%s/%s", ev.Counter, family, suffix)))
	if p.writer.storeRawBytes {
		row.RawUpdate = ev.Body
	}
	return row
}

func formatASPath(segs []protocol.ASSegment) string {
	parts := make([]string, 0, len(segs))
	for _, seg := range segs {
		asns := make([]string, len(seg.ASNs))
		for i, asn := range seg.ASNs {
			asns[i] = strconv.FormatUint(uint64(asn), 10)
		}
		parts = append(parts, strings.Join(asns, " "))
	}
	return strings.Join(parts, " ")
}

func originString(v uint8) string {
	switch v {
	case protocol.OriginIGP:
		return "igp"
	case protocol.OriginEGP:
		return "egp"
	default:
		return "incomplete"
	}
}

func formatCommunities(vals []uint32) []string {
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = fmt.Sprintf("%d:%d", v>>16, v&0xFFFF)
	}
	return out
}

func formatExtCommunities(vals [][8]byte) []string {
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = fmt.Sprintf("%x", v)
	}
	return out
}

func formatLargeCommunities(vals [][3]uint32) []string {
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = fmt.Sprintf("%d:%d:%d", v[0], v[1], v[2])
	}
	return out
}

func (p *Pipeline) flush(ctx context.Context, batch []*HistoryRow) {
	inserted, err := p.writer.FlushBatch(ctx, batch)
	if err != nil {
		p.logger.Error("history batch flush failed", zap.Error(err))
		return
	}
	p.logger.Debug("history batch flushed",
		zap.Int("batch_size", len(batch)),
		zap.Int64("inserted", inserted),
		zap.Int64("deduped", int64(len(batch))-inserted),
	)
}
