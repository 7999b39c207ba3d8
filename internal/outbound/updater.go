// Package outbound extracts changed TB-03 report rows and dispatches them to
// CKG as patient statuses, either over the bus or through the HTTP API.
package outbound

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/marko911/sitb-ckg/internal/apiclient"
	"github.com/marko911/sitb-ckg/internal/bus"
	"github.com/marko911/sitb-ckg/internal/ckg"
	"github.com/marko911/sitb-ckg/internal/dedup"
	"github.com/marko911/sitb-ckg/internal/metrics"
	"github.com/marko911/sitb-ckg/internal/platform/storage"
)

// Dispatch modes.
const (
	ModePubSub = "pubsub"
	ModeAPI    = "api"
)

const (
	// SourceTag is the source attribute of published envelopes.
	SourceTag = "sitb-ckg"

	// MaxAPIBatch caps a single API request.
	MaxAPIBatch = 500

	defaultAPIBatch = 100
)

// ErrUnknownMode is returned by Run for a mode other than pubsub or api.
var ErrUnknownMode = errors.New("unknown dispatch mode")

// Reports reads changed report rows. A limit of zero or less returns every
// row in the range.
type Reports interface {
	Changed(ctx context.Context, kind ckg.ReportKind, start, end time.Time, limit int) ([]storage.ReportRow, error)
}

// Dispatches is the outgoing bookkeeping the watermark is derived from.
type Dispatches interface {
	Watermark(ctx context.Context, kind ckg.ReportKind) (time.Time, bool, error)
	RecordDispatched(ctx context.Context, dispatched []dedup.Dispatch) error
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Purger removes expired entries.
type Purger interface {
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Publisher publishes an envelope to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, msg bus.OutgoingMessage) (string, error)
}

// StatusSender posts statuses to the receiving API.
type StatusSender interface {
	SendStatuses(ctx context.Context, statuses []ckg.StatusPasien) (*apiclient.Response, error)
}

// Config configures an Updater.
type Config struct {
	Topic       string
	Environment string
	Markers     ckg.Markers

	// BatchSize bounds extraction per kind and records per envelope.
	BatchSize int

	// APIBatchSize is the configured API chunk size. Values of 1 or less
	// select the default of 100.
	APIBatchSize int

	MessageOrdering bool
	Attributes      map[string]string
	Compress        bool

	// Retention is the age after which dedup and dispatch entries are purged.
	Retention time.Duration
}

// Result summarises one run.
type Result struct {
	Extracted int
	Sent      int
	Failed    int
	Recorded  int

	// Skipped counts report rows without a correlation id.
	Skipped int

	// Messages and Published count envelopes in pubsub mode.
	Messages  int
	Published int
}

// SuccessRatio is the fraction of extracted statuses that were sent.
func (r Result) SuccessRatio() float64 {
	if r.Extracted == 0 {
		return 1
	}
	return float64(r.Sent) / float64(r.Extracted)
}

// Updater runs one extract and dispatch cycle per call to Run.
type Updater struct {
	cfg        Config
	reports    Reports
	dispatches Dispatches
	incoming   Purger
	publisher  Publisher
	api        StatusSender
	logger     *slog.Logger
	now        func() time.Time
}

// Deps are the collaborators of an Updater. Publisher is only needed in
// pubsub mode and API only in api mode; Incoming may be nil.
type Deps struct {
	Reports    Reports
	Dispatches Dispatches
	Incoming   Purger
	Publisher  Publisher
	API        StatusSender
}

// New creates an updater.
func New(cfg Config, deps Deps, logger *slog.Logger) *Updater {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = defaultAPIBatch
	}
	return &Updater{
		cfg:        cfg,
		reports:    deps.Reports,
		dispatches: deps.Dispatches,
		incoming:   deps.Incoming,
		publisher:  deps.Publisher,
		api:        deps.API,
		logger:     logger.With("component", "updater"),
		now:        time.Now,
	}
}

// item is a status extracted from a report row.
type item struct {
	status    ckg.StatusPasien
	kind      ckg.ReportKind
	changedAt time.Time
}

// delivery collects the statuses of one run by outcome.
type delivery struct {
	sent   []item
	failed []item
}

// Run purges expired bookkeeping, extracts the statuses changed in w and
// dispatches them in mode. Per-record and per-chunk failures are reported
// in the result, not as errors.
func (u *Updater) Run(ctx context.Context, mode string, w Window) (Result, error) {
	if mode != ModePubSub && mode != ModeAPI {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
	if mode == ModePubSub && u.publisher == nil {
		return Result{}, fmt.Errorf("pubsub mode: %w", bus.ErrNoPublisher)
	}
	if mode == ModeAPI && u.api == nil {
		return Result{}, fmt.Errorf("api mode: no api client configured")
	}

	u.purge(ctx)

	var res Result
	items := u.extract(ctx, w, &res)
	res.Extracted = len(items)
	if len(items) == 0 {
		u.logger.Info("no changed statuses", "mode", mode, "skipped", res.Skipped)
		return res, nil
	}

	var d delivery
	switch mode {
	case ModePubSub:
		u.publish(ctx, items, &res, &d)
	case ModeAPI:
		u.send(ctx, items, &res, &d)
	}
	u.record(ctx, d, &res)

	u.logger.Info("update finished",
		"mode", mode,
		"extracted", res.Extracted,
		"sent", res.Sent,
		"failed", res.Failed,
		"recorded", res.Recorded,
		"skipped", res.Skipped,
		"success_ratio", res.SuccessRatio(),
	)
	return res, nil
}

func (u *Updater) purge(ctx context.Context) {
	if u.cfg.Retention <= 0 {
		return
	}
	cutoff := u.now().Add(-u.cfg.Retention)

	if u.incoming != nil {
		n, err := u.incoming.PurgeOlderThan(ctx, cutoff)
		if err != nil {
			u.logger.Warn("purge incoming entries", "error", err)
		} else if n > 0 {
			u.logger.Info("purged incoming entries", "count", n, "cutoff", cutoff)
		}
	}

	n, err := u.dispatches.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		u.logger.Warn("purge outgoing entries", "error", err)
	} else if n > 0 {
		u.logger.Info("purged outgoing entries", "count", n, "cutoff", cutoff)
	}
}

func (u *Updater) extract(ctx context.Context, w Window, res *Result) []item {
	var items []item
	for _, kind := range ckg.Kinds {
		start, err := u.start(ctx, kind, w)
		if err != nil {
			u.logger.Error("resolve window start", "kind", kind, "error", err)
			continue
		}

		rows, err := u.changed(ctx, kind, start, w.End)
		if err != nil {
			u.logger.Error("extract changed reports", "kind", kind, "error", err)
			continue
		}

		extracted := 0
		for _, row := range rows {
			status := row.Status()
			if status.CorrelationID() == "" {
				res.Skipped++
				metrics.Get().Statuses.WithLabelValues(kind.String(), "skipped").Inc()
				u.logger.Warn("skipping status without terduga_id",
					"kind", kind,
					"changed_at", row.ChangedAt,
					"id", row.Values["id"],
				)
				continue
			}
			items = append(items, item{status: status, kind: kind, changedAt: row.ChangedAt})
			extracted++
		}
		metrics.Get().Statuses.WithLabelValues(kind.String(), "extracted").Add(float64(extracted))
		u.logger.Debug("extracted statuses",
			"kind", kind,
			"count", len(rows),
			"start", start,
			"end", w.End,
		)
	}
	return items
}

// changed reads at most BatchSize rows of kind. A batch never ends inside a
// group of rows sharing one change time, since the watermark would pass the
// rest of the group: the group is left to the next run, or read whole when
// it alone fills the batch.
func (u *Updater) changed(ctx context.Context, kind ckg.ReportKind, start, end time.Time) ([]storage.ReportRow, error) {
	limit := u.cfg.BatchSize
	rows, err := u.reports.Changed(ctx, kind, start, end, limit+1)
	if err != nil || len(rows) <= limit {
		return rows, err
	}

	last := rows[limit-1].ChangedAt
	if !rows[limit].ChangedAt.Equal(last) {
		return rows[:limit], nil
	}
	n := limit
	for n > 0 && rows[n-1].ChangedAt.Equal(last) {
		n--
	}
	if n > 0 {
		return rows[:n], nil
	}

	from := last.Add(-time.Microsecond)
	if from.Before(start) {
		from = start
	}
	u.logger.Warn("change time shared by more rows than the batch size",
		"kind", kind,
		"changed_at", last,
		"batch_size", limit,
	)
	return u.reports.Changed(ctx, kind, from, last, 0)
}

func (u *Updater) start(ctx context.Context, kind ckg.ReportKind, w Window) (time.Time, error) {
	if !w.FromWatermark() {
		return w.Start, nil
	}
	mark, ok, err := u.dispatches.Watermark(ctx, kind)
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		return u.now().Add(-DefaultLookback), nil
	}
	return mark, nil
}

func (u *Updater) publish(ctx context.Context, items []item, res *Result, d *delivery) {
	for i, chunk := range chunks(items, u.cfg.BatchSize) {
		res.Messages++
		logger := u.logger.With("envelope", i+1, "items", len(chunk))

		msg, err := u.envelope(chunk)
		if err != nil {
			logger.Error("build envelope", "error", err)
			u.failed(chunk, res, d)
			continue
		}

		id, err := u.publisher.Publish(ctx, u.cfg.Topic, msg)
		if err != nil {
			logger.Error("publish envelope", "topic", u.cfg.Topic, "error", err)
			u.failed(chunk, res, d)
			continue
		}
		res.Published++
		logger.Info("published envelope", "topic", u.cfg.Topic, "message_id", id)

		u.sent(chunk, res, d)
	}

	u.logger.Info("publish finished",
		"published", res.Published,
		"messages", res.Messages,
		"success_rate", 100*float64(res.Published)/float64(res.Messages),
	)
}

func (u *Updater) envelope(chunk []item) (bus.OutgoingMessage, error) {
	statuses := make([]ckg.StatusPasien, len(chunk))
	for i, it := range chunk {
		statuses[i] = it.status
	}
	data, err := ckg.Encode(ckg.Outbound{Statuses: statuses}, u.cfg.Markers)
	if err != nil {
		return bus.OutgoingMessage{}, err
	}

	attrs := make(map[string]string, len(u.cfg.Attributes)+6)
	for k, v := range u.cfg.Attributes {
		attrs[k] = v
	}
	attrs["source"] = SourceTag
	attrs["priority"] = "high"
	attrs["timestamp"] = strconv.FormatInt(u.now().Unix(), 10)
	attrs["environment"] = u.cfg.Environment

	if u.cfg.Compress {
		data, err = gzipBytes(data)
		if err != nil {
			return bus.OutgoingMessage{}, err
		}
		attrs["compressed"] = "true"
		attrs["compression"] = "gzip"
	}

	msg := bus.OutgoingMessage{Data: data, Attributes: attrs}
	if u.cfg.MessageOrdering {
		msg.OrderingKey = attrs["ordering_key"]
		if msg.OrderingKey == "" {
			msg.OrderingKey = u.cfg.Topic
		}
	}
	return msg, nil
}

func (u *Updater) send(ctx context.Context, items []item, res *Result, d *delivery) {
	size := APIBatchSize(len(items), u.cfg.APIBatchSize)
	batches := chunks(items, size)
	u.logger.Info("sending statuses",
		"items", len(items),
		"batches", len(batches),
		"batch_size", size,
	)

	for i, chunk := range batches {
		statuses := make([]ckg.StatusPasien, len(chunk))
		for j, it := range chunk {
			statuses[j] = it.status
		}

		u.logger.Info("sending batch", "batch", i+1, "items", len(chunk))
		resp, err := u.api.SendStatuses(ctx, statuses)
		if err != nil {
			attrs := []any{"batch", i + 1, "items", len(chunk), "error", err}
			if resp != nil {
				attrs = append(attrs, "status", resp.StatusCode, "body", string(resp.Body), "request_id", resp.RequestID)
			}
			u.logger.Error("send batch failed, stopping", attrs...)

			for _, rest := range batches[i:] {
				u.failed(rest, res, d)
			}
			return
		}

		u.logger.Info("sent batch", "batch", i+1, "items", len(chunk), "status", resp.StatusCode, "request_id", resp.RequestID)
		u.sent(chunk, res, d)
	}
}

func (u *Updater) sent(chunk []item, res *Result, d *delivery) {
	res.Sent += len(chunk)
	d.sent = append(d.sent, chunk...)
	for _, it := range chunk {
		metrics.Get().Statuses.WithLabelValues(it.kind.String(), "sent").Inc()
	}
}

func (u *Updater) failed(chunk []item, res *Result, d *delivery) {
	res.Failed += len(chunk)
	d.failed = append(d.failed, chunk...)
	for _, it := range chunk {
		metrics.Get().Statuses.WithLabelValues(it.kind.String(), "failed").Inc()
	}
}

// record writes the sent statuses to the dispatch log. Within a kind nothing
// changed at or after the earliest failed status is recorded, so the
// watermark stays below every status that did not go out. Those sent
// statuses are extracted and sent again next run.
func (u *Updater) record(ctx context.Context, d delivery, res *Result) {
	floor := make(map[ckg.ReportKind]time.Time)
	for _, it := range d.failed {
		if f, ok := floor[it.kind]; !ok || it.changedAt.Before(f) {
			floor[it.kind] = it.changedAt
		}
	}

	var (
		dispatched []dedup.Dispatch
		kinds      []ckg.ReportKind
		held       int
	)
	for _, it := range d.sent {
		if f, ok := floor[it.kind]; ok && !it.changedAt.Before(f) {
			held++
			continue
		}
		dispatched = append(dispatched, dedup.Dispatch{
			CorrelationID: it.status.CorrelationID(),
			Kind:          it.kind,
			ChangedAt:     it.changedAt,
		})
		kinds = append(kinds, it.kind)
	}
	if held > 0 {
		u.logger.Warn("sent statuses left unrecorded behind a failed one", "count", held)
	}
	if len(dispatched) == 0 {
		return
	}

	if err := u.dispatches.RecordDispatched(ctx, dispatched); err != nil {
		u.logger.Error("record dispatched statuses", "items", len(dispatched), "error", err)
		return
	}
	res.Recorded += len(dispatched)
	for _, kind := range kinds {
		metrics.Get().Statuses.WithLabelValues(kind.String(), "recorded").Inc()
	}
}

// APIBatchSize returns the request size for count statuses given the
// configured batch size.
func APIBatchSize(count, configured int) int {
	size := configured
	if size <= 1 {
		size = defaultAPIBatch
	}
	return max(1, min(count, size, MaxAPIBatch))
}

func chunks[T any](items []T, size int) [][]T {
	if size < 1 {
		size = 1
	}
	var out [][]T
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		out = append(out, items[start:end])
	}
	return out
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	return buf.Bytes(), nil
}
