package outbound

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marko911/sitb-ckg/internal/apiclient"
	"github.com/marko911/sitb-ckg/internal/bus"
	"github.com/marko911/sitb-ckg/internal/ckg"
	"github.com/marko911/sitb-ckg/internal/dedup"
	"github.com/marko911/sitb-ckg/internal/platform/storage"
)

var (
	testNow     = time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	testMarkers = ckg.Markers{
		Field:    "transactionSource",
		Inbound:  "SKRINING-CKG-TB",
		Outbound: "STATUS-PASIEN-TB",
	}
)

type fakeReports struct {
	rows  map[ckg.ReportKind][]storage.ReportRow
	calls map[ckg.ReportKind][2]time.Time
	err   error
}

func (r *fakeReports) Changed(_ context.Context, kind ckg.ReportKind, start, end time.Time, limit int) ([]storage.ReportRow, error) {
	if r.calls == nil {
		r.calls = map[ckg.ReportKind][2]time.Time{}
	}
	r.calls[kind] = [2]time.Time{start, end}
	if r.err != nil {
		return nil, r.err
	}
	var out []storage.ReportRow
	for _, row := range r.rows[kind] {
		if row.ChangedAt.After(start) && !row.ChangedAt.After(end) && (limit <= 0 || len(out) < limit) {
			out = append(out, row)
		}
	}
	return out, nil
}

type fakeDispatches struct {
	recorded  map[string]dedup.Dispatch
	recordErr error
	purgedAt  time.Time
}

func (d *fakeDispatches) Watermark(_ context.Context, kind ckg.ReportKind) (time.Time, bool, error) {
	var mark time.Time
	for _, r := range d.recorded {
		if r.Kind == kind && r.ChangedAt.After(mark) {
			mark = r.ChangedAt
		}
	}
	return mark, !mark.IsZero(), nil
}

func (d *fakeDispatches) RecordDispatched(_ context.Context, dispatched []dedup.Dispatch) error {
	if d.recordErr != nil {
		return d.recordErr
	}
	if d.recorded == nil {
		d.recorded = map[string]dedup.Dispatch{}
	}
	for _, r := range dispatched {
		d.recorded[r.CorrelationID] = r
	}
	return nil
}

func (d *fakeDispatches) PurgeOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	d.purgedAt = cutoff
	return 0, nil
}

type fakeSender struct {
	calls  [][]ckg.StatusPasien
	failOn int
}

func (s *fakeSender) SendStatuses(_ context.Context, statuses []ckg.StatusPasien) (*apiclient.Response, error) {
	s.calls = append(s.calls, statuses)
	if len(s.calls) == s.failOn {
		return &apiclient.Response{StatusCode: 502}, fmt.Errorf("%w: 502", apiclient.ErrStatus)
	}
	return &apiclient.Response{StatusCode: 200}, nil
}

type fakePublisher struct {
	msgs   []bus.OutgoingMessage
	failOn int
}

func (p *fakePublisher) Publish(_ context.Context, _ string, msg bus.OutgoingMessage) (string, error) {
	p.msgs = append(p.msgs, msg)
	if len(p.msgs) == p.failOn {
		return "", errors.New("broker unavailable")
	}
	return fmt.Sprint(len(p.msgs)), nil
}

func reportRows(kind ckg.ReportKind, n int, first time.Time) []storage.ReportRow {
	rows := make([]storage.ReportRow, n)
	for i := range rows {
		rows[i] = storage.ReportRow{
			Kind:      kind,
			ChangedAt: first.Add(time.Duration(i) * time.Second),
			Values: map[string]any{
				"id_reg_terduga": fmt.Sprintf("%s-%03d", kind, i),
				"nik":            "3403011703850005",
			},
		}
	}
	return rows
}

func reportRow(kind ckg.ReportKind, terdugaID string, at time.Time) storage.ReportRow {
	return storage.ReportRow{
		Kind:      kind,
		ChangedAt: at,
		Values:    map[string]any{"id_reg_terduga": terdugaID},
	}
}

func newTestUpdater(cfg Config, deps Deps) *Updater {
	u := New(cfg, deps, nil)
	u.now = func() time.Time { return testNow }
	return u
}

func TestAPIBatchSize(t *testing.T) {
	tests := []struct {
		count, configured, want int
	}{
		{250, 0, 100},
		{250, 1, 100},
		{50, 100, 50},
		{1000, 800, 500},
		{3, 2, 2},
		{0, 100, 1},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d/%d", tt.count, tt.configured), func(t *testing.T) {
			assert.Equal(t, tt.want, APIBatchSize(tt.count, tt.configured))
		})
	}
}

func TestChunks(t *testing.T) {
	got := chunks([]int{1, 2, 3, 4, 5}, 2)
	assert.Equal(t, [][]int{{1, 2}, {3, 4}, {5}}, got)
	assert.Empty(t, chunks([]int{}, 3))
}

func TestUpdater_UnknownMode(t *testing.T) {
	u := newTestUpdater(Config{}, Deps{Reports: &fakeReports{}, Dispatches: &fakeDispatches{}})
	_, err := u.Run(context.Background(), "grpc", Window{End: testNow})
	assert.ErrorIs(t, err, ErrUnknownMode)

	_, err = u.Run(context.Background(), ModePubSub, Window{End: testNow})
	assert.ErrorIs(t, err, bus.ErrNoPublisher)
}

func TestUpdater_WatermarkPerKind(t *testing.T) {
	soMark := testNow.Add(-2 * time.Hour)
	reports := &fakeReports{}
	dispatches := &fakeDispatches{recorded: map[string]dedup.Dispatch{
		"SO-old": {CorrelationID: "SO-old", Kind: ckg.ReportSO, ChangedAt: soMark},
	}}
	u := newTestUpdater(Config{BatchSize: 100}, Deps{Reports: reports, Dispatches: dispatches, API: &fakeSender{}})

	_, err := u.Run(context.Background(), ModeAPI, Window{End: testNow})
	require.NoError(t, err)

	assert.Equal(t, soMark, reports.calls[ckg.ReportSO][0])
	assert.Equal(t, testNow.Add(-DefaultLookback), reports.calls[ckg.ReportRO][0])
	assert.Equal(t, testNow, reports.calls[ckg.ReportRO][1])
}

func TestUpdater_ExplicitStartOverridesWatermark(t *testing.T) {
	start := testNow.Add(-7 * 24 * time.Hour)
	reports := &fakeReports{}
	dispatches := &fakeDispatches{recorded: map[string]dedup.Dispatch{
		"SO-old": {CorrelationID: "SO-old", Kind: ckg.ReportSO, ChangedAt: testNow.Add(-time.Hour)},
	}}
	u := newTestUpdater(Config{BatchSize: 100}, Deps{Reports: reports, Dispatches: dispatches, API: &fakeSender{}})

	_, err := u.Run(context.Background(), ModeAPI, Window{Start: start, End: testNow})
	require.NoError(t, err)
	assert.Equal(t, start, reports.calls[ckg.ReportSO][0])
	assert.Equal(t, start, reports.calls[ckg.ReportRO][0])
}

func TestUpdater_PurgesExpiredEntries(t *testing.T) {
	dispatches := &fakeDispatches{}
	incoming := &fakeDispatches{}
	u := newTestUpdater(Config{Retention: 24 * time.Hour}, Deps{
		Reports:    &fakeReports{},
		Dispatches: dispatches,
		Incoming:   incoming,
		API:        &fakeSender{},
	})

	_, err := u.Run(context.Background(), ModeAPI, Window{End: testNow})
	require.NoError(t, err)
	assert.Equal(t, testNow.Add(-24*time.Hour), dispatches.purgedAt)
	assert.Equal(t, testNow.Add(-24*time.Hour), incoming.purgedAt)
}

func TestUpdater_APIStopsOnFirstFailedChunk(t *testing.T) {
	first := testNow.Add(-time.Hour)
	reports := &fakeReports{rows: map[ckg.ReportKind][]storage.ReportRow{
		ckg.ReportSO: reportRows(ckg.ReportSO, 150, first),
		ckg.ReportRO: reportRows(ckg.ReportRO, 100, first),
	}}
	dispatches := &fakeDispatches{}
	sender := &fakeSender{failOn: 2}
	u := newTestUpdater(Config{BatchSize: 500, APIBatchSize: 100}, Deps{Reports: reports, Dispatches: dispatches, API: sender})

	res, err := u.Run(context.Background(), ModeAPI, Window{End: testNow})
	require.NoError(t, err)

	assert.Len(t, sender.calls, 2)
	assert.Equal(t, Result{Extracted: 250, Sent: 100, Failed: 150, Recorded: 100}, res)
	assert.Len(t, dispatches.recorded, 100)
	for _, status := range sender.calls[0] {
		assert.Equal(t, ckg.Text("TBC SO"), status.HasilDiagnosa)
	}

	// The unsent SO rows keep the SO watermark below them.
	mark, ok, _ := dispatches.Watermark(context.Background(), ckg.ReportSO)
	require.True(t, ok)
	assert.Equal(t, first.Add(99*time.Second), mark)
	_, ok, _ = dispatches.Watermark(context.Background(), ckg.ReportRO)
	assert.False(t, ok)
}

func TestUpdater_ResendAfterUnrecordedChunk(t *testing.T) {
	reports := &fakeReports{rows: map[ckg.ReportKind][]storage.ReportRow{
		ckg.ReportSO: reportRows(ckg.ReportSO, 10, testNow.Add(-time.Hour)),
	}}
	dispatches := &fakeDispatches{recordErr: errors.New("connection lost")}
	sender := &fakeSender{}
	u := newTestUpdater(Config{BatchSize: 100, APIBatchSize: 100}, Deps{Reports: reports, Dispatches: dispatches, API: sender})

	res, err := u.Run(context.Background(), ModeAPI, Window{End: testNow})
	require.NoError(t, err)
	assert.Equal(t, 10, res.Sent)
	assert.Zero(t, res.Recorded)

	dispatches.recordErr = nil
	res, err = u.Run(context.Background(), ModeAPI, Window{End: testNow})
	require.NoError(t, err)
	assert.Equal(t, 10, res.Sent)
	assert.Equal(t, 10, res.Recorded)

	require.Len(t, sender.calls, 2)
	assert.Equal(t, sender.calls[0], sender.calls[1])
	assert.Len(t, dispatches.recorded, 10)

	res, err = u.Run(context.Background(), ModeAPI, Window{End: testNow})
	require.NoError(t, err)
	assert.Zero(t, res.Extracted)
}

func TestUpdater_PublishEnvelopes(t *testing.T) {
	reports := &fakeReports{rows: map[ckg.ReportKind][]storage.ReportRow{
		ckg.ReportSO: reportRows(ckg.ReportSO, 3, testNow.Add(-time.Hour)),
		ckg.ReportRO: reportRows(ckg.ReportRO, 2, testNow.Add(-time.Hour)),
	}}
	dispatches := &fakeDispatches{}
	pub := &fakePublisher{failOn: 1}
	u := newTestUpdater(Config{
		Topic:           "pkg-konsolidator-tb",
		Environment:     "production",
		Markers:         testMarkers,
		BatchSize:       2,
		MessageOrdering: true,
		Attributes:      map[string]string{"version": "1.0.0", "source": "overridden"},
	}, Deps{Reports: reports, Dispatches: dispatches, Publisher: pub})

	res, err := u.Run(context.Background(), ModePubSub, Window{End: testNow})
	require.NoError(t, err)

	// Extraction is bounded per kind, so only two SO rows are read.
	assert.Equal(t, Result{Extracted: 4, Sent: 2, Failed: 2, Recorded: 2, Messages: 2, Published: 1}, res)
	require.Len(t, pub.msgs, 2)

	msg := pub.msgs[0]
	assert.Equal(t, SourceTag, msg.Attributes["source"])
	assert.Equal(t, "high", msg.Attributes["priority"])
	assert.Equal(t, "production", msg.Attributes["environment"])
	assert.Equal(t, "1.0.0", msg.Attributes["version"])
	assert.Equal(t, fmt.Sprint(testNow.Unix()), msg.Attributes["timestamp"])
	assert.Equal(t, "pkg-konsolidator-tb", msg.OrderingKey)
	assert.NotContains(t, msg.Attributes, "compressed")

	out, err := ckg.DecodeOutbound(msg.Data, testMarkers)
	require.NoError(t, err)
	require.Len(t, out.Statuses, 2)
	assert.Equal(t, "SO-000", out.Statuses[0].CorrelationID())

	assert.NotContains(t, dispatches.recorded, "SO-000")
	assert.NotContains(t, dispatches.recorded, "SO-002")
	assert.Contains(t, dispatches.recorded, "RO-000")
	assert.Contains(t, dispatches.recorded, "RO-001")
}

func TestUpdater_PublishCompressed(t *testing.T) {
	reports := &fakeReports{rows: map[ckg.ReportKind][]storage.ReportRow{
		ckg.ReportRO: reportRows(ckg.ReportRO, 1, testNow.Add(-time.Hour)),
	}}
	pub := &fakePublisher{}
	u := newTestUpdater(Config{Markers: testMarkers, BatchSize: 10, Compress: true}, Deps{
		Reports:    reports,
		Dispatches: &fakeDispatches{},
		Publisher:  pub,
	})

	_, err := u.Run(context.Background(), ModePubSub, Window{End: testNow})
	require.NoError(t, err)
	require.Len(t, pub.msgs, 1)

	msg := pub.msgs[0]
	assert.Equal(t, "true", msg.Attributes["compressed"])
	assert.Equal(t, "gzip", msg.Attributes["compression"])
	assert.Empty(t, msg.OrderingKey)

	zr, err := gzip.NewReader(bytes.NewReader(msg.Data))
	require.NoError(t, err)
	plain, err := io.ReadAll(zr)
	require.NoError(t, err)

	out, err := ckg.DecodeOutbound(plain, testMarkers)
	require.NoError(t, err)
	require.Len(t, out.Statuses, 1)
	assert.Equal(t, ckg.Text("TBC RO"), out.Statuses[0].HasilDiagnosa)
}

func TestUpdater_ExtractionFailureIsNotFatal(t *testing.T) {
	reports := &fakeReports{err: errors.New("relation does not exist")}
	u := newTestUpdater(Config{BatchSize: 10}, Deps{Reports: reports, Dispatches: &fakeDispatches{}, API: &fakeSender{}})

	res, err := u.Run(context.Background(), ModeAPI, Window{End: testNow})
	require.NoError(t, err)
	assert.Zero(t, res.Extracted)
}

func TestUpdater_FailedEnvelopeHoldsBackLaterStatuses(t *testing.T) {
	reports := &fakeReports{rows: map[ckg.ReportKind][]storage.ReportRow{
		ckg.ReportSO: reportRows(ckg.ReportSO, 2, testNow.Add(-time.Hour)),
		ckg.ReportRO: reportRows(ckg.ReportRO, 3, testNow.Add(-time.Hour)),
	}}
	dispatches := &fakeDispatches{}
	pub := &fakePublisher{failOn: 1}
	u := newTestUpdater(Config{Markers: testMarkers, BatchSize: 3}, Deps{
		Reports:    reports,
		Dispatches: dispatches,
		Publisher:  pub,
	})

	// The first envelope (SO-000, SO-001, RO-000) fails, the second
	// (RO-001, RO-002) goes out.
	res, err := u.Run(context.Background(), ModePubSub, Window{End: testNow})
	require.NoError(t, err)
	assert.Equal(t, Result{Extracted: 5, Sent: 2, Failed: 3, Recorded: 0, Messages: 2, Published: 1}, res)
	assert.Empty(t, dispatches.recorded)

	res, err = u.Run(context.Background(), ModePubSub, Window{End: testNow})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Extracted)
	assert.Equal(t, 5, res.Recorded)
	for _, id := range []string{"SO-000", "SO-001", "RO-000", "RO-001", "RO-002"} {
		assert.Contains(t, dispatches.recorded, id)
	}
}

func TestUpdater_FailureHoldsBackSentStatusesOfSameChangeTime(t *testing.T) {
	t0 := testNow.Add(-time.Hour)
	t1 := t0.Add(time.Minute)
	t2 := t1.Add(time.Minute)
	reports := &fakeReports{rows: map[ckg.ReportKind][]storage.ReportRow{
		ckg.ReportSO: {
			reportRow(ckg.ReportSO, "SO-A", t0),
			reportRow(ckg.ReportSO, "SO-B", t1),
			reportRow(ckg.ReportSO, "SO-C", t1),
			reportRow(ckg.ReportSO, "SO-D", t2),
		},
	}}
	dispatches := &fakeDispatches{}
	sender := &fakeSender{failOn: 2}
	u := newTestUpdater(Config{BatchSize: 10, APIBatchSize: 2}, Deps{Reports: reports, Dispatches: dispatches, API: sender})

	res, err := u.Run(context.Background(), ModeAPI, Window{End: testNow})
	require.NoError(t, err)
	assert.Equal(t, Result{Extracted: 4, Sent: 2, Failed: 2, Recorded: 1}, res)
	assert.Contains(t, dispatches.recorded, "SO-A")
	assert.NotContains(t, dispatches.recorded, "SO-B")

	res, err = u.Run(context.Background(), ModeAPI, Window{End: testNow})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Extracted)
	assert.Len(t, dispatches.recorded, 4)
}

func TestUpdater_BatchNeverSplitsSharedChangeTime(t *testing.T) {
	t1 := testNow.Add(-time.Hour)
	t2 := t1.Add(time.Minute)

	tests := []struct {
		name string
		rows []storage.ReportRow
		runs [][]string
	}{
		{
			name: "group fills the batch",
			rows: []storage.ReportRow{
				reportRow(ckg.ReportSO, "SO-000", t1),
				reportRow(ckg.ReportSO, "SO-001", t1),
				reportRow(ckg.ReportSO, "SO-002", t1),
			},
			runs: [][]string{{"SO-000", "SO-001", "SO-002"}, nil},
		},
		{
			name: "group crosses the batch end",
			rows: []storage.ReportRow{
				reportRow(ckg.ReportSO, "SO-000", t1),
				reportRow(ckg.ReportSO, "SO-001", t2),
				reportRow(ckg.ReportSO, "SO-002", t2),
			},
			runs: [][]string{{"SO-000"}, {"SO-001", "SO-002"}, nil},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reports := &fakeReports{rows: map[ckg.ReportKind][]storage.ReportRow{ckg.ReportSO: tt.rows}}
			dispatches := &fakeDispatches{}
			u := newTestUpdater(Config{BatchSize: 2}, Deps{Reports: reports, Dispatches: dispatches, API: &fakeSender{}})

			for i, want := range tt.runs {
				sender := &fakeSender{}
				u.api = sender
				res, err := u.Run(context.Background(), ModeAPI, Window{End: testNow})
				require.NoError(t, err)
				assert.Equal(t, len(want), res.Recorded, "run %d", i+1)

				var got []string
				for _, call := range sender.calls {
					for _, status := range call {
						got = append(got, status.CorrelationID())
					}
				}
				assert.Equal(t, want, got, "run %d", i+1)
			}
			assert.Len(t, dispatches.recorded, len(tt.rows))
		})
	}
}

func TestUpdater_SkipsStatusesWithoutCorrelationID(t *testing.T) {
	at := testNow.Add(-time.Hour)
	reports := &fakeReports{rows: map[ckg.ReportKind][]storage.ReportRow{
		ckg.ReportRO: {
			reportRow(ckg.ReportRO, "", at),
			reportRow(ckg.ReportRO, "  ", at.Add(time.Second)),
			reportRow(ckg.ReportRO, "RO-001", at.Add(2*time.Second)),
		},
	}}
	dispatches := &fakeDispatches{}
	sender := &fakeSender{}
	u := newTestUpdater(Config{BatchSize: 10}, Deps{Reports: reports, Dispatches: dispatches, API: sender})

	res, err := u.Run(context.Background(), ModeAPI, Window{End: testNow})
	require.NoError(t, err)
	assert.Equal(t, Result{Extracted: 1, Sent: 1, Recorded: 1, Skipped: 2}, res)
	require.Len(t, sender.calls, 1)
	assert.Len(t, sender.calls[0], 1)
	assert.NotContains(t, dispatches.recorded, "")
}
