// Package inbound consumes CKG screenings from the bus and upserts them into
// the screening table.
package inbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/marko911/sitb-ckg/internal/bus"
	"github.com/marko911/sitb-ckg/internal/ckg"
	"github.com/marko911/sitb-ckg/internal/dedup"
	"github.com/marko911/sitb-ckg/internal/metrics"
	"github.com/marko911/sitb-ckg/internal/platform/archive"
	"github.com/marko911/sitb-ckg/internal/platform/storage"
)

// Acker acknowledges deliveries on a subscription.
type Acker interface {
	Ack(ctx context.Context, subscription string, ackIDs []string) error
}

// Screenings writes screening rows keyed by correlation id.
type Screenings interface {
	Upsert(ctx context.Context, s ckg.SkriningCKG) (storage.UpsertResult, error)
}

// Outcome is what happened to one pulled message.
type Outcome int

const (
	OutcomeProcessed Outcome = iota + 1
	OutcomeDuplicate
	OutcomeIgnored
	OutcomeRejected
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeProcessed:
		return "processed"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeIgnored:
		return "ignored"
	case OutcomeRejected:
		return "rejected"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Report summarises one processed batch.
type Report struct {
	Total      int
	Processed  int
	Duplicates int
	Ignored    int
	Rejected   int
	Failed     int
	Acked      int

	Inserted int
	Updated  int

	// Empty counts messages whose envelope held no records.
	Empty int

	// Outcomes maps message id to its outcome.
	Outcomes map[string]Outcome
}

// Handled counts messages that need no redelivery.
func (r Report) Handled() int {
	return r.Processed + r.Duplicates + r.Ignored
}

// ReceiverConfig configures a Receiver.
type ReceiverConfig struct {
	Subscription string
	Markers      ckg.Markers

	// AckDuplicates acknowledges messages that were already processed.
	AckDuplicates bool
}

// Receiver runs one pulled batch through dedup, decode, validation and
// upsert, then acknowledges the messages that were fully handled.
type Receiver struct {
	cfg        ReceiverConfig
	acker      Acker
	store      dedup.Store
	screenings Screenings
	archiver   archive.Archiver
	logger     *slog.Logger
}

// NewReceiver creates a receiver. A nil archiver disables archiving.
func NewReceiver(cfg ReceiverConfig, acker Acker, store dedup.Store, screenings Screenings, archiver archive.Archiver, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	if archiver == nil {
		archiver = archive.Nop{}
	}
	return &Receiver{
		cfg:        cfg,
		acker:      acker,
		store:      store,
		screenings: screenings,
		archiver:   archiver,
		logger:     logger.With("component", "receiver", "subscription", cfg.Subscription),
	}
}

// Process handles msgs and acknowledges every message whose records were
// all written. It returns an error only when the batch could not be checked
// against the dedup store, in which case nothing is acknowledged.
func (r *Receiver) Process(ctx context.Context, msgs []bus.Message) (Report, error) {
	report := Report{Total: len(msgs), Outcomes: make(map[string]Outcome, len(msgs))}
	if len(msgs) == 0 {
		return report, nil
	}
	m := metrics.Get()
	m.Messages.WithLabelValues("pulled").Add(float64(len(msgs)))

	ids := make([]string, len(msgs))
	for i, msg := range msgs {
		ids[i] = msg.ID
	}
	unseen, err := r.store.FilterUnseen(ctx, ids)
	if err != nil {
		report.Failed = len(msgs)
		m.Messages.WithLabelValues("failed").Add(float64(len(msgs)))
		return report, fmt.Errorf("filter duplicates: %w", err)
	}
	pending := make(map[string]bool, len(unseen))
	for _, id := range unseen {
		pending[id] = true
	}

	var ackIDs []string
	handled := make(map[string]Outcome, len(unseen))
	for _, msg := range msgs {
		if first, ok := handled[msg.ID]; ok {
			// A copy redelivered within the batch is acked only if the first
			// copy was.
			report.Duplicates++
			m.Messages.WithLabelValues(OutcomeDuplicate.String()).Inc()
			if r.cfg.AckDuplicates && (first == OutcomeProcessed || first == OutcomeIgnored) {
				ackIDs = append(ackIDs, msg.AckID)
			}
			continue
		}

		var outcome Outcome
		if !pending[msg.ID] {
			outcome = OutcomeDuplicate
			r.logger.Debug("skipping processed message", "message_id", msg.ID)
		} else {
			outcome = r.handle(ctx, msg, &report)
		}
		handled[msg.ID] = outcome

		report.Outcomes[msg.ID] = outcome
		m.Messages.WithLabelValues(outcome.String()).Inc()

		switch outcome {
		case OutcomeProcessed:
			report.Processed++
			ackIDs = append(ackIDs, msg.AckID)
		case OutcomeIgnored:
			report.Ignored++
			ackIDs = append(ackIDs, msg.AckID)
		case OutcomeDuplicate:
			report.Duplicates++
			if r.cfg.AckDuplicates {
				ackIDs = append(ackIDs, msg.AckID)
			}
		case OutcomeRejected:
			report.Rejected++
		case OutcomeFailed:
			report.Failed++
		}
	}

	if len(ackIDs) == 0 {
		return report, nil
	}
	if err := r.acker.Ack(ctx, r.cfg.Subscription, ackIDs); err != nil {
		// Handled messages are marked processed, so a redelivery is skipped.
		r.logger.Warn("acknowledge failed", "count", len(ackIDs), "error", err)
		return report, nil
	}
	report.Acked = len(ackIDs)
	m.Messages.WithLabelValues("acked").Add(float64(len(ackIDs)))
	return report, nil
}

func (r *Receiver) handle(ctx context.Context, msg bus.Message, report *Report) Outcome {
	logger := r.logger.With("message_id", msg.ID)

	if err := r.store.RecordSeen(ctx, msg.ID, msg.Data, msg.Attributes); err != nil {
		logger.Error("record incoming message", "error", err)
		return OutcomeFailed
	}

	env, err := ckg.DecodeInbound(msg.Data, r.cfg.Markers)
	switch {
	case errors.Is(err, ckg.ErrMarkerMismatch), errors.Is(err, ckg.ErrUnexpectedKind):
		logger.Warn("ignoring message for another integration", "reason", err)
		r.markProcessed(ctx, logger, msg.ID)
		return OutcomeIgnored
	case err != nil:
		logger.Warn("rejecting malformed message", "error", err)
		r.archive(ctx, logger, msg, err)
		return OutcomeRejected
	}

	if len(env.Screenings) == 0 {
		logger.Warn("message carries no screening records")
		report.Empty++
	}

	var invalid []error
	failed := 0
	for i, s := range env.Screenings {
		if err := s.Validate(); err != nil {
			logger.Warn("invalid screening record",
				"index", i,
				"pasien_ckg_id", s.CorrelationID(),
				"error", err,
			)
			invalid = append(invalid, fmt.Errorf("record %d: %w", i, err))
			continue
		}

		res, err := r.screenings.Upsert(ctx, s)
		if err != nil {
			logger.Error("upsert screening",
				"pasien_ckg_id", s.CorrelationID(),
				"error", err,
			)
			metrics.Get().Records.WithLabelValues("failed").Inc()
			failed++
			continue
		}

		if res.Inserted {
			report.Inserted++
			metrics.Get().Records.WithLabelValues("inserted").Inc()
			logger.Debug("inserted screening", "pasien_ckg_id", s.CorrelationID(), "id", res.ID)
		} else {
			report.Updated++
			metrics.Get().Records.WithLabelValues("updated").Inc()
			logger.Debug("updated screening", "pasien_ckg_id", s.CorrelationID(), "id", res.ID)
		}
	}

	if len(invalid) > 0 {
		r.archive(ctx, logger, msg, errors.Join(invalid...))
		return OutcomeRejected
	}
	if failed > 0 {
		return OutcomeFailed
	}

	r.markProcessed(ctx, logger, msg.ID)
	return OutcomeProcessed
}

func (r *Receiver) markProcessed(ctx context.Context, logger *slog.Logger, id string) {
	if err := r.store.MarkProcessed(ctx, id); err != nil {
		// The upsert is idempotent, so a redelivery after this only rewrites
		// the same rows.
		logger.Warn("mark processed failed", "error", err)
	}
}

func (r *Receiver) archive(ctx context.Context, logger *slog.Logger, msg bus.Message, reason error) {
	if err := r.archiver.Put(ctx, msg.ID, msg.Data, msg.Attributes, reason.Error()); err != nil {
		logger.Warn("archive rejected message", "error", err)
	}
}
