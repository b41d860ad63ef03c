package worklist

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/pacs/dicombridge/internal/platform/blobstore"
	"github.com/pacs/dicombridge/internal/platform/telemetry"
)

// Emission actions.
const (
	ActionWritten  = "written"
	ActionFallback = "fallback"
	ActionRemoved  = "removed"
	ActionNone     = "none"
)

// DefaultConcurrency bounds parallel writes in EmitAll.
const DefaultConcurrency = 4

// Emission is the outcome of EmitOne.
type Emission struct {
	OrderID         uuid.UUID `json:"order_id"`
	AccessionNumber string    `json:"accession_number"`
	Status          string    `json:"status"`
	Action          string    `json:"action"`
	FileName        string    `json:"file_name,omitempty"`
}

// EmitReport summarizes one EmitAll pass.
type EmitReport struct {
	Scheduled int      `json:"scheduled"`
	Written   int      `json:"written"`
	Fallback  int      `json:"fallback"`
	Failed    int      `json:"failed"`
	Removed   int      `json:"removed"`
	Failures  []string `json:"failures,omitempty"`
}

// Scheduler decides which orders have a worklist file and keeps the
// directory in line with the Scheduled set.
type Scheduler struct {
	orders      OrderRepository
	builder     *Builder
	store       blobstore.BlobStore
	concurrency int
	metrics     *telemetry.Provider
	logger      zerolog.Logger
}

func NewScheduler(orders OrderRepository, builder *Builder, store blobstore.BlobStore, concurrency int,
	metrics *telemetry.Provider, logger zerolog.Logger) *Scheduler {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Scheduler{
		orders:      orders,
		builder:     builder,
		store:       store,
		concurrency: concurrency,
		metrics:     metrics,
		logger:      logger.With().Str("component", "worklist_scheduler").Logger(),
	}
}

// EmitOne loads the order fresh and writes its file when Scheduled or
// removes it otherwise.
func (s *Scheduler) EmitOne(ctx context.Context, orderID uuid.UUID) (*Emission, error) {
	o, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("load order %s: %w", orderID, err)
	}
	em := &Emission{OrderID: o.ID, AccessionNumber: o.AccessionNumber, Status: o.Status}

	if o.Status != OrderScheduled {
		removed, err := s.builder.Remove(ctx, o.AccessionNumber)
		if err != nil {
			s.metrics.RecordEmission("failed")
			return nil, err
		}
		em.Action = ActionNone
		if removed {
			em.Action = ActionRemoved
			s.metrics.RecordEmission(ActionRemoved)
			s.logger.Info().Str("accession_number", o.AccessionNumber).Str("status", o.Status).
				Msg("worklist file removed")
		}
		return em, nil
	}

	res, err := s.builder.Write(ctx, o)
	if err != nil {
		s.metrics.RecordEmission("failed")
		return nil, err
	}
	em.FileName = res.FileName
	em.Action = ActionWritten
	if res.Fallback {
		em.Action = ActionFallback
	}
	s.metrics.RecordEmission(em.Action)
	return em, nil
}

// EmitAll rewrites every Scheduled order and then removes files whose
// accession is no longer in that set. Individual write failures are
// counted, not fatal; only failing to read the Scheduled set or the
// directory aborts the pass.
func (s *Scheduler) EmitAll(ctx context.Context) (*EmitReport, error) {
	orders, err := s.orders.ListScheduled(ctx)
	if err != nil {
		return nil, err
	}
	report := &EmitReport{Scheduled: len(orders)}
	live := make(map[string]bool, len(orders))
	for _, o := range orders {
		live[o.AccessionNumber] = true
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, o := range orders {
		g.Go(func() error {
			res, err := s.builder.Write(gctx, o)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				report.Failed++
				report.Failures = append(report.Failures, o.AccessionNumber)
				s.metrics.RecordEmission("failed")
				s.logger.Error().Err(err).Str("accession_number", o.AccessionNumber).Msg("worklist emission failed")
			case res.Fallback:
				report.Fallback++
				s.metrics.RecordEmission(ActionFallback)
			default:
				report.Written++
				s.metrics.RecordEmission(ActionWritten)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	removed, err := s.sweep(ctx, live)
	report.Removed = removed
	if err != nil {
		return report, err
	}

	s.logger.Info().
		Int("scheduled", report.Scheduled).
		Int("written", report.Written).
		Int("fallback", report.Fallback).
		Int("failed", report.Failed).
		Int("removed", report.Removed).
		Msg("worklist regeneration complete")
	return report, nil
}

// sweep deletes structured and fallback files whose accession is not live.
// live is a snapshot taken before the writes, so each candidate is checked
// against the repository again; orders scheduled since then keep their file.
func (s *Scheduler) sweep(ctx context.Context, live map[string]bool) (int, error) {
	files, err := s.store.List(ctx, s.builder.Extension(), FallbackExtension)
	if err != nil {
		return 0, fmt.Errorf("list worklist files: %w", err)
	}
	removed := 0
	for _, f := range files {
		if live[f.Stem()] {
			continue
		}
		o, err := s.orders.GetByAccession(ctx, f.Stem())
		switch {
		case err == nil && o.Status == OrderScheduled:
			live[f.Stem()] = true
			continue
		case err != nil && !errors.Is(err, ErrNotFound):
			s.logger.Warn().Err(err).Str("file", f.Name).Msg("stale worklist file kept, order lookup failed")
			continue
		}
		if err := s.store.Delete(ctx, f.Name); err != nil && !errors.Is(err, blobstore.ErrBlobNotFound) {
			s.logger.Warn().Err(err).Str("file", f.Name).Msg("stale worklist file not removed")
			continue
		}
		removed++
		s.metrics.RecordEmission(ActionRemoved)
		s.logger.Info().Str("file", f.Name).Msg("stale worklist file removed")
	}
	return removed, nil
}
