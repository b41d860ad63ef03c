package worklist

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/pacs/dicombridge/internal/dicomtag"
	"github.com/pacs/dicombridge/internal/platform/blobstore"
)

const (
	// DefaultExtension names structured worklist files.
	DefaultExtension = "wl"
	// FallbackExtension names the diagnostic text written when encoding fails.
	FallbackExtension = "txt"
)

// Encoder turns a tagged tree into the bytes modalities read.
type Encoder interface {
	Encode(w io.Writer, ds dicomtag.Dataset) error
}

// BuilderConfig holds the emission settings. Location is the site time
// zone scheduled times are written in; nil means UTC.
type BuilderConfig struct {
	Extension      string
	StationAETitle string
	Location       *time.Location
}

// Artifact is one built worklist item, not yet written.
type Artifact struct {
	AccessionNumber string
	FileName        string
	FallbackName    string
	Dataset         dicomtag.Dataset
}

// WriteResult reports where an artifact landed.
type WriteResult struct {
	AccessionNumber string `json:"accession_number"`
	FileName        string `json:"file_name"`
	Fallback        bool   `json:"fallback"`
	Cause           string `json:"cause,omitempty"`
}

// Builder maps orders to worklist trees and places them in the store.
type Builder struct {
	enc    Encoder
	store  blobstore.BlobStore
	cfg    BuilderConfig
	newUID dicomtag.UIDFunc
	logger zerolog.Logger
}

func NewBuilder(enc Encoder, store blobstore.BlobStore, cfg BuilderConfig, logger zerolog.Logger) *Builder {
	cfg.Extension = strings.TrimPrefix(cfg.Extension, ".")
	if cfg.Extension == "" {
		cfg.Extension = DefaultExtension
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Builder{
		enc:    enc,
		store:  store,
		cfg:    cfg,
		newUID: dicomtag.NewUID,
		logger: logger.With().Str("component", "worklist_builder").Logger(),
	}
}

// Extension returns the structured file extension in use.
func (b *Builder) Extension() string { return b.cfg.Extension }

// FileName is deterministic per accession so regeneration overwrites.
func (b *Builder) FileName(accession string) string {
	return accession + "." + b.cfg.Extension
}

func (b *Builder) fallbackName(accession string) string {
	return accession + "." + FallbackExtension
}

// Fields converts an order into worklist input.
func (b *Builder) Fields(o *Order) dicomtag.WorklistFields {
	var birth time.Time
	if o.Patient.BirthDate != nil {
		birth = *o.Patient.BirthDate
	}
	return dicomtag.WorklistFields{
		AccessionNumber:      o.AccessionNumber,
		PatientMRN:           o.Patient.MRN,
		PatientFamilyName:    o.Patient.LastName,
		PatientGivenName:     o.Patient.FirstName,
		PatientBirthDate:     birth,
		PatientSex:           o.Patient.Sex,
		Modality:             o.Modality,
		StationAETitle:       b.cfg.StationAETitle,
		ScheduledAt:          o.ScheduledAt.In(b.cfg.Location),
		PerformingPhysician:  o.OrderingPhysician,
		ReferringPhysician:   o.ReferringPhysician,
		RequestingPhysician:  o.OrderingPhysician,
		ProcedureDescription: o.StudyDescription,
		Priority:             o.Priority,
	}
}

// Build produces the tree and destination names for one order.
func (b *Builder) Build(o *Order) *Artifact {
	return &Artifact{
		AccessionNumber: o.AccessionNumber,
		FileName:        b.FileName(o.AccessionNumber),
		FallbackName:    b.fallbackName(o.AccessionNumber),
		Dataset:         dicomtag.WorklistDataset(b.Fields(o), b.newUID),
	}
}

// Write builds and stores the worklist file for o. When encoding or the
// structured write fails, the text rendering of the same tree is written
// under the fallback name instead and any structured file from an earlier
// emission is removed. An error is returned only when neither lands.
func (b *Builder) Write(ctx context.Context, o *Order) (*WriteResult, error) {
	art := b.Build(o)
	log := b.logger.With().Str("accession_number", art.AccessionNumber).Logger()

	cause := b.writeStructured(ctx, art)
	if cause == nil {
		if err := b.remove(ctx, art.FallbackName); err != nil {
			log.Warn().Err(err).Str("file", art.FallbackName).Msg("stale fallback file not removed")
		}
		log.Debug().Str("file", art.FileName).Msg("worklist file written")
		return &WriteResult{AccessionNumber: art.AccessionNumber, FileName: art.FileName}, nil
	}

	log.Error().Err(cause).Str("file", art.FallbackName).Msg("worklist encoding failed, writing text fallback")
	text := dicomtag.RenderText(art.Dataset)
	if _, err := b.store.Put(ctx, art.FallbackName, strings.NewReader(text)); err != nil {
		return nil, fmt.Errorf("write worklist %s: %w (fallback: %v)", art.AccessionNumber, cause, err)
	}
	if err := b.remove(ctx, art.FileName); err != nil {
		log.Warn().Err(err).Str("file", art.FileName).Msg("previous worklist file not removed")
	}
	return &WriteResult{
		AccessionNumber: art.AccessionNumber,
		FileName:        art.FallbackName,
		Fallback:        true,
		Cause:           cause.Error(),
	}, nil
}

func (b *Builder) writeStructured(ctx context.Context, art *Artifact) error {
	var buf bytes.Buffer
	if err := b.enc.Encode(&buf, art.Dataset); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	if _, err := b.store.Put(ctx, art.FileName, &buf); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	return nil
}

// Remove deletes both the structured and the fallback file for an
// accession. It reports whether anything was removed.
func (b *Builder) Remove(ctx context.Context, accession string) (bool, error) {
	removed := false
	for _, name := range []string{b.FileName(accession), b.fallbackName(accession)} {
		err := b.store.Delete(ctx, name)
		switch {
		case err == nil:
			removed = true
		case errors.Is(err, blobstore.ErrBlobNotFound):
		default:
			return removed, fmt.Errorf("remove %s: %w", name, err)
		}
	}
	return removed, nil
}

func (b *Builder) remove(ctx context.Context, name string) error {
	if err := b.store.Delete(ctx, name); err != nil && !errors.Is(err, blobstore.ErrBlobNotFound) {
		return err
	}
	return nil
}
