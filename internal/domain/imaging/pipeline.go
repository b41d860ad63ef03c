package imaging

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/pacs/dicombridge/internal/dicomtag"
	"github.com/pacs/dicombridge/internal/platform/orthanc"
	"github.com/pacs/dicombridge/internal/platform/telemetry"
	"github.com/pacs/dicombridge/internal/platform/webhook"
)

// IngestState is a step of the per-event ingestion state machine.
type IngestState string

const (
	StateReceived         IngestState = "Received"
	StateMetadataFetched  IngestState = "MetadataFetched"
	StatePatientResolved  IngestState = "PatientResolved"
	StateStudyCreated     IngestState = "StudyCreated"
	StateSeriesEnumerated IngestState = "SeriesEnumerated"
	StateComplete         IngestState = "Complete"
	StateSkipped          IngestState = "Skipped"
)

// Archive is the metadata source the pipeline reads from.
type Archive interface {
	FetchStudy(ctx context.Context, id string) (*orthanc.Resource, error)
	FetchSeries(ctx context.Context, id string) (*orthanc.Resource, error)
	FetchInstance(ctx context.Context, id string) (*orthanc.Resource, error)
}

// IngestResult summarizes one ingestion event.
type IngestResult struct {
	ArchiveStudyID   string      `json:"archive_study_id"`
	State            IngestState `json:"state"`
	SkipReason       string      `json:"skip_reason,omitempty"`
	StudyID          string      `json:"study_id,omitempty"`
	StudyInstanceUID string      `json:"study_instance_uid,omitempty"`
	PatientCreated   bool        `json:"patient_created"`
	SeriesCreated    int         `json:"series_created"`
	SeriesFailed     int         `json:"series_failed"`
	InstancesCreated int         `json:"instances_created"`
	InstancesFailed  int         `json:"instances_failed"`

	// Trace lists every state entered, in order.
	Trace []IngestState `json:"trace"`
}

func (r *IngestResult) advance(s IngestState) {
	r.State = s
	r.Trace = append(r.Trace, s)
}

// Partial reports whether any series or instance branch was abandoned.
func (r *IngestResult) Partial() bool {
	return r.SeriesFailed > 0 || r.InstancesFailed > 0
}

// Pipeline turns one archive study into Patient/Study/Series/Instance rows.
// It holds no locks: the store's unique keys decide races, and a lost race
// is treated exactly like a study that already existed.
type Pipeline struct {
	archive   Archive
	patients  PatientRepository
	studies   StudyRepository
	series    SeriesRepository
	instances InstanceRepository
	metrics   *telemetry.Provider
	logger    zerolog.Logger
	now       func() time.Time
}

func NewPipeline(archive Archive, patients PatientRepository, studies StudyRepository,
	series SeriesRepository, instances InstanceRepository,
	metrics *telemetry.Provider, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		archive:   archive,
		patients:  patients,
		studies:   studies,
		series:    series,
		instances: instances,
		metrics:   metrics,
		logger:    logger.With().Str("component", "ingest").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Ingest runs the state machine for one archive study id. A nil error with
// State Skipped means the study was already known. ErrStudyFetch means the
// top-level metadata was unavailable and nothing was written.
func (p *Pipeline) Ingest(ctx context.Context, archiveStudyID string) (res *IngestResult, err error) {
	start := time.Now()
	res = &IngestResult{ArchiveStudyID: archiveStudyID}
	res.advance(StateReceived)
	log := p.logger.With().Str("archive_study_id", archiveStudyID).Logger()
	defer func() {
		state := string(res.State)
		if err != nil {
			state = "Failed"
		}
		p.metrics.RecordIngestion(state, time.Since(start))
	}()

	meta, err := p.archive.FetchStudy(ctx, archiveStudyID)
	if err != nil {
		return res, fmt.Errorf("%w: %s: %w", ErrStudyFetch, archiveStudyID, err)
	}
	uid := meta.MainAttributes.Get(dicomtag.KeywordStudyInstanceUID)
	if uid == "" {
		return res, fmt.Errorf("%w: %s has no StudyInstanceUID", ErrStudyFetch, archiveStudyID)
	}
	res.advance(StateMetadataFetched)
	res.StudyInstanceUID = uid
	log = log.With().Str("study_instance_uid", uid).Logger()

	exists, err := p.studies.ExistsByUID(ctx, uid)
	if err != nil {
		return res, fmt.Errorf("check study %s: %w", uid, err)
	}
	if exists {
		return p.skip(res, log, "study already ingested"), nil
	}

	ingestedAt := p.now()
	patient, created, err := p.resolvePatient(ctx, meta, ingestedAt, log)
	if err != nil {
		return res, err
	}
	res.advance(StatePatientResolved)
	res.PatientCreated = created

	study := p.newStudy(meta, uid, patient, ingestedAt, log)
	created, err = p.studies.CreateIfAbsent(ctx, study)
	if err != nil {
		return res, fmt.Errorf("create study %s: %w", uid, err)
	}
	if !created {
		return p.skip(res, log, "study created concurrently"), nil
	}
	res.advance(StateStudyCreated)
	res.StudyID = study.ID.String()
	p.metrics.RecordEntity("study", "created")

	for _, seriesID := range meta.Children {
		p.ingestSeries(ctx, study, seriesID, res, log)
	}
	res.advance(StateSeriesEnumerated)
	res.advance(StateComplete)
	evt := log.Info()
	if res.Partial() {
		evt = log.Warn()
	}
	evt.Str("study_id", res.StudyID).
		Bool("patient_created", res.PatientCreated).
		Int("series_created", res.SeriesCreated).
		Int("series_failed", res.SeriesFailed).
		Int("instances_created", res.InstancesCreated).
		Int("instances_failed", res.InstancesFailed).
		Msg("study ingested")
	return res, nil
}

// IngestStudy adapts Ingest to the webhook gateway.
func (p *Pipeline) IngestStudy(ctx context.Context, archiveStudyID string) (*webhook.Summary, error) {
	res, err := p.Ingest(ctx, archiveStudyID)
	if err != nil {
		return nil, err
	}
	return &webhook.Summary{State: string(res.State), Partial: res.Partial(), Result: res}, nil
}

func (p *Pipeline) skip(res *IngestResult, log zerolog.Logger, reason string) *IngestResult {
	res.advance(StateSkipped)
	res.SkipReason = reason
	p.metrics.RecordEntity("study", "existing")
	log.Debug().Str("reason", reason).Msg("ingestion skipped")
	return res
}

// date decodes a DA value, substituting the ingestion time when it cannot.
// Every substitution is logged and counted.
func (p *Pipeline) date(field, value string, ingestedAt time.Time, log zerolog.Logger) time.Time {
	t, ok := dicomtag.ParseDate(value, ingestedAt)
	if !ok {
		log.Warn().Str("field", field).Str("value", value).Time("substituted", ingestedAt).
			Msg("unparseable date replaced with ingestion time")
		p.metrics.RecordDateFallback(field)
	}
	return t
}

func (p *Pipeline) resolvePatient(ctx context.Context, meta *orthanc.Resource, ingestedAt time.Time, log zerolog.Logger) (*Patient, bool, error) {
	attrs := meta.PatientAttributes
	mrn := attrs.Get(dicomtag.KeywordPatientID)
	if mrn == "" {
		mrn = meta.ParentID
		log.Warn().Str("archive_patient_id", mrn).Msg("study has no PatientID, keying patient on archive id")
	}
	if mrn == "" {
		return nil, false, fmt.Errorf("%w: %s has no patient identifier", ErrStudyFetch, meta.ID)
	}

	family, given := dicomtag.SplitPersonName(attrs.Get(dicomtag.KeywordPatientName))
	birth := p.date(dicomtag.KeywordPatientBirthDate, attrs.Get(dicomtag.KeywordPatientBirthDate), ingestedAt, log)
	patient := &Patient{
		MRN:       mrn,
		FirstName: given,
		LastName:  family,
		BirthDate: &birth,
		Sex:       attrs.Get(dicomtag.KeywordPatientSex),
	}
	created, err := p.patients.UpsertByMRN(ctx, patient)
	if err != nil {
		return nil, false, fmt.Errorf("resolve patient %s: %w", mrn, err)
	}
	outcome := "existing"
	if created {
		outcome = "created"
	}
	p.metrics.RecordEntity("patient", outcome)
	return patient, created, nil
}

func (p *Pipeline) newStudy(meta *orthanc.Resource, uid string, patient *Patient, ingestedAt time.Time, log zerolog.Logger) *Study {
	attrs := meta.MainAttributes
	modality := attrs.Get(dicomtag.KeywordModality)
	if modality == "" {
		// Orthanc reports study-level modalities as a multi-valued attribute.
		modality, _, _ = strings.Cut(attrs.Get("ModalitiesInStudy"), `\`)
	}
	return &Study{
		StudyInstanceUID: uid,
		PatientID:        patient.ID,
		StudyDate:        p.date(dicomtag.KeywordStudyDate, attrs.Get(dicomtag.KeywordStudyDate), ingestedAt, log),
		Modality:         modality,
		Description:      attrs.Get(dicomtag.KeywordStudyDescription),
		AccessionNumber:  attrs.Get(dicomtag.KeywordAccessionNumber),
		ArchiveStudyID:   meta.ID,
		Status:           StudyPending,
		IsPriority:       false,
	}
}

// ingestSeries creates one series and its instances. Failures are recorded
// on res and never propagate to siblings or the parent study.
func (p *Pipeline) ingestSeries(ctx context.Context, study *Study, archiveSeriesID string, res *IngestResult, log zerolog.Logger) {
	log = log.With().Str("archive_series_id", archiveSeriesID).Logger()
	fail := func(err error, msg string) {
		res.SeriesFailed++
		p.metrics.RecordEntity("series", "failed")
		log.Warn().Err(err).Msg(msg)
	}

	meta, err := p.archive.FetchSeries(ctx, archiveSeriesID)
	if err != nil {
		fail(err, "series metadata unavailable, branch abandoned")
		return
	}
	attrs := meta.MainAttributes
	series := &Series{
		SeriesInstanceUID: attrs.Get(dicomtag.KeywordSeriesInstanceUID),
		StudyID:           study.ID,
		Modality:          attrs.Get(dicomtag.KeywordModality),
		BodyPart:          attrs.Get(dicomtag.KeywordBodyPartExamined),
		SeriesNumber:      attrs.Int(dicomtag.KeywordSeriesNumber),
		Description:       attrs.Get(dicomtag.KeywordSeriesDescription),
	}
	if series.SeriesInstanceUID == "" {
		fail(nil, "series has no SeriesInstanceUID, branch abandoned")
		return
	}
	if series.Modality == "" {
		series.Modality = study.Modality
	}

	created, err := p.series.CreateIfAbsent(ctx, series)
	if err != nil {
		fail(err, "series insert failed, branch abandoned")
		return
	}
	if !created {
		p.metrics.RecordEntity("series", "existing")
		return
	}
	res.SeriesCreated++
	p.metrics.RecordEntity("series", "created")

	for _, instanceID := range meta.Children {
		p.ingestInstance(ctx, series, instanceID, res, log)
	}
}

func (p *Pipeline) ingestInstance(ctx context.Context, series *Series, archiveInstanceID string, res *IngestResult, log zerolog.Logger) {
	fail := func(err error, msg string) {
		res.InstancesFailed++
		p.metrics.RecordEntity("instance", "failed")
		log.Warn().Err(err).Str("archive_instance_id", archiveInstanceID).Msg(msg)
	}

	meta, err := p.archive.FetchInstance(ctx, archiveInstanceID)
	if err != nil {
		fail(err, "instance metadata unavailable, skipped")
		return
	}
	inst := &Instance{
		SOPInstanceUID: meta.MainAttributes.Get(dicomtag.KeywordSOPInstanceUID),
		SeriesID:       series.ID,
		InstanceNumber: meta.MainAttributes.Int(dicomtag.KeywordInstanceNumber),
		Locator:        orthanc.InstanceLocator(meta.ID),
		FileSize:       meta.FileSize,
	}
	if inst.SOPInstanceUID == "" {
		fail(nil, "instance has no SOPInstanceUID, skipped")
		return
	}
	created, err := p.instances.CreateIfAbsent(ctx, inst)
	if err != nil {
		fail(err, "instance insert failed, skipped")
		return
	}
	if !created {
		p.metrics.RecordEntity("instance", "existing")
		return
	}
	res.InstancesCreated++
	p.metrics.RecordEntity("instance", "created")
}
