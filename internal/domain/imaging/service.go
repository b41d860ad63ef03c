package imaging

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

type Service struct {
	patients  PatientRepository
	studies   StudyRepository
	series    SeriesRepository
	instances InstanceRepository
}

func NewService(p PatientRepository, st StudyRepository, se SeriesRepository, in InstanceRepository) *Service {
	return &Service{patients: p, studies: st, series: se, instances: in}
}

// -- Study Workflow State Machine --

// studyTransitions defines valid status transitions for Study. A study may
// be reported without an explicit InProgress step.
var studyTransitions = map[string][]string{
	StudyPending:    {StudyInProgress, StudyReported},
	StudyInProgress: {StudyReported},
	StudyReported:   {StudyFinalized},
	StudyFinalized:  {},
}

// ValidateStudyTransition checks a Study status change.
func ValidateStudyTransition(from, to string) error {
	allowed, ok := studyTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, to)
}

func (s *Service) ListStudies(ctx context.Context, f StudyFilter, limit, offset int) ([]*StudySummary, int, error) {
	return s.studies.List(ctx, f, limit, offset)
}

func (s *Service) GetStudy(ctx context.Context, id uuid.UUID) (*StudyDetail, error) {
	st, err := s.studies.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.detail(ctx, st)
}

func (s *Service) GetStudyByUID(ctx context.Context, uid string) (*StudyDetail, error) {
	if uid == "" {
		return nil, fmt.Errorf("study_instance_uid is required")
	}
	st, err := s.studies.GetByUID(ctx, uid)
	if err != nil {
		return nil, err
	}
	return s.detail(ctx, st)
}

func (s *Service) detail(ctx context.Context, st *Study) (*StudyDetail, error) {
	patient, err := s.patients.GetByID(ctx, st.PatientID)
	if err != nil {
		return nil, fmt.Errorf("load patient for study %s: %w", st.StudyInstanceUID, err)
	}
	series, err := s.series.ListByStudy(ctx, st.ID)
	if err != nil {
		return nil, fmt.Errorf("list series: %w", err)
	}
	out := &StudyDetail{Study: *st, Patient: patient, Series: make([]*SeriesDetail, 0, len(series))}
	for _, se := range series {
		insts, err := s.instances.ListBySeries(ctx, se.ID)
		if err != nil {
			return nil, fmt.Errorf("list instances: %w", err)
		}
		out.Series = append(out.Series, &SeriesDetail{Series: *se, Instances: insts})
	}
	return out, nil
}

// UpdateStudyStatus validates and applies a lifecycle change.
func (s *Service) UpdateStudyStatus(ctx context.Context, id uuid.UUID, status string) (*Study, error) {
	st, err := s.studies.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := ValidateStudyTransition(st.Status, status); err != nil {
		return nil, err
	}
	if err := s.studies.UpdateStatus(ctx, id, status); err != nil {
		return nil, err
	}
	st.Status = status
	return st, nil
}

func (s *Service) SetStudyPriority(ctx context.Context, id uuid.UUID, priority bool) (*Study, error) {
	if err := s.studies.SetPriority(ctx, id, priority); err != nil {
		return nil, err
	}
	return s.studies.GetByID(ctx, id)
}

// displayName renders "Last, First" for lists, tolerating either part missing.
func displayName(last, first string) string {
	switch {
	case last == "":
		return first
	case first == "":
		return last
	}
	return last + ", " + first
}
