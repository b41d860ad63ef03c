package imaging

import (
	"context"

	"github.com/google/uuid"
)

// PatientRepository upserts on MRN. Two concurrent callers with the same MRN
// both get the single stored row; exactly one sees created=true.
type PatientRepository interface {
	UpsertByMRN(ctx context.Context, p *Patient) (created bool, err error)
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetByMRN(ctx context.Context, mrn string) (*Patient, error)
}

// StudyRepository inserts each StudyInstanceUID at most once.
type StudyRepository interface {
	ExistsByUID(ctx context.Context, uid string) (bool, error)
	CreateIfAbsent(ctx context.Context, s *Study) (created bool, err error)
	GetByID(ctx context.Context, id uuid.UUID) (*Study, error)
	GetByUID(ctx context.Context, uid string) (*Study, error)
	List(ctx context.Context, f StudyFilter, limit, offset int) ([]*StudySummary, int, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) error
	SetPriority(ctx context.Context, id uuid.UUID, priority bool) error
}

type SeriesRepository interface {
	CreateIfAbsent(ctx context.Context, s *Series) (created bool, err error)
	ListByStudy(ctx context.Context, studyID uuid.UUID) ([]*Series, error)
}

type InstanceRepository interface {
	CreateIfAbsent(ctx context.Context, i *Instance) (created bool, err error)
	ListBySeries(ctx context.Context, seriesID uuid.UUID) ([]*Instance, error)
}
