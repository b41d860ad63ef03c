package imaging

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrStudyFetch        = errors.New("study metadata could not be fetched")
	ErrAlreadyExists     = errors.New("already exists")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Patient maps to the patients table. MRN is the identity key.
type Patient struct {
	ID        uuid.UUID  `db:"id" json:"id"`
	MRN       string     `db:"mrn" json:"mrn"`
	FirstName string     `db:"first_name" json:"first_name"`
	LastName  string     `db:"last_name" json:"last_name"`
	BirthDate *time.Time `db:"birth_date" json:"birth_date,omitempty"`
	Sex       string     `db:"sex" json:"sex"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
}

// Study status values.
const (
	StudyPending    = "Pending"
	StudyInProgress = "InProgress"
	StudyReported   = "Reported"
	StudyFinalized  = "Finalized"
)

// Study maps to the studies table. StudyInstanceUID is the identity key;
// ArchiveStudyID is the archive's own opaque id for the same study.
type Study struct {
	ID               uuid.UUID `db:"id" json:"id"`
	StudyInstanceUID string    `db:"study_instance_uid" json:"study_instance_uid"`
	PatientID        uuid.UUID `db:"patient_id" json:"patient_id"`
	StudyDate        time.Time `db:"study_date" json:"study_date"`
	Modality         string    `db:"modality" json:"modality"`
	Description      string    `db:"description" json:"description"`
	AccessionNumber  string    `db:"accession_number" json:"accession_number"`
	ArchiveStudyID   string    `db:"archive_study_id" json:"archive_study_id"`
	Status           string    `db:"status" json:"status"`
	IsPriority       bool      `db:"is_priority" json:"is_priority"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// Series maps to the series table.
type Series struct {
	ID                uuid.UUID `db:"id" json:"id"`
	SeriesInstanceUID string    `db:"series_instance_uid" json:"series_instance_uid"`
	StudyID           uuid.UUID `db:"study_id" json:"study_id"`
	Modality          string    `db:"modality" json:"modality"`
	BodyPart          string    `db:"body_part" json:"body_part"`
	SeriesNumber      int       `db:"series_number" json:"series_number"`
	Description       string    `db:"description" json:"description"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
}

// Instance maps to the instances table. Locator points into the archive;
// pixel data is never copied.
type Instance struct {
	ID             uuid.UUID `db:"id" json:"id"`
	SOPInstanceUID string    `db:"sop_instance_uid" json:"sop_instance_uid"`
	SeriesID       uuid.UUID `db:"series_id" json:"series_id"`
	InstanceNumber int       `db:"instance_number" json:"instance_number"`
	Locator        string    `db:"locator" json:"locator"`
	FileSize       int64     `db:"file_size" json:"file_size"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// StudySummary is one row of the study list.
type StudySummary struct {
	Study
	PatientName string `json:"patient_name"`
	PatientMRN  string `json:"patient_mrn"`
	SeriesCount int    `json:"series_count"`
}

// SeriesDetail is a series with its instances.
type SeriesDetail struct {
	Series
	Instances []*Instance `json:"instances"`
}

// StudyDetail is a study with its patient and full series tree.
type StudyDetail struct {
	Study
	Patient *Patient        `json:"patient"`
	Series  []*SeriesDetail `json:"series"`
}

// StudyFilter narrows the study list. Zero values do not filter.
type StudyFilter struct {
	Search     string
	Modality   string
	Status     string
	IsPriority *bool
	From       *time.Time
	To         *time.Time
}
