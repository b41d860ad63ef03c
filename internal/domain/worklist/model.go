package worklist

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("order not found")
	ErrPatientNotFound   = errors.New("patient not found")
	ErrAlreadyExists     = errors.New("accession number already exists")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidOrder      = errors.New("invalid order")
)

// Order status values.
const (
	OrderScheduled  = "Scheduled"
	OrderInProgress = "InProgress"
	OrderCompleted  = "Completed"
	OrderCancelled  = "Cancelled"
)

// Order priority values.
const (
	PriorityRoutine = "Routine"
	PriorityUrgent  = "Urgent"
	PriorityStat    = "STAT"
)

// Order maps to the orders table joined with its patient. AccessionNumber
// is the identity key and names the emitted worklist file.
type Order struct {
	ID                 uuid.UUID `db:"id" json:"id"`
	AccessionNumber    string    `db:"accession_number" json:"accession_number"`
	PatientID          uuid.UUID `db:"patient_id" json:"patient_id"`
	OrderingPhysician  string    `db:"ordering_physician" json:"ordering_physician"`
	ReferringPhysician string    `db:"referring_physician" json:"referring_physician"`
	Modality           string    `db:"modality" json:"modality"`
	StudyDescription   string    `db:"study_description" json:"study_description"`
	ScheduledAt        time.Time `db:"scheduled_at" json:"scheduled_at"`
	Priority           string    `db:"priority" json:"priority"`
	Status             string    `db:"status" json:"status"`
	CreatedAt          time.Time `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time `db:"updated_at" json:"updated_at"`

	Patient OrderPatient `json:"patient"`
}

// OrderPatient is the subset of patient data a worklist item carries.
type OrderPatient struct {
	MRN       string     `json:"mrn"`
	FirstName string     `json:"first_name"`
	LastName  string     `json:"last_name"`
	BirthDate *time.Time `json:"birth_date,omitempty"`
	Sex       string     `json:"sex"`
}

// DisplayName renders "Last, First".
func (p OrderPatient) DisplayName() string {
	switch {
	case p.LastName == "":
		return p.FirstName
	case p.FirstName == "":
		return p.LastName
	}
	return p.LastName + ", " + p.FirstName
}

// normalizePriority accepts any casing of a known priority and defaults
// an empty value to Routine.
func normalizePriority(p string) (string, bool) {
	switch strings.ToUpper(strings.TrimSpace(p)) {
	case "":
		return PriorityRoutine, true
	case "ROUTINE":
		return PriorityRoutine, true
	case "URGENT":
		return PriorityUrgent, true
	case "STAT":
		return PriorityStat, true
	}
	return p, false
}
