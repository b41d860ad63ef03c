package worklist

import (
	"context"

	"github.com/google/uuid"
)

// StatusCheck vets a transition against the order's current status while
// the row is locked.
type StatusCheck func(from string) error

// OrderRepository reads orders joined with their patient.
type OrderRepository interface {
	// Create inserts a new order. A duplicate accession number yields
	// ErrAlreadyExists and an unknown patient ErrPatientNotFound.
	Create(ctx context.Context, o *Order) error
	GetByID(ctx context.Context, id uuid.UUID) (*Order, error)
	GetByAccession(ctx context.Context, accession string) (*Order, error)
	// ListScheduled returns the live Scheduled set ordered by scheduled time.
	ListScheduled(ctx context.Context) ([]*Order, error)
	// UpdateStatus applies check and the new status atomically.
	UpdateStatus(ctx context.Context, id uuid.UUID, to string, check StatusCheck) (*Order, error)
}
