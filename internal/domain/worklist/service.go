package worklist

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Emitter keeps worklist files in step with order state.
type Emitter interface {
	EmitOne(ctx context.Context, orderID uuid.UUID) (*Emission, error)
	EmitAll(ctx context.Context) (*EmitReport, error)
}

type Service struct {
	orders  OrderRepository
	emitter Emitter
	logger  zerolog.Logger
}

func NewService(orders OrderRepository, emitter Emitter, logger zerolog.Logger) *Service {
	return &Service{orders: orders, emitter: emitter, logger: logger.With().Str("component", "order_service").Logger()}
}

// -- Order Workflow State Machine --

var orderTransitions = map[string][]string{
	OrderScheduled:  {OrderInProgress, OrderCancelled},
	OrderInProgress: {OrderCompleted, OrderCancelled},
	OrderCompleted:  {},
	OrderCancelled:  {},
}

// ValidateOrderTransition checks an Order status change.
func ValidateOrderTransition(from, to string) error {
	allowed, ok := orderTransitions[from]
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

// OrderResult pairs a persisted order with the emission it triggered.
// Emission is nil when emission failed; EmissionError carries why.
type OrderResult struct {
	Order         *Order    `json:"order"`
	Emission      *Emission `json:"emission,omitempty"`
	EmissionError string    `json:"emission_error,omitempty"`
}

func validateOrder(o *Order) error {
	o.AccessionNumber = strings.TrimSpace(o.AccessionNumber)
	o.Modality = strings.ToUpper(strings.TrimSpace(o.Modality))
	switch {
	case o.AccessionNumber == "":
		return fmt.Errorf("%w: accession_number is required", ErrInvalidOrder)
	case strings.ContainsAny(o.AccessionNumber, `/\`) || o.AccessionNumber == "." || o.AccessionNumber == "..":
		return fmt.Errorf("%w: accession_number must not contain path separators", ErrInvalidOrder)
	case o.PatientID == uuid.Nil:
		return fmt.Errorf("%w: patient_id is required", ErrInvalidOrder)
	case o.Modality == "":
		return fmt.Errorf("%w: modality is required", ErrInvalidOrder)
	case o.ScheduledAt.IsZero():
		return fmt.Errorf("%w: scheduled_at is required", ErrInvalidOrder)
	}
	p, ok := normalizePriority(o.Priority)
	if !ok {
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidOrder, o.Priority)
	}
	o.Priority = p
	o.ScheduledAt = o.ScheduledAt.UTC()
	return nil
}

// CreateOrder persists a Scheduled order and emits its worklist file.
// An emission failure does not undo the order.
func (s *Service) CreateOrder(ctx context.Context, o *Order) (*OrderResult, error) {
	if err := validateOrder(o); err != nil {
		return nil, err
	}
	o.Status = OrderScheduled
	if err := s.orders.Create(ctx, o); err != nil {
		return nil, err
	}
	s.logger.Info().Str("accession_number", o.AccessionNumber).Str("modality", o.Modality).Msg("order created")
	return s.emit(ctx, o.ID)
}

// UpdateOrderStatus validates and applies a lifecycle change, then
// re-emits so a non-Scheduled order loses its file.
func (s *Service) UpdateOrderStatus(ctx context.Context, id uuid.UUID, status string) (*OrderResult, error) {
	if _, ok := orderTransitions[status]; !ok {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidOrder, status)
	}
	if _, err := s.orders.UpdateStatus(ctx, id, status, func(from string) error {
		return ValidateOrderTransition(from, status)
	}); err != nil {
		return nil, err
	}
	return s.emit(ctx, id)
}

func (s *Service) emit(ctx context.Context, id uuid.UUID) (*OrderResult, error) {
	res := &OrderResult{}
	em, err := s.emitter.EmitOne(ctx, id)
	if err != nil {
		s.logger.Error().Err(err).Str("order_id", id.String()).Msg("worklist emission failed")
		res.EmissionError = err.Error()
	}
	res.Emission = em
	o, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	res.Order = o
	return res, nil
}

func (s *Service) GetOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	return s.orders.GetByID(ctx, id)
}

func (s *Service) GetOrderByAccession(ctx context.Context, accession string) (*Order, error) {
	return s.orders.GetByAccession(ctx, accession)
}

func (s *Service) ListScheduled(ctx context.Context) ([]*Order, error) {
	return s.orders.ListScheduled(ctx)
}

// RegenerateAll rebuilds the whole worklist directory.
func (s *Service) RegenerateAll(ctx context.Context) (*EmitReport, error) {
	return s.emitter.EmitAll(ctx)
}
