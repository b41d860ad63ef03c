package worklist

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pacs/dicombridge/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// =========== Order Repository ===========

type orderRepoPG struct{ pool *pgxpool.Pool }

func NewOrderRepoPG(pool *pgxpool.Pool) OrderRepository {
	return &orderRepoPG{pool: pool}
}

func (r *orderRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const orderCols = `o.id, o.accession_number, o.patient_id, o.ordering_physician, o.referring_physician,
	o.modality, o.study_description, o.scheduled_at, o.priority, o.status, o.created_at, o.updated_at,
	p.mrn, p.first_name, p.last_name, p.birth_date, p.sex`

const orderFrom = ` FROM orders o JOIN patients p ON p.id = o.patient_id`

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	err := row.Scan(&o.ID, &o.AccessionNumber, &o.PatientID, &o.OrderingPhysician, &o.ReferringPhysician,
		&o.Modality, &o.StudyDescription, &o.ScheduledAt, &o.Priority, &o.Status, &o.CreatedAt, &o.UpdatedAt,
		&o.Patient.MRN, &o.Patient.FirstName, &o.Patient.LastName, &o.Patient.BirthDate, &o.Patient.Sex)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	o.ScheduledAt = o.ScheduledAt.UTC()
	return &o, nil
}

func (r *orderRepoPG) Create(ctx context.Context, o *Order) error {
	o.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO orders (id, accession_number, patient_id, ordering_physician, referring_physician,
			modality, study_description, scheduled_at, priority, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING created_at, updated_at`,
		o.ID, o.AccessionNumber, o.PatientID, o.OrderingPhysician, o.ReferringPhysician,
		o.Modality, o.StudyDescription, o.ScheduledAt, o.Priority, o.Status).Scan(&o.CreatedAt, &o.UpdatedAt)
	switch {
	case err == nil:
		return nil
	case db.IsUniqueViolation(err):
		return fmt.Errorf("%w: %s", ErrAlreadyExists, o.AccessionNumber)
	case db.IsForeignKeyViolation(err):
		return fmt.Errorf("%w: %s", ErrPatientNotFound, o.PatientID)
	default:
		return fmt.Errorf("insert order %s: %w", o.AccessionNumber, err)
	}
}

func (r *orderRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Order, error) {
	return scanOrder(r.conn(ctx).QueryRow(ctx, `SELECT `+orderCols+orderFrom+` WHERE o.id = $1`, id))
}

func (r *orderRepoPG) GetByAccession(ctx context.Context, accession string) (*Order, error) {
	return scanOrder(r.conn(ctx).QueryRow(ctx, `SELECT `+orderCols+orderFrom+` WHERE o.accession_number = $1`, accession))
}

func (r *orderRepoPG) ListScheduled(ctx context.Context) ([]*Order, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+orderCols+orderFrom+`
		WHERE o.status = $1 ORDER BY o.scheduled_at, o.accession_number`, OrderScheduled)
	if err != nil {
		return nil, fmt.Errorf("list scheduled orders: %w", err)
	}
	defer rows.Close()
	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// UpdateStatus locks the row so concurrent transitions serialize on it.
func (r *orderRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, to string, check StatusCheck) (*Order, error) {
	var updated *Order
	err := db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		q := r.conn(ctx)
		var from string
		if err := q.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1 FOR UPDATE`, id).Scan(&from); err != nil {
			if db.IsNoRows(err) {
				return ErrNotFound
			}
			return err
		}
		if check != nil {
			if err := check(from); err != nil {
				return err
			}
		}
		if _, err := q.Exec(ctx, `UPDATE orders SET status = $2, updated_at = NOW() WHERE id = $1`, id, to); err != nil {
			return fmt.Errorf("update order status: %w", err)
		}
		o, err := r.GetByID(ctx, id)
		updated = o
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}
