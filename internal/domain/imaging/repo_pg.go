package imaging

import (
	"context"
	"fmt"
	"strings"

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

func connFor(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return pool
}

// notFound maps pgx.ErrNoRows onto ErrNotFound and leaves other errors alone.
func notFound(err error) error {
	if db.IsNoRows(err) {
		return ErrNotFound
	}
	return err
}

// =========== Patient Repository ===========

type patientRepoPG struct{ pool *pgxpool.Pool }

func NewPatientRepoPG(pool *pgxpool.Pool) PatientRepository {
	return &patientRepoPG{pool: pool}
}

const patientCols = `id, mrn, first_name, last_name, birth_date, sex, created_at, updated_at`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.MRN, &p.FirstName, &p.LastName, &p.BirthDate, &p.Sex, &p.CreatedAt, &p.UpdatedAt)
	return &p, err
}

func (r *patientRepoPG) UpsertByMRN(ctx context.Context, p *Patient) (bool, error) {
	q := connFor(ctx, r.pool)
	id := uuid.New()
	err := q.QueryRow(ctx, `
		INSERT INTO patients (id, mrn, first_name, last_name, birth_date, sex)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (mrn) DO NOTHING
		RETURNING `+patientCols,
		id, p.MRN, p.FirstName, p.LastName, p.BirthDate, p.Sex).
		Scan(&p.ID, &p.MRN, &p.FirstName, &p.LastName, &p.BirthDate, &p.Sex, &p.CreatedAt, &p.UpdatedAt)
	if err == nil {
		return true, nil
	}
	if !db.IsNoRows(err) {
		return false, fmt.Errorf("insert patient %s: %w", p.MRN, err)
	}
	existing, err := scanPatient(q.QueryRow(ctx, `SELECT `+patientCols+` FROM patients WHERE mrn = $1`, p.MRN))
	if err != nil {
		return false, fmt.Errorf("load patient %s: %w", p.MRN, notFound(err))
	}
	*p = *existing
	return false, nil
}

func (r *patientRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := scanPatient(connFor(ctx, r.pool).QueryRow(ctx, `SELECT `+patientCols+` FROM patients WHERE id = $1`, id))
	return p, notFound(err)
}

func (r *patientRepoPG) GetByMRN(ctx context.Context, mrn string) (*Patient, error) {
	p, err := scanPatient(connFor(ctx, r.pool).QueryRow(ctx, `SELECT `+patientCols+` FROM patients WHERE mrn = $1`, mrn))
	return p, notFound(err)
}

// =========== Study Repository ===========

type studyRepoPG struct{ pool *pgxpool.Pool }

func NewStudyRepoPG(pool *pgxpool.Pool) StudyRepository {
	return &studyRepoPG{pool: pool}
}

const studyCols = `s.id, s.study_instance_uid, s.patient_id, s.study_date, s.modality, s.description,
	s.accession_number, s.archive_study_id, s.status, s.is_priority, s.created_at, s.updated_at`

func scanStudyInto(row pgx.Row, s *Study, extra ...interface{}) error {
	dest := []interface{}{&s.ID, &s.StudyInstanceUID, &s.PatientID, &s.StudyDate, &s.Modality, &s.Description,
		&s.AccessionNumber, &s.ArchiveStudyID, &s.Status, &s.IsPriority, &s.CreatedAt, &s.UpdatedAt}
	return row.Scan(append(dest, extra...)...)
}

func (r *studyRepoPG) ExistsByUID(ctx context.Context, uid string) (bool, error) {
	var exists bool
	err := connFor(ctx, r.pool).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM studies WHERE study_instance_uid = $1)`, uid).Scan(&exists)
	return exists, err
}

func (r *studyRepoPG) CreateIfAbsent(ctx context.Context, s *Study) (bool, error) {
	s.ID = uuid.New()
	if s.Status == "" {
		s.Status = StudyPending
	}
	err := connFor(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO studies (id, study_instance_uid, patient_id, study_date, modality, description,
			accession_number, archive_study_id, status, is_priority)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (study_instance_uid) DO NOTHING
		RETURNING created_at, updated_at`,
		s.ID, s.StudyInstanceUID, s.PatientID, s.StudyDate, s.Modality, s.Description,
		s.AccessionNumber, s.ArchiveStudyID, s.Status, s.IsPriority).Scan(&s.CreatedAt, &s.UpdatedAt)
	switch {
	case err == nil:
		return true, nil
	case db.IsNoRows(err), db.IsUniqueViolation(err):
		return false, nil
	default:
		return false, fmt.Errorf("insert study %s: %w", s.StudyInstanceUID, err)
	}
}

func (r *studyRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Study, error) {
	var s Study
	err := scanStudyInto(connFor(ctx, r.pool).QueryRow(ctx, `SELECT `+studyCols+` FROM studies s WHERE s.id = $1`, id), &s)
	if err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

func (r *studyRepoPG) GetByUID(ctx context.Context, uid string) (*Study, error) {
	var s Study
	err := scanStudyInto(connFor(ctx, r.pool).QueryRow(ctx, `SELECT `+studyCols+` FROM studies s WHERE s.study_instance_uid = $1`, uid), &s)
	if err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

// studyWhere renders f as a WHERE clause over studies s JOIN patients p.
func studyWhere(f StudyFilter) (string, []interface{}) {
	var (
		clauses []string
		args    []interface{}
	)
	add := func(clause string, arg interface{}) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if f.Search != "" {
		add(`(p.first_name ILIKE $%[1]d OR p.last_name ILIKE $%[1]d OR p.mrn ILIKE $%[1]d OR s.accession_number ILIKE $%[1]d)`,
			"%"+f.Search+"%")
	}
	if f.Modality != "" {
		add(`s.modality = $%d`, f.Modality)
	}
	if f.Status != "" {
		add(`s.status = $%d`, f.Status)
	}
	if f.IsPriority != nil {
		add(`s.is_priority = $%d`, *f.IsPriority)
	}
	if f.From != nil {
		add(`s.study_date >= $%d`, *f.From)
	}
	if f.To != nil {
		add(`s.study_date <= $%d`, *f.To)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (r *studyRepoPG) List(ctx context.Context, f StudyFilter, limit, offset int) ([]*StudySummary, int, error) {
	q := connFor(ctx, r.pool)
	where, args := studyWhere(f)
	from := ` FROM studies s JOIN patients p ON p.id = s.patient_id` + where

	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*)`+from, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	n := len(args)
	rows, err := q.Query(ctx, `SELECT `+studyCols+`, p.last_name, p.first_name, p.mrn,
		(SELECT COUNT(*) FROM series se WHERE se.study_id = s.id)`+from+
		fmt.Sprintf(` ORDER BY s.is_priority DESC, s.study_date DESC, s.created_at DESC LIMIT $%d OFFSET $%d`, n+1, n+2),
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*StudySummary
	for rows.Next() {
		var (
			item        StudySummary
			last, first string
		)
		if err := scanStudyInto(rows, &item.Study, &last, &first, &item.PatientMRN, &item.SeriesCount); err != nil {
			return nil, 0, err
		}
		item.PatientName = displayName(last, first)
		items = append(items, &item)
	}
	return items, total, rows.Err()
}

func (r *studyRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	tag, err := connFor(ctx, r.pool).Exec(ctx, `UPDATE studies SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *studyRepoPG) SetPriority(ctx context.Context, id uuid.UUID, priority bool) error {
	tag, err := connFor(ctx, r.pool).Exec(ctx, `UPDATE studies SET is_priority = $2, updated_at = NOW() WHERE id = $1`, id, priority)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// =========== Series Repository ===========

type seriesRepoPG struct{ pool *pgxpool.Pool }

func NewSeriesRepoPG(pool *pgxpool.Pool) SeriesRepository {
	return &seriesRepoPG{pool: pool}
}

const seriesCols = `id, series_instance_uid, study_id, modality, body_part, series_number, description, created_at`

func (r *seriesRepoPG) CreateIfAbsent(ctx context.Context, s *Series) (bool, error) {
	s.ID = uuid.New()
	err := connFor(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO series (id, series_instance_uid, study_id, modality, body_part, series_number, description)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (series_instance_uid) DO NOTHING
		RETURNING created_at`,
		s.ID, s.SeriesInstanceUID, s.StudyID, s.Modality, s.BodyPart, s.SeriesNumber, s.Description).Scan(&s.CreatedAt)
	switch {
	case err == nil:
		return true, nil
	case db.IsNoRows(err), db.IsUniqueViolation(err):
		return false, nil
	default:
		return false, fmt.Errorf("insert series %s: %w", s.SeriesInstanceUID, err)
	}
}

func (r *seriesRepoPG) ListByStudy(ctx context.Context, studyID uuid.UUID) ([]*Series, error) {
	rows, err := connFor(ctx, r.pool).Query(ctx,
		`SELECT `+seriesCols+` FROM series WHERE study_id = $1 ORDER BY series_number, created_at`, studyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Series
	for rows.Next() {
		var s Series
		if err := rows.Scan(&s.ID, &s.SeriesInstanceUID, &s.StudyID, &s.Modality, &s.BodyPart,
			&s.SeriesNumber, &s.Description, &s.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, &s)
	}
	return items, rows.Err()
}

// =========== Instance Repository ===========

type instanceRepoPG struct{ pool *pgxpool.Pool }

func NewInstanceRepoPG(pool *pgxpool.Pool) InstanceRepository {
	return &instanceRepoPG{pool: pool}
}

const instanceCols = `id, sop_instance_uid, series_id, instance_number, locator, file_size, created_at`

func (r *instanceRepoPG) CreateIfAbsent(ctx context.Context, i *Instance) (bool, error) {
	i.ID = uuid.New()
	err := connFor(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO instances (id, sop_instance_uid, series_id, instance_number, locator, file_size)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (sop_instance_uid) DO NOTHING
		RETURNING created_at`,
		i.ID, i.SOPInstanceUID, i.SeriesID, i.InstanceNumber, i.Locator, i.FileSize).Scan(&i.CreatedAt)
	switch {
	case err == nil:
		return true, nil
	case db.IsNoRows(err), db.IsUniqueViolation(err):
		return false, nil
	default:
		return false, fmt.Errorf("insert instance %s: %w", i.SOPInstanceUID, err)
	}
}

func (r *instanceRepoPG) ListBySeries(ctx context.Context, seriesID uuid.UUID) ([]*Instance, error) {
	rows, err := connFor(ctx, r.pool).Query(ctx,
		`SELECT `+instanceCols+` FROM instances WHERE series_id = $1 ORDER BY instance_number, created_at`, seriesID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Instance
	for rows.Next() {
		var i Instance
		if err := rows.Scan(&i.ID, &i.SOPInstanceUID, &i.SeriesID, &i.InstanceNumber, &i.Locator,
			&i.FileSize, &i.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, &i)
	}
	return items, rows.Err()
}
