package worklist

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pacs/dicombridge/internal/dicomtag"
	"github.com/pacs/dicombridge/internal/platform/blobstore"
	"github.com/pacs/dicombridge/internal/platform/dicomcodec"
)

// -- Mock Repository --

type mockOrderRepo struct {
	mu       sync.Mutex
	orders   map[uuid.UUID]*Order
	patients map[uuid.UUID]OrderPatient

	// afterList runs once, after the next ListScheduled snapshot is taken.
	afterList func()
}

func newMockOrderRepo() *mockOrderRepo {
	return &mockOrderRepo{
		orders:   make(map[uuid.UUID]*Order),
		patients: make(map[uuid.UUID]OrderPatient),
	}
}

func (m *mockOrderRepo) addPatient(p OrderPatient) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New()
	m.patients[id] = p
	return id
}

func (m *mockOrderRepo) Create(_ context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[o.PatientID]
	if !ok {
		return ErrPatientNotFound
	}
	for _, existing := range m.orders {
		if existing.AccessionNumber == o.AccessionNumber {
			return ErrAlreadyExists
		}
	}
	o.ID = uuid.New()
	o.CreatedAt = time.Now()
	o.UpdatedAt = o.CreatedAt
	o.Patient = p
	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *mockOrderRepo) GetByID(_ context.Context, id uuid.UUID) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *mockOrderRepo) GetByAccession(_ context.Context, accession string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.AccessionNumber == accession {
			cp := *o
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockOrderRepo) ListScheduled(_ context.Context) ([]*Order, error) {
	m.mu.Lock()
	var out []*Order
	for _, o := range m.orders {
		if o.Status == OrderScheduled {
			cp := *o
			out = append(out, &cp)
		}
	}
	hook := m.afterList
	m.afterList = nil
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	if hook != nil {
		hook()
	}
	return out, nil
}

func (m *mockOrderRepo) UpdateStatus(_ context.Context, id uuid.UUID, to string, check StatusCheck) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	if check != nil {
		if err := check(o.Status); err != nil {
			return nil, err
		}
	}
	o.Status = to
	o.UpdatedAt = time.Now()
	cp := *o
	return &cp, nil
}

// -- Encoders --

// failingEncoder rejects every dataset, or only the listed accessions.
type failingEncoder struct {
	only map[string]bool
	next Encoder
}

var errEncode = errors.New("encoder unavailable")

func (f failingEncoder) Encode(w io.Writer, ds dicomtag.Dataset) error {
	if f.only == nil || f.only[ds.String("AccessionNumber")] {
		return errEncode
	}
	return f.next.Encode(w, ds)
}

// -- Fixture --

type fixture struct {
	repo      *mockOrderRepo
	store     *blobstore.InMemoryBlobStore
	builder   *Builder
	scheduler *Scheduler
	svc       *Service
	patientID uuid.UUID
}

func newFixture(enc Encoder) *fixture {
	if enc == nil {
		enc = dicomcodec.New()
	}
	repo := newMockOrderRepo()
	store := blobstore.NewInMemoryBlobStore()
	builder := NewBuilder(enc, store, BuilderConfig{StationAETitle: "CT01"}, zerolog.Nop())
	builder.newUID = func() string { return "1.2.3.4" }
	scheduler := NewScheduler(repo, builder, store, 2, nil, zerolog.Nop())
	birth := time.Date(1980, 1, 15, 0, 0, 0, 0, time.UTC)
	pid := repo.addPatient(OrderPatient{MRN: "MRN-1", FirstName: "Jane", LastName: "Doe", BirthDate: &birth, Sex: "F"})
	return &fixture{
		repo:      repo,
		store:     store,
		builder:   builder,
		scheduler: scheduler,
		svc:       NewService(repo, scheduler, zerolog.Nop()),
		patientID: pid,
	}
}

func (f *fixture) newOrder(accession string) *Order {
	return &Order{
		AccessionNumber:    accession,
		PatientID:          f.patientID,
		OrderingPhysician:  "House^Gregory",
		ReferringPhysician: "Wilson^James",
		Modality:           "CT",
		StudyDescription:   "CT HEAD",
		ScheduledAt:        time.Date(2024, 3, 5, 14, 30, 0, 0, time.UTC),
		Priority:           "stat",
	}
}

// seed places an order directly in the repository, bypassing emission.
func (f *fixture) seed(accession, status string) *Order {
	o := f.newOrder(accession)
	o.Status = status
	if err := f.repo.Create(context.Background(), o); err != nil {
		panic(err)
	}
	return o
}
