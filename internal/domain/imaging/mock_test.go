package imaging

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pacs/dicombridge/internal/dicomtag"
	"github.com/pacs/dicombridge/internal/platform/orthanc"
)

// -- Mock Repositories --
//
// The mocks enforce the same unique keys as the SQL schema under a single
// mutex, so concurrent pipeline runs race exactly as they would against
// the database.

type mockStore struct {
	mu        sync.Mutex
	patients  map[string]*Patient // by MRN
	studies   map[string]*Study   // by StudyInstanceUID
	series    map[string]*Series  // by SeriesInstanceUID
	instances map[string]*Instance
	// existsDelay widens the check-then-insert window in race tests.
	existsDelay time.Duration
}

func newMockStore() *mockStore {
	return &mockStore{
		patients:  make(map[string]*Patient),
		studies:   make(map[string]*Study),
		series:    make(map[string]*Series),
		instances: make(map[string]*Instance),
	}
}

func (m *mockStore) Patients() PatientRepository   { return (*mockPatientRepo)(m) }
func (m *mockStore) Studies() StudyRepository      { return (*mockStudyRepo)(m) }
func (m *mockStore) SeriesRepo() SeriesRepository  { return (*mockSeriesRepo)(m) }
func (m *mockStore) Instances() InstanceRepository { return (*mockInstanceRepo)(m) }

func (m *mockStore) counts() (patients, studies, series, instances int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.patients), len(m.studies), len(m.series), len(m.instances)
}

type mockPatientRepo mockStore

func (r *mockPatientRepo) UpsertByMRN(_ context.Context, p *Patient) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.patients[p.MRN]; ok {
		*p = *existing
		return false, nil
	}
	p.ID = uuid.New()
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	cp := *p
	r.patients[p.MRN] = &cp
	return true, nil
}

func (r *mockPatientRepo) GetByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.patients {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, ErrNotFound
}

func (r *mockPatientRepo) GetByMRN(_ context.Context, mrn string) (*Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.patients[mrn]; ok {
		return p, nil
	}
	return nil, ErrNotFound
}

type mockStudyRepo mockStore

func (r *mockStudyRepo) ExistsByUID(_ context.Context, uid string) (bool, error) {
	r.mu.Lock()
	_, ok := r.studies[uid]
	delay := r.existsDelay
	r.mu.Unlock()
	time.Sleep(delay)
	return ok, nil
}

func (r *mockStudyRepo) CreateIfAbsent(_ context.Context, s *Study) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.studies[s.StudyInstanceUID]; ok {
		return false, nil
	}
	s.ID = uuid.New()
	if s.Status == "" {
		s.Status = StudyPending
	}
	s.CreatedAt = time.Now()
	s.UpdatedAt = s.CreatedAt
	cp := *s
	r.studies[s.StudyInstanceUID] = &cp
	return true, nil
}

func (r *mockStudyRepo) byID(id uuid.UUID) *Study {
	for _, s := range r.studies {
		if s.ID == id {
			return s
		}
	}
	return nil
}

func (r *mockStudyRepo) GetByID(_ context.Context, id uuid.UUID) (*Study, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s := r.byID(id); s != nil {
		cp := *s
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (r *mockStudyRepo) GetByUID(_ context.Context, uid string) (*Study, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.studies[uid]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (r *mockStudyRepo) List(_ context.Context, f StudyFilter, limit, offset int) ([]*StudySummary, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*StudySummary
	for _, s := range r.studies {
		if f.Modality != "" && s.Modality != f.Modality {
			continue
		}
		if f.Status != "" && s.Status != f.Status {
			continue
		}
		if f.IsPriority != nil && s.IsPriority != *f.IsPriority {
			continue
		}
		var patient *Patient
		for _, p := range r.patients {
			if p.ID == s.PatientID {
				patient = p
			}
		}
		if f.Search != "" && (patient == nil || !strings.Contains(patient.MRN+patient.LastName+s.AccessionNumber, f.Search)) {
			continue
		}
		item := &StudySummary{Study: *s}
		if patient != nil {
			item.PatientName = displayName(patient.LastName, patient.FirstName)
			item.PatientMRN = patient.MRN
		}
		for _, se := range r.series {
			if se.StudyID == s.ID {
				item.SeriesCount++
			}
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StudyInstanceUID < out[j].StudyInstanceUID })
	total := len(out)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return out[offset:end], total, nil
}

func (r *mockStudyRepo) UpdateStatus(_ context.Context, id uuid.UUID, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.byID(id)
	if s == nil {
		return ErrNotFound
	}
	s.Status = status
	return nil
}

func (r *mockStudyRepo) SetPriority(_ context.Context, id uuid.UUID, priority bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.byID(id)
	if s == nil {
		return ErrNotFound
	}
	s.IsPriority = priority
	return nil
}

type mockSeriesRepo mockStore

func (r *mockSeriesRepo) CreateIfAbsent(_ context.Context, s *Series) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.series[s.SeriesInstanceUID]; ok {
		return false, nil
	}
	s.ID = uuid.New()
	cp := *s
	r.series[s.SeriesInstanceUID] = &cp
	return true, nil
}

func (r *mockSeriesRepo) ListByStudy(_ context.Context, studyID uuid.UUID) ([]*Series, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Series
	for _, s := range r.series {
		if s.StudyID == studyID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SeriesNumber < out[j].SeriesNumber })
	return out, nil
}

type mockInstanceRepo mockStore

func (r *mockInstanceRepo) CreateIfAbsent(_ context.Context, i *Instance) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.instances[i.SOPInstanceUID]; ok {
		return false, nil
	}
	i.ID = uuid.New()
	cp := *i
	r.instances[i.SOPInstanceUID] = &cp
	return true, nil
}

func (r *mockInstanceRepo) ListBySeries(_ context.Context, seriesID uuid.UUID) ([]*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Instance
	for _, i := range r.instances {
		if i.SeriesID == seriesID {
			out = append(out, i)
		}
	}
	return out, nil
}

// -- Fake Archive --

type fakeArchive struct {
	mu        sync.Mutex
	resources map[string]*orthanc.Resource
	fetches   map[string]int
}

func newFakeArchive() *fakeArchive {
	return &fakeArchive{resources: make(map[string]*orthanc.Resource), fetches: make(map[string]int)}
}

func (a *fakeArchive) get(id string) (*orthanc.Resource, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fetches[id]++
	r, ok := a.resources[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", orthanc.ErrNotFound, id)
	}
	return r, nil
}

func (a *fakeArchive) FetchStudy(_ context.Context, id string) (*orthanc.Resource, error) {
	return a.get(id)
}

func (a *fakeArchive) FetchSeries(_ context.Context, id string) (*orthanc.Resource, error) {
	return a.get(id)
}

func (a *fakeArchive) FetchInstance(_ context.Context, id string) (*orthanc.Resource, error) {
	return a.get(id)
}

// addStudy registers a study with nSeries series of nInstances instances
// each. Ids are derived from archiveID so studies never collide.
func (a *fakeArchive) addStudy(archiveID, studyUID, mrn string, nSeries, nInstances int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	study := &orthanc.Resource{
		ID:   archiveID,
		Type: orthanc.ResourceStudy,
		MainAttributes: dicomtag.Attributes{
			"StudyInstanceUID": studyUID,
			"StudyDate":        "20240305",
			"StudyDescription": "CT HEAD",
			"AccessionNumber":  "ACC-" + archiveID,
			"Modality":         "CT",
		},
		PatientAttributes: dicomtag.Attributes{
			"PatientID":        mrn,
			"PatientName":      "Doe^Jane",
			"PatientBirthDate": "19800115",
			"PatientSex":       "F",
		},
		ParentID: "p-" + mrn,
	}
	for s := 1; s <= nSeries; s++ {
		seriesID := fmt.Sprintf("%s-se%d", archiveID, s)
		series := &orthanc.Resource{
			ID:   seriesID,
			Type: orthanc.ResourceSeries,
			MainAttributes: dicomtag.Attributes{
				"SeriesInstanceUID": fmt.Sprintf("%s.%d", studyUID, s),
				"SeriesNumber":      fmt.Sprint(s),
				"BodyPartExamined":  "HEAD",
			},
			ParentID: archiveID,
		}
		for i := 1; i <= nInstances; i++ {
			instID := fmt.Sprintf("%s-i%d", seriesID, i)
			a.resources[instID] = &orthanc.Resource{
				ID:   instID,
				Type: orthanc.ResourceInstance,
				MainAttributes: dicomtag.Attributes{
					"SOPInstanceUID": fmt.Sprintf("%s.%d.%d", studyUID, s, i),
					"InstanceNumber": fmt.Sprint(i),
				},
				FileSize: 1024,
				ParentID: seriesID,
			}
			series.Children = append(series.Children, instID)
		}
		a.resources[seriesID] = series
		study.Children = append(study.Children, seriesID)
	}
	a.resources[archiveID] = study
}

func (a *fakeArchive) remove(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.resources, id)
}

func (a *fakeArchive) study(id string) *orthanc.Resource {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.resources[id]
}
