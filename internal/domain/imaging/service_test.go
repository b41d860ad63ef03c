package imaging

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func seededService(t *testing.T) (*Service, *mockStore) {
	t.Helper()
	archive := newFakeArchive()
	archive.addStudy("s1", "1.2.840.1", "MRN-1", 2, 2)
	archive.addStudy("s2", "1.2.840.2", "MRN-2", 1, 1)
	store := newMockStore()
	p := newTestPipeline(archive, store)
	for _, id := range []string{"s1", "s2"} {
		if _, err := p.Ingest(context.Background(), id); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}
	return NewService(store.Patients(), store.Studies(), store.SeriesRepo(), store.Instances()), store
}

func TestValidateStudyTransition(t *testing.T) {
	tests := []struct {
		from, to string
		ok       bool
	}{
		{StudyPending, StudyInProgress, true},
		{StudyPending, StudyReported, true},
		{StudyInProgress, StudyReported, true},
		{StudyReported, StudyFinalized, true},
		{StudyPending, StudyFinalized, false},
		{StudyFinalized, StudyPending, false},
		{StudyInProgress, StudyPending, false},
		{"Bogus", StudyPending, false},
	}
	for _, tt := range tests {
		err := ValidateStudyTransition(tt.from, tt.to)
		if tt.ok && err != nil {
			t.Errorf("%s -> %s: unexpected error %v", tt.from, tt.to, err)
		}
		if !tt.ok && !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("%s -> %s: expected ErrInvalidTransition, got %v", tt.from, tt.to, err)
		}
	}
}

func TestService_GetStudyDetail(t *testing.T) {
	svc, store := seededService(t)
	id := store.studies["1.2.840.1"].ID

	d, err := svc.GetStudy(context.Background(), id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Patient == nil || d.Patient.MRN != "MRN-1" {
		t.Errorf("unexpected patient %+v", d.Patient)
	}
	if len(d.Series) != 2 || len(d.Series[0].Instances) != 2 {
		t.Fatalf("unexpected series tree %+v", d.Series)
	}
	if d.Series[0].SeriesNumber != 1 {
		t.Errorf("expected series ordered by number, got %d first", d.Series[0].SeriesNumber)
	}

	byUID, err := svc.GetStudyByUID(context.Background(), "1.2.840.1")
	if err != nil || byUID.ID != id {
		t.Errorf("lookup by uid: %v %+v", err, byUID)
	}
	if _, err := svc.GetStudy(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := svc.GetStudyByUID(context.Background(), ""); err == nil {
		t.Error("expected error for empty uid")
	}
}

func TestService_UpdateStudyStatus(t *testing.T) {
	svc, store := seededService(t)
	id := store.studies["1.2.840.1"].ID
	ctx := context.Background()

	st, err := svc.UpdateStudyStatus(ctx, id, StudyInProgress)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.Status != StudyInProgress || store.studies["1.2.840.1"].Status != StudyInProgress {
		t.Errorf("status not applied")
	}
	if _, err := svc.UpdateStudyStatus(ctx, id, StudyFinalized); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := svc.UpdateStudyStatus(ctx, uuid.New(), StudyReported); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestService_SetPriorityAndList(t *testing.T) {
	svc, store := seededService(t)
	id := store.studies["1.2.840.2"].ID
	ctx := context.Background()

	st, err := svc.SetStudyPriority(ctx, id, true)
	if err != nil || !st.IsPriority {
		t.Fatalf("set priority: %v %+v", err, st)
	}

	yes := true
	items, total, err := svc.ListStudies(ctx, StudyFilter{IsPriority: &yes}, 20, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || items[0].StudyInstanceUID != "1.2.840.2" {
		t.Errorf("expected only the priority study, got %d items", total)
	}
	if items[0].PatientName != "Doe, Jane" || items[0].SeriesCount != 1 {
		t.Errorf("unexpected summary %+v", items[0])
	}

	if _, err := svc.SetStudyPriority(ctx, uuid.New(), true); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDisplayName(t *testing.T) {
	tests := map[[2]string]string{
		{"Doe", "Jane"}: "Doe, Jane",
		{"Doe", ""}:     "Doe",
		{"", "Jane"}:    "Jane",
		{"", ""}:        "",
	}
	for in, want := range tests {
		if got := displayName(in[0], in[1]); got != want {
			t.Errorf("displayName(%q, %q) = %q, want %q", in[0], in[1], got, want)
		}
	}
}
