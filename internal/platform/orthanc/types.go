package orthanc

import "github.com/pacs/dicombridge/internal/dicomtag"

// ResourceType names the archive's resource levels.
type ResourceType string

const (
	ResourcePatient  ResourceType = "Patient"
	ResourceStudy    ResourceType = "Study"
	ResourceSeries   ResourceType = "Series"
	ResourceInstance ResourceType = "Instance"
)

// Resource is the archive's metadata for one node of the
// patient → study → series → instance hierarchy.
type Resource struct {
	ID                string
	Type              ResourceType
	MainAttributes    dicomtag.Attributes
	PatientAttributes dicomtag.Attributes // studies only
	Children          []string
	ParentID          string
	FileSize          int64 // instances only
	IsStable          bool
	LastUpdate        string
}

// resourceJSON mirrors the archive's GET /{level}/{id} response. Only one of
// the child lists and one of the parent ids is populated per level.
type resourceJSON struct {
	ID                   string            `json:"ID"`
	Type                 string            `json:"Type"`
	MainDicomTags        map[string]string `json:"MainDicomTags"`
	PatientMainDicomTags map[string]string `json:"PatientMainDicomTags"`
	Studies              []string          `json:"Studies"`
	Series               []string          `json:"Series"`
	Instances            []string          `json:"Instances"`
	ParentPatient        string            `json:"ParentPatient"`
	ParentStudy          string            `json:"ParentStudy"`
	ParentSeries         string            `json:"ParentSeries"`
	FileSize             int64             `json:"FileSize"`
	IsStable             bool              `json:"IsStable"`
	LastUpdate           string            `json:"LastUpdate"`
}

func (r resourceJSON) toResource(level ResourceType) *Resource {
	out := &Resource{
		ID:                r.ID,
		Type:              level,
		MainAttributes:    dicomtag.Attributes(r.MainDicomTags),
		PatientAttributes: dicomtag.Attributes(r.PatientMainDicomTags),
		FileSize:          r.FileSize,
		IsStable:          r.IsStable,
		LastUpdate:        r.LastUpdate,
	}
	if out.MainAttributes == nil {
		out.MainAttributes = dicomtag.Attributes{}
	}
	if out.PatientAttributes == nil {
		out.PatientAttributes = dicomtag.Attributes{}
	}
	switch level {
	case ResourcePatient:
		out.Children = r.Studies
	case ResourceStudy:
		out.Children, out.ParentID = r.Series, r.ParentPatient
	case ResourceSeries:
		out.Children, out.ParentID = r.Instances, r.ParentStudy
	case ResourceInstance:
		out.ParentID = r.ParentSeries
	}
	return out
}
