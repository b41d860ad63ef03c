// Package dicomtag translates between the archive's flat attribute
// dictionaries and typed domain values, and builds the tagged tree for
// Modality Worklist items. Nothing in this package performs I/O.
package dicomtag

import (
	"strconv"
	"strings"
)

// Attributes is a keyword-to-value dictionary as reported by the archive
// (e.g. Orthanc's MainDicomTags). Every accessor is total: a missing
// keyword yields the zero value, never an error.
type Attributes map[string]string

// Get returns the trimmed value for keyword, or "" when absent.
func (a Attributes) Get(keyword string) string {
	if a == nil {
		return ""
	}
	return strings.TrimSpace(a[keyword])
}

// Has reports whether keyword is present with a non-blank value.
func (a Attributes) Has(keyword string) bool {
	return a.Get(keyword) != ""
}

// Int parses an integer string (IS) value; absent or malformed values yield 0.
func (a Attributes) Int(keyword string) int {
	n, err := strconv.Atoi(a.Get(keyword))
	if err != nil {
		return 0
	}
	return n
}

// Common archive keywords.
const (
	KeywordPatientID         = "PatientID"
	KeywordPatientName       = "PatientName"
	KeywordPatientBirthDate  = "PatientBirthDate"
	KeywordPatientSex        = "PatientSex"
	KeywordStudyInstanceUID  = "StudyInstanceUID"
	KeywordStudyDate         = "StudyDate"
	KeywordStudyDescription  = "StudyDescription"
	KeywordAccessionNumber   = "AccessionNumber"
	KeywordModality          = "Modality"
	KeywordSeriesInstanceUID = "SeriesInstanceUID"
	KeywordSeriesNumber      = "SeriesNumber"
	KeywordSeriesDescription = "SeriesDescription"
	KeywordBodyPartExamined  = "BodyPartExamined"
	KeywordSOPInstanceUID    = "SOPInstanceUID"
	KeywordInstanceNumber    = "InstanceNumber"
)
