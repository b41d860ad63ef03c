package dicomtag

import (
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
)

// UnspecifiedSex is emitted when the patient's sex is unknown.
const UnspecifiedSex = "O"

// DefaultStationAETitle is the scheduled station when none is configured.
const DefaultStationAETitle = "PACS"

// WorklistFields is the typed input for one Modality Worklist item.
type WorklistFields struct {
	AccessionNumber      string
	PatientMRN           string
	PatientFamilyName    string
	PatientGivenName     string
	PatientBirthDate     time.Time
	PatientSex           string
	Modality             string
	StationAETitle       string
	ScheduledAt          time.Time // wall clock in the site zone
	PerformingPhysician  string
	ReferringPhysician   string
	RequestingPhysician  string
	ProcedureDescription string
	Priority             string
}

// UIDFunc generates a globally unique identifier for the emitted study.
type UIDFunc func() string

// NewUID returns a UUID-derived UID under the 2.25 root (ISO/IEC 9834-8).
func NewUID() string {
	u := uuid.New()
	n := new(big.Int).SetBytes(u[:])
	return "2.25." + n.String()
}

// WorklistDataset maps one scheduled order onto the Modality Worklist
// tree: patient identification, a single scheduled procedure step item,
// the requested procedure and the imaging service request. The study gets
// a fresh UID because the archive has not assigned one yet.
func WorklistDataset(f WorklistFields, newUID UIDFunc) Dataset {
	if newUID == nil {
		newUID = NewUID
	}
	sex := strings.ToUpper(strings.TrimSpace(f.PatientSex))
	if sex == "" {
		sex = UnspecifiedSex
	}
	station := f.StationAETitle
	if station == "" {
		station = DefaultStationAETitle
	}

	var step Dataset
	step.Set("Modality", f.Modality)
	step.Set("ScheduledStationAETitle", station)
	step.Set("ScheduledProcedureStepStartDate", FormatDate(f.ScheduledAt))
	step.Set("ScheduledProcedureStepStartTime", FormatTime(f.ScheduledAt))
	step.Set("ScheduledPerformingPhysicianName", f.PerformingPhysician)
	step.Set("ScheduledProcedureStepDescription", f.ProcedureDescription)
	step.Set("ScheduledProcedureStepID", f.AccessionNumber)

	var ds Dataset
	ds.Set("SpecificCharacterSet", "ISO_IR 100")
	if off := FormatZoneOffset(f.ScheduledAt); off != "" {
		ds.Set("TimezoneOffsetFromUTC", off)
	}
	ds.Set("PatientName", JoinPersonName(f.PatientFamilyName, f.PatientGivenName))
	ds.Set("PatientID", f.PatientMRN)
	ds.Set("PatientBirthDate", FormatDate(f.PatientBirthDate))
	ds.Set("PatientSex", sex)
	ds.SetSequence("ScheduledProcedureStepSequence", step)
	ds.Set("RequestedProcedureID", f.AccessionNumber)
	ds.Set("RequestedProcedureDescription", f.ProcedureDescription)
	ds.Set("RequestedProcedurePriority", strings.ToUpper(f.Priority))
	ds.Set("AccessionNumber", f.AccessionNumber)
	ds.Set("ReferringPhysicianName", f.ReferringPhysician)
	ds.Set("RequestingPhysician", f.RequestingPhysician)
	ds.Set("StudyInstanceUID", newUID())
	return ds
}

// ScheduledStep returns the first scheduled procedure step item.
func ScheduledStep(ds Dataset) (Dataset, bool) {
	seq, ok := ds.Find("ScheduledProcedureStepSequence")
	if !ok || len(seq.Items) == 0 {
		return Dataset{}, false
	}
	return seq.Items[0], true
}

// ScheduledAt recovers the scheduled date/time from a worklist tree. The
// step's date and time are wall-clock values in the zone named by
// TimezoneOffsetFromUTC; without it they are read as UTC.
func ScheduledAt(ds Dataset) (time.Time, error) {
	step, _ := ScheduledStep(ds)
	at, err := ParseDateTime(step.String("ScheduledProcedureStepStartDate"), step.String("ScheduledProcedureStepStartTime"))
	if err != nil {
		return time.Time{}, err
	}
	off := ds.String("TimezoneOffsetFromUTC")
	if off == "" {
		return at, nil
	}
	loc, err := ParseZoneOffset(off)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(at.Year(), at.Month(), at.Day(), at.Hour(), at.Minute(), at.Second(), 0, loc), nil
}
