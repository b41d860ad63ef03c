package dicomtag

import (
	"fmt"
	"sort"
	"strings"
)

// Tag is a (group, element) attribute address.
type Tag struct {
	Group   uint16
	Element uint16
}

func (t Tag) String() string {
	return fmt.Sprintf("(%04x,%04x)", t.Group, t.Element)
}

// Less orders tags by group, then element.
func (t Tag) Less(o Tag) bool {
	if t.Group != o.Group {
		return t.Group < o.Group
	}
	return t.Element < o.Element
}

// Element is one node of the tagged tree: either a leaf carrying Values or,
// when VR is "SQ", a sequence carrying Items.
type Element struct {
	Tag     Tag
	Keyword string
	VR      string
	Values  []string
	Items   []Dataset
}

// IsSequence reports whether the element holds nested items.
func (e Element) IsSequence() bool { return e.VR == "SQ" }

// Value returns the first value, or "".
func (e Element) Value() string {
	if len(e.Values) == 0 {
		return ""
	}
	return e.Values[0]
}

// Dataset is a list of elements. Set and SetSequence keep it in ascending
// tag order; lookups are linear, datasets here are small.
type Dataset struct {
	Elements []Element
}

// Find returns the top-level element with the given keyword.
func (d Dataset) Find(keyword string) (Element, bool) {
	for _, e := range d.Elements {
		if e.Keyword == keyword {
			return e, true
		}
	}
	return Element{}, false
}

// String returns the first value of keyword, or "" when absent.
func (d Dataset) String(keyword string) string {
	e, ok := d.Find(keyword)
	if !ok {
		return ""
	}
	return e.Value()
}

// Set inserts or replaces a leaf element defined in the dictionary.
func (d *Dataset) Set(keyword string, values ...string) {
	def := MustLookup(keyword)
	d.put(Element{Tag: def.Tag, Keyword: keyword, VR: def.VR, Values: values})
}

// SetSequence inserts or replaces a sequence element.
func (d *Dataset) SetSequence(keyword string, items ...Dataset) {
	def := MustLookup(keyword)
	d.put(Element{Tag: def.Tag, Keyword: keyword, VR: "SQ", Items: items})
}

func (d *Dataset) put(e Element) {
	i := sort.Search(len(d.Elements), func(i int) bool { return !d.Elements[i].Tag.Less(e.Tag) })
	if i < len(d.Elements) && d.Elements[i].Tag == e.Tag {
		d.Elements[i] = e
		return
	}
	d.Elements = append(d.Elements, Element{})
	copy(d.Elements[i+1:], d.Elements[i:])
	d.Elements[i] = e
}

// Definition is a dictionary entry.
type Definition struct {
	Keyword string
	Tag     Tag
	VR      string
}

// dictionary holds the attributes this bridge reads or emits.
var dictionary = []Definition{
	{"SpecificCharacterSet", Tag{0x0008, 0x0005}, "CS"},
	{"TimezoneOffsetFromUTC", Tag{0x0008, 0x0201}, "SH"},
	{"AccessionNumber", Tag{0x0008, 0x0050}, "SH"},
	{"Modality", Tag{0x0008, 0x0060}, "CS"},
	{"ReferringPhysicianName", Tag{0x0008, 0x0090}, "PN"},
	{"PatientName", Tag{0x0010, 0x0010}, "PN"},
	{"PatientID", Tag{0x0010, 0x0020}, "LO"},
	{"PatientBirthDate", Tag{0x0010, 0x0030}, "DA"},
	{"PatientSex", Tag{0x0010, 0x0040}, "CS"},
	{"StudyInstanceUID", Tag{0x0020, 0x000D}, "UI"},
	{"RequestingPhysician", Tag{0x0032, 0x1032}, "PN"},
	{"RequestedProcedureDescription", Tag{0x0032, 0x1060}, "LO"},
	{"ScheduledStationAETitle", Tag{0x0040, 0x0001}, "AE"},
	{"ScheduledProcedureStepStartDate", Tag{0x0040, 0x0002}, "DA"},
	{"ScheduledProcedureStepStartTime", Tag{0x0040, 0x0003}, "TM"},
	{"ScheduledPerformingPhysicianName", Tag{0x0040, 0x0006}, "PN"},
	{"ScheduledProcedureStepDescription", Tag{0x0040, 0x0007}, "LO"},
	{"ScheduledProcedureStepID", Tag{0x0040, 0x0009}, "SH"},
	{"ScheduledProcedureStepStatus", Tag{0x0040, 0x0020}, "CS"},
	{"ScheduledProcedureStepSequence", Tag{0x0040, 0x0100}, "SQ"},
	{"RequestedProcedureID", Tag{0x0040, 0x1001}, "SH"},
	{"RequestedProcedurePriority", Tag{0x0040, 0x1003}, "SH"},
}

var (
	byKeyword = make(map[string]Definition, len(dictionary))
	byTag     = make(map[Tag]Definition, len(dictionary))
)

func init() {
	for _, d := range dictionary {
		byKeyword[d.Keyword] = d
		byTag[d.Tag] = d
	}
}

// Lookup finds a dictionary entry by keyword.
func Lookup(keyword string) (Definition, bool) {
	d, ok := byKeyword[keyword]
	return d, ok
}

// LookupTag finds a dictionary entry by tag.
func LookupTag(t Tag) (Definition, bool) {
	d, ok := byTag[t]
	return d, ok
}

// MustLookup is Lookup for keywords known at compile time.
func MustLookup(keyword string) Definition {
	d, ok := Lookup(keyword)
	if !ok {
		panic(fmt.Sprintf("dicomtag: unknown keyword %q", keyword))
	}
	return d
}

// RenderText writes the dataset in the dump2dcm text form, one element per
// line, sequences indented with item delimiters. It is the diagnostic
// rendering used when structured encoding fails.
func RenderText(d Dataset) string {
	var sb strings.Builder
	renderText(&sb, d, 0)
	return sb.String()
}

func renderText(sb *strings.Builder, d Dataset, depth int) {
	indent := strings.Repeat("  ", depth)
	for _, e := range d.Elements {
		if e.IsSequence() {
			fmt.Fprintf(sb, "%s%s SQ # %s\n", indent, e.Tag, e.Keyword)
			for _, item := range e.Items {
				fmt.Fprintf(sb, "%s  (fffe,e000) na\n", indent)
				renderText(sb, item, depth+2)
				fmt.Fprintf(sb, "%s  (fffe,e00d) na\n", indent)
			}
			fmt.Fprintf(sb, "%s(fffe,e0dd) na\n", indent)
			continue
		}
		fmt.Fprintf(sb, "%s%s %s [%s] # %s\n", indent, e.Tag, e.VR, strings.Join(e.Values, `\`), e.Keyword)
	}
}
