// Package dicomcodec converts the bridge's tagged tree to and from DICOM
// Part 10 files using github.com/suyashkumar/dicom.
package dicomcodec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/pacs/dicombridge/internal/dicomtag"
)

const (
	// ExplicitVRLittleEndian is the transfer syntax every worklist file uses.
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"
	// ModalityWorklistFind is the SOP class recorded in the file meta group.
	ModalityWorklistFind = "1.2.840.10008.5.1.4.31"
	// implementationClassUID identifies this writer in the file meta group.
	implementationClassUID = "1.2.826.0.1.3680043.8.498.7"
)

var ErrEmptyDataset = errors.New("dataset has no elements")

// Codec encodes worklist trees as DICOM Part 10 files.
type Codec struct{}

// New returns a Codec.
func New() Codec { return Codec{} }

// Encode writes ds to w with a file meta group. The study UID, when present,
// doubles as the media storage instance UID.
func (Codec) Encode(w io.Writer, ds dicomtag.Dataset) (err error) {
	if len(ds.Elements) == 0 {
		return ErrEmptyDataset
	}
	// NewElement panics on some malformed values; surface those as errors.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("encode dataset: %v", r)
		}
	}()

	instanceUID := ds.String("StudyInstanceUID")
	if instanceUID == "" {
		instanceUID = dicomtag.NewUID()
	}

	out := dicom.Dataset{}
	meta := []struct {
		t tag.Tag
		v any
	}{
		{tag.FileMetaInformationVersion, []byte{0x00, 0x01}},
		{tag.MediaStorageSOPClassUID, []string{ModalityWorklistFind}},
		{tag.MediaStorageSOPInstanceUID, []string{instanceUID}},
		{tag.TransferSyntaxUID, []string{ExplicitVRLittleEndian}},
		{tag.ImplementationClassUID, []string{implementationClassUID}},
	}
	for _, m := range meta {
		el, err := dicom.NewElement(m.t, m.v)
		if err != nil {
			return fmt.Errorf("meta element %v: %w", m.t, err)
		}
		out.Elements = append(out.Elements, el)
	}

	body, err := toElements(ds)
	if err != nil {
		return err
	}
	out.Elements = append(out.Elements, body...)

	if err := dicom.Write(w, out); err != nil {
		return fmt.Errorf("write dataset: %w", err)
	}
	return nil
}

func toElements(ds dicomtag.Dataset) ([]*dicom.Element, error) {
	elements := make([]*dicom.Element, 0, len(ds.Elements))
	for _, e := range ds.Elements {
		t := tag.Tag{Group: e.Tag.Group, Element: e.Tag.Element}
		var data any
		if e.IsSequence() {
			items := make([][]*dicom.Element, 0, len(e.Items))
			for _, item := range e.Items {
				children, err := toElements(item)
				if err != nil {
					return nil, err
				}
				items = append(items, children)
			}
			data = items
		} else {
			values := e.Values
			if len(values) == 0 {
				values = []string{""}
			}
			data = values
		}
		el, err := dicom.NewElement(t, data)
		if err != nil {
			return nil, fmt.Errorf("element %s %s: %w", e.Tag, e.Keyword, err)
		}
		elements = append(elements, el)
	}
	// Part 10 requires ascending tag order within every dataset and item.
	sort.Slice(elements, func(i, j int) bool {
		if elements[i].Tag.Group != elements[j].Tag.Group {
			return elements[i].Tag.Group < elements[j].Tag.Group
		}
		return elements[i].Tag.Element < elements[j].Tag.Element
	})
	return elements, nil
}

// Decode parses a Part 10 stream back into a tree. Elements outside the
// bridge's dictionary, including the file meta group, are dropped.
func (Codec) Decode(r io.Reader) (dicomtag.Dataset, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return dicomtag.Dataset{}, fmt.Errorf("read dataset: %w", err)
	}
	parsed, err := dicom.Parse(bytes.NewReader(raw), int64(len(raw)), nil)
	if err != nil {
		return dicomtag.Dataset{}, fmt.Errorf("parse dataset: %w", err)
	}
	return fromElements(parsed.Elements), nil
}

func fromElements(elements []*dicom.Element) dicomtag.Dataset {
	var ds dicomtag.Dataset
	for _, el := range elements {
		def, ok := dicomtag.LookupTag(dicomtag.Tag{Group: el.Tag.Group, Element: el.Tag.Element})
		if !ok {
			continue
		}
		out := dicomtag.Element{Tag: def.Tag, Keyword: def.Keyword, VR: def.VR}
		switch v := el.Value.GetValue().(type) {
		case []string:
			for _, s := range v {
				out.Values = append(out.Values, strings.TrimRight(s, " \x00"))
			}
		case []*dicom.SequenceItemValue:
			for _, item := range v {
				children, _ := item.GetValue().([]*dicom.Element)
				out.Items = append(out.Items, fromElements(children))
			}
		}
		ds.Elements = append(ds.Elements, out)
	}
	return ds
}
