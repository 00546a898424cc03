package nzb

import (
	"encoding/xml"
	"sort"
)

type Model struct {
	XMLName xml.Name `xml:"nzb"`
	Meta    []Meta   `xml:"head>meta"`
	Files   []File   `xml:"file"`
}

type Meta struct {
	Type  string `xml:"type,attr"`
	Value string `xml:",chardata"`
}

type File struct {
	Subject  string    `xml:"subject,attr"`
	Poster   string    `xml:"poster,attr"`
	Date     int64     `xml:"date,attr"`
	Groups   []string  `xml:"groups>group"`
	Segments []Segment `xml:"segments>segment"`
}

type Segment struct {
	XMLName   xml.Name `xml:"segment"`
	Number    int      `xml:"number,attr"`
	Bytes     int64    `xml:"bytes,attr"`
	MessageID string   `xml:",chardata"`
}

// Password returns the password meta entry, if any.
func (m *Model) Password() string {
	for _, meta := range m.Meta {
		if meta.Type == "password" {
			return meta.Value
		}
	}
	return ""
}

// TotalSize is the sum of all segment sizes in the NZB.
func (m *Model) TotalSize() int64 {
	var total int64
	for i := range m.Files {
		total += m.Files[i].TotalSize()
	}
	return total
}

func (f *File) TotalSize() int64 {
	var total int64
	for _, s := range f.Segments {
		total += s.Bytes
	}
	return total
}

// MessageIDs returns the segment message-ids in part order.
func (f *File) MessageIDs() []string {
	ids := make([]string, len(f.Segments))
	for i, s := range f.Segments {
		ids[i] = s.MessageID
	}
	return ids
}

func (f *File) sortSegments() {
	sort.SliceStable(f.Segments, func(i, j int) bool {
		return f.Segments[i].Number < f.Segments[j].Number
	})
}
