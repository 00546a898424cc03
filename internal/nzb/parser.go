package nzb

import (
	"encoding/xml"
	"errors"
	"fmt"
	"html"
	"io"
	"os"
	"regexp"
	"strings"
)

var ErrEmpty = errors.New("nzb contains no files")

// Parse decodes an NZB document. Segments are sorted by number, duplicate
// segment numbers are dropped and message-ids are trimmed.
func Parse(r io.Reader) (*Model, error) {
	var m Model
	decoder := xml.NewDecoder(r)
	// NZB files in the wild declare all sorts of encodings
	decoder.CharsetReader = func(_ string, in io.Reader) (io.Reader, error) { return in, nil }
	if err := decoder.Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to decode nzb: %w", err)
	}

	files := m.Files[:0]
	for _, f := range m.Files {
		f.sortSegments()

		segs := f.Segments[:0]
		last := -1
		for _, s := range f.Segments {
			s.MessageID = strings.Trim(strings.TrimSpace(s.MessageID), "<>")
			if s.MessageID == "" || s.Number == last {
				continue
			}
			last = s.Number
			segs = append(segs, s)
		}
		f.Segments = segs

		if len(f.Segments) > 0 {
			files = append(files, f)
		}
	}
	m.Files = files

	if len(m.Files) == 0 {
		return nil, ErrEmpty
	}
	return &m, nil
}

func ParseFile(path string) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

var (
	reYenc    = regexp.MustCompile(`(?i)\s+yenc.*$`)
	reLead    = regexp.MustCompile(`^\[\d+/\d+\]\s+`)
	reCounter = regexp.MustCompile(`\s*\(\d+/\d+\)\s*$`)
	badChars  = regexp.MustCompile(`[\\/:*?"<>|]`)
)

// FileName guesses the posted file name from the subject.
func (f *File) FileName() string {
	res := html.UnescapeString(f.Subject)

	// Pattern A: contents inside double quotes
	firstQuote := strings.Index(res, "\"")
	lastQuote := strings.LastIndex(res, "\"")
	if firstQuote != -1 && lastQuote != -1 && firstQuote < lastQuote {
		res = res[firstQuote+1 : lastQuote]
	} else {
		// Pattern B: strip counters and the yEnc suffix
		res = reYenc.ReplaceAllString(res, "")
		res = reCounter.ReplaceAllString(res, "")
		res = reLead.ReplaceAllString(res, "")
	}

	res = badChars.ReplaceAllString(res, "_")
	return strings.TrimSpace(res)
}
