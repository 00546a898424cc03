package nntp

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// PostingStatus of a group as reported by LIST.
type PostingStatus byte

const (
	PostingUnknown      = PostingStatus(0)
	PostingPermitted    = PostingStatus('y')
	PostingNotPermitted = PostingStatus('n')
	PostingModerated    = PostingStatus('m')
)

func (ps PostingStatus) String() string {
	if ps == PostingUnknown {
		return "?"
	}
	return fmt.Sprintf("%c", ps)
}

type Group struct {
	Name    string
	Count   uint64
	High    uint64
	Low     uint64
	Posting PostingStatus
}

// Overview is one XOVER record.
type Overview struct {
	Number     uint64 `json:"number"`
	Subject    string `json:"subject"`
	Author     string `json:"author"`
	Date       string `json:"date"`
	MessageID  string `json:"message_id"`
	References string `json:"references"`
	Bytes      int64  `json:"bytes"`
	Lines      int64  `json:"lines"`
	Xref       string `json:"xref,omitempty"`
}

// ParseOverview parses a tab separated overview line. Unparseable byte or
// line counts are left at zero.
func ParseOverview(line string) (Overview, error) {
	fields := strings.Split(strings.TrimRight(line, "\r\n"), "\t")
	if len(fields) < 8 {
		return Overview{}, fmt.Errorf("%w: overview has %d fields", ErrProtocol, len(fields))
	}

	num, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return Overview{}, fmt.Errorf("%w: bad article number %q", ErrProtocol, fields[0])
	}

	ov := Overview{
		Number:     num,
		Subject:    fields[1],
		Author:     fields[2],
		Date:       fields[3],
		MessageID:  fields[4],
		References: fields[5],
	}
	ov.Bytes, _ = strconv.ParseInt(fields[6], 10, 64)
	ov.Lines, _ = strconv.ParseInt(fields[7], 10, 64)

	for _, extra := range fields[8:] {
		if v, ok := strings.CutPrefix(extra, "Xref: "); ok {
			ov.Xref = v
		}
	}
	return ov, nil
}

// ParseOverviews parses an XOVER payload, skipping malformed lines.
func ParseOverviews(body []byte) ([]Overview, int) {
	var out []Overview
	skipped := 0

	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		ov, err := ParseOverview(sc.Text())
		if err != nil {
			skipped++
			continue
		}
		out = append(out, ov)
	}
	return out, skipped
}

// ParseGroupInfo parses a GROUP response line "211 count low high name".
func ParseGroupInfo(line string) (Group, error) {
	fields := strings.Fields(line)
	if len(fields) < 5 || fields[0] != "211" {
		return Group{}, fmt.Errorf("%w: bad group response %q", ErrProtocol, line)
	}

	var g Group
	var err error
	if g.Count, err = strconv.ParseUint(fields[1], 10, 64); err != nil {
		return Group{}, fmt.Errorf("%w: bad count in %q", ErrProtocol, line)
	}
	if g.Low, err = strconv.ParseUint(fields[2], 10, 64); err != nil {
		return Group{}, fmt.Errorf("%w: bad low mark in %q", ErrProtocol, line)
	}
	if g.High, err = strconv.ParseUint(fields[3], 10, 64); err != nil {
		return Group{}, fmt.Errorf("%w: bad high mark in %q", ErrProtocol, line)
	}
	g.Name = fields[4]
	return g, nil
}

// ParseListLine parses one LIST ACTIVE line "name high low status".
func ParseListLine(line string) (Group, error) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return Group{}, fmt.Errorf("%w: bad list line %q", ErrProtocol, line)
	}

	g := Group{Name: fields[0]}
	var err error
	if g.High, err = strconv.ParseUint(fields[1], 10, 64); err != nil {
		return Group{}, fmt.Errorf("%w: bad high mark in %q", ErrProtocol, line)
	}
	if g.Low, err = strconv.ParseUint(fields[2], 10, 64); err != nil {
		return Group{}, fmt.Errorf("%w: bad low mark in %q", ErrProtocol, line)
	}
	if g.High >= g.Low {
		g.Count = g.High - g.Low + 1
	}
	if len(fields) > 3 && len(fields[3]) > 0 {
		g.Posting = PostingStatus(fields[3][0])
	}
	return g, nil
}

// ParseList parses a LIST payload, skipping malformed lines.
func ParseList(body []byte) []Group {
	var out []Group
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		g, err := ParseListLine(sc.Text())
		if err != nil {
			continue
		}
		out = append(out, g)
	}
	return out
}
