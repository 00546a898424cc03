package cmdlist

import (
	"fmt"
	"sync/atomic"

	"github.com/datallboy/nzbengine/internal/nntp"
)

// DefaultMaxRounds is the first fetch plus two refills.
const DefaultMaxRounds = 3

type Kind int

const (
	KindMessages Kind = iota
	KindListing
	KindGroupInfo
	KindOverview
)

func (k Kind) String() string {
	switch k {
	case KindListing:
		return "listing"
	case KindGroupInfo:
		return "groupinfo"
	case KindOverview:
		return "overview"
	default:
		return "messages"
	}
}

// Messages names article bodies to fetch. Any of the groups will do, the
// first one the server carries is selected before the bodies are requested.
type Messages struct {
	Groups  []string
	Numbers []string
}

// Range is an inclusive article number range.
type Range struct {
	First uint64
	Last  uint64
}

func (r Range) String() string { return fmt.Sprintf("%d-%d", r.First, r.Last) }

// CmdList is a batch of requests executed on one connection at a time.
// Every request item owns one buffer; a refill round re-requests only the
// items that didn't get a final answer.
type CmdList struct {
	kind     Kind
	messages Messages
	group    string
	ranges   []Range

	buffers   []*nntp.Buffer
	inflight  []int
	rounds    int
	maxRounds int
	canceled  atomic.Bool
}

type Option func(*CmdList)

// WithMaxRounds caps the number of data rounds. Values below 1 are ignored.
func WithMaxRounds(n int) Option {
	return func(c *CmdList) {
		if n > 0 {
			c.maxRounds = n
		}
	}
}

func newList(kind Kind, opts []Option) *CmdList {
	c := &CmdList{kind: kind, maxRounds: DefaultMaxRounds}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func NewMessages(m Messages, opts ...Option) *CmdList {
	c := newList(KindMessages, opts)
	c.messages = m
	return c
}

func NewListing(opts ...Option) *CmdList {
	return newList(KindListing, opts)
}

func NewGroupInfo(group string, opts ...Option) *CmdList {
	c := newList(KindGroupInfo, opts)
	c.group = group
	return c
}

func NewOverview(group string, ranges []Range, opts ...Option) *CmdList {
	c := newList(KindOverview, opts)
	c.group = group
	c.ranges = ranges
	return c
}

func (c *CmdList) Kind() Kind         { return c.kind }
func (c *CmdList) Messages() Messages { return c.messages }
func (c *CmdList) Group() string      { return c.group }
func (c *CmdList) Ranges() []Range    { return c.ranges }
func (c *CmdList) Rounds() int        { return c.rounds }
func (c *CmdList) MaxRounds() int     { return c.maxRounds }

// Buffers returns one buffer per request item once the first round was
// submitted.
func (c *CmdList) Buffers() []*nntp.Buffer { return c.buffers }

func (c *CmdList) Cancel()          { c.canceled.Store(true) }
func (c *CmdList) IsCanceled() bool { return c.canceled.Load() }

func (c *CmdList) items() int {
	switch c.kind {
	case KindMessages:
		return len(c.messages.Numbers)
	case KindOverview:
		return len(c.ranges)
	default:
		return 1
	}
}

func (c *CmdList) NeedsToConfigure() bool {
	switch c.kind {
	case KindMessages:
		return len(c.messages.Groups) > 0
	case KindOverview:
		return true
	default:
		return false
	}
}

// SubmitConfigureCommand queues the i-th group selection. It returns false
// when there are no more groups to try.
func (c *CmdList) SubmitConfigureCommand(i int, s *nntp.Session) bool {
	switch c.kind {
	case KindMessages:
		if i >= len(c.messages.Groups) {
			return false
		}
		s.ChangeGroup(c.messages.Groups[i])
		return true
	case KindOverview:
		if i > 0 {
			return false
		}
		s.ChangeGroup(c.group)
		return true
	}
	return false
}

// ReceiveConfigureBuffer reports whether the i-th group selection
// succeeded.
func (c *CmdList) ReceiveConfigureBuffer(i int, b *nntp.Buffer) bool {
	return b.Status() == nntp.StatusSuccess
}

func final(b *nntp.Buffer) bool {
	s := b.Status()
	return s == nntp.StatusSuccess || s == nntp.StatusDMCA
}

// Missing returns the indices that have no final answer yet.
func (c *CmdList) Missing() []int {
	if c.buffers == nil {
		idx := make([]int, c.items())
		for i := range idx {
			idx[i] = i
		}
		return idx
	}

	var idx []int
	for i, b := range c.buffers {
		if !final(b) {
			idx = append(idx, i)
		}
	}
	return idx
}

// Complete reports whether every item got a final answer.
func (c *CmdList) Complete() bool {
	return c.buffers != nil && len(c.Missing()) == 0
}

// SubmitDataCommands queues the next data round: every item on the first
// round, afterwards only the missing ones. It returns false when nothing
// was queued because the list is canceled, complete or out of rounds.
func (c *CmdList) SubmitDataCommands(s *nntp.Session) bool {
	if c.IsCanceled() || c.rounds >= c.maxRounds {
		return false
	}

	if c.buffers == nil {
		c.buffers = make([]*nntp.Buffer, c.items())
		for i := range c.buffers {
			c.buffers[i] = nntp.NewBuffer(0)
		}
	}

	missing := c.Missing()
	if len(missing) == 0 {
		return false
	}

	for _, i := range missing {
		switch c.kind {
		case KindMessages:
			s.RetrieveArticle(c.messages.Numbers[i])
		case KindListing:
			s.RetrieveList()
		case KindGroupInfo:
			s.RetrieveGroupInfo(c.group)
		case KindOverview:
			s.RetrieveHeaders(c.ranges[i].First, c.ranges[i].Last)
		}
	}

	c.inflight = missing
	c.rounds++
	return true
}

// ReceiveDataBuffer stores a response in the slot of the oldest request
// still in flight.
func (c *CmdList) ReceiveDataBuffer(b *nntp.Buffer) {
	if len(c.inflight) == 0 {
		return
	}
	i := c.inflight[0]
	c.inflight = c.inflight[1:]
	c.buffers[i] = b
}
