package engine

import (
	"context"
	"fmt"

	"github.com/datallboy/nzbengine/internal/action"
	"github.com/datallboy/nzbengine/internal/cmdlist"
	"github.com/datallboy/nzbengine/internal/nntp"
)

// overviewChunk is the number of articles asked for in one XOVER.
const overviewChunk = 5000

// catalogOwner pins catalog writes to one worker, sqlite takes one writer.
const catalogOwner = ^uint64(0)

// collectJob keeps finalized batches for the caller.
type collectJob struct {
	done []*batch
}

func (j *collectJob) finalize(_ *runner, b *batch)           { j.done = append(j.done, b) }
func (j *collectJob) handle(_ *runner, _ action.Action) bool { return false }
func (j *collectJob) idle() bool                             { return true }

// single runs one request on one connection of the first server that
// answers it and returns the response buffer.
func (e *Engine) single(ctx context.Context, cl *cmdlist.CmdList) (*nntp.Buffer, error) {
	j := &collectJob{}
	if err := e.run(ctx, j, []*batch{newBatch(cl)}, 1); err != nil {
		return nil, err
	}
	if len(j.done) == 0 {
		return nil, ErrUnavailable
	}
	bufs := j.done[0].cl.Buffers()
	if len(bufs) == 0 || bufs[0].Status() != nntp.StatusSuccess {
		return nil, ErrUnavailable
	}
	return bufs[0], nil
}

// List returns the active newsgroups.
func (e *Engine) List(ctx context.Context) ([]nntp.Group, error) {
	buf, err := e.single(ctx, cmdlist.NewListing(e.rounds()))
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	return nntp.ParseList(buf.Content()), nil
}

// GroupInfo returns article count and water marks of group.
func (e *Engine) GroupInfo(ctx context.Context, group string) (nntp.Group, error) {
	buf, err := e.single(ctx, cmdlist.NewGroupInfo(group, e.rounds()))
	if err != nil {
		return nntp.Group{}, fmt.Errorf("group %s: %w", group, err)
	}
	return nntp.ParseGroupInfo(string(buf.Content()))
}

// headersJob parses overview buffers and appends them to the catalog, one
// store action per buffer.
type headersJob struct {
	e      *Engine
	ctx    context.Context
	group  string
	res    HeadersResult
	stores map[action.Action]*stored
	err    error
}

// stored is filled by a store action and read once it completed.
type stored struct {
	records int
	skipped int
	first   int64
}

// Headers fetches the overview of articles first..last of group and stores
// the records in the catalog.
func (e *Engine) Headers(ctx context.Context, group string, first, last uint64) (*HeadersResult, error) {
	cat := e.app.Catalog
	if cat == nil {
		return nil, ErrNoCatalog
	}
	if last < first {
		return nil, fmt.Errorf("invalid range %d-%d", first, last)
	}

	ranges := overviewRanges(first, last)

	var batches []*batch
	size := e.cfg.Download.BatchSize
	for i := 0; i < len(ranges); i += size {
		cl := cmdlist.NewOverview(group, ranges[i:min(i+size, len(ranges))], e.rounds())
		batches = append(batches, newBatch(cl))
	}

	j := &headersJob{
		e:      e,
		ctx:    ctx,
		group:  group,
		res:    HeadersResult{Group: group, First: -1},
		stores: make(map[action.Action]*stored),
	}

	e.log.Info("Fetching headers of %s %d-%d in %d ranges", group, first, last, len(ranges))
	if err := e.run(ctx, j, batches, 0); err != nil {
		return &j.res, err
	}
	if j.err != nil {
		return &j.res, j.err
	}
	if j.res.Missing == len(ranges) {
		return &j.res, fmt.Errorf("headers %s: %w", group, ErrUnavailable)
	}
	return &j.res, nil
}

// overviewRanges splits first..last into XOVER sized chunks. last may be
// the largest article number, lo never steps past it.
func overviewRanges(first, last uint64) []cmdlist.Range {
	var ranges []cmdlist.Range
	for lo := first; ; lo += overviewChunk {
		hi := last
		if last-lo >= overviewChunk {
			hi = lo + overviewChunk - 1
		}
		ranges = append(ranges, cmdlist.Range{First: lo, Last: hi})
		if hi == last {
			return ranges
		}
	}
}

func (j *headersJob) idle() bool { return len(j.stores) == 0 }

func (j *headersJob) finalize(r *runner, b *batch) {
	bufs := b.cl.Buffers()
	for i := range b.cl.Ranges() {
		if i >= len(bufs) || bufs[i].Status() != nntp.StatusSuccess {
			j.res.Missing++
			continue
		}

		body := bufs[i].TakeContent()
		st := &stored{}
		store := action.NewFunc(fmt.Sprintf("store overview %s", b.cl.Ranges()[i]), func() error {
			records, skipped := nntp.ParseOverviews(body)
			st.skipped = skipped
			if len(records) == 0 {
				return nil
			}
			first, err := j.e.app.Catalog.Append(j.ctx, j.group, records)
			if err != nil {
				return err
			}
			st.records, st.first = len(records), first
			return nil
		})
		store.Pin(catalogOwner)
		if r.submit(store) {
			j.stores[store] = st
		}
	}
}

func (j *headersJob) handle(_ *runner, a action.Action) bool {
	st, ok := j.stores[a]
	if !ok {
		return false
	}
	delete(j.stores, a)
	if err := a.Err(); err != nil {
		j.e.log.Error("headers %s: %v", j.group, err)
		if j.err == nil {
			j.err = fmt.Errorf("store headers: %w", err)
		}
		return true
	}

	j.res.Skipped += st.skipped
	if st.records > 0 {
		j.res.Stored += st.records
		if j.res.First < 0 || st.first < j.res.First {
			j.res.First = st.first
		}
	}
	return true
}
