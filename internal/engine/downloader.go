package engine

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/segmentio/ksuid"

	"github.com/datallboy/nzbengine/internal/action"
	"github.com/datallboy/nzbengine/internal/cmdlist"
	"github.com/datallboy/nzbengine/internal/datafile"
	"github.com/datallboy/nzbengine/internal/decoding"
	"github.com/datallboy/nzbengine/internal/nntp"
	"github.com/datallboy/nzbengine/internal/nzb"
)

// fileState tracks one NZB file while its segments come in. Parts without
// an offset (uuencode) are appended in segment order, so they wait in
// queued until every earlier segment is resolved. Kept text waits the same
// way in texts.
type fileState struct {
	src      nzb.File
	name     string
	out      *datafile.File
	text     *datafile.File
	resolved []bool
	queued   map[int][]byte
	texts    map[int][]byte
	next     int

	missing int
	broken  int
	damaged int
	err     error
}

type segment struct {
	file  *fileState
	index int
	text  bool
}

type downloadJob struct {
	e         *Engine
	dir       string
	overwrite bool
	keepText  bool
	files     []*fileState
	decodes   map[*decoding.Decode]segment
	writes    map[action.Action]segment
}

// Download fetches every file of the NZB from the configured servers,
// decodes the articles and reassembles them in download.out_dir.
func (e *Engine) Download(ctx context.Context, model *nzb.Model, name string) (*DownloadResult, error) {
	if err := os.MkdirAll(e.cfg.Download.OutDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create out_dir: %w", err)
	}

	j := &downloadJob{
		e:         e,
		dir:       e.cfg.Download.OutDir,
		overwrite: e.cfg.Download.Overwrite,
		keepText:  !e.cfg.Download.DiscardText,
		decodes:   make(map[*decoding.Decode]segment),
		writes:    make(map[action.Action]segment),
	}

	size := e.cfg.Download.BatchSize
	var batches []*batch
	for _, f := range model.Files {
		fs := &fileState{
			src:      f,
			name:     f.FileName(),
			resolved: make([]bool, len(f.Segments)),
			queued:   make(map[int][]byte),
			texts:    make(map[int][]byte),
		}
		j.files = append(j.files, fs)

		ids := f.MessageIDs()
		for first := 0; first < len(ids); first += size {
			last := min(first+size, len(ids))
			cl := cmdlist.NewMessages(cmdlist.Messages{Groups: f.Groups, Numbers: ids[first:last]}, e.rounds())
			b := newBatch(cl)
			b.file, b.first, b.count = fs, first, last-first
			batches = append(batches, b)
		}
	}

	res := &DownloadResult{ID: ksuid.New().String(), Name: name}

	e.written.Store(0)
	e.total.Store(model.TotalSize())
	start := time.Now()
	e.mu.Lock()
	e.started = start
	e.mu.Unlock()

	e.log.Info("Starting download for: %s (%d MB, %d files)", name, model.TotalSize()/1024/1024, len(model.Files))

	err := e.run(ctx, j, batches, 0)
	res.Files = j.close(ctx.Err() != nil)
	res.Duration = time.Since(start)

	if err != nil {
		return res, err
	}
	for _, f := range res.Files {
		if !f.Complete() {
			return res, ErrIncomplete
		}
	}
	e.log.Info("Download complete: %s in %s", name, res.Duration.Truncate(time.Second))
	return res, nil
}

func (j *downloadJob) idle() bool {
	return len(j.decodes) == 0 && len(j.writes) == 0
}

func (j *downloadJob) finalize(r *runner, b *batch) {
	f := b.file
	bufs := b.cl.Buffers()
	for i := 0; i < b.count; i++ {
		idx := b.first + i
		if i >= len(bufs) || bufs[i].Status() != nntp.StatusSuccess {
			f.missing++
			status := nntp.StatusNone
			if i < len(bufs) {
				status = bufs[i].Status()
			}
			j.e.log.Warn("[FAIL] %s: segment %d is missing (%s)", f.name, idx+1, status)
			j.resolve(r, f, idx)
			continue
		}

		d := decoding.New(bufs[i].TakeContent())
		if !r.submit(d) {
			continue
		}
		j.decodes[d] = segment{file: f, index: idx}
	}
}

func (j *downloadJob) handle(r *runner, a action.Action) bool {
	if d, ok := a.(*decoding.Decode); ok {
		seg, ok := j.decodes[d]
		if !ok {
			return false
		}
		delete(j.decodes, d)
		j.decoded(r, seg, d)
		return true
	}

	seg, ok := j.writes[a]
	if !ok {
		return false
	}
	delete(j.writes, a)
	if seg.text {
		if err := a.Err(); err != nil {
			j.e.log.Warn("%s: could not keep text: %v", seg.file.name, err)
		}
		return true
	}
	if err := a.Err(); err != nil {
		j.e.log.Error("%s: %v", seg.file.name, err)
		if seg.file.err == nil {
			seg.file.err = err
		}
		return true
	}
	if w, ok := a.(interface{ Len() int }); ok {
		j.e.written.Add(int64(w.Len()))
	}
	return true
}

func (j *downloadJob) decoded(r *runner, seg segment, d *decoding.Decode) {
	f := seg.file
	defer j.resolve(r, f, seg.index)

	if j.keepText && len(d.Text) > 0 {
		f.texts[seg.index] = d.Text
	}

	if err := d.Err(); err != nil {
		f.broken++
		j.e.log.Warn("[FAIL] %s: segment %d could not be decoded: %v", f.name, seg.index+1, err)
		return
	}
	if d.Errors.Any() {
		f.damaged++
		j.e.log.Warn("%s: segment %d decoded with errors (crc=%v size=%v)", f.name, seg.index+1,
			d.Errors.Has(decoding.CRCMismatch), d.Errors.Has(decoding.SizeMismatch))
	}

	if f.out == nil {
		if err := j.open(f, d); err != nil {
			f.broken++
			f.err = err
			j.e.log.Error("%v", err)
			return
		}
	}

	if d.Encoding == decoding.EncodingYEnc {
		var offset int64
		if d.MultiPart {
			offset = d.Offset
		}
		j.write(r, segment{file: f, index: seg.index}, offset, d.Binary)
		return
	}
	f.queued[seg.index] = d.Binary
}

// open creates the output file from the first decoded part. The name in the
// encoding header wins over the one guessed from the subject.
func (j *downloadJob) open(f *fileState, d *decoding.Decode) error {
	name := f.name
	if d.Name != "" {
		name = d.Name
	}
	out, err := datafile.Create(j.dir, name, d.Size, j.overwrite)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	f.out = out
	f.name = out.Name()
	return nil
}

func (j *downloadJob) write(r *runner, seg segment, offset int64, data []byte) {
	a := seg.file.out.Write(offset, data)
	if r.submit(a) {
		j.writes[a] = seg
	}
}

// writeText appends the text of a segment to <name>.txt, created on first
// use.
func (j *downloadJob) writeText(r *runner, f *fileState, idx int, text []byte) {
	if f.text == nil {
		out, err := datafile.Create(j.dir, f.name+".txt", 0, j.overwrite)
		if err != nil {
			j.e.log.Warn("%s: could not keep text: %v", f.name, err)
			return
		}
		f.text = out
	}
	a := f.text.Write(datafile.Append, text)
	if r.submit(a) {
		j.writes[a] = segment{file: f, index: idx, text: true}
	}
}

// resolve marks a segment as settled and appends every queued part whose
// predecessors are all settled.
func (j *downloadJob) resolve(r *runner, f *fileState, idx int) {
	f.resolved[idx] = true
	for f.next < len(f.resolved) && f.resolved[f.next] {
		if text, ok := f.texts[f.next]; ok {
			delete(f.texts, f.next)
			j.writeText(r, f, f.next, text)
		}
		if data, ok := f.queued[f.next]; ok {
			delete(f.queued, f.next)
			j.write(r, segment{file: f, index: f.next}, datafile.Append, data)
		}
		f.next++
	}
}

// close finishes every output file. Files that got no data are removed, so
// are the incomplete ones of a canceled run.
func (j *downloadJob) close(canceled bool) []FileResult {
	out := make([]FileResult, 0, len(j.files))
	for _, f := range j.files {
		res := FileResult{
			Name:     f.name,
			Segments: len(f.src.Segments),
			Missing:  f.missing,
			Broken:   f.broken,
			Damaged:  f.damaged,
			Err:      f.err,
		}
		// segments a canceled run never got to
		for _, ok := range f.resolved {
			if !ok {
				res.Missing++
			}
		}

		if f.out != nil {
			res.Path = f.out.Path()
			res.Bytes = f.out.BytesWritten()
			if res.Bytes == 0 || (canceled && !res.Complete()) {
				j.e.log.Info("Discarding %s", res.Path)
				f.out.DiscardOnClose()
				res.Path = ""
			}
			if err := f.out.Close(); err != nil && res.Err == nil {
				res.Err = err
			}
		}
		if f.text != nil {
			res.TextPath = f.text.Path()
			if canceled || f.text.BytesWritten() == 0 {
				f.text.DiscardOnClose()
				res.TextPath = ""
			}
			if err := f.text.Close(); err != nil {
				j.e.log.Warn("%s: %v", f.text.Name(), err)
			}
		}
		out = append(out, res)
	}
	return out
}

// StartCLIProgress prints a progress line every second until ctx is done.
func (e *Engine) StartCLIProgress(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	var lastBytes int64

	for {
		select {
		case <-ticker.C:
			current := e.written.Load()
			delta := current - lastBytes
			lastBytes = current

			// Calculate instantaneous speed
			speedMbps := float64(delta) * 8 / (1024 * 1024)

			e.renderCLIProgress(speedMbps, false)
		case <-ctx.Done():
			e.renderCLIProgress(0, true)
			fmt.Println()
			return
		}
	}
}

func (e *Engine) renderCLIProgress(speedMbps float64, final bool) {
	current := e.written.Load()
	total := e.total.Load()
	if total == 0 {
		return
	}

	e.mu.RLock()
	elapsed := time.Since(e.started)
	e.mu.RUnlock()

	// total counts encoded article bytes, the decoded data is a bit smaller
	percent := min(float64(current)/float64(total)*100, 100)

	displaySpeed := speedMbps
	etaStr := "calc..."

	if final {
		percent = 100.0

		// Guard against division by zero or sub-millisecond durations
		seconds := max(elapsed.Seconds(), 0.1)
		avgBytesPerSec := float64(current) / seconds
		displaySpeed = (avgBytesPerSec * 8) / (1024 * 1024)
	} else {
		avgBytesPerSec := float64(current) / elapsed.Seconds()
		if avgBytesPerSec > 0 && total > current {
			etaSeconds := int(float64(total-current) / avgBytesPerSec)
			etaStr = (time.Duration(etaSeconds) * time.Second).String()
		}
	}

	// Progress Bar go brrr [====>   ]
	const barWidth = 20
	completedWidth := int(percent / 100 * barWidth)
	bar := strings.Repeat("=", completedWidth)
	if completedWidth < barWidth {
		bar += ">" + strings.Repeat(" ", barWidth-completedWidth-1)
	}

	speedLabel := "Speed"
	timeLabel := "ETA"
	if final {
		speedLabel = "Avg"
		timeLabel = "Time"
		etaStr = elapsed.Truncate(time.Second).String()
	}

	fmt.Printf("\r[%s] %5.1f%% | %s: %6.2f Mbps | %s: %-7s | %d/%d MB      ",
		bar, percent, speedLabel, displaySpeed, timeLabel, etaStr, current/1024/1024, total/1024/1024)
}
