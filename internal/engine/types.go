package engine

import (
	"errors"
	"time"

	"github.com/datallboy/nzbengine/internal/action"
)

var (
	// ErrNoServers means every configured server is disabled.
	ErrNoServers = errors.New("no usable server left")
	// ErrUnavailable means no server could answer the request.
	ErrUnavailable = errors.New("not available on any server")
	// ErrIncomplete means a download finished with missing or broken parts.
	ErrIncomplete = errors.New("download incomplete")
	// ErrNoCatalog is returned by Headers when no catalog is open.
	ErrNoCatalog = errors.New("catalog is not open")
)

// FileResult describes one reassembled file.
type FileResult struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	TextPath string `json:"text_path,omitempty"`
	Segments int    `json:"segments"`
	Missing  int    `json:"missing"`
	Broken   int    `json:"broken"`
	Damaged  int    `json:"damaged"`
	Bytes    int64  `json:"bytes"`
	Err      error  `json:"-"`
}

// Complete reports whether every segment was written.
func (f FileResult) Complete() bool {
	return f.Path != "" && f.Missing == 0 && f.Broken == 0 && f.Err == nil
}

type DownloadResult struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Files    []FileResult  `json:"files"`
	Duration time.Duration `json:"duration"`
}

// HeadersResult summarizes a headers job.
type HeadersResult struct {
	Group   string `json:"group"`
	Stored  int    `json:"stored"`
	Skipped int    `json:"skipped"`
	Missing int    `json:"missing"`
	First   int64  `json:"first_index"`
}

// TestResult is the outcome of probing one server.
type TestResult struct {
	Server  string        `json:"server"`
	Latency time.Duration `json:"latency"`
	Err     error         `json:"-"`
}

type ConnStatus struct {
	ID       uint64 `json:"id"`
	State    string `json:"state"`
	Task     string `json:"task,omitempty"`
	Bytes    uint64 `json:"bytes"`
	Content  uint64 `json:"content"`
	SpeedBps uint64 `json:"speed_bps"`
}

type ServerStatus struct {
	ID          string       `json:"id"`
	Host        string       `json:"host"`
	Priority    int          `json:"priority"`
	Disabled    bool         `json:"disabled"`
	Reason      string       `json:"reason,omitempty"`
	Connections []ConnStatus `json:"connections"`
}

// Status is a snapshot for the status API.
type Status struct {
	Servers  []ServerStatus `json:"servers"`
	Pool     action.Stats   `json:"pool"`
	Bytes    uint64         `json:"bytes"`
	Content  uint64         `json:"content"`
	SpeedBps uint64         `json:"speed_bps"`
	Written  int64          `json:"written"`
	Total    int64          `json:"total"`
}
