// Package terminal manages per-thread PTY-backed shell sessions with
// multi-client attach, bounded scrollback, shell-state awareness, and
// idle reaping.
package terminal

import "time"

// Session status values.
const (
	StatusRunning = "running"
	StatusClosing = "closing"
	StatusExited  = "exited"
)

// Frame types carried on the terminal stream.
const (
	FrameOutput = "output"
	FrameExit   = "exit"
)

// Frame is one record of a session's output log. Seq is strictly
// monotonic per session; the exit frame, when present, carries the
// highest seq.
type Frame struct {
	Type     string  `json:"type"`
	Seq      int64   `json:"seq"`
	Data     string  `json:"data,omitempty"`
	ExitCode *int    `json:"exitCode,omitempty"`
	Signal   *string `json:"signal,omitempty"`
}

// Snapshot is the session DTO returned to clients.
type Snapshot struct {
	ID                      string    `json:"id"`
	ThreadID                string    `json:"threadId"`
	Cwd                     string    `json:"cwd"`
	Status                  string    `json:"status"`
	Cols                    int       `json:"cols"`
	Rows                    int       `json:"rows"`
	TransportMode           string    `json:"transportMode"`
	SupportsShellStateHooks bool      `json:"supportsShellStateHooks"`
	ForegroundBusy          bool      `json:"foregroundBusy"`
	BackgroundJobs          int       `json:"backgroundJobs"`
	CreatedAt               time.Time `json:"createdAt"`
	LastActiveAt            time.Time `json:"lastActiveAt"`
	LastSeq                 int64     `json:"lastSeq"`
	ExitCode                *int      `json:"exitCode,omitempty"`
}
