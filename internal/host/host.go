// Package host bridges the engine to the browser's download subsystem.
// The engine never performs a download itself; it only tells the host to
// cancel or reissue one.
package host

import (
	"context"
	"sync"
	"time"
)

// Conflict policy used when reissuing a previously blocked download, so
// the host picks a non-colliding filename.
const ConflictUniquify = "uniquify"

// DownloadHost is what the engine needs from the browser side.
type DownloadHost interface {
	// CancelDownload vetoes an in-flight download by its host id.
	CancelDownload(ctx context.Context, downloadID string) error
	// ReissueDownload restarts a previously blocked download with
	// collision-safe naming.
	ReissueDownload(ctx context.Context, url, filename string) error
}

// Command actions queued for the extension.
const (
	ActionCancel  = "cancel"
	ActionReissue = "reissue"
)

// Command is one instruction for the extension to execute against the
// browser download API.
type Command struct {
	Action         string    `json:"action"`
	DownloadID     string    `json:"download_id,omitempty"`
	URL            string    `json:"url,omitempty"`
	Filename       string    `json:"filename,omitempty"`
	ConflictAction string    `json:"conflict_action,omitempty"`
	IssuedAt       time.Time `json:"issued_at"`
}

// CommandQueue is a DownloadHost that buffers commands for the extension
// to poll. The extension cannot be pushed to, so cancel/reissue are
// queued and drained on its next fetch. Oldest commands are dropped past
// the cap.
type CommandQueue struct {
	mu      sync.Mutex
	pending []Command
	max     int
}

// NewCommandQueue creates a queue holding at most max pending commands.
func NewCommandQueue(max int) *CommandQueue {
	return &CommandQueue{max: max}
}

func (q *CommandQueue) CancelDownload(_ context.Context, downloadID string) error {
	q.push(Command{
		Action:     ActionCancel,
		DownloadID: downloadID,
		IssuedAt:   time.Now().UTC(),
	})
	return nil
}

func (q *CommandQueue) ReissueDownload(_ context.Context, url, filename string) error {
	q.push(Command{
		Action:         ActionReissue,
		URL:            url,
		Filename:       filename,
		ConflictAction: ConflictUniquify,
		IssuedAt:       time.Now().UTC(),
	})
	return nil
}

func (q *CommandQueue) push(c Command) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, c)
	if len(q.pending) > q.max {
		q.pending = q.pending[len(q.pending)-q.max:]
	}
}

// Drain returns all pending commands and clears the queue.
func (q *CommandQueue) Drain() []Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.pending
	q.pending = nil
	return out
}
