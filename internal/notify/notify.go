// Package notify carries engine outcomes to UI collaborators. The engine
// only emits notices; rendering (toasts, badges, system notifications) is
// entirely the consumer's problem and delivery is never confirmed.
package notify

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Audience selects who a notice is for.
type Audience string

const (
	// AudienceOriginTabs targets tabs currently showing the origin.
	AudienceOriginTabs Audience = "origin-tabs"
	// AudienceGlobal targets the whole browser session.
	AudienceGlobal Audience = "global"
)

// Notice kinds.
const (
	KindPermissionBlocked = "permission-blocked"
	KindDownloadBlocked   = "download-blocked"
	KindAlert             = "alert"
	KindBadgeRefresh      = "badge-refresh"
)

// Notice is a single UI-facing event.
type Notice struct {
	Audience Audience       `json:"audience"`
	Kind     string         `json:"kind"`
	Origin   string         `json:"origin,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
	Time     time.Time      `json:"time"`
}

// Dispatcher delivers notices. Implementations must not block the caller.
type Dispatcher interface {
	Dispatch(n Notice)
}

// LogDispatcher writes every notice to the structured log.
type LogDispatcher struct{}

func (LogDispatcher) Dispatch(n Notice) {
	log.Info().
		Str("audience", string(n.Audience)).
		Str("kind", n.Kind).
		Str("origin", n.Origin).
		Fields(map[string]any{"payload": n.Payload}).
		Msg("notice")
}

// Buffer retains recent notices for a polling consumer (the extension
// fetches and clears them). Oldest notices are dropped past the cap.
type Buffer struct {
	mu      sync.Mutex
	notices []Notice
	max     int
}

// NewBuffer creates a Buffer holding at most max notices.
func NewBuffer(max int) *Buffer {
	return &Buffer{max: max}
}

func (b *Buffer) Dispatch(n Notice) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notices = append(b.notices, n)
	if len(b.notices) > b.max {
		b.notices = b.notices[len(b.notices)-b.max:]
	}
}

// Drain returns all pending notices and clears the buffer.
func (b *Buffer) Drain() []Notice {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.notices
	b.notices = nil
	return out
}

// Fanout dispatches to every wrapped dispatcher.
type Fanout []Dispatcher

func (f Fanout) Dispatch(n Notice) {
	for _, d := range f {
		d.Dispatch(n)
	}
}
