// Package relay authenticates a caller and pipes one upstream chat stream or
// transcription back to it.
package relay

import (
	"context"
	"time"

	"go.uber.org/zap"

	"assistant-relay/pkg/auth"
	"assistant-relay/pkg/upstream"
)

const defaultPublishTimeout = 3 * time.Second

// Verifier resolves a bearer token to an identity.
type Verifier interface {
	Verify(token string) (auth.Identity, error)
}

// Upstream is the subset of *upstream.Client a session drives.
type Upstream interface {
	OpenChatStream(ctx context.Context, req upstream.ChatRequest) (upstream.Stream, error)
	Transcribe(ctx context.Context, audio upstream.Audio) (string, error)
}

// Responder is the caller's connection.
type Responder interface {
	SetHeader(key, value string)
	SendJSON(status int, v any) error
	// SendChunk writes data and flushes it to the caller immediately.
	SendChunk(data []byte) error
}

// EventSink receives one Event per finished session.
type EventSink interface {
	Publish(ctx context.Context, ev Event) error
}

type nopSink struct{}

func (nopSink) Publish(context.Context, Event) error { return nil }

type Kind string

const (
	KindChat       Kind = "chat"
	KindTranscribe Kind = "transcribe"
)

// Event summarises a session that reached a terminal state.
type Event struct {
	SessionID  string    `json:"session_id"`
	Kind       Kind      `json:"kind,omitempty"`
	UserID     uint      `json:"user_id,omitempty"`
	State      string    `json:"state"`
	Bytes      int64     `json:"bytes"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
}

type Options struct {
	Events EventSink
	Logger *zap.Logger
	// ErrorMarker appends an "event: error" frame when upstream fails after
	// bytes were already forwarded. Off by default: the stream just ends.
	ErrorMarker    bool
	PublishTimeout time.Duration
}

type Relay struct {
	verifier       Verifier
	upstream       Upstream
	events         EventSink
	log            *zap.Logger
	errorMarker    bool
	publishTimeout time.Duration
}

func New(verifier Verifier, up Upstream, opts Options) *Relay {
	r := &Relay{
		verifier:       verifier,
		upstream:       up,
		events:         opts.Events,
		log:            opts.Logger,
		errorMarker:    opts.ErrorMarker,
		publishTimeout: opts.PublishTimeout,
	}
	if r.events == nil {
		r.events = nopSink{}
	}
	if r.log == nil {
		r.log = zap.NewNop()
	}
	if r.publishTimeout <= 0 {
		r.publishTimeout = defaultPublishTimeout
	}
	return r
}

// NewSession starts an Idle session bound to one caller connection.
func (r *Relay) NewSession(out Responder) *Session {
	return newSession(r, out)
}
