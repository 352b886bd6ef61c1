package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"assistant-relay/pkg/auth"
	"assistant-relay/pkg/upstream"
)

var (
	ErrNotAuthenticated = errors.New("relay: session not authenticated")
	ErrSessionUsed      = errors.New("relay: session already started")
)

const (
	msgMissingToken     = "Missing token"
	msgInvalidToken     = "Invalid token"
	msgStreamFailed     = "Failed to stream completion"
	msgTranscribeFailed = "Whisper transcription failed"
)

type State int

const (
	StateIdle State = iota
	StateAuthenticating
	StateStreaming
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAuthenticating:
		return "authenticating"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// Session relays exactly one upstream call for one caller. It is not safe
// for concurrent use.
type Session struct {
	relay *Relay
	out   Responder
	log   *zap.Logger

	id            string
	kind          Kind
	state         State
	identity      auth.Identity
	authenticated bool
	headersSent   bool
	written       int64
	err           error
	startedAt     time.Time
}

func newSession(r *Relay, out Responder) *Session {
	id := uuid.NewString()
	return &Session{
		relay:     r,
		out:       out,
		log:       r.log.With(zap.String("session_id", id)),
		id:        id,
		state:     StateIdle,
		startedAt: time.Now(),
	}
}

func (s *Session) ID() string { return s.id }
func (s *Session) State() State { return s.state }
func (s *Session) Identity() auth.Identity { return s.identity }
func (s *Session) BytesWritten() int64 { return s.written }

// Err is the cause recorded with the terminal state, if any.
func (s *Session) Err() error { return s.err }

// Authenticate verifies the Authorization header value. On failure a 401 is
// written and the session ends Failed without touching upstream.
func (s *Session) Authenticate(header string) error {
	if s.state != StateIdle {
		return ErrSessionUsed
	}
	s.state = StateAuthenticating

	token, err := auth.BearerToken(header)
	var id auth.Identity
	if err == nil {
		id, err = s.relay.verifier.Verify(token)
	}
	if err != nil {
		msg := msgInvalidToken
		if errors.Is(err, auth.ErrMissingCredential) {
			msg = msgMissingToken
		}
		s.sendError(http.StatusUnauthorized, msg)
		return s.finish(StateFailed, err)
	}

	s.identity = id
	s.authenticated = true
	s.log = s.log.With(zap.Uint("user_id", id.ID))
	return nil
}

// Reject ends an authenticated session before any upstream call, e.g. when
// the request body is unusable.
func (s *Session) Reject(status int, msg string) error {
	if s.state != StateIdle && s.state != StateAuthenticating {
		return ErrSessionUsed
	}
	s.sendError(status, msg)
	return s.finish(StateFailed, fmt.Errorf("rejected with %d: %s", status, msg))
}

// Chat opens an upstream chat stream and forwards every chunk, unchanged and
// in order, until upstream ends, the caller goes away or upstream fails.
// Cancelling ctx is how a caller disconnect is signalled.
func (s *Session) Chat(ctx context.Context, req upstream.ChatRequest) error {
	if err := s.begin(KindChat); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := s.relay.upstream.OpenChatStream(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return s.finish(StateCancelled, ctx.Err())
		}
		s.log.Warn("open upstream stream failed", zap.Error(err))
		s.sendError(http.StatusBadGateway, msgStreamFailed)
		return s.finish(StateFailed, err)
	}
	defer stream.Close()

	for {
		if err := ctx.Err(); err != nil {
			return s.finish(StateCancelled, err)
		}
		chunk, rerr := stream.Recv()
		if len(chunk) > 0 {
			if err := s.forward(ctx, chunk); err != nil {
				cancel()
				return s.finish(StateCancelled, err)
			}
		}
		if rerr == nil {
			continue
		}
		if errors.Is(rerr, io.EOF) {
			return s.finish(StateCompleted, nil)
		}
		if ctx.Err() != nil {
			return s.finish(StateCancelled, ctx.Err())
		}
		s.log.Warn("upstream stream failed", zap.Error(rerr), zap.Int64("bytes", s.written))
		if s.written == 0 {
			s.sendError(http.StatusBadGateway, msgStreamFailed)
		} else if s.relay.errorMarker {
			_ = s.out.SendChunk(errorMarker(msgStreamFailed))
		}
		return s.finish(StateFailed, rerr)
	}
}

// Transcribe sends one clip upstream and answers with {"text": ...}. A
// provider rejection is passed through as the error text.
func (s *Session) Transcribe(ctx context.Context, audio upstream.Audio) error {
	if err := s.begin(KindTranscribe); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	text, err := s.relay.upstream.Transcribe(ctx, audio)
	if ctx.Err() != nil {
		return s.finish(StateCancelled, ctx.Err())
	}
	if err != nil {
		s.log.Warn("transcription failed", zap.Error(err))
		msg := msgTranscribeFailed
		if ue, ok := upstream.AsError(err); ok && ue.Kind == upstream.KindStatus {
			msg = ue.Message()
		}
		s.sendError(http.StatusInternalServerError, msg)
		return s.finish(StateFailed, err)
	}

	if err := s.out.SendJSON(http.StatusOK, map[string]string{"text": text}); err != nil {
		return s.finish(StateCancelled, err)
	}
	s.written = int64(len(text))
	return s.finish(StateCompleted, nil)
}

func (s *Session) begin(kind Kind) error {
	if s.state != StateIdle && s.state != StateAuthenticating {
		return ErrSessionUsed
	}
	if !s.authenticated {
		return ErrNotAuthenticated
	}
	s.kind = kind
	s.state = StateStreaming
	s.log = s.log.With(zap.String("kind", string(kind)))
	return nil
}

func (s *Session) forward(ctx context.Context, chunk []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.headersSent {
		s.out.SetHeader("Content-Type", "text/event-stream")
		s.out.SetHeader("Cache-Control", "no-cache")
		s.out.SetHeader("Connection", "keep-alive")
		s.headersSent = true
	}
	if err := s.out.SendChunk(chunk); err != nil {
		return fmt.Errorf("write to caller: %w", err)
	}
	s.written += int64(len(chunk))
	return nil
}

func (s *Session) sendError(status int, msg string) {
	if err := s.out.SendJSON(status, map[string]string{"error": msg}); err != nil {
		s.log.Debug("write error response failed", zap.Error(err))
	}
}

// finish records the terminal state, logs it and publishes the event. It
// returns cause so callers can return it directly.
func (s *Session) finish(state State, cause error) error {
	s.state = state
	s.err = cause

	fields := []zap.Field{
		zap.String("state", state.String()),
		zap.Int64("bytes", s.written),
		zap.Duration("elapsed", time.Since(s.startedAt)),
	}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	s.log.Info("relay session finished", fields...)

	ev := Event{
		SessionID:  s.id,
		Kind:       s.kind,
		UserID:     s.identity.ID,
		State:      state.String(),
		Bytes:      s.written,
		StartedAt:  s.startedAt,
		DurationMS: time.Since(s.startedAt).Milliseconds(),
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.relay.publishTimeout)
	defer cancel()
	if err := s.relay.events.Publish(ctx, ev); err != nil {
		s.log.Warn("publish relay event failed", zap.Error(err))
	}
	return cause
}

func errorMarker(msg string) []byte {
	payload, _ := json.Marshal(map[string]string{"error": msg})
	return append(append([]byte("\n\nevent: error\ndata: "), payload...), '\n', '\n')
}
