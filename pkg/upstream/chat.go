package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ErrStreamClosed is returned by Recv after Close.
var ErrStreamClosed = errors.New("upstream stream closed")

const streamReadBuffer = 32 << 10

// Message is a plain text turn for callers that build the conversation
// themselves.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	// Messages is the caller's JSON array, sent to the provider untouched.
	Messages json.RawMessage
	// Model falls back to Config.DefaultModel when empty.
	Model string
}

type chatPayload struct {
	Model    string          `json:"model"`
	Messages json.RawMessage `json:"messages"`
	Stream   bool            `json:"stream"`
}

// Stream is a finite, non-restartable sequence of upstream byte chunks.
type Stream interface {
	// Recv returns the next chunk as soon as it is available, io.EOF once
	// upstream ends, or an *Error.
	Recv() ([]byte, error)
	// Close aborts the outbound request if still running. Safe to call twice.
	Close() error
}

// OpenChatStream starts a streaming chat completion. Cancelling ctx, or
// closing the returned Stream, aborts the outbound request.
func (c *Client) OpenChatStream(ctx context.Context, req ChatRequest) (Stream, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = c.cfg.DefaultModel
	}
	messages := req.Messages
	if len(bytes.TrimSpace(messages)) == 0 {
		messages = json.RawMessage("[]")
	}
	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	// messages pass through; only insignificant whitespace may change
	enc.SetEscapeHTML(false)
	if err := enc.Encode(chatPayload{Model: model, Messages: messages, Stream: true}); err != nil {
		return nil, &Error{Provider: ProviderChat, Kind: KindMalformed, Cause: err}
	}

	ctx, cancel := context.WithCancel(ctx)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ChatURL, &body)
	if err != nil {
		cancel()
		return nil, &Error{Provider: ProviderChat, Kind: KindNetwork, Cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	setBearer(httpReq.Header, c.cfg.ChatAPIKey)
	if c.cfg.Referer != "" {
		httpReq.Header.Set("HTTP-Referer", c.cfg.Referer)
	}
	if c.cfg.Title != "" {
		httpReq.Header.Set("X-Title", c.cfg.Title)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, &Error{Provider: ProviderChat, Kind: KindNetwork, Cause: err}
	}
	if !isSuccess(resp.StatusCode) {
		raw := readLimited(resp.Body, c.cfg.MaxErrorBodyBytes)
		_ = resp.Body.Close()
		cancel()
		return nil, &Error{Provider: ProviderChat, Kind: KindStatus, StatusCode: resp.StatusCode, Body: raw}
	}

	return newHTTPStream(ctx, cancel, resp.Body, c.cfg.StreamIdleTimeout), nil
}

type httpStream struct {
	ctx    context.Context
	cancel context.CancelFunc
	body   io.ReadCloser
	buf    []byte

	idle      time.Duration
	timer     *time.Timer
	idleFired atomic.Bool

	// error observed together with the last delivered chunk
	pending error
	closed  atomic.Bool
	once    sync.Once
}

func newHTTPStream(ctx context.Context, cancel context.CancelFunc, body io.ReadCloser, idle time.Duration) *httpStream {
	s := &httpStream{
		ctx:    ctx,
		cancel: cancel,
		body:   body,
		buf:    make([]byte, streamReadBuffer),
		idle:   idle,
	}
	if idle > 0 {
		s.timer = time.AfterFunc(idle, func() {
			s.idleFired.Store(true)
			s.cancel()
		})
		s.timer.Stop()
	}
	return s
}

func (s *httpStream) Recv() ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrStreamClosed
	}
	if s.pending != nil {
		return nil, s.pending
	}

	if s.timer != nil {
		s.timer.Reset(s.idle)
	}
	n, err := s.body.Read(s.buf)
	if s.timer != nil {
		s.timer.Stop()
	}

	if err != nil {
		err = s.wrap(err)
	}
	if n > 0 {
		// deliver the data first, the error on the next call
		s.pending = err
		return append([]byte(nil), s.buf[:n]...), nil
	}
	if err == nil {
		// zero-byte read without error, try again on the next call
		return nil, nil
	}
	s.pending = err
	return nil, err
}

func (s *httpStream) wrap(err error) error {
	if errors.Is(err, io.EOF) {
		return io.EOF
	}
	if s.idleFired.Load() {
		return &Error{Provider: ProviderChat, Kind: KindNetwork, Cause: ErrIdleTimeout}
	}
	if ctxErr := s.ctx.Err(); ctxErr != nil {
		return &Error{Provider: ProviderChat, Kind: KindNetwork, Cause: ctxErr}
	}
	return &Error{Provider: ProviderChat, Kind: KindNetwork, Cause: err}
}

func (s *httpStream) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		if s.timer != nil {
			s.timer.Stop()
		}
		s.cancel()
		err = s.body.Close()
	})
	return err
}
