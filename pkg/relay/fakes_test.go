package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"

	"assistant-relay/pkg/upstream"
)

type jsonReply struct {
	status int
	body   any
}

type recorder struct {
	headers map[string]string
	json    []jsonReply
	chunks  [][]byte

	// onChunk runs after a chunk is recorded; returning an error fails the write.
	onChunk func(n int) error
}

func newRecorder() *recorder { return &recorder{headers: map[string]string{}} }

func (r *recorder) SetHeader(k, v string) { r.headers[k] = v }

func (r *recorder) SendJSON(status int, v any) error {
	r.json = append(r.json, jsonReply{status: status, body: v})
	return nil
}

func (r *recorder) SendChunk(data []byte) error {
	r.chunks = append(r.chunks, append([]byte(nil), data...))
	if r.onChunk != nil {
		return r.onChunk(len(r.chunks))
	}
	return nil
}

func (r *recorder) body() []byte { return bytes.Join(r.chunks, nil) }

func (r *recorder) errorMessage() string {
	if len(r.json) == 0 {
		return ""
	}
	m, _ := r.json[len(r.json)-1].body.(map[string]string)
	return m["error"]
}

type fakeStream struct {
	chunks [][]byte
	// err is returned once chunks run out; nil means io.EOF.
	err error

	recvs  int
	closed bool
}

func (s *fakeStream) Recv() ([]byte, error) {
	if s.closed {
		return nil, upstream.ErrStreamClosed
	}
	s.recvs++
	if s.recvs <= len(s.chunks) {
		return s.chunks[s.recvs-1], nil
	}
	if s.err != nil {
		return nil, s.err
	}
	return nil, io.EOF
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

type fakeUpstream struct {
	stream  *fakeStream
	openErr error

	text          string
	transcribeErr error
	// block makes Transcribe wait for ctx instead of answering.
	block bool

	chatCalls       int
	transcribeCalls int
	ctx             context.Context
}

func (u *fakeUpstream) OpenChatStream(ctx context.Context, _ upstream.ChatRequest) (upstream.Stream, error) {
	u.chatCalls++
	u.ctx = ctx
	if u.openErr != nil {
		return nil, u.openErr
	}
	return u.stream, nil
}

func (u *fakeUpstream) Transcribe(ctx context.Context, _ upstream.Audio) (string, error) {
	u.transcribeCalls++
	u.ctx = ctx
	if u.block {
		<-ctx.Done()
		return "", &upstream.Error{Kind: upstream.KindNetwork, Cause: ctx.Err()}
	}
	return u.text, u.transcribeErr
}

type sinkRecorder struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (s *sinkRecorder) Publish(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func (s *sinkRecorder) last() Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return Event{}
	}
	return s.events[len(s.events)-1]
}

var errBrokenPipe = errors.New("write: broken pipe")
