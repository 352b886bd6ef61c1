package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"assistant-relay/pkg/upstream"
)

func frame(text string) string {
	b, _ := json.Marshal(map[string]any{"choices": []any{map[string]any{"delta": map[string]string{"content": text}}}})
	return "data: " + string(b) + "\n\n"
}

type fakeGateway struct {
	mu       sync.Mutex
	chatReqs []struct {
		Messages []upstream.Message `json:"messages"`
		Model    string             `json:"model"`
	}
	auth string
	// chat writes the raw stream body for each call
	chat func(w http.ResponseWriter, call int)
}

func (g *fakeGateway) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var creds map[string]string
		_ = json.NewDecoder(r.Body).Decode(&creds)
		if creds["password"] != "hunter2" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"error":"Invalid credentials"}`)
			return
		}
		_, _ = io.WriteString(w, `{"token":"tok-1","user":{"id":3,"email":"`+creds["email"]+`"}}`)
	})
	mux.HandleFunc("/api/me", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"user":{"id":3,"email":"a@x.com","subscription_status":"active"}}`)
	})
	mux.HandleFunc("/api/whisper", func(w http.ResponseWriter, r *http.Request) {
		f, hdr, err := r.FormFile("audio")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":"Audio file required"}`)
			return
		}
		b, _ := io.ReadAll(f)
		_ = json.NewEncoder(w).Encode(map[string]string{"text": hdr.Filename + "=" + string(b)})
	})
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		g.auth = r.Header.Get("Authorization")
		var req struct {
			Messages []upstream.Message `json:"messages"`
			Model    string             `json:"model"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		g.chatReqs = append(g.chatReqs, req)
		call := len(g.chatReqs)
		g.mu.Unlock()
		w.Header().Set("Content-Type", "text/event-stream")
		g.chat(w, call)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestChat_StreamsDeltas(t *testing.T) {
	g := &fakeGateway{chat: func(w http.ResponseWriter, _ int) {
		body := frame("Hel") + frame("lo") + ": keep-alive\n\n" + "data: [DONE]\n\n"
		// split mid-record to exercise carry-over
		_, _ = io.WriteString(w, body[:10])
		w.(http.Flusher).Flush()
		_, _ = io.WriteString(w, body[10:])
	}}
	srv := g.server(t)

	var deltas []string
	c := newGatewayClient(srv.URL+"/", "tok-1")
	reply, err := c.chat(context.Background(), []upstream.Message{{Role: "user", Content: "hi"}}, "m1",
		func(d string) { deltas = append(deltas, d) })
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if reply != "Hello" || strings.Join(deltas, "|") != "Hel|lo" {
		t.Fatalf("reply=%q deltas=%q", reply, deltas)
	}
	if g.auth != "Bearer tok-1" || g.chatReqs[0].Model != "m1" || g.chatReqs[0].Messages[0].Content != "hi" {
		t.Fatalf("request auth=%q body=%+v", g.auth, g.chatReqs[0])
	}
}

func TestChat_Truncated(t *testing.T) {
	g := &fakeGateway{chat: func(w http.ResponseWriter, _ int) {
		_, _ = io.WriteString(w, frame("partial"))
	}}
	srv := g.server(t)

	reply, err := newGatewayClient(srv.URL, "t").chat(context.Background(), nil, "", nil)
	if !errors.Is(err, ErrTruncated) || reply != "partial" {
		t.Fatalf("reply=%q err=%v", reply, err)
	}
}

func TestChat_GatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":"Invalid token"}`)
	}))
	t.Cleanup(srv.Close)

	_, err := newGatewayClient(srv.URL, "bad").chat(context.Background(), nil, "", nil)
	var apiErr *apiError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized || apiErr.Message != "Invalid token" {
		t.Fatalf("err=%v", err)
	}
}

func TestLoginMeTranscribe(t *testing.T) {
	srv := (&fakeGateway{}).server(t)
	c := newGatewayClient(srv.URL, "")
	ctx := context.Background()

	res, err := c.login(ctx, "a@x.com", "hunter2")
	if err != nil || res.Token != "tok-1" || res.User.Email != "a@x.com" {
		t.Fatalf("login=%+v err=%v", res, err)
	}
	if _, err := c.login(ctx, "a@x.com", "nope"); err == nil || !strings.Contains(err.Error(), "Invalid credentials") {
		t.Fatalf("bad login err=%v", err)
	}

	acct, err := c.me(ctx)
	if err != nil || acct.SubscriptionStatus != "active" {
		t.Fatalf("me=%+v err=%v", acct, err)
	}

	text, err := c.transcribe(ctx, "/tmp/rec/clip.webm", strings.NewReader("audio-bytes"))
	if err != nil || text != "clip.webm=audio-bytes" {
		t.Fatalf("transcribe=%q err=%v", text, err)
	}
}

func TestRepl_KeepsHistoryAndResets(t *testing.T) {
	g := &fakeGateway{chat: func(w http.ResponseWriter, call int) {
		_, _ = io.WriteString(w, frame("reply"+strconv.Itoa(call))+"data: [DONE]\n\n")
	}}
	srv := g.server(t)

	var out bytes.Buffer
	r := &repl{client: newGatewayClient(srv.URL, "tok-1"), model: "m", out: &out}
	in := strings.NewReader("first\n\nsecond\n/reset\nthird\n/exit\nignored\n")
	if err := r.run(context.Background(), in); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(g.chatReqs) != 3 {
		t.Fatalf("calls=%d", len(g.chatReqs))
	}
	if n := len(g.chatReqs[1].Messages); n != 3 {
		t.Fatalf("second turn sent %d messages", n)
	}
	if m := g.chatReqs[1].Messages[1]; m.Role != "assistant" || m.Content != "reply1" {
		t.Fatalf("history=%+v", g.chatReqs[1].Messages)
	}
	if n := len(g.chatReqs[2].Messages); n != 1 {
		t.Fatalf("after reset sent %d messages", n)
	}
	for _, want := range []string{"Assistant: reply1", "Assistant: reply2", "Conversation cleared."} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestRepl_CancelledTurn(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, frame("half"))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(func() { close(release); srv.Close() })

	// stand-in for Ctrl-C: the turn is cancelled once the first record arrives
	turnCtx, cancel := context.WithCancel(context.Background())
	var out bytes.Buffer
	r := &repl{
		client: newGatewayClient(srv.URL, "tok-1"),
		out:    &out,
		turnContext: func(context.Context) (context.Context, context.CancelFunc) {
			return turnCtx, cancel
		},
	}
	r.client.http = &http.Client{Transport: cancelAfterRecord{http.DefaultTransport, cancel}}

	if err := r.turn(context.Background(), "tell me a story"); err != nil {
		t.Fatalf("turn: %v", err)
	}
	if !strings.Contains(out.String(), "half") || !strings.Contains(out.String(), "(stopped)") {
		t.Fatalf("output=%q", out.String())
	}
	if len(r.history) != 2 || r.history[1].Content != "half" {
		t.Fatalf("history=%+v", r.history)
	}
}

// cancelAfterRecord cancels the turn once a complete record has been read.
type cancelAfterRecord struct {
	rt     http.RoundTripper
	cancel context.CancelFunc
}

func (c cancelAfterRecord) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := c.rt.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	resp.Body = &cancellingBody{ReadCloser: resp.Body, cancel: c.cancel}
	return resp, nil
}

type cancellingBody struct {
	io.ReadCloser
	cancel context.CancelFunc
	seen   []byte
}

func (b *cancellingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.seen = append(b.seen, p[:n]...)
	if bytes.Contains(b.seen, []byte("\n\n")) {
		b.cancel()
	}
	return n, err
}

func TestTokenStore(t *testing.T) {
	s := tokenStore{path: filepath.Join(t.TempDir(), "nested", "token")}

	if tok, err := s.load(); err != nil || tok != "" {
		t.Fatalf("empty load=%q err=%v", tok, err)
	}
	if err := s.save("abc.def.ghi"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if tok, err := s.load(); err != nil || tok != "abc.def.ghi" {
		t.Fatalf("load=%q err=%v", tok, err)
	}
	if err := s.clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if err := s.clear(); err != nil {
		t.Fatalf("second clear: %v", err)
	}
	if tok, _ := s.load(); tok != "" {
		t.Fatalf("token survived clear: %q", tok)
	}
}
