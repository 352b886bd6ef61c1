package upstream

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestTranscribe_Success(t *testing.T) {
	var (
		gotAuth, gotModel, gotFilename, gotPartType string
		gotAudio                                    []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		gotModel = r.FormValue("model")
		f, hdr, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer f.Close()
		gotFilename = hdr.Filename
		gotPartType = hdr.Header.Get("Content-Type")
		gotAudio, _ = io.ReadAll(f)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"text":"hello world"}`)
	}))
	t.Cleanup(srv.Close)

	c := New(Config{TranscribeURL: srv.URL, TranscribeAPIKey: "sk-openai"})
	text, err := c.Transcribe(context.Background(), Audio{Data: []byte("RIFF....WAVE")})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "hello world" {
		t.Fatalf("text=%q", text)
	}
	if gotAuth != "Bearer sk-openai" {
		t.Fatalf("authorization=%q", gotAuth)
	}
	if gotModel != DefaultTranscribeModel {
		t.Fatalf("model=%q", gotModel)
	}
	if gotFilename != defaultAudioFilename || gotPartType != defaultAudioMIMEType {
		t.Fatalf("file part=%q %q", gotFilename, gotPartType)
	}
	if string(gotAudio) != "RIFF....WAVE" {
		t.Fatalf("audio=%q", gotAudio)
	}
}

func TestTranscribe_MIMEHintAndFilename(t *testing.T) {
	var gotFilename, gotPartType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hdr, err := r.FormFile("file")
		if err == nil {
			gotFilename = hdr.Filename
			gotPartType = hdr.Header.Get("Content-Type")
		}
		_, _ = io.WriteString(w, `{"text":""}`)
	}))
	t.Cleanup(srv.Close)

	text, err := New(Config{TranscribeURL: srv.URL}).Transcribe(context.Background(),
		Audio{Data: []byte{1, 2, 3}, Filename: "clip.ogg", MIMEType: "audio/ogg"})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "" {
		t.Fatalf("empty text should pass through, got %q", text)
	}
	if gotFilename != "clip.ogg" || gotPartType != "audio/ogg" {
		t.Fatalf("file part=%q %q", gotFilename, gotPartType)
	}
}

func TestTranscribe_NonSuccessStatusPassesBodyThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, "rate limited")
	}))
	t.Cleanup(srv.Close)

	_, err := New(Config{TranscribeURL: srv.URL}).Transcribe(context.Background(), Audio{Data: []byte("x")})
	ue, ok := AsError(err)
	if !ok {
		t.Fatalf("expected *Error, got %v", err)
	}
	if ue.Kind != KindStatus || ue.StatusCode != http.StatusInternalServerError {
		t.Fatalf("err=%+v", ue)
	}
	if ue.Message() != "rate limited" {
		t.Fatalf("message=%q", ue.Message())
	}
}

func TestTranscribe_Malformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing text field", `{"result":"hello"}`},
		{"not json", `<html>ok</html>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			_, err := New(Config{TranscribeURL: srv.URL}).Transcribe(context.Background(), Audio{Data: []byte("x")})
			if !IsKind(err, KindMalformed) {
				t.Fatalf("expected malformed, got %v", err)
			}
		})
	}
}

func TestTranscribe_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	c := New(Config{TranscribeURL: srv.URL, TranscribeTimeout: 50 * time.Millisecond})
	if _, err := c.Transcribe(context.Background(), Audio{Data: []byte("x")}); !IsKind(err, KindNetwork) {
		t.Fatalf("expected network error, got %v", err)
	}
}
