package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"assistant-relay/pkg/relay"
	"assistant-relay/pkg/upstream"
)

type ChatHandler struct {
	relay *relay.Relay
}

func NewChatHandler(r *relay.Relay) *ChatHandler {
	return &ChatHandler{relay: r}
}

type chatRequest struct {
	// kept raw so per-message fields the relay does not know reach the provider
	Messages json.RawMessage `json:"messages"`
	Model    string          `json:"model"`
}

func isJSONArray(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '['
}

// Chat relays one streaming completion. The session owns the response from
// here on, including every error reply.
func (h *ChatHandler) Chat(c *gin.Context) {
	session := h.relay.NewSession(ginResponder{c: c})
	if err := session.Authenticate(c.GetHeader("Authorization")); err != nil {
		return
	}

	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil || !isJSONArray(req.Messages) {
		if tooLarge(err) {
			_ = session.Reject(http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		_ = session.Reject(http.StatusBadRequest, "Messages array required")
		return
	}

	_ = session.Chat(c.Request.Context(), upstream.ChatRequest{Messages: req.Messages, Model: req.Model})
}

// Whisper relays one audio clip, uploaded as multipart field "audio", to
// the transcription provider.
func (h *ChatHandler) Whisper(c *gin.Context) {
	session := h.relay.NewSession(ginResponder{c: c})
	if err := session.Authenticate(c.GetHeader("Authorization")); err != nil {
		return
	}

	fh, err := c.FormFile("audio")
	if err != nil {
		if tooLarge(err) {
			_ = session.Reject(http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		_ = session.Reject(http.StatusBadRequest, "Audio file required")
		return
	}
	f, err := fh.Open()
	if err != nil {
		_ = session.Reject(http.StatusBadRequest, "Audio file required")
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		_ = session.Reject(http.StatusBadRequest, "Audio file required")
		return
	}

	_ = session.Transcribe(c.Request.Context(), upstream.Audio{
		Data:     data,
		Filename: fh.Filename,
		MIMEType: fh.Header.Get("Content-Type"),
	})
}

func tooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}
