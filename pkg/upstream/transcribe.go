package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
)

const (
	defaultAudioFilename = "audio.webm"
	defaultAudioMIMEType = "audio/webm"
)

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// Audio is a recorded clip sent for transcription.
type Audio struct {
	Data     []byte
	Filename string
	// MIMEType is a hint only; the provider sniffs the container itself.
	MIMEType string
}

type transcriptionResponse struct {
	Text *string `json:"text"`
}

// Transcribe uploads audio in one multipart request and blocks until the
// provider answers. A non-2xx answer is returned as KindStatus with the body
// untouched; a 2xx answer without a text field is KindMalformed.
func (c *Client) Transcribe(ctx context.Context, audio Audio) (string, error) {
	if c.cfg.TranscribeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.TranscribeTimeout)
		defer cancel()
	}

	body, contentType, err := c.encodeAudio(audio)
	if err != nil {
		return "", &Error{Provider: ProviderTranscription, Kind: KindMalformed, Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TranscribeURL, body)
	if err != nil {
		return "", &Error{Provider: ProviderTranscription, Kind: KindNetwork, Cause: err}
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	setBearer(req.Header, c.cfg.TranscribeAPIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &Error{Provider: ProviderTranscription, Kind: KindNetwork, Cause: err}
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		raw := readLimited(resp.Body, c.cfg.MaxErrorBodyBytes)
		return "", &Error{Provider: ProviderTranscription, Kind: KindStatus, StatusCode: resp.StatusCode, Body: raw}
	}

	var out transcriptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", &Error{Provider: ProviderTranscription, Kind: KindNetwork, Cause: ctxErr}
		}
		return "", &Error{Provider: ProviderTranscription, Kind: KindMalformed, StatusCode: resp.StatusCode, Cause: err}
	}
	if out.Text == nil {
		return "", &Error{
			Provider:   ProviderTranscription,
			Kind:       KindMalformed,
			StatusCode: resp.StatusCode,
			Cause:      errors.New("response has no text field"),
		}
	}
	return *out.Text, nil
}

func (c *Client) encodeAudio(audio Audio) (*bytes.Buffer, string, error) {
	filename := strings.TrimSpace(audio.Filename)
	if filename == "" {
		filename = defaultAudioFilename
	}
	mimeType := strings.TrimSpace(audio.MIMEType)
	if mimeType == "" {
		mimeType = defaultAudioMIMEType
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, quoteEscaper.Replace(filename)))
	h.Set("Content-Type", mimeType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(audio.Data); err != nil {
		return nil, "", err
	}
	if err := mw.WriteField("model", c.cfg.TranscribeModel); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}
