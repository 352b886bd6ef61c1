package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"assistant-relay/pkg/sse"
	"assistant-relay/pkg/upstream"
)

// ErrTruncated is returned by chat when the stream ended before the
// provider's end-of-stream record.
var ErrTruncated = errors.New("response was cut short")

// apiError is a non-2xx reply from the gateway.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("gateway returned %d: %s", e.Status, e.Message)
}

type account struct {
	ID                 uint   `json:"id"`
	Email              string `json:"email"`
	SubscriptionStatus string `json:"subscription_status,omitempty"`
}

type authResult struct {
	Token string  `json:"token"`
	User  account `json:"user"`
}

type gatewayClient struct {
	baseURL string
	token   string
	// requestTimeout bounds every call except the chat stream.
	requestTimeout time.Duration
	http           *http.Client
}

func newGatewayClient(baseURL, token string) *gatewayClient {
	return &gatewayClient{
		baseURL:        strings.TrimRight(baseURL, "/"),
		token:          token,
		requestTimeout: 2 * time.Minute,
		http:           &http.Client{},
	}
}

func (c *gatewayClient) register(ctx context.Context, email, password string) (authResult, error) {
	return c.authenticate(ctx, "/api/auth/register", email, password)
}

func (c *gatewayClient) login(ctx context.Context, email, password string) (authResult, error) {
	return c.authenticate(ctx, "/api/auth/login", email, password)
}

func (c *gatewayClient) authenticate(ctx context.Context, path, email, password string) (authResult, error) {
	body, _ := json.Marshal(map[string]string{"email": email, "password": password})
	var out authResult
	if err := c.doJSON(ctx, http.MethodPost, path, "application/json", bytes.NewReader(body), &out); err != nil {
		return authResult{}, err
	}
	if out.Token == "" {
		return authResult{}, errors.New("gateway returned no token")
	}
	return out, nil
}

func (c *gatewayClient) me(ctx context.Context) (account, error) {
	var out struct {
		User account `json:"user"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/api/me", "", nil, &out)
	return out.User, err
}

func (c *gatewayClient) checkout(ctx context.Context) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/api/payment/create-checkout-session", "", nil, &out)
	return out.URL, err
}

// transcribe uploads one audio file as multipart field "audio".
func (c *gatewayClient) transcribe(ctx context.Context, filename string, audio io.Reader) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("audio", filepath.Base(filename))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(fw, audio); err != nil {
		return "", fmt.Errorf("read audio: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/whisper", mw.FormDataContentType(), &buf, &out); err != nil {
		return "", err
	}
	return out.Text, nil
}

// chat streams one completion, calling onDelta with each text fragment as it
// arrives, and returns the full reply. Cancelling ctx closes the connection,
// which makes the gateway abort the provider call.
func (c *gatewayClient) chat(ctx context.Context, messages []upstream.Message, model string, onDelta func(string)) (string, error) {
	payload, err := json.Marshal(map[string]any{"messages": messages, "model": model})
	if err != nil {
		return "", err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/api/chat", "application/json", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", readAPIError(resp)
	}

	var (
		reply strings.Builder
		dec   sse.Decoder
		buf   = make([]byte, 4096)
	)
	emit := func(deltas []string) {
		for _, d := range deltas {
			reply.WriteString(d)
			if onDelta != nil {
				onDelta(d)
			}
		}
	}
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			emit(dec.Feed(buf[:n]))
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			emit(dec.Close())
			return reply.String(), rerr
		}
	}
	emit(dec.Close())
	if !dec.Done() {
		return reply.String(), ErrTruncated
	}
	return reply.String(), nil
}

func (c *gatewayClient) doJSON(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	if c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}
	req, err := c.newRequest(ctx, method, path, contentType, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return readAPIError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *gatewayClient) newRequest(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func readAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	return &apiError{Status: resp.StatusCode, Message: msg}
}
