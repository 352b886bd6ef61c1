// Package upstream talks to the third-party chat-completion and
// speech-to-text providers on behalf of the relay. It never retries: a
// partially streamed response cannot be replayed without duplicating output.
package upstream

import (
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	ProviderChat          = "chat"
	ProviderTranscription = "transcription"

	DefaultChatURL         = "https://openrouter.ai/api/v1/chat/completions"
	DefaultTranscribeURL   = "https://api.openai.com/v1/audio/transcriptions"
	DefaultModel           = "openrouter/auto"
	DefaultTranscribeModel = "whisper-1"

	// error bodies are read up to 1 MiB
	DefaultMaxErrorBodyBytes int64 = 1 << 20
)

type Config struct {
	ChatURL      string
	ChatAPIKey   string
	DefaultModel string
	// Referer and Title are sent as HTTP-Referer / X-Title for provider attribution.
	Referer string
	Title   string

	TranscribeURL    string
	TranscribeAPIKey string
	TranscribeModel  string

	// ResponseHeaderTimeout bounds the wait for upstream response headers.
	ResponseHeaderTimeout time.Duration
	// StreamIdleTimeout aborts a chat stream that delivers nothing for this long.
	StreamIdleTimeout time.Duration
	// TranscribeTimeout bounds a whole transcription call.
	TranscribeTimeout time.Duration

	MaxErrorBodyBytes int64

	// HTTPClient overrides the tuned default. Its Timeout must be zero or
	// long-running streams will be cut.
	HTTPClient *http.Client
}

type Client struct {
	cfg        Config
	httpClient *http.Client
}

func New(cfg Config) *Client {
	if strings.TrimSpace(cfg.ChatURL) == "" {
		cfg.ChatURL = DefaultChatURL
	}
	if strings.TrimSpace(cfg.TranscribeURL) == "" {
		cfg.TranscribeURL = DefaultTranscribeURL
	}
	if strings.TrimSpace(cfg.DefaultModel) == "" {
		cfg.DefaultModel = DefaultModel
	}
	if strings.TrimSpace(cfg.TranscribeModel) == "" {
		cfg.TranscribeModel = DefaultTranscribeModel
	}
	if cfg.MaxErrorBodyBytes <= 0 {
		cfg.MaxErrorBodyBytes = DefaultMaxErrorBodyBytes
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Transport: defaultTransport(cfg.ResponseHeaderTimeout)}
	}
	return &Client{cfg: cfg, httpClient: hc}
}

func defaultTransport(responseHeaderTimeout time.Duration) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   15 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          128,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: responseHeaderTimeout,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}
}

func setBearer(h http.Header, key string) {
	if key = strings.TrimSpace(key); key != "" {
		h.Set("Authorization", "Bearer "+key)
	}
}

func readLimited(r io.Reader, limit int64) []byte {
	b, _ := io.ReadAll(io.LimitReader(r, limit))
	return b
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}
