package registry

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeAgent serves the handful of Consul HTTP endpoints the registry uses.
type fakeAgent struct {
	mu         sync.Mutex
	registered map[string]map[string]any
}

func (f *fakeAgent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Consul-Index", "1")
	w.Header().Set("X-Consul-KnownLeader", "true")
	w.Header().Set("X-Consul-LastContact", "0")

	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case r.URL.Path == "/v1/status/leader":
		_, _ = io.WriteString(w, `"127.0.0.1:8300"`)
	case r.URL.Path == "/v1/agent/service/register":
		var reg map[string]any
		_ = json.NewDecoder(r.Body).Decode(&reg)
		f.registered[reg["ID"].(string)] = reg
	case strings.HasPrefix(r.URL.Path, "/v1/agent/service/deregister/"):
		delete(f.registered, strings.TrimPrefix(r.URL.Path, "/v1/agent/service/deregister/"))
	case strings.HasPrefix(r.URL.Path, "/v1/health/service/"):
		name := strings.TrimPrefix(r.URL.Path, "/v1/health/service/")
		entries := []map[string]any{}
		for _, reg := range f.registered {
			if reg["Name"] != name {
				continue
			}
			entries = append(entries, map[string]any{
				"Node":    map[string]any{"Node": "n1", "Address": "10.0.0.1"},
				"Service": map[string]any{"ID": reg["ID"], "Service": reg["Name"], "Address": reg["Address"], "Port": reg["Port"], "Tags": reg["Tags"]},
			})
		}
		_ = json.NewEncoder(w).Encode(entries)
	default:
		http.NotFound(w, r)
	}
}

func newTestRegistry(t *testing.T) (*ConsulRegistry, *fakeAgent) {
	t.Helper()
	agent := &fakeAgent{registered: map[string]map[string]any{}}
	srv := httptest.NewServer(agent)
	t.Cleanup(srv.Close)

	reg, err := NewConsulRegistry(ConsulConfig{Address: strings.TrimPrefix(srv.URL, "http://"), Scheme: "http"}, nil)
	if err != nil {
		t.Fatalf("NewConsulRegistry: %v", err)
	}
	return reg, agent
}

func TestServiceManager_RegisterDiscoverDeregister(t *testing.T) {
	reg, agent := newTestRegistry(t)
	svc := &ServiceConfig{
		ID:      GenerateServiceID("assistant-relay", "192.168.1.10", 4000),
		Name:    "assistant-relay",
		Tags:    []string{"relay", "api"},
		Address: "192.168.1.10",
		Port:    4000,
		HealthCheck: &HealthCheck{
			HTTP:                           "http://192.168.1.10:4000/health",
			Interval:                       10 * time.Second,
			Timeout:                        3 * time.Second,
			DeregisterCriticalServiceAfter: 30 * time.Second,
		},
	}
	sm := NewServiceManager(reg, svc)
	if err := sm.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	agent.mu.Lock()
	got := agent.registered["assistant-relay-192.168.1.10-4000"]
	agent.mu.Unlock()
	if got == nil {
		t.Fatalf("service not registered: %v", agent.registered)
	}
	check, _ := got["Check"].(map[string]any)
	if check["HTTP"] != "http://192.168.1.10:4000/health" || check["Interval"] != "10s" {
		t.Fatalf("check=%v", check)
	}

	url, err := reg.Resolve("assistant-relay")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if url != "http://192.168.1.10:4000" {
		t.Fatalf("url=%q", url)
	}

	if err := sm.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := reg.Resolve("assistant-relay"); !errors.Is(err, ErrNoInstances) {
		t.Fatalf("Resolve after Stop: %v", err)
	}
}

func TestNewConsulRegistry_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := strings.TrimPrefix(srv.URL, "http://")
	srv.Close()

	if _, err := NewConsulRegistry(ConsulConfig{Address: addr, Scheme: "http"}, nil); err == nil {
		t.Fatalf("expected error for unreachable consul")
	}
}
