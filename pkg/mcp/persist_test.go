package mcp

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadServerDocument_Missing(t *testing.T) {
	doc, err := LoadServerDocument(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("LoadServerDocument() error = %v", err)
	}
	if len(doc.Servers) != 0 {
		t.Errorf("missing file should yield empty document, got %+v", doc)
	}
}

func TestServerDocument_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "servers.json")
	now := time.Now()

	doc := &ServerDocument{
		Servers: []PersistedServer{
			{
				ID:         "amap",
				Name:       "Amap Maps",
				ServerURL:  "https://mcp.example.com/amap",
				Type:       "streamable-http",
				APIKey:     "key-123",
				Status:     "connected",
				ToolsCount: 12,
				CreatedAt:  &now,
			},
			{
				ID:        "finance",
				ServerURL: "https://mcp.example.com/finance",
				Type:      "standard",
				Status:    "disconnected",
			},
		},
	}
	if err := SaveServerDocument(path, doc); err != nil {
		t.Fatalf("SaveServerDocument() error = %v", err)
	}

	loaded, err := LoadServerDocument(path)
	if err != nil {
		t.Fatalf("LoadServerDocument() error = %v", err)
	}
	if len(loaded.Servers) != 2 {
		t.Fatalf("servers = %d, want 2", len(loaded.Servers))
	}
	if loaded.Servers[0].Type != "streamable-http" || loaded.Servers[0].APIKey != "key-123" {
		t.Errorf("first server = %+v", loaded.Servers[0])
	}
	if loaded.LastUpdated.IsZero() {
		t.Error("LastUpdated not stamped on save")
	}
}

func TestLoadServerDocument_Invalid(t *testing.T) {
	dir := t.TempDir()

	badID := filepath.Join(dir, "badid.json")
	_ = os.WriteFile(badID, []byte(`{"servers":[{"id":"bad id!","serverUrl":"https://x.example.com","type":"standard"}]}`), 0o644)
	if _, err := LoadServerDocument(badID); !errors.Is(err, ErrInvalidServerConfig) {
		t.Errorf("bad id error = %v, want ErrInvalidServerConfig", err)
	}

	badURL := filepath.Join(dir, "badurl.json")
	_ = os.WriteFile(badURL, []byte(`{"servers":[{"id":"ok","serverUrl":"not a url","type":"standard"}]}`), 0o644)
	if _, err := LoadServerDocument(badURL); !errors.Is(err, ErrInvalidServerConfig) {
		t.Errorf("bad url error = %v, want ErrInvalidServerConfig", err)
	}

	relativeURL := filepath.Join(dir, "relurl.json")
	_ = os.WriteFile(relativeURL, []byte(`{"servers":[{"id":"ok","serverUrl":"/mcp/amap","type":"standard"}]}`), 0o644)
	if _, err := LoadServerDocument(relativeURL); !errors.Is(err, ErrInvalidServerConfig) {
		t.Errorf("relative url error = %v, want ErrInvalidServerConfig", err)
	}

	badType := filepath.Join(dir, "badtype.json")
	_ = os.WriteFile(badType, []byte(`{"servers":[{"id":"ok","serverUrl":"https://x.example.com","type":"telnet"}]}`), 0o644)
	if _, err := LoadServerDocument(badType); !errors.Is(err, ErrInvalidServerConfig) {
		t.Errorf("bad type error = %v, want ErrInvalidServerConfig", err)
	}

	garbage := filepath.Join(dir, "garbage.json")
	_ = os.WriteFile(garbage, []byte("not json"), 0o644)
	if _, err := LoadServerDocument(garbage); err == nil {
		t.Error("garbage file parsed without error")
	}
}

func TestPool_SaveAndLoadServers(t *testing.T) {
	server := fakeServer(t, weatherSpecs())
	defer server.Close()

	path := filepath.Join(t.TempDir(), "servers.json")

	p := newTestPool(t)
	_ = p.AddServer(context.Background(), ServerConfig{ID: "amap", Name: "Amap", URL: server.URL})
	if err := p.SaveServers(path); err != nil {
		t.Fatalf("SaveServers() error = %v", err)
	}

	doc, err := LoadServerDocument(path)
	if err != nil {
		t.Fatalf("LoadServerDocument() error = %v", err)
	}
	if len(doc.Servers) != 1 {
		t.Fatalf("persisted servers = %d, want 1", len(doc.Servers))
	}
	if doc.Servers[0].Status != "connected" || doc.Servers[0].ToolsCount != 1 {
		t.Errorf("persisted server = %+v", doc.Servers[0])
	}

	// A fresh pool rebuilt from the document reconnects the server.
	restored := newTestPool(t)
	if err := restored.LoadServers(context.Background(), path); err != nil {
		t.Fatalf("LoadServers() error = %v", err)
	}
	if state, _ := restored.ServerState("amap"); state != StateConnected {
		t.Errorf("restored state = %v, want connected", state)
	}
}

func TestTransportKindPersistedSpelling(t *testing.T) {
	kind, err := transportFromPersisted("streamable-http")
	if err != nil || kind != TransportStreamableHTTP {
		t.Errorf("transportFromPersisted = %v, %v", kind, err)
	}
	if got := persistedFromTransport(TransportStreamableHTTP); got != "streamable-http" {
		t.Errorf("persistedFromTransport = %q", got)
	}
	if kind, _ := transportFromPersisted(""); kind != TransportStandard {
		t.Errorf("empty type = %v, want standard", kind)
	}
}
