package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

// persisted transport spellings differ from the runtime constants.
const (
	persistedTypeStandard   = "standard"
	persistedTypeStreamable = "streamable-http"
)

// PersistedServer is one server entry of the on-disk config document.
type PersistedServer struct {
	ID          string     `json:"id"`
	Name        string     `json:"name,omitempty"`
	ServerURL   string     `json:"serverUrl"`
	Type        string     `json:"type"`
	APIKey      string     `json:"apiKey,omitempty"`
	Status      string     `json:"status"`
	ToolsCount  int        `json:"toolsCount"`
	LastChecked *time.Time `json:"lastChecked,omitempty"`
	CreatedAt   *time.Time `json:"createdAt,omitempty"`
	UpdatedAt   *time.Time `json:"updatedAt,omitempty"`
}

// ServerDocument is the persisted MCP server configuration.
type ServerDocument struct {
	Servers     []PersistedServer `json:"servers"`
	LastUpdated time.Time         `json:"lastUpdated"`
}

func transportFromPersisted(persistedType string) (TransportKind, error) {
	switch persistedType {
	case persistedTypeStandard, "":
		return TransportStandard, nil
	case persistedTypeStreamable:
		return TransportStreamableHTTP, nil
	default:
		return "", fmt.Errorf("%w: unknown type %q", ErrInvalidServerConfig, persistedType)
	}
}

func persistedFromTransport(kind TransportKind) string {
	if kind == TransportStreamableHTTP {
		return persistedTypeStreamable
	}
	return persistedTypeStandard
}

// LoadServerDocument reads and validates a server config document.
// A missing file yields an empty document, not an error.
func LoadServerDocument(path string) (*ServerDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &ServerDocument{}, nil
		}
		return nil, fmt.Errorf("reading server config: %w", err)
	}

	var doc ServerDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing server config: %w", err)
	}

	for _, server := range doc.Servers {
		if !serverIDPattern.MatchString(server.ID) {
			return nil, fmt.Errorf("%w: id %q", ErrInvalidServerConfig, server.ID)
		}
		if parsed, err := url.Parse(server.ServerURL); err != nil || !parsed.IsAbs() || parsed.Host == "" {
			return nil, fmt.Errorf("%w: server %q url %q is not absolute", ErrInvalidServerConfig, server.ID, server.ServerURL)
		}
		if _, err := transportFromPersisted(server.Type); err != nil {
			return nil, err
		}
	}

	return &doc, nil
}

// SaveServerDocument writes the document atomically.
func SaveServerDocument(path string, doc *ServerDocument) error {
	doc.LastUpdated = time.Now()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling server config: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing server config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing server config: %w", err)
	}
	return nil
}

// LoadServers adds every persisted server to the pool. Individual
// connection failures are logged and retried by the pool itself.
func (p *Pool) LoadServers(ctx context.Context, path string) error {
	doc, err := LoadServerDocument(path)
	if err != nil {
		return err
	}

	for _, server := range doc.Servers {
		transport, err := transportFromPersisted(server.Type)
		if err != nil {
			return err
		}
		cfg := ServerConfig{
			ID:        server.ID,
			Name:      server.Name,
			URL:       server.ServerURL,
			APIKey:    server.APIKey,
			Transport: transport,
		}
		if err := p.AddServer(ctx, cfg); err != nil {
			slog.Warn("Persisted MCP server did not connect", "server", server.ID, "error", err)
		}
	}
	return nil
}

// SaveServers snapshots the pool into the persisted document format.
func (p *Pool) SaveServers(path string) error {
	p.mu.RLock()
	doc := &ServerDocument{}
	now := time.Now()
	for _, entry := range p.connectedEntriesLocked() {
		checked := entry.lastConnectedAt
		doc.Servers = append(doc.Servers, PersistedServer{
			ID:          entry.config.ID,
			Name:        entry.config.Name,
			ServerURL:   entry.config.URL,
			Type:        persistedFromTransport(entry.transport.Mode()),
			APIKey:      entry.config.APIKey,
			Status:      string(entry.state),
			ToolsCount:  len(entry.tools),
			LastChecked: &checked,
			UpdatedAt:   &now,
		})
	}
	for _, entry := range p.servers {
		if entry.state == StateConnected {
			continue
		}
		doc.Servers = append(doc.Servers, PersistedServer{
			ID:         entry.config.ID,
			Name:       entry.config.Name,
			ServerURL:  entry.config.URL,
			Type:       persistedFromTransport(entry.transport.Mode()),
			APIKey:     entry.config.APIKey,
			Status:     string(entry.state),
			ToolsCount: len(entry.tools),
			UpdatedAt:  &now,
		})
	}
	p.mu.RUnlock()

	return SaveServerDocument(path, doc)
}
