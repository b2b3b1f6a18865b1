package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	apperrors "github.com/claudebox/claudebox/internal/common/errors"
	"github.com/claudebox/claudebox/internal/common/logger"
)

const probeTimeout = 10 * time.Second

// CommandProbe reports whether a command resolves on PATH inside the
// user's sandbox. Wired to an exec in the running container; an error
// means the sandbox itself was unreachable.
type CommandProbe func(ctx context.Context, userID int64, command string) (bool, error)

// TestResult is the outcome of a connectivity probe.
type TestResult struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// ToolInfo is one tool advertised by a remote server.
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ToolsResult is the tool listing of a server. Stdio servers run inside
// the sandbox and cannot be enumerated from the control plane.
type ToolsResult struct {
	Supported bool       `json:"supported"`
	Tools     []ToolInfo `json:"tools"`
}

// Service owns MCP server registration and probing.
type Service struct {
	store  *Store
	probe  CommandProbe
	logger *logger.Logger
}

// NewService creates the MCP service. probe may be nil, in which case
// stdio tests report the sandbox as unavailable.
func NewService(store *Store, probe CommandProbe, log *logger.Logger) *Service {
	return &Service{
		store:  store,
		probe:  probe,
		logger: log.WithFields(zap.String("component", "mcp-service")),
	}
}

// List returns the user's registered servers.
func (s *Service) List(ctx context.Context, userID int64) ([]Record, error) {
	return s.store.List(ctx, userID)
}

// Create validates and registers a server.
func (s *Service) Create(ctx context.Context, rec *Record) (*Record, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, rec); err != nil {
		return nil, err
	}
	s.logger.Info("mcp server registered",
		zap.Int64("user_id", rec.UserID),
		zap.String("name", rec.Name),
		zap.String("type", rec.Type))
	return rec, nil
}

// Update validates and rewrites a server.
func (s *Service) Update(ctx context.Context, rec *Record) (*Record, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	existing, err := s.store.Get(ctx, rec.UserID, rec.ID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, apperrors.New(apperrors.KindInternal, "mcp server not found", http.StatusNotFound)
	}
	rec.CreatedAt = existing.CreatedAt
	if err := s.store.Update(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Delete removes a server.
func (s *Service) Delete(ctx context.Context, userID, id int64) error {
	return s.store.Delete(ctx, userID, id)
}

// DeleteByUser removes all of a user's servers.
func (s *Service) DeleteByUser(ctx context.Context, userID int64) error {
	return s.store.DeleteByUser(ctx, userID)
}

// Test probes a server for reachability. Stdio servers are checked by
// resolving their command inside the user's sandbox; http and sse
// servers get a full MCP initialize handshake.
func (s *Service) Test(ctx context.Context, userID, id int64) (*TestResult, error) {
	rec, err := s.store.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, apperrors.New(apperrors.KindInternal, "mcp server not found", http.StatusNotFound)
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	switch rec.Type {
	case TypeStdio:
		return s.testStdio(ctx, rec)
	default:
		return s.testRemote(ctx, rec)
	}
}

func (s *Service) testStdio(ctx context.Context, rec *Record) (*TestResult, error) {
	cfg, err := rec.StdioConfig()
	if err != nil {
		return nil, apperrors.InvalidMcpConfig(err.Error())
	}
	if s.probe == nil {
		return &TestResult{OK: false, Message: "sandbox is not running"}, nil
	}
	found, err := s.probe(ctx, rec.UserID, cfg.Command)
	if err != nil {
		return &TestResult{OK: false, Message: fmt.Sprintf("sandbox probe failed: %v", err)}, nil
	}
	if !found {
		return &TestResult{OK: false, Message: fmt.Sprintf("command %q not found in sandbox", cfg.Command)}, nil
	}
	return &TestResult{OK: true, Message: fmt.Sprintf("command %q is available", cfg.Command)}, nil
}

func (s *Service) testRemote(ctx context.Context, rec *Record) (*TestResult, error) {
	client, err := s.remoteClient(rec)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	if _, err := s.initialize(ctx, client); err != nil {
		return &TestResult{OK: false, Message: err.Error()}, nil
	}
	return &TestResult{OK: true, Message: "initialize handshake succeeded"}, nil
}

// Tools lists the tools a remote server advertises.
func (s *Service) Tools(ctx context.Context, userID, id int64) (*ToolsResult, error) {
	rec, err := s.store.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, apperrors.New(apperrors.KindInternal, "mcp server not found", http.StatusNotFound)
	}
	if rec.Type == TypeStdio {
		return &ToolsResult{Supported: false, Tools: []ToolInfo{}}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	client, err := s.remoteClient(rec)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	if _, err := s.initialize(ctx, client); err != nil {
		return nil, apperrors.Wrap(err, "mcp initialize failed")
	}
	listed, err := client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		return nil, apperrors.Wrap(err, "mcp tools/list failed")
	}

	result := &ToolsResult{Supported: true, Tools: []ToolInfo{}}
	for _, tool := range listed.Tools {
		result.Tools = append(result.Tools, ToolInfo{Name: tool.Name, Description: tool.Description})
	}
	return result, nil
}

func (s *Service) remoteClient(rec *Record) (*mcpclient.Client, error) {
	cfg, err := rec.RemoteConfig()
	if err != nil {
		return nil, apperrors.InvalidMcpConfig(err.Error())
	}
	switch rec.Type {
	case TypeHTTP:
		return mcpclient.NewStreamableHttpClient(cfg.URL, transport.WithHTTPHeaders(cfg.Headers))
	case TypeSSE:
		return mcpclient.NewSSEMCPClient(cfg.URL, transport.WithHeaders(cfg.Headers))
	default:
		return nil, apperrors.InvalidMcpConfig("type must be http or sse")
	}
}

func (s *Service) initialize(ctx context.Context, client *mcpclient.Client) (*mcpgo.InitializeResult, error) {
	if err := client.Start(ctx); err != nil {
		return nil, err
	}
	req := mcpgo.InitializeRequest{}
	req.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcpgo.Implementation{Name: "claudebox", Version: "1.0.0"}
	return client.Initialize(ctx, req)
}

// configEntry is one server in the agent's --mcp-config document.
type configEntry struct {
	Type    string            `json:"type,omitempty"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// ConfigJSON assembles the mcpServers document for the user's enabled
// servers, in the shape the agent CLI accepts. Returns "" when the user
// has no enabled servers.
func (s *Service) ConfigJSON(ctx context.Context, userID int64) (string, error) {
	records, err := s.store.ListEnabled(ctx, userID)
	if err != nil {
		return "", err
	}
	if len(records) == 0 {
		return "", nil
	}

	servers := make(map[string]configEntry, len(records))
	for _, rec := range records {
		switch rec.Type {
		case TypeStdio:
			cfg, err := rec.StdioConfig()
			if err != nil {
				return "", apperrors.InvalidMcpConfig(err.Error())
			}
			servers[rec.Name] = configEntry{Command: cfg.Command, Args: cfg.Args, Env: cfg.Env}
		case TypeHTTP, TypeSSE:
			cfg, err := rec.RemoteConfig()
			if err != nil {
				return "", apperrors.InvalidMcpConfig(err.Error())
			}
			servers[rec.Name] = configEntry{Type: rec.Type, URL: cfg.URL, Headers: cfg.Headers}
		}
	}

	doc, err := json.Marshal(map[string]interface{}{"mcpServers": servers})
	if err != nil {
		return "", err
	}
	return string(doc), nil
}
