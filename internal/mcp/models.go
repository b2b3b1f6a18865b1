// Package mcp manages user-registered MCP (Model Context Protocol) servers:
// CRUD over their records, connectivity probes, and the config JSON the
// agent runtime receives at exec time.
package mcp

import (
	"encoding/json"
	"time"

	apperrors "github.com/claudebox/claudebox/internal/common/errors"
)

// Server transport types.
const (
	TypeStdio = "stdio"
	TypeHTTP  = "http"
	TypeSSE   = "sse"
)

// Record is one registered MCP server.
type Record struct {
	ID        int64           `db:"id" json:"id"`
	UserID    int64           `db:"user_id" json:"userId"`
	Name      string          `db:"name" json:"name"`
	Type      string          `db:"type" json:"type"`
	Config    json.RawMessage `db:"config" json:"config"`
	Enabled   bool            `db:"enabled" json:"enabled"`
	CreatedAt time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time       `db:"updated_at" json:"updatedAt"`
}

// StdioConfig is the config payload of a stdio server: a command run
// inside the user's sandbox.
type StdioConfig struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// RemoteConfig is the config payload of an http or sse server.
type RemoteConfig struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Validate checks the record's type and config shape.
func (r *Record) Validate() error {
	if r.Name == "" {
		return apperrors.InvalidMcpConfig("server name is required")
	}
	switch r.Type {
	case TypeStdio:
		var cfg StdioConfig
		if err := json.Unmarshal(r.Config, &cfg); err != nil || cfg.Command == "" {
			return apperrors.InvalidMcpConfig("stdio config requires a command")
		}
	case TypeHTTP, TypeSSE:
		var cfg RemoteConfig
		if err := json.Unmarshal(r.Config, &cfg); err != nil || cfg.URL == "" {
			return apperrors.InvalidMcpConfig(r.Type + " config requires a url")
		}
	default:
		return apperrors.InvalidMcpConfig("type must be stdio, http or sse")
	}
	return nil
}

// StdioConfig decodes the config as stdio; callers check Type first.
func (r *Record) StdioConfig() (StdioConfig, error) {
	var cfg StdioConfig
	err := json.Unmarshal(r.Config, &cfg)
	return cfg, err
}

// RemoteConfig decodes the config as http/sse.
func (r *Record) RemoteConfig() (RemoteConfig, error) {
	var cfg RemoteConfig
	err := json.Unmarshal(r.Config, &cfg)
	return cfg, err
}
