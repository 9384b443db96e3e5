// Package settings resolves the single configured upstream endpoint and its
// credential.
//
// The server configuration is a singleton by convention: Resolve always picks
// the earliest-created record, and Upsert updates that record in place instead
// of creating a second one. Nothing in the gateway ever deletes it.
package settings

import (
	"context"
	"errors"
	"time"
)

// ErrNotConfigured is returned by Resolve when no upstream has been configured
// yet. The forwarding engine maps it to the server_config_missing error.
var ErrNotConfigured = errors.New("settings: no server configuration")

// ServerConfig is the upstream endpoint and API key pair as exposed over the
// admin API.
type ServerConfig struct {
	Endpoint string `json:"endpoint"`
	APIKey   string `json:"api_key"`
}

// Record is a stored server configuration.
type Record struct {
	ID        string     `json:"id"`
	Endpoint  string     `json:"endpoint"`
	APIKey    string     `json:"api_key"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// Config returns the API-facing view of the record.
func (r *Record) Config() ServerConfig {
	return ServerConfig{Endpoint: r.Endpoint, APIKey: r.APIKey}
}

// Store holds the singleton server configuration.
type Store interface {
	// Resolve returns the earliest-created configuration record, or
	// ErrNotConfigured when none exists.
	Resolve(ctx context.Context) (*Record, error)

	// Upsert creates the record when absent, otherwise updates endpoint and
	// key in place. CreatedAt of an existing record is preserved.
	Upsert(ctx context.Context, cfg ServerConfig) (*Record, error)
}
