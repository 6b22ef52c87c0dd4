// Package server exposes the HTTP surface: the hub webhook endpoint, health,
// status, metrics, diagnostics under /admin, and the per-user bootstrap RPC.
package server

import (
	"context"
	"database/sql"

	"github.com/onnwee/autowatch/config"
	"github.com/onnwee/autowatch/crypto"
	"github.com/onnwee/autowatch/diag"
	"github.com/onnwee/autowatch/websub"
	"github.com/onnwee/autowatch/youtubeapi"
)

// Platform is the slice of the data API that bootstrap needs.
type Platform interface {
	ListSubscriptions(ctx context.Context, accessToken string) ([]youtubeapi.ChannelInfo, error)
	CreatePlaylist(ctx context.Context, accessToken, name, description string) (string, error)
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db    *sql.DB
	cfg   *config.Config
	vault crypto.Encryptor
	yt    Platform
	hub   websub.Hub
	diag  *diag.Store
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(db *sql.DB, cfg *config.Config, vault crypto.Encryptor, yt Platform, hub websub.Hub, store *diag.Store) *Handlers {
	return &Handlers{db: db, cfg: cfg, vault: vault, yt: yt, hub: hub, diag: store}
}
