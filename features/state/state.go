// Package state defines the durable snapshot of the gateway and the Store
// contract its persistence backends implement.
//
// The gateway saves the whole snapshot after each mutation, so stores only
// need replace-style writes. Missing or unreadable state loads as empty;
// the gateway treats persistence as best effort and never fails a request
// on a save error.
package state

import (
	"context"

	"goa.design/clue/health"

	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/keygroup"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/keystore"
)

type (
	// State is everything that survives a restart: the key store snapshot,
	// the group snapshot, and the admin key minted at first launch.
	State struct {
		AdminKey  string
		Keys      keystore.Snapshot
		Groups    keygroup.Snapshot
		SavedAtMs int64
	}

	// Store persists and recalls the gateway state.
	Store interface {
		health.Pinger

		Save(ctx context.Context, st State) error
		Load(ctx context.Context) (State, error)
		Close(ctx context.Context) error
	}
)
