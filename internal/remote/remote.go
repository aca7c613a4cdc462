// Package remote defines the contract between the sync core and the remote
// backend: a table-level store, an RPC surface, and realtime channels with
// presence tracking. The rest of the core depends only on these interfaces,
// never on the HTTP/WebSocket implementations directly.
package remote

import (
	"context"
	"encoding/json"
)

// Row is a single record exchanged with the remote store, keyed by column name.
type Row map[string]any

// Filter selects rows by column equality. An empty filter matches all rows.
type Filter map[string]any

// Store is the query/RPC surface of the remote backend.
type Store interface {
	Select(ctx context.Context, table string, filter Filter) ([]Row, error)
	Upsert(ctx context.Context, table string, rows []Row, conflictKey string) error
	Delete(ctx context.Context, table string, filter Filter) error
	RPC(ctx context.Context, name string, args map[string]any) (json.RawMessage, error)
}

// Handler receives a channel event payload. For presence "sync" events the
// payload is nil; the current state is read via Channel.PresenceState.
type Handler func(payload map[string]any)

// Channel events emitted to handlers registered with On.
const (
	EventSync      = "sync"      // presence state changed
	EventBroadcast = "broadcast" // a peer called Send
)

// Channel is a named realtime channel with presence tracking and broadcast.
// On must be called before Subscribe; Unsubscribe tears the channel down
// synchronously and is safe to call more than once.
type Channel interface {
	On(event string, h Handler)
	Subscribe(ctx context.Context) error
	Track(payload map[string]any) error
	Send(payload map[string]any) error
	PresenceState() map[string][]map[string]any
	Unsubscribe()
}

// Realtime hands out channels by name. Channels with the same name share the
// server-side room but are independent client objects.
type Realtime interface {
	Channel(name string) Channel
}
