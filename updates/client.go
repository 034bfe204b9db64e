package updates

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// defaultScope is the account-wide update channel. Secondary scopes
// (per-channel pts) are keyed by the same store but are not driven by
// this engine.
const defaultScope = int64(0)

// RPC is the request/response surface of the transport collaborator.
// Implementations decode responses into the typed variants this engine
// consumes.
type RPC interface {
	// GetDifference requests everything that changed since the given
	// cursor.
	GetDifference(ctx context.Context, pts, qts, date int64) (DifferenceResult, error)

	// GetState returns the server's current cursor.
	GetState(ctx context.Context) (State, error)

	// Ping sends a fire-and-forget liveness ping with the given id.
	Ping(ctx context.Context, id int64) error
}

// Connection is the liveness surface of the transport collaborator.
type Connection interface {
	IsConnected() bool
	IsAuthorized() bool

	// Disconnected is closed when the connection terminates.
	Disconnected() <-chan struct{}

	// LastRequestAt reports when the last content-related request was
	// sent. Liveness pings do not count.
	LastRequestAt() time.Time
}

// SessionStore is the persistent storage collaborator: the update cursor
// per scope, the catching-up flag and the entity cache.
type SessionStore interface {
	UpdateState(scope int64) (State, bool, error)
	SetUpdateState(scope int64, st State) error

	CatchingUp() bool
	SetCatchingUp(v bool)

	// ProcessEntities caches the entities carried by a top-level
	// envelope. Called once per envelope before decomposition.
	ProcessEntities(users, chats []Peer) error

	PeerByUsername(name string) (Peer, bool, error)
}

// ErrPeerNotFound reports a username with no cached entity.
var ErrPeerNotFound = fmt.Errorf("peer not found")

// Config holds the collaborators a Client is built from.
type Config struct {
	RPC    RPC
	Conn   Connection
	Store  SessionStore
	Logger *slog.Logger
}

// Client is the update-synchronization and event-dispatch engine. It
// tracks the sync cursor, recovers missed updates through the difference
// protocol, and fans out every received update to registered handlers.
//
// Each normalized update is dispatched on its own goroutine so a slow
// handler never stalls the transport's read loop or other updates.
type Client struct {
	logger *slog.Logger
	rpc    RPC
	conn   Connection
	store  SessionStore

	state    *SyncState
	registry *handlerRegistry

	// resolve provides the one-resolves-rest-wait barrier for lazy
	// matcher resolution under concurrent dispatch.
	resolve singleflight.Group

	// catchUpMu makes CatchUp mutually exclusive with itself.
	catchUpMu sync.Mutex

	gaps atomic.Int64
	wg   sync.WaitGroup
}

// New builds a Client and loads the persisted cursor for the default
// scope. A missing cursor starts from the zero state. All three
// collaborators are required.
func New(cfg Config) (*Client, error) {
	switch {
	case cfg.RPC == nil:
		return nil, fmt.Errorf("rpc is required")
	case cfg.Conn == nil:
		return nil, fmt.Errorf("connection is required")
	case cfg.Store == nil:
		return nil, fmt.Errorf("session store is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var st State
	loaded, ok, err := cfg.Store.UpdateState(defaultScope)
	if err != nil {
		return nil, fmt.Errorf("loading update state: %w", err)
	}
	if ok {
		st = loaded
	}

	return &Client{
		logger:   logger,
		rpc:      cfg.RPC,
		conn:     cfg.Conn,
		store:    cfg.Store,
		state:    NewSyncState(st),
		registry: newHandlerRegistry(),
	}, nil
}

// State returns a snapshot of the live synchronization cursor.
func (c *Client) State() State {
	return c.state.Load()
}

// Gaps returns the number of pts discontinuities detected since start.
// Gap detection is advisory: gapped updates are still delivered, and no
// automatic reconciliation is triggered.
func (c *Client) Gaps() int64 {
	return c.gaps.Load()
}

// ResolvePeer looks a peer up by username in the session entity cache.
func (c *Client) ResolvePeer(ctx context.Context, username string) (Peer, error) {
	p, ok, err := c.store.PeerByUsername(username)
	if err != nil {
		return Peer{}, fmt.Errorf("looking up peer %q: %w", username, err)
	}
	if !ok {
		return Peer{}, fmt.Errorf("%w: %q", ErrPeerNotFound, username)
	}

	return p, nil
}

// Close waits for in-flight dispatches to finish and persists the live
// cursor back to the session store.
func (c *Client) Close() error {
	c.wg.Wait()

	if err := c.store.SetUpdateState(defaultScope, c.state.Load()); err != nil {
		return fmt.Errorf("persisting update state: %w", err)
	}

	return nil
}
