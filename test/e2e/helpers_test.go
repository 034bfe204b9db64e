package e2e_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mtarnawa/gramsync/internal/session"
	"github.com/mtarnawa/gramsync/updates"
)

// harness wires a real bbolt session store to an update client driven by
// a scripted in-memory backend, exercising the full persistence,
// reconciliation and dispatch path without a network.
type harness struct {
	t *testing.T

	dbPath string
	store  *session.Store
	rpc    *scriptedRPC
	conn   *stubConn
	client *updates.Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		t:      t,
		dbPath: filepath.Join(t.TempDir(), "session.db"),
		rpc:    &scriptedRPC{},
		conn:   newStubConn(),
	}
	h.open()

	return h
}

// open builds the store and client over the current database file.
func (h *harness) open() {
	h.t.Helper()

	store, err := session.Open(h.dbPath)
	require.NoError(h.t, err)
	h.store = store

	client, err := updates.New(updates.Config{
		RPC:   h.rpc,
		Conn:  h.conn,
		Store: store,
	})
	require.NoError(h.t, err)
	h.client = client

	h.t.Cleanup(func() { store.Close() })
}

// restart closes the client and store, then reopens both over the same
// database file, simulating a process restart.
func (h *harness) restart() {
	h.t.Helper()

	require.NoError(h.t, h.client.Close())
	require.NoError(h.t, h.store.Close())
	h.open()
}

// collect registers a catch-all handler funnelling every dispatched
// update into the returned channel.
func (h *harness) collect(capacity int) <-chan *updates.Update {
	out := make(chan *updates.Update, capacity)
	h.client.AddEventHandler(func(ctx context.Context, ev updates.Event) error {
		out <- ev.(*updates.RawEvent).Update
		return nil
	}, nil)

	return out
}

// drain closes the client and reads every buffered update.
func (h *harness) drain(ch <-chan *updates.Update) []*updates.Update {
	h.t.Helper()
	require.NoError(h.t, h.client.Close())

	var got []*updates.Update
	for {
		select {
		case u := <-ch:
			got = append(got, u)
		default:
			return got
		}
	}
}

// scriptedRPC replays a fixed difference script and counts calls.
type scriptedRPC struct {
	mu          sync.Mutex
	differences []updates.DifferenceResult
	calls       int
}

func (r *scriptedRPC) script(ds ...updates.DifferenceResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.differences = ds
}

func (r *scriptedRPC) GetDifference(ctx context.Context, pts, qts, date int64) (updates.DifferenceResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls++
	if len(r.differences) == 0 {
		return nil, fmt.Errorf("unscripted GetDifference call %d", r.calls)
	}

	d := r.differences[0]
	r.differences = r.differences[1:]

	return d, nil
}

func (r *scriptedRPC) GetState(ctx context.Context) (updates.State, error) {
	return updates.State{}, nil
}

func (r *scriptedRPC) Ping(ctx context.Context, id int64) error { return nil }

// stubConn reports a connected, authorized session.
type stubConn struct {
	disconnected chan struct{}
}

func newStubConn() *stubConn {
	return &stubConn{disconnected: make(chan struct{})}
}

func (c *stubConn) IsConnected() bool             { return true }
func (c *stubConn) IsAuthorized() bool            { return true }
func (c *stubConn) Disconnected() <-chan struct{} { return c.disconnected }
func (c *stubConn) LastRequestAt() time.Time      { return time.Now() }
