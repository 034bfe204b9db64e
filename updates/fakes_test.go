package updates

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory SessionStore. Zero value is usable.
type fakeStore struct {
	mu         sync.Mutex
	states     map[int64]State
	catchingUp bool
	peers      map[string]Peer

	processedCalls int
	setStateCalls  int
	stateErr       error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		states: make(map[int64]State),
		peers:  make(map[string]Peer),
	}
}

func (s *fakeStore) UpdateState(scope int64) (State, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stateErr != nil {
		return State{}, false, s.stateErr
	}
	st, ok := s.states[scope]

	return st, ok, nil
}

func (s *fakeStore) SetUpdateState(scope int64, st State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.setStateCalls++
	s.states[scope] = st

	return nil
}

func (s *fakeStore) CatchingUp() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.catchingUp
}

func (s *fakeStore) SetCatchingUp(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.catchingUp = v
}

func (s *fakeStore) ProcessEntities(users, chats []Peer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.processedCalls++
	for _, p := range append(users, chats...) {
		if p.Username != "" {
			s.peers[p.Username] = p
		}
	}

	return nil
}

func (s *fakeStore) PeerByUsername(name string) (Peer, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.peers[name]

	return p, ok, nil
}

// fakeRPC replays a scripted sequence of difference responses and
// records every call.
type fakeRPC struct {
	mu sync.Mutex

	differences []DifferenceResult
	diffErr     error
	diffCalls   int

	state      State
	stateCalls int
	stateErr   error

	pings   []int64
	pingErr error
}

func (r *fakeRPC) GetDifference(ctx context.Context, pts, qts, date int64) (DifferenceResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.diffCalls++
	if r.diffErr != nil {
		return nil, r.diffErr
	}
	if len(r.differences) == 0 {
		return nil, fmt.Errorf("unexpected GetDifference call %d", r.diffCalls)
	}

	d := r.differences[0]
	r.differences = r.differences[1:]

	return d, nil
}

func (r *fakeRPC) GetState(ctx context.Context) (State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stateCalls++
	if r.stateErr != nil {
		return State{}, r.stateErr
	}

	return r.state, nil
}

func (r *fakeRPC) Ping(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pingErr != nil {
		return r.pingErr
	}
	r.pings = append(r.pings, id)

	return nil
}

func (r *fakeRPC) pingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.pings)
}

func (r *fakeRPC) stateCallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.stateCalls
}

// fakeConn is a scriptable Connection.
type fakeConn struct {
	mu          sync.Mutex
	connected   bool
	authorized  bool
	lastRequest time.Time

	disconnected chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		connected:    true,
		authorized:   true,
		disconnected: make(chan struct{}),
	}
}

func (c *fakeConn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connected
}

func (c *fakeConn) IsAuthorized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.authorized
}

func (c *fakeConn) Disconnected() <-chan struct{} {
	return c.disconnected
}

func (c *fakeConn) LastRequestAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lastRequest
}

func (c *fakeConn) disconnect() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	close(c.disconnected)
}

// newTestClient builds a Client over the given fakes, defaulting any
// nil collaborator.
func newTestClient(t *testing.T, rpc *fakeRPC, conn *fakeConn, store *fakeStore) *Client {
	t.Helper()

	if rpc == nil {
		rpc = &fakeRPC{}
	}
	if conn == nil {
		conn = newFakeConn()
	}
	if store == nil {
		store = newFakeStore()
	}

	c, err := New(Config{RPC: rpc, Conn: conn, Store: store})
	require.NoError(t, err)

	return c
}
