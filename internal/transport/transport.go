// Package transport maintains the long-lived WebSocket session with the
// messaging backend. It multiplexes request/response calls and server
// push envelopes over one connection: a reader goroutine routes inbound
// frames either to the waiter of an in-flight request (by id) or to the
// injected envelope handler.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	"github.com/mtarnawa/gramsync/updates"
)

//go:generate mockgen -source=transport.go -destination=mock_conn_test.go -package=transport -mock_names=Conn=MockConn Conn

const (
	// responseTimeout bounds how long an invoke waits for its response
	// frame.
	responseTimeout = 30 * time.Second

	// readLimit caps inbound frame size. Update batches are metadata
	// only, so frames stay small; the limit guards against a buggy or
	// hostile server.
	readLimit = 4 * 1024 * 1024
)

var errResponseTimeout = fmt.Errorf("timed out waiting for server response")

// Conn abstracts the WebSocket connection so Client can be tested
// without a real server. *websocket.Conn satisfies this interface.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// EnvelopeHandler receives decoded push envelopes from the read loop.
type EnvelopeHandler func(ctx context.Context, env updates.Envelope)

type result struct {
	data json.RawMessage
	err  error
}

// Config holds the parameters needed to connect to the backend.
type Config struct {
	Host   string
	Token  string
	Device string
}

// Client is the WebSocket transport for one session. Writes are
// serialized by a mutex (the connection allows one concurrent writer);
// reads happen only on the Run goroutine.
type Client struct {
	logger *slog.Logger

	host   string
	token  string
	device string

	conn Conn

	onEnvelope EnvelopeHandler

	writeMu sync.Mutex
	nextID  atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan result

	// lastRequest is when the last content-related request was written.
	// Pings are excluded so the keepalive loop can detect genuine idle
	// periods.
	lastRequestMu sync.Mutex
	lastRequest   time.Time

	connected    atomic.Bool
	authorized   atomic.Bool
	disconnected chan struct{}
	closeOnce    sync.Once
}

// New creates a Client from the given config.
func New(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		logger:       logger,
		host:         cfg.Host,
		token:        cfg.Token,
		device:       cfg.Device,
		pending:      make(map[int64]chan result),
		disconnected: make(chan struct{}),
	}
}

// SetEnvelopeHandler installs the push envelope callback. Must be
// called before Run.
func (c *Client) SetEnvelopeHandler(h EnvelopeHandler) {
	c.onEnvelope = h
}

// initRequest is the first frame sent after connect.
type initRequest struct {
	Method string `json:"_"`
	Token  string `json:"token"`
	Device string `json:"device"`
}

// initResponse is the server reply to an init frame. UserID is zero for
// sessions that are connected but not yet signed in.
type initResponse struct {
	Res    string `json:"res"`
	Msg    string `json:"msg"`
	UserID int64  `json:"user_id"`
}

// Connect dials the WebSocket and performs the init handshake.
func (c *Client) Connect(ctx context.Context) error {
	url := "wss://" + c.host
	c.logger.Debug("connecting", slog.String("url", url))

	conn, _, err := websocket.Dial(ctx, url, nil) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		return fmt.Errorf("dialing websocket: %w", err)
	}

	return c.handshake(ctx, conn)
}

// handshake performs the post-dial init sequence. Extracted from
// Connect so the auth logic can be tested with a mock Conn without a
// real network connection.
func (c *Client) handshake(ctx context.Context, conn Conn) error {
	c.conn = conn
	c.conn.SetReadLimit(readLimit)

	init := initRequest{Method: "init", Token: c.token, Device: c.device}
	if err := c.writeJSON(ctx, init); err != nil {
		c.conn.Close(websocket.StatusInternalError, "init failed")
		return fmt.Errorf("sending init: %w", err)
	}

	// The init response is read directly; Run is not started yet.
	var resp initResponse
	if err := c.readJSON(ctx, &resp); err != nil {
		c.conn.Close(websocket.StatusInternalError, "init read failed")
		return fmt.Errorf("reading init response: %w", err)
	}

	if resp.Res != "ok" {
		msg := resp.Msg
		if msg == "" {
			msg = resp.Res
		}

		c.conn.Close(websocket.StatusNormalClosure, "auth failed")

		return fmt.Errorf("auth failed: %s", msg)
	}

	c.connected.Store(true)
	c.authorized.Store(resp.UserID > 0)
	c.logger.Info("session established",
		slog.Int64("user_id", resp.UserID),
		slog.Bool("authorized", resp.UserID > 0),
	)

	return nil
}

// Run is the read loop. It routes every inbound frame and returns when
// the connection drops or ctx is cancelled; either way the disconnect
// signal fires and in-flight invokes fail.
func (c *Client) Run(ctx context.Context) error {
	defer c.markDisconnected(fmt.Errorf("connection closed"))

	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("reading frame: %w", err)
		}

		if typ != websocket.MessageText {
			c.logger.Debug("unexpected binary frame", slog.Int("bytes", len(data)))
			continue
		}

		c.route(ctx, data)
	}
}

// route delivers one inbound text frame: frames with an id resolve the
// matching in-flight invoke, pongs are dropped, everything else is
// decoded as a push envelope.
func (c *Client) route(ctx context.Context, data []byte) {
	if id := gjson.GetBytes(data, "id").Int(); id > 0 {
		c.deliver(id, data)
		return
	}

	switch kind := gjson.GetBytes(data, "_").Str; kind {
	case "pong":
		return

	case "":
		c.logger.Debug("unparseable text frame", slog.Int("bytes", len(data)))

	default:
		env, err := updates.ParseEnvelope(data)
		if err != nil {
			c.logger.Debug("dropping frame",
				slog.String("kind", kind),
				slog.String("error", err.Error()),
			)
			return
		}
		if c.onEnvelope != nil {
			c.onEnvelope(ctx, env)
		}
	}
}

// deliver resolves the waiter for a response frame. Responses for
// requests that already timed out are dropped.
func (c *Client) deliver(id int64, data []byte) {
	c.pendingMu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.pendingMu.Unlock()

	if !ok {
		c.logger.Debug("response for unknown request", slog.Int64("id", id))
		return
	}

	if errMsg := gjson.GetBytes(data, "error").Str; errMsg != "" {
		ch <- result{err: fmt.Errorf("server error: %s", errMsg)}
		return
	}

	ch <- result{data: json.RawMessage(gjson.GetBytes(data, "result").Raw)}
}

// invoke sends a request frame and waits for its response. The req
// value must carry the "_" method and "id" fields.
func (c *Client) invoke(ctx context.Context, id int64, req any) (json.RawMessage, error) {
	ch := make(chan result, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	if err := c.writeJSON(ctx, req); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()

		return nil, fmt.Errorf("sending request: %w", err)
	}
	c.touchLastRequest()

	timeout := time.NewTimer(responseTimeout)
	defer timeout.Stop()

	select {
	case res := <-ch:
		return res.data, res.err
	case <-timeout.C:
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()

		return nil, errResponseTimeout
	case <-c.disconnected:
		return nil, fmt.Errorf("connection lost")
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()

		return nil, ctx.Err()
	}
}

type getDifferenceRequest struct {
	Method string `json:"_"`
	ID     int64  `json:"id"`
	Pts    int64  `json:"pts"`
	Qts    int64  `json:"qts"`
	Date   int64  `json:"date"`
}

// GetDifference implements updates.RPC.
func (c *Client) GetDifference(ctx context.Context, pts, qts, date int64) (updates.DifferenceResult, error) {
	id := c.nextID.Add(1)
	raw, err := c.invoke(ctx, id, getDifferenceRequest{
		Method: "updates.getDifference",
		ID:     id,
		Pts:    pts,
		Qts:    qts,
		Date:   date,
	})
	if err != nil {
		return nil, err
	}

	return updates.ParseDifference(raw)
}

type getStateRequest struct {
	Method string `json:"_"`
	ID     int64  `json:"id"`
}

// GetState implements updates.RPC.
func (c *Client) GetState(ctx context.Context) (updates.State, error) {
	id := c.nextID.Add(1)
	raw, err := c.invoke(ctx, id, getStateRequest{Method: "updates.getState", ID: id})
	if err != nil {
		return updates.State{}, err
	}

	var st updates.State
	if err := json.Unmarshal(raw, &st); err != nil {
		return updates.State{}, fmt.Errorf("decoding state: %w", err)
	}

	return st, nil
}

type pingRequest struct {
	Method string `json:"_"`
	PingID int64  `json:"ping_id"`
}

// Ping implements updates.RPC. The frame carries no request id; any
// pong the server sends back is dropped by the read loop. Pings do not
// update the last-request time.
func (c *Client) Ping(ctx context.Context, id int64) error {
	return c.writeJSON(ctx, pingRequest{Method: "ping", PingID: id})
}

// IsConnected implements updates.Connection.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// IsAuthorized implements updates.Connection.
func (c *Client) IsAuthorized() bool {
	return c.authorized.Load()
}

// Disconnected implements updates.Connection.
func (c *Client) Disconnected() <-chan struct{} {
	return c.disconnected
}

// LastRequestAt implements updates.Connection.
func (c *Client) LastRequestAt() time.Time {
	c.lastRequestMu.Lock()
	defer c.lastRequestMu.Unlock()

	return c.lastRequest
}

// Close cleanly shuts down the connection.
func (c *Client) Close() error {
	c.markDisconnected(fmt.Errorf("client closed"))

	if c.conn != nil {
		return c.conn.Close(websocket.StatusNormalClosure, "bye")
	}

	return nil
}

// markDisconnected fires the disconnect signal once and fails all
// in-flight invokes.
func (c *Client) markDisconnected(cause error) {
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		close(c.disconnected)
	})

	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[int64]chan result)
	c.pendingMu.Unlock()

	for _, ch := range pending {
		select {
		case ch <- result{err: cause}:
		default:
		}
	}
}

func (c *Client) touchLastRequest() {
	c.lastRequestMu.Lock()
	c.lastRequest = time.Now()
	c.lastRequestMu.Unlock()
}

// writeJSON marshals v and writes it as a text frame. Serialized by
// writeMu since the connection allows one concurrent writer.
func (c *Client) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling message: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.conn.Write(ctx, websocket.MessageText, data)
}

// readJSON reads a text frame and unmarshals it into v. Only called
// during the handshake, before Run starts.
func (c *Client) readJSON(ctx context.Context, v any) error {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading message: %w", err)
	}

	return json.Unmarshal(data, v)
}
