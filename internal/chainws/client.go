// Package chainws maintains the RPC node's pubsub websocket: JSON-RPC
// subscriptions with auto-reconnect, replayed subscriptions and a ping
// keepalive. Server-side subscription ids change across reconnects; the
// id handed to the caller stays stable and remaps internally.
package chainws

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeTimeout     = 10 * time.Second
	readTimeout      = 90 * time.Second // ~2 missed pings triggers reconnect
	requestTimeout   = 10 * time.Second
	maxReconnectWait = 30 * time.Second
)

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      uint64      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcMessage struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type subscription struct {
	method string
	params interface{}
	cb     func(json.RawMessage)

	// current server-side id; diverges from the caller's handle after
	// a reconnect
	serverID uint64
}

// Client is a JSON-RPC subscription client over one websocket connection.
type Client struct {
	url            string
	reconnectDelay time.Duration
	pingInterval   time.Duration

	onConnect    func()
	onDisconnect func(error)

	connMu sync.Mutex // guards conn and all writes to it
	conn   *websocket.Conn

	reqID     atomic.Uint64
	pendingMu sync.Mutex
	pending   map[uint64]chan rpcMessage

	subMu  sync.Mutex
	subs   map[uint64]*subscription // caller handle -> subscription
	routes map[uint64]*subscription // current server id -> subscription

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewClient prepares a client for the given pubsub endpoint. Connect
// must be called before subscribing.
func NewClient(url string, reconnectDelay, pingInterval time.Duration) *Client {
	if reconnectDelay <= 0 {
		reconnectDelay = time.Second
	}
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	return &Client{
		url:            url,
		reconnectDelay: reconnectDelay,
		pingInterval:   pingInterval,
		pending:        make(map[uint64]chan rpcMessage),
		subs:           make(map[uint64]*subscription),
		routes:         make(map[uint64]*subscription),
		closed:         make(chan struct{}),
	}
}

// SetCallbacks registers connection lifecycle hooks. Must be called
// before Connect. onConnect fires on every successful (re)connect,
// after subscriptions have been replayed.
func (c *Client) SetCallbacks(onConnect func(), onDisconnect func(error)) {
	c.onConnect = onConnect
	c.onDisconnect = onDisconnect
}

// Connect dials the endpoint and starts the read and ping loops.
func (c *Client) Connect() error {
	conn, err := c.dial()
	if err != nil {
		return err
	}
	c.setConn(conn)
	log.Info().Str("url", c.url).Msg("pubsub websocket connected")
	if c.onConnect != nil {
		go c.onConnect()
	}

	c.wg.Add(2)
	go c.readLoop(conn)
	go c.pingLoop()
	return nil
}

// Close tears the connection down and stops the loops.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.connMu.Unlock()
	c.wg.Wait()
}

// AccountSubscribe watches an account for lamport/data changes. The
// callback runs on the read loop; spawn a goroutine for slow work.
func (c *Client) AccountSubscribe(address string, cb func(json.RawMessage)) (uint64, error) {
	params := []interface{}{
		address,
		map[string]interface{}{"encoding": "jsonParsed", "commitment": "confirmed"},
	}
	return c.subscribe("accountSubscribe", params, cb)
}

// SignatureSubscribe fires the callback once when a signature reaches
// confirmed commitment. The server drops the subscription after firing.
func (c *Client) SignatureSubscribe(signature string, cb func(json.RawMessage)) (uint64, error) {
	params := []interface{}{
		signature,
		map[string]interface{}{"commitment": "confirmed"},
	}
	return c.subscribe("signatureSubscribe", params, cb)
}

// Unsubscribe cancels a subscription by the handle the subscribe call
// returned. method names the RPC unsubscribe method, e.g.
// "accountUnsubscribe".
func (c *Client) Unsubscribe(method string, subID uint64) error {
	c.subMu.Lock()
	sub, ok := c.subs[subID]
	if ok {
		delete(c.subs, subID)
		delete(c.routes, sub.serverID)
	}
	c.subMu.Unlock()
	if !ok {
		return nil
	}

	_, err := c.call(method, []interface{}{sub.serverID})
	if err != nil {
		return fmt.Errorf("%s %d: %w", method, subID, err)
	}
	return nil
}

func (c *Client) subscribe(method string, params interface{}, cb func(json.RawMessage)) (uint64, error) {
	result, err := c.call(method, params)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", method, err)
	}
	var serverID uint64
	if err := json.Unmarshal(result, &serverID); err != nil {
		return 0, fmt.Errorf("%s: bad subscription id: %w", method, err)
	}

	sub := &subscription{method: method, params: params, cb: cb, serverID: serverID}
	c.subMu.Lock()
	c.subs[serverID] = sub
	c.routes[serverID] = sub
	c.subMu.Unlock()
	return serverID, nil
}

func (c *Client) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.url, err)
	}
	return conn, nil
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// call writes one request and waits for the matching response.
func (c *Client) call(method string, params interface{}) (json.RawMessage, error) {
	id := c.reqID.Add(1)
	ch := make(chan rpcMessage, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.writeJSON(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("connection lost")
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("rpc error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-time.After(requestTimeout):
		return nil, fmt.Errorf("response timeout")
	case <-c.closed:
		return nil, fmt.Errorf("client closed")
	}
}

func (c *Client) writeJSON(v interface{}) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

func (c *Client) writeControl(msgType int, data []byte) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	return c.conn.WriteControl(msgType, data, time.Now().Add(writeTimeout))
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if c.isClosed() {
				return
			}
			log.Warn().Err(err).Msg("pubsub read failed, reconnecting")
			if c.onDisconnect != nil {
				go c.onDisconnect(err)
			}
			c.failPending()
			conn = c.reconnect()
			if conn == nil {
				return
			}
			continue
		}
		c.dispatch(msg)
	}
}

// reconnect redials with exponential backoff until connected or closed.
// Active subscriptions replay against the new connection and remap to
// the server ids it assigns.
func (c *Client) reconnect() *websocket.Conn {
	backoff := c.reconnectDelay
	for {
		select {
		case <-c.closed:
			return nil
		case <-time.After(backoff):
		}

		conn, err := c.dial()
		if err != nil {
			log.Warn().Err(err).Dur("backoff", backoff).Msg("pubsub reconnect failed")
			backoff *= 2
			if backoff > maxReconnectWait {
				backoff = maxReconnectWait
			}
			continue
		}

		c.setConn(conn)
		// Replay off the read loop: the replays' responses arrive
		// through the read loop itself.
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.resubscribeAll()
			log.Info().Str("url", c.url).Msg("pubsub websocket reconnected")
			if c.onConnect != nil {
				c.onConnect()
			}
		}()
		return conn
	}
}

func (c *Client) resubscribeAll() {
	c.subMu.Lock()
	subs := make(map[uint64]*subscription, len(c.subs))
	for handle, sub := range c.subs {
		subs[handle] = sub
	}
	c.subMu.Unlock()

	for handle, sub := range subs {
		result, err := c.call(sub.method, sub.params)
		if err != nil {
			log.Error().Err(err).Str("method", sub.method).Msg("resubscribe failed")
			continue
		}
		var serverID uint64
		if err := json.Unmarshal(result, &serverID); err != nil {
			log.Error().Err(err).Str("method", sub.method).Msg("resubscribe returned bad id")
			continue
		}
		c.subMu.Lock()
		delete(c.routes, sub.serverID)
		sub.serverID = serverID
		c.routes[serverID] = sub
		c.subMu.Unlock()
		log.Debug().Uint64("handle", handle).Uint64("serverID", serverID).
			Str("method", sub.method).Msg("subscription replayed")
	}
}

// failPending closes every in-flight request channel so callers fail
// fast instead of waiting out the response timeout.
func (c *Client) failPending() {
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
}

func (c *Client) dispatch(msg []byte) {
	var m rpcMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		log.Debug().Err(err).Msg("ignoring malformed pubsub message")
		return
	}

	// Notification: route by server subscription id.
	if m.Method != "" {
		var note struct {
			Subscription uint64          `json:"subscription"`
			Result       json.RawMessage `json:"result"`
		}
		if err := json.Unmarshal(m.Params, &note); err != nil {
			log.Debug().Err(err).Str("method", m.Method).Msg("bad notification params")
			return
		}
		c.subMu.Lock()
		sub := c.routes[note.Subscription]
		c.subMu.Unlock()
		if sub != nil {
			sub.cb(note.Result)
		}
		return
	}

	// Response: hand off to the waiting call.
	if m.ID != 0 {
		c.pendingMu.Lock()
		ch := c.pending[m.ID]
		c.pendingMu.Unlock()
		if ch != nil {
			select {
			case ch <- m:
			default:
			}
		}
	}
}

func (c *Client) pingLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			if err := c.writeControl(websocket.PingMessage, nil); err != nil {
				log.Debug().Err(err).Msg("pubsub ping failed")
			}
		}
	}
}
