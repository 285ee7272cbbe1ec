package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/saveenergy/latbench/pkg/errors"
	"github.com/saveenergy/latbench/pkg/types"
)

const (
	DefaultQueueSize    = 256
	DefaultFlushTimeout = 2 * time.Second
	connectPath         = "/api/v1/connect"
	writeTimeout        = 5 * time.Second
	handshakeTimeout    = 10 * time.Second
)

// Conn is a client's single connection to a latbench server. Frames are
// fire-and-forget: AddLog and AddData enqueue onto a bounded queue drained
// by one writer goroutine, and anything that cannot be queued is dropped.
//
// State moves disconnected -> connecting -> connected -> disconnected and may
// reconnect from disconnected. Close is terminal.
type Conn struct {
	serverURL    string
	dialer       *websocket.Dialer
	queueSize    int
	flushTimeout time.Duration

	mu       sync.Mutex
	state    types.ConnState
	identity types.Identity
	clock    types.ConnectionClock
	sess     *session

	onConnect    func(types.ConnectionClock)
	onDisconnect func()
	onError      func(error)

	queued  atomic.Uint64
	dropped atomic.Uint64
}

// session is the state of one underlying websocket.
type session struct {
	ws         *websocket.Conn
	queue      chan []byte
	stop       chan struct{}
	stopOnce   sync.Once
	writerDone chan struct{}
	readerDone chan struct{}
}

type ConnOption func(*Conn)

func WithQueueSize(n int) ConnOption {
	return func(c *Conn) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

func WithFlushTimeout(d time.Duration) ConnOption {
	return func(c *Conn) {
		if d > 0 {
			c.flushTimeout = d
		}
	}
}

func WithDialer(d *websocket.Dialer) ConnOption {
	return func(c *Conn) {
		if d != nil {
			c.dialer = d
		}
	}
}

// WithIdentity reconnects as a previously issued identity.
func WithIdentity(id types.Identity) ConnOption {
	return func(c *Conn) { c.identity = id }
}

// NewConn returns a disconnected Conn for serverURL (http, https, ws or wss).
func NewConn(serverURL string, opts ...ConnOption) *Conn {
	c := &Conn{
		serverURL:    strings.TrimRight(serverURL, "/"),
		dialer:       &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		queueSize:    DefaultQueueSize,
		flushTimeout: DefaultFlushTimeout,
		state:        types.ConnStateDisconnected,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnConnect registers the callback run after each successful handshake.
// Callbacks must be registered before Connect.
func (c *Conn) OnConnect(fn func(types.ConnectionClock)) { c.onConnect = fn }

func (c *Conn) OnDisconnect(fn func()) { c.onDisconnect = fn }

func (c *Conn) OnError(fn func(error)) { c.onError = fn }

func (c *Conn) State() types.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Identity returns the identity issued by the server, or the one requested
// with WithIdentity before the first connect.
func (c *Conn) Identity() types.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Clock returns the ConnectionClock of the latest handshake.
func (c *Conn) Clock() types.ConnectionClock {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clock
}

// Dropped counts frames discarded because the queue was full or the
// connection was not up.
func (c *Conn) Dropped() uint64 { return c.dropped.Load() }

// Queued counts frames accepted onto the send queue.
func (c *Conn) Queued() uint64 { return c.queued.Load() }

// Connect dials the server and waits for the connected frame.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if !c.state.CanTransition(types.ConnStateConnecting) {
		state := c.state
		c.mu.Unlock()
		return errors.ErrConnectionFailed(fmt.Sprintf("cannot connect from state %s", state), nil)
	}
	c.state = types.ConnStateConnecting
	identity := c.identity
	c.mu.Unlock()

	target, err := connectURL(c.serverURL, identity)
	if err != nil {
		c.setState(types.ConnStateDisconnected)
		return errors.ErrInvalidConfig("invalid server URL", err)
	}

	ws, _, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		c.setState(types.ConnStateDisconnected)
		c.emitError(err)
		return errors.ErrConnectionFailed("dial "+target, err)
	}

	clock, err := readHello(ws)
	if err != nil {
		ws.Close()
		c.setState(types.ConnStateDisconnected)
		c.emitError(err)
		return errors.ErrConnectionFailed("handshake", err)
	}

	sess := &session{
		ws:         ws,
		queue:      make(chan []byte, c.queueSize),
		stop:       make(chan struct{}),
		writerDone: make(chan struct{}),
		readerDone: make(chan struct{}),
	}

	c.mu.Lock()
	if c.state != types.ConnStateConnecting {
		// closed while dialing
		c.mu.Unlock()
		ws.Close()
		return errors.ErrNotConnected
	}
	c.state = types.ConnStateConnected
	c.identity = clock.Identity
	c.clock = clock
	c.sess = sess
	c.mu.Unlock()

	go c.writeLoop(sess)
	go c.readLoop(sess)

	if c.onConnect != nil {
		c.onConnect(clock)
	}
	return nil
}

// AddLog queues a latency probe.
func (c *Conn) AddLog(sent float64, underLoad bool) {
	c.enqueue(addLogFrame{Type: "add_log", Sent: sent, UnderLoad: underLoad})
}

// AddData queues a synthetic payload.
func (c *Conn) AddData(data []int32) {
	c.enqueue(addDataFrame{Type: "add_data", Data: data})
}

type addLogFrame struct {
	Type      string  `json:"type"`
	Sent      float64 `json:"sent"`
	UnderLoad bool    `json:"under_load"`
}

type addDataFrame struct {
	Type string  `json:"type"`
	Data []int32 `json:"data"`
}

type helloFrame struct {
	Type     string  `json:"type"`
	Identity string  `json:"identity"`
	Clock    float64 `json:"clock"`
	Message  string  `json:"message"`
}

func (c *Conn) enqueue(frame interface{}) {
	c.mu.Lock()
	sess := c.sess
	connected := c.state == types.ConnStateConnected
	c.mu.Unlock()
	if !connected || sess == nil {
		c.dropped.Add(1)
		return
	}

	buf, err := json.Marshal(frame)
	if err != nil {
		c.dropped.Add(1)
		c.emitError(fmt.Errorf("encode frame: %w", err))
		return
	}
	select {
	case sess.queue <- buf:
		c.queued.Add(1)
	default:
		c.dropped.Add(1)
	}
}

// Close flushes queued frames for at most the flush timeout, sends a close
// frame and releases the connection. It is safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.state == types.ConnStateClosed {
		c.mu.Unlock()
		return nil
	}
	wasConnected := c.state == types.ConnStateConnected
	c.state = types.ConnStateClosed
	sess := c.sess
	c.mu.Unlock()

	if sess == nil {
		return nil
	}
	sess.stopOnce.Do(func() { close(sess.stop) })

	select {
	case <-sess.writerDone:
	case <-time.After(c.flushTimeout + writeTimeout):
	}
	sess.ws.Close()
	<-sess.readerDone

	if wasConnected && c.onDisconnect != nil {
		c.onDisconnect()
	}
	return nil
}

func (c *Conn) writeLoop(sess *session) {
	defer close(sess.writerDone)
	for {
		select {
		case buf := <-sess.queue:
			if err := writeText(sess.ws, buf); err != nil {
				c.lost(sess, err)
				return
			}
		case <-sess.stop:
			c.flush(sess)
			sess.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		}
	}
}

// flush writes whatever is still queued until the queue is empty or the
// flush timeout passes.
func (c *Conn) flush(sess *session) {
	deadline := time.Now().Add(c.flushTimeout)
	for time.Now().Before(deadline) {
		select {
		case buf := <-sess.queue:
			if err := writeText(sess.ws, buf); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) readLoop(sess *session) {
	defer close(sess.readerDone)
	for {
		var f helloFrame
		if err := sess.ws.ReadJSON(&f); err != nil {
			c.lost(sess, err)
			return
		}
		if f.Type == "error" {
			c.emitError(fmt.Errorf("server rejected frame: %s", f.Message))
		}
	}
}

// lost moves a live session to disconnected. It is a no-op once the session
// has been closed or replaced.
func (c *Conn) lost(sess *session, err error) {
	c.mu.Lock()
	if c.sess != sess || c.state != types.ConnStateConnected {
		c.mu.Unlock()
		return
	}
	c.state = types.ConnStateDisconnected
	c.sess = nil
	c.mu.Unlock()

	sess.stopOnce.Do(func() { close(sess.stop) })
	sess.ws.Close()

	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		c.emitError(errors.ErrConnectionFailed("connection lost", err))
	}
	if c.onDisconnect != nil {
		c.onDisconnect()
	}
}

func (c *Conn) setState(s types.ConnState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.CanTransition(s) {
		c.state = s
	}
}

func (c *Conn) emitError(err error) {
	if c.onError != nil {
		c.onError(err)
	}
}

func writeText(ws *websocket.Conn, buf []byte) error {
	ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return ws.WriteMessage(websocket.TextMessage, buf)
}

func readHello(ws *websocket.Conn) (types.ConnectionClock, error) {
	ws.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer ws.SetReadDeadline(time.Time{})

	var f helloFrame
	if err := ws.ReadJSON(&f); err != nil {
		return types.ConnectionClock{}, fmt.Errorf("read connected frame: %w", err)
	}
	if f.Type != "connected" || f.Identity == "" {
		return types.ConnectionClock{}, fmt.Errorf("unexpected first frame %q: %s", f.Type, f.Message)
	}
	return types.ConnectionClock{Identity: types.Identity(f.Identity), Clock: f.Clock}, nil
}

func connectURL(serverURL string, identity types.Identity) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("missing host")
	}
	u.Path = strings.TrimRight(u.Path, "/") + connectPath
	q := url.Values{}
	if identity != "" {
		q.Set("identity", string(identity))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
