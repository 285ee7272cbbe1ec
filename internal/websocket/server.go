package websocket

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/valyala/fastjson"

	"github.com/saveenergy/latbench/internal/logging"
	"github.com/saveenergy/latbench/pkg/types"
)

// DefaultMaxFrameBytes bounds a single client frame. A default 20 KiB
// payload encodes to roughly 20 KB of JSON.
const DefaultMaxFrameBytes = 1 << 20

const writeTimeout = 5 * time.Second

// Reducers is the server-side call surface a connection drives.
type Reducers interface {
	Connect(ctx context.Context, identity types.Identity) (types.ConnectionClock, error)
	Disconnect(identity types.Identity)
	AddLog(ctx context.Context, identity types.Identity, sent float64, underLoad bool) error
	AddData(ctx context.Context, identity types.Identity, data []int32) error
	DeleteData(ctx context.Context, identity types.Identity, deletionID uint64)
}

type Observer interface {
	ConnOpened()
	ConnClosed()
	Frame(frameType, result string)
}

type Server struct {
	upgrader       websocket.Upgrader
	reducers       Reducers
	observer       Observer
	clients        map[*websocket.Conn]*clientConn
	allowedOrigins []string
	pingInterval   time.Duration
	maxFrameBytes  int64
	parsers        fastjson.ParserPool
	logger         *logging.Logger
	closed         bool
	handlers       sync.WaitGroup
	stopCh         chan struct{}
	stopOnce       sync.Once
	wg             sync.WaitGroup
	mu             sync.RWMutex
}

type clientConn struct {
	conn     *websocket.Conn
	identity types.Identity
	mu       sync.Mutex
}

func NewServer(reducers Reducers) *Server {
	server := &Server{
		reducers:      reducers,
		clients:       make(map[*websocket.Conn]*clientConn),
		pingInterval:  30 * time.Second,
		maxFrameBytes: DefaultMaxFrameBytes,
		logger:        logging.NewLogger("websocket"),
		stopCh:        make(chan struct{}),
	}
	server.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return server.isAllowedOrigin(r.Header.Get("Origin"), r.Host)
		},
		ReadBufferSize:  4096,
		WriteBufferSize: 1024,
	}
	server.startPingLoop()
	return server
}

func (s *Server) SetAllowedOrigins(origins []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowedOrigins = origins
}

func (s *Server) SetPingInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingInterval = interval
}

func (s *Server) SetMaxFrameBytes(n int64) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxFrameBytes = n
}

func (s *Server) SetObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = o
}

// HandleConnect upgrades the request and serves one client until it goes
// away. A valid ?identity=<uuid> reconnects as that identity; otherwise a
// fresh one is issued.
func (s *Server) HandleConnect(w http.ResponseWriter, r *http.Request) {
	identity := resolveIdentity(r.URL.Query().Get("identity"))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("upgrade failed",
			logging.Field{Key: "error", Value: err},
			logging.Field{Key: "identity", Value: identity})
		return
	}
	defer conn.Close()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		return
	}
	conn.SetReadLimit(s.maxFrameBytes)
	client := &clientConn{conn: conn, identity: identity}
	s.clients[conn] = client
	s.handlers.Add(1)
	observer := s.observer
	s.mu.Unlock()
	defer s.handlers.Done()

	if observer != nil {
		observer.ConnOpened()
		defer observer.ConnClosed()
	}

	// Writes must not be cancelled by the client hanging up.
	ctx := context.Background()

	clock, err := s.reducers.Connect(ctx, identity)
	if err != nil {
		s.logger.Error("connect failed",
			logging.Field{Key: "identity", Value: identity},
			logging.Field{Key: "error", Value: err})
		client.writeJSON(serverFrame{Type: frameError, Message: "connect failed"})
		s.removeClient(conn)
		return
	}
	if err := client.writeJSON(serverFrame{
		Type:     frameConnected,
		Identity: string(identity),
		Clock:    clock.Clock,
	}); err != nil {
		s.removeClient(conn)
		s.reducers.Disconnect(identity)
		return
	}

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("read ended",
					logging.Field{Key: "identity", Value: identity},
					logging.Field{Key: "error", Value: err})
			}
			break
		}
		if msgType != websocket.TextMessage {
			s.reject(client, observer, "binary", "binary frames are not supported")
			continue
		}
		s.dispatch(ctx, client, observer, data)
	}

	s.removeClient(conn)
	s.reducers.Disconnect(identity)
}

func (s *Server) dispatch(ctx context.Context, client *clientConn, observer Observer, data []byte) {
	p := s.parsers.Get()
	f, err := decodeFrame(p, data)
	s.parsers.Put(p)
	if err != nil {
		s.reject(client, observer, f.Type, err.Error())
		return
	}

	switch f.Type {
	case frameAddLog:
		err = s.reducers.AddLog(ctx, client.identity, f.Sent, f.UnderLoad)
	case frameAddData:
		err = s.reducers.AddData(ctx, client.identity, f.Data)
	case frameDeleteDataWorker:
		s.reducers.DeleteData(ctx, client.identity, f.DeletionID)
	}

	result := "ok"
	if err != nil {
		result = "error"
		s.logger.Warn("call failed",
			logging.Field{Key: "type", Value: f.Type},
			logging.Field{Key: "identity", Value: client.identity},
			logging.Field{Key: "error", Value: err})
	}
	if observer != nil {
		observer.Frame(f.Type, result)
	}
}

func (s *Server) reject(client *clientConn, observer Observer, frameType, msg string) {
	if frameType == "" {
		frameType = "unknown"
	}
	if observer != nil {
		observer.Frame(frameType, "malformed")
	}
	if err := client.writeJSON(serverFrame{Type: frameError, Message: msg}); err != nil {
		client.conn.Close()
	}
}

// ClientCount returns the number of open connections.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) startPingLoop() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		interval := s.getPingInterval()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.pingClients()
				if next := s.getPingInterval(); next != interval {
					interval = next
					ticker.Reset(interval)
				}
			}
		}
	}()
}

// Close stops the ping loop, closes every connection and waits for their
// handlers to finish their in-flight calls.
func (s *Server) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()

	s.mu.Lock()
	s.closed = true
	clients := make([]*clientConn, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.writeControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		c.conn.Close()
	}
	s.handlers.Wait()
}

func (s *Server) getPingInterval() time.Duration {
	s.mu.RLock()
	interval := s.pingInterval
	s.mu.RUnlock()
	if interval <= 0 {
		return 30 * time.Second
	}
	return interval
}

func (s *Server) pingClients() {
	s.mu.RLock()
	clients := make([]*clientConn, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	for _, c := range clients {
		if err := c.writeMessage(websocket.PingMessage, nil); err != nil {
			s.removeClient(c.conn)
			c.conn.Close()
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, conn)
}

func (s *Server) isAllowedOrigin(origin string, host string) bool {
	if origin == "" {
		return true
	}

	s.mu.RLock()
	allowedOrigins := append([]string(nil), s.allowedOrigins...)
	s.mu.RUnlock()

	if len(allowedOrigins) == 0 {
		return sameOrigin(origin, host)
	}
	return types.MatchOrigin(allowedOrigins, origin)
}

func sameOrigin(origin string, host string) bool {
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	originH := types.StripHostPort(parsed.Host)
	requestH := types.StripHostPort(host)
	return strings.EqualFold(originH, requestH)
}

// resolveIdentity accepts only UUIDs so a client can never claim the system
// principal.
func resolveIdentity(raw string) types.Identity {
	if id, err := uuid.Parse(strings.TrimSpace(raw)); err == nil {
		return types.Identity(id.String())
	}
	return types.Identity(uuid.New().String())
}

func (c *clientConn) writeJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

func (c *clientConn) writeMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(messageType, data)
}

func (c *clientConn) writeControl(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(messageType, data, time.Now().Add(time.Second))
}
