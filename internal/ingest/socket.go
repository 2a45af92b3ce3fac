package ingest

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/kalshi-alpha/internal/auth"
)

// maxFrameSize caps incoming frames; initial orderbook snapshots for
// busy markets can run to several megabytes.
const maxFrameSize = 10 * 1024 * 1024

// Socket is a single authenticated WebSocket connection to the exchange.
type Socket interface {
	// Connect establishes the connection and starts the read and
	// heartbeat loops.
	Connect(ctx context.Context) error

	// Close gracefully closes the connection.
	Close() error

	// Send writes one text frame.
	Send(data []byte) error

	// Messages returns the channel of raw inbound frames.
	Messages() <-chan []byte

	// Errors returns the channel of connection errors. A receive means
	// the connection is dead and must be replaced.
	Errors() <-chan error

	// IsConnected returns the current connection state.
	IsConnected() bool
}

// SocketConfig configures a Socket.
type SocketConfig struct {
	URL          string
	Signer       *auth.Signer  // nil disables auth headers
	PingInterval time.Duration // how often we ping the server
	PongTimeout  time.Duration // max silence after a ping before the connection is stale
	WriteTimeout time.Duration
	BufferSize   int
}

type socket struct {
	cfg    SocketConfig
	logger *slog.Logger

	conn *websocket.Conn

	messages chan []byte
	errors   chan error
	done     chan struct{}

	writeMu sync.Mutex

	mu         sync.RWMutex
	connected  bool
	closed     bool
	lastPongAt time.Time
}

// NewSocket creates an unconnected Socket.
func NewSocket(cfg SocketConfig, logger *slog.Logger) Socket {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}

	return &socket{
		cfg:      cfg,
		logger:   logger,
		messages: make(chan []byte, cfg.BufferSize),
		errors:   make(chan error, 1),
		done:     make(chan struct{}),
	}
}

func (s *socket) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrAlreadyClosed
	}
	s.mu.Unlock()

	header := http.Header{}
	if s.cfg.Signer != nil {
		signed, err := s.cfg.Signer.SignWebSocket()
		if err != nil {
			return err
		}
		for k, v := range signed {
			header.Set(k, v)
		}
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, header)
	if err != nil {
		return err
	}
	conn.SetReadLimit(maxFrameSize)

	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.lastPongAt = time.Now()
	s.mu.Unlock()

	// Server-initiated pings get a pong back; either direction counts
	// as liveness.
	conn.SetPingHandler(func(data string) error {
		s.touchPong()
		return conn.WriteControl(
			websocket.PongMessage,
			[]byte(data),
			time.Now().Add(time.Second),
		)
	})
	conn.SetPongHandler(func(string) error {
		s.touchPong()
		return nil
	})

	go s.readLoop()
	go s.heartbeatLoop()

	s.logger.Debug("websocket connected", "url", s.cfg.URL)
	return nil
}

func (s *socket) touchPong() {
	s.mu.Lock()
	s.lastPongAt = time.Now()
	s.mu.Unlock()
}

func (s *socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.connected = false
	s.mu.Unlock()

	close(s.done)

	if s.conn != nil {
		s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		return s.conn.Close()
	}
	return nil
}

func (s *socket) Send(data []byte) error {
	s.mu.RLock()
	if !s.connected {
		s.mu.RUnlock()
		return ErrNotConnected
	}
	s.mu.RUnlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *socket) Messages() <-chan []byte { return s.messages }

func (s *socket) Errors() <-chan error { return s.errors }

func (s *socket) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

func (s *socket) readLoop() {
	defer func() {
		s.mu.Lock()
		s.connected = false
		s.mu.Unlock()
	}()

	for {
		select {
		case <-s.done:
			return
		default:
		}

		_, data, err := s.conn.ReadMessage()
		if err != nil {
			// Errors after Close() are expected and dropped.
			select {
			case <-s.done:
				return
			default:
				select {
				case s.errors <- err:
				default:
				}
				return
			}
		}

		select {
		case s.messages <- data:
		case <-s.done:
			return
		default:
			s.logger.Warn("message buffer full, dropping frame")
		}
	}
}

// heartbeatLoop pings the server every PingInterval and declares the
// connection stale when no pong arrives within the interval plus
// PongTimeout.
func (s *socket) heartbeatLoop() {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.RLock()
			conn := s.conn
			lastPong := s.lastPongAt
			s.mu.RUnlock()

			if conn != nil {
				deadline := time.Now().Add(s.cfg.WriteTimeout)
				if err := conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
					s.logger.Debug("ping write failed", "error", err)
				}
			}

			if time.Since(lastPong) > s.cfg.PingInterval+s.cfg.PongTimeout {
				s.logger.Warn("no pong received, connection stale",
					"last_pong", lastPong,
					"timeout", s.cfg.PongTimeout,
				)
				select {
				case s.errors <- ErrStaleConnection:
				default:
				}
				return
			}
		}
	}
}
