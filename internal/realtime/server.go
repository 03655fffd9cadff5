package realtime

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"sensei/internal/explain"
	"sensei/internal/limiter"
	"sensei/internal/metrics"
	"sensei/internal/protocol"
	"sensei/internal/session"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second

	incomingBuffer = 16
	sendBuffer     = 256
)

var errConnClosed = errors.New("connection closed")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // The browser console is served from any origin.
	},
}

// Server exposes sessions over WebSocket and the auxiliary REST endpoints.
type Server struct {
	sessions  *session.Manager
	explainer explain.Explainer
	limiter   *limiter.RateLimiter
	staticDir string
	readLimit int64
	logger    *zerolog.Logger
}

// Option customizes a Server.
type Option func(*Server)

// WithLimiter puts admission control in front of /ws/run.
func WithLimiter(rl *limiter.RateLimiter) Option {
	return func(s *Server) { s.limiter = rl }
}

// WithStaticDir serves files from dir at /.
func WithStaticDir(dir string) Option {
	return func(s *Server) { s.staticDir = dir }
}

// WithReadLimit caps the size of one client frame.
func WithReadLimit(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.readLimit = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zerolog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a new realtime server.
func New(sessions *session.Manager, explainer explain.Explainer, opts ...Option) *Server {
	nop := zerolog.Nop()
	s := &Server{
		sessions:  sessions,
		explainer: explainer,
		readLimit: protocol.DefaultMaxSourceBytes + 1024,
		logger:    &nop,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint.
	var run http.Handler = http.HandlerFunc(s.handleRun)
	if s.limiter != nil {
		run = s.limiter.Middleware(run)
	}
	mux.Handle("GET /ws/run", run)

	// REST API endpoints.
	mux.HandleFunc("POST /explain", s.handleExplain)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Static file serving.
	if s.staticDir != "" {
		fileServer := http.FileServer(http.Dir(s.staticDir))
		mux.Handle("/", fileServer)
	}

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleRun upgrades the connection and serves exactly one session on it.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	format, err := protocol.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ticket, err := s.sessions.Reserve(r.RemoteAddr)
	if err != nil {
		if errors.Is(err, session.ErrMaxSessions) {
			metrics.RejectedConnections.WithLabelValues("max_sessions").Inc()
		}
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		ticket.Cancel()
		s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	logger := s.logger.With().Str("session", ticket.ID()).Logger()
	c := newClient(ws, format, s.readLimit, &logger)
	go c.writePump()
	go c.readPump()

	state := ticket.Run(r.Context(), c)
	c.close()
	logger.Debug().Str("state", string(state)).Msg("connection closed")
}

// client adapts one WebSocket connection to session.Conn.
type client struct {
	conn   *websocket.Conn
	format protocol.Format
	logger *zerolog.Logger

	incoming chan []byte
	send     chan []byte

	closing   chan struct{}
	closeOnce sync.Once
	writeDone chan struct{}
	readDone  chan struct{}
}

func newClient(conn *websocket.Conn, format protocol.Format, readLimit int64, logger *zerolog.Logger) *client {
	conn.SetReadLimit(readLimit)
	return &client{
		conn:      conn,
		format:    format,
		logger:    logger,
		incoming:  make(chan []byte, incomingBuffer),
		send:      make(chan []byte, sendBuffer),
		closing:   make(chan struct{}),
		writeDone: make(chan struct{}),
		readDone:  make(chan struct{}),
	}
}

// Incoming implements session.Conn.
func (c *client) Incoming() <-chan []byte { return c.incoming }

// Send implements session.Conn. It blocks while the write queue is full, so
// output is never dropped; it fails once the connection is gone.
func (c *client) Send(ev protocol.Event) error {
	data, err := protocol.Encode(c.format, ev)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	case <-c.writeDone:
		return errConnClosed
	}
}

// close flushes queued frames, says goodbye and waits for both pumps.
func (c *client) close() {
	c.closeOnce.Do(func() { close(c.closing) })
	<-c.writeDone
	<-c.readDone
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer close(c.readDone)
	defer close(c.incoming)

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Msg("websocket read error")
			}
			return
		}

		select {
		case c.incoming <- message:
		case <-c.closing:
			return
		}
	}
}

// writePump writes messages to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		close(c.writeDone)
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			if !c.write(websocket.TextMessage, message) {
				return
			}

		case <-ticker.C:
			if !c.write(websocket.PingMessage, nil) {
				return
			}

		case <-c.closing:
			for {
				select {
				case message := <-c.send:
					if !c.write(websocket.TextMessage, message) {
						return
					}
				default:
					c.write(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}

func (c *client) write(messageType int, data []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := c.conn.WriteMessage(messageType, data); err != nil {
		c.logger.Debug().Err(err).Msg("websocket write error")
		return false
	}
	return true
}
