package wsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zsprackett/execwatch/internal/stomp"
)

type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

const (
	DefaultReconnectDelay = 3 * time.Second
	DefaultHandshakeDelay = 100 * time.Millisecond
	DefaultHeartBeat      = 4000 * time.Millisecond

	writeTimeout = 5 * time.Second
)

// Dialer opens the websocket. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

type SessionConfig struct {
	URL                string
	Destinations       []string
	SubscriptionPrefix string
	ReconnectDelay     time.Duration
	HandshakeDelay     time.Duration
	HeartBeat          time.Duration
	Header             http.Header
	Dialer             Dialer
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.HandshakeDelay < 0 {
		c.HandshakeDelay = 0
	}
	if c.HeartBeat < 0 {
		c.HeartBeat = 0
	}
	if c.SubscriptionPrefix == "" {
		c.SubscriptionPrefix = "sub"
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	return c
}

// Session owns at most one STOMP-over-websocket connection and reconnects it
// after unexpected closes until Disconnect is called.
type Session struct {
	cfg      SessionConfig
	logger   *slog.Logger
	registry *Registry
	subID    string

	mu        sync.Mutex
	status    Status
	gen       uint64
	conn      *websocket.Conn
	cancel    context.CancelFunc
	stopped   bool
	reconnect *time.Timer

	listeners    []listenerEntry
	nextListener uint64
	pending      []Status
	flushing     bool

	writeMu sync.Mutex
}

type listenerEntry struct {
	id uint64
	fn func(Status)
}

func NewSession(cfg SessionConfig, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Session{
		cfg:      cfg,
		logger:   logger,
		registry: NewRegistry(logger),
		subID:    cfg.SubscriptionPrefix + "-" + uuid.NewString(),
		status:   StatusDisconnected,
	}
}

// SubscriptionID is the id prefix used for this session's SUBSCRIBE frames.
// It does not change across reconnects.
func (s *Session) SubscriptionID() string { return s.subID }

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Subscribe adds fn to the session's subscribers. Subscribers survive
// reconnects and are only cleared by Disconnect.
func (s *Session) Subscribe(fn Handler) func() {
	return s.registry.Add(fn)
}

// Subscribers returns the number of registered subscribers.
func (s *Session) Subscribers() int { return s.registry.Len() }

// OnConnectionChange registers fn for status transitions and immediately
// delivers the current status. Listeners are called in transition order and
// may call back into the Session.
func (s *Session) OnConnectionChange(fn func(Status)) func() {
	s.mu.Lock()
	s.nextListener++
	id := s.nextListener
	s.listeners = append(s.listeners, listenerEntry{id: id, fn: fn})
	current := s.status
	s.mu.Unlock()

	fn(current)

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, l := range s.listeners {
			if l.id == id {
				s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

// Connect starts a connection attempt. It is a no-op while a connection is
// being established or is open. A pending reconnect is cancelled.
func (s *Session) Connect() {
	s.mu.Lock()
	if s.status == StatusConnecting || s.status == StatusConnected {
		s.mu.Unlock()
		return
	}
	s.stopped = false
	if s.reconnect != nil {
		s.reconnect.Stop()
		s.reconnect = nil
	}
	s.gen++
	gen := s.gen
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.setStatusLocked(StatusConnecting)
	s.mu.Unlock()
	s.flush()

	s.logger.Info("wsclient: connecting", "url", s.cfg.URL)
	go s.run(ctx, gen)
}

// Disconnect closes the connection, cancels any pending reconnect and drops
// every subscriber.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.stopped = true
	if s.reconnect != nil {
		s.reconnect.Stop()
		s.reconnect = nil
	}
	wasConnected := s.status == StatusConnected
	conn := s.conn
	s.conn = nil
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.gen++
	s.setStatusLocked(StatusDisconnected)
	s.mu.Unlock()

	if conn != nil {
		if wasConnected {
			if err := s.write(conn, stomp.Encode(stomp.CommandDisconnect, nil, "")); err != nil {
				s.logger.Debug("wsclient: send DISCONNECT failed", "err", err)
			}
		}
		conn.Close()
	}
	s.registry.Clear()
	s.flush()
	s.logger.Info("wsclient: disconnected", "url", s.cfg.URL)
}

func (s *Session) run(ctx context.Context, gen uint64) {
	conn, _, err := s.cfg.Dialer.DialContext(ctx, s.cfg.URL, s.cfg.Header)
	if err != nil {
		s.fail(gen, fmt.Errorf("dial %s: %w", s.cfg.URL, err))
		return
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.mu.Unlock()

	go s.handshake(ctx, gen, conn)

	var readWait time.Duration
	for {
		if readWait > 0 {
			conn.SetReadDeadline(time.Now().Add(readWait))
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.fail(gen, err)
			return
		}
		s.handleFrame(ctx, gen, conn, stomp.Decode(string(data)), &readWait)
	}
}

func (s *Session) handshake(ctx context.Context, gen uint64, conn *websocket.Conn) {
	if s.cfg.HandshakeDelay > 0 {
		t := time.NewTimer(s.cfg.HandshakeDelay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
	hb := strconv.FormatInt(s.cfg.HeartBeat.Milliseconds(), 10)
	frame := stomp.Encode(stomp.CommandConnect, map[string]string{
		stomp.HeaderAcceptVersion: "1.1,1.0",
		stomp.HeaderHeartBeat:     hb + "," + hb,
	}, "")
	if err := s.write(conn, frame); err != nil {
		s.fail(gen, fmt.Errorf("send CONNECT: %w", err))
	}
}

func (s *Session) handleFrame(ctx context.Context, gen uint64, conn *websocket.Conn, f stomp.Frame, readWait *time.Duration) {
	switch f.Command {
	case "":
		// heartbeat
	case stomp.CommandConnected:
		s.mu.Lock()
		if gen != s.gen {
			s.mu.Unlock()
			return
		}
		s.setStatusLocked(StatusConnected)
		s.mu.Unlock()
		s.flush()
		s.logger.Info("wsclient: connected", "url", s.cfg.URL, "version", f.Header("version"))

		for i, dest := range s.cfg.Destinations {
			frame := stomp.Encode(stomp.CommandSubscribe, map[string]string{
				stomp.HeaderID:          fmt.Sprintf("%s-%d", s.subID, i),
				stomp.HeaderDestination: dest,
			}, "")
			if err := s.write(conn, frame); err != nil {
				s.fail(gen, fmt.Errorf("send SUBSCRIBE %s: %w", dest, err))
				return
			}
		}

		send, expect := negotiateHeartBeat(s.cfg.HeartBeat, f.Header(stomp.HeaderHeartBeat))
		if expect > 0 {
			*readWait = 3 * expect
		}
		if send > 0 {
			go s.heartbeat(ctx, gen, conn, send)
		}
	case stomp.CommandMessage:
		body := strings.TrimSpace(f.Body)
		if !json.Valid([]byte(body)) {
			s.logger.Warn("wsclient: dropping non-JSON message",
				"destination", f.Header(stomp.HeaderDestination),
				"message_id", f.Header(stomp.HeaderMessageID),
			)
			return
		}
		s.registry.Publish(Message{
			Destination:  f.Header(stomp.HeaderDestination),
			Subscription: f.Header(stomp.HeaderSubscription),
			MessageID:    f.Header(stomp.HeaderMessageID),
			Payload:      json.RawMessage(body),
		})
	case stomp.CommandError:
		s.logger.Warn("wsclient: server error frame",
			"message", f.Header(stomp.HeaderMessage),
			"body", f.Body,
		)
	case stomp.CommandReceipt:
		s.logger.Debug("wsclient: receipt", "receipt_id", f.Header(stomp.HeaderReceiptID))
	default:
		s.logger.Debug("wsclient: ignoring frame", "command", string(f.Command))
	}
}

func (s *Session) heartbeat(ctx context.Context, gen uint64, conn *websocket.Conn, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.write(conn, "\n"); err != nil {
				s.fail(gen, fmt.Errorf("send heartbeat: %w", err))
				return
			}
		}
	}
}

// fail tears down the connection identified by gen and schedules a
// reconnect. Calls for a superseded connection are ignored.
func (s *Session) fail(gen uint64, err error) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.gen++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	conn := s.conn
	s.conn = nil

	normal := websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
	if !normal {
		s.setStatusLocked(StatusError)
	}
	s.setStatusLocked(StatusDisconnected)
	if !s.stopped {
		s.scheduleReconnectLocked()
	}
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if normal {
		s.logger.Info("wsclient: connection closed", "url", s.cfg.URL)
	} else {
		s.logger.Warn("wsclient: connection failed", "url", s.cfg.URL, "err", err)
	}
	s.flush()
}

func (s *Session) scheduleReconnectLocked() {
	if s.reconnect != nil {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(s.cfg.ReconnectDelay, func() {
		s.mu.Lock()
		if s.reconnect != t || s.stopped {
			s.mu.Unlock()
			return
		}
		s.reconnect = nil
		s.mu.Unlock()
		s.logger.Info("wsclient: reconnecting", "url", s.cfg.URL)
		s.Connect()
	})
	s.reconnect = t
}

func (s *Session) write(conn *websocket.Conn, text string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, []byte(text))
}

// setStatusLocked records a transition for delivery by flush. Caller holds mu.
func (s *Session) setStatusLocked(st Status) {
	if s.status == st {
		return
	}
	s.status = st
	s.pending = append(s.pending, st)
}

// flush delivers queued transitions to listeners without holding mu. Only
// one goroutine drains at a time, so listeners observe transitions in order
// and a listener that triggers another transition sees it queued behind the
// current one.
func (s *Session) flush() {
	s.mu.Lock()
	if s.flushing {
		s.mu.Unlock()
		return
	}
	s.flushing = true
	for len(s.pending) > 0 {
		st := s.pending[0]
		s.pending = s.pending[1:]
		listeners := make([]listenerEntry, len(s.listeners))
		copy(listeners, s.listeners)
		s.mu.Unlock()
		for _, l := range listeners {
			l.fn(st)
		}
		s.mu.Lock()
	}
	s.flushing = false
	s.mu.Unlock()
}

// negotiateHeartBeat returns the outgoing heartbeat interval and the interval
// at which the server promised to send, given our setting and the server's
// "sx,sy" header. Zero disables either direction.
func negotiateHeartBeat(ours time.Duration, header string) (send, expect time.Duration) {
	sx, sy, ok := strings.Cut(header, ",")
	if !ok || ours <= 0 {
		return 0, 0
	}
	serverSends, err1 := strconv.Atoi(strings.TrimSpace(sx))
	serverWants, err2 := strconv.Atoi(strings.TrimSpace(sy))
	if err1 != nil || err2 != nil {
		return 0, 0
	}
	if serverWants > 0 {
		send = max(ours, time.Duration(serverWants)*time.Millisecond)
	}
	if serverSends > 0 {
		expect = max(ours, time.Duration(serverSends)*time.Millisecond)
	}
	return send, expect
}
