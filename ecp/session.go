package ecp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// Subprotocol is the websocket subprotocol the device speaks.
const Subprotocol = "ecp-2"

// Session defaults.
const (
	DefaultCommandTimeout = 2 * time.Second
	DefaultProbeTimeout   = 3 * time.Second
	DefaultRetryPause     = 100 * time.Millisecond

	commandAttempts   = 2
	incomingQueueSize = 16
)

// SessionState is the lifecycle of a control session.
type SessionState uint32

const (
	SessionDisconnected SessionState = iota
	SessionConnecting
	SessionAuthenticating
	SessionReady
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionDisconnected:
		return "disconnected"
	case SessionConnecting:
		return "connecting"
	case SessionAuthenticating:
		return "authenticating"
	case SessionReady:
		return "ready"
	case SessionClosed:
		return "closed"
	default:
		return fmt.Sprintf("SessionState(%d)", uint32(s))
	}
}

// SessionConfig tunes a Session. Zero values take the defaults above.
type SessionConfig struct {
	// Dialer opens the websocket. The ecp-2 subprotocol is always requested.
	Dialer *websocket.Dialer

	// CommandTimeout bounds the wait for a command response.
	CommandTimeout time.Duration

	// ProbeTimeout bounds the TCP reachability check before a relay request.
	ProbeTimeout time.Duration

	// RetryPause is the delay before the second attempt of a key press or
	// launch.
	RetryPause time.Duration

	// Interfaces lists local interfaces; SystemInterfaces when nil.
	Interfaces InterfaceLister

	// OnStateChange is called on every state transition.
	OnStateChange func(SessionState)
}

func (c *SessionConfig) applyDefaults() {
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.RetryPause <= 0 {
		c.RetryPause = DefaultRetryPause
	}
	if c.Interfaces == nil {
		c.Interfaces = SystemInterfaces
	}
}

// link is one websocket connection and the messages its reader produced.
type link struct {
	conn     *websocket.Conn
	incoming chan Message
	dead     atomic.Bool
}

// Session is an authenticated command channel to one device. Commands are
// serialized; a dropped connection is re-established by the next command.
type Session struct {
	location Location
	cfg      SessionConfig
	cmds     *semaphore.Weighted
	state    atomic.Uint32

	mu     sync.Mutex
	link   *link
	nextID int
	closed bool
}

// NewSession creates a disconnected session for the device at location.
func NewSession(location Location, cfg SessionConfig) *Session {
	cfg.applyDefaults()
	return &Session{
		location: location,
		cfg:      cfg,
		cmds:     semaphore.NewWeighted(1),
	}
}

// Dial parses rawLocation, then connects and authenticates a new session.
func Dial(ctx context.Context, rawLocation string, cfg SessionConfig) (*Session, error) {
	loc, err := ParseLocation(rawLocation)
	if err != nil {
		return nil, err
	}
	s := NewSession(loc, cfg)
	if err := s.Connect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Location returns the device location.
func (s *Session) Location() Location {
	return s.location
}

// State returns the current session state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) setState(next SessionState) {
	for {
		cur := s.state.Load()
		if SessionState(cur) == SessionClosed || SessionState(cur) == next {
			return
		}
		if s.state.CompareAndSwap(cur, uint32(next)) {
			break
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "Session.setState",
		"device":   s.location.String(),
		"state":    next.String(),
	}).Debug("Control session state changed")

	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(next)
	}
}

// Connect opens the websocket and authenticates. Any existing connection is
// replaced and the request id counter restarts at 0.
//
// Returns ErrConnectFailed when the device is unreachable or never sends a
// challenge, and ErrAuthDenied when it rejects the challenge response. A
// missing reply to the authenticate request is treated as success.
func (s *Session) Connect(ctx context.Context) error {
	if err := s.cmds.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.cmds.Release(1)
	return s.connect(ctx)
}

func (s *Session) connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	old := s.link
	s.link = nil
	s.mu.Unlock()
	if old != nil {
		old.conn.Close()
	}

	s.setState(SessionConnecting)

	dialer := websocket.DefaultDialer
	if s.cfg.Dialer != nil {
		dialer = s.cfg.Dialer
	}
	d := *dialer
	d.Subprotocols = []string{Subprotocol}
	if d.HandshakeTimeout == 0 {
		d.HandshakeTimeout = s.cfg.ProbeTimeout
	}

	target := s.location.SessionURL()
	conn, _, err := d.DialContext(ctx, target, nil)
	if err != nil {
		s.setState(SessionDisconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logrus.WithFields(logrus.Fields{
			"function": "Session.connect",
			"url":      target,
			"error":    err.Error(),
		}).Error("Failed to open control session")
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	l := &link{conn: conn, incoming: make(chan Message, incomingQueueSize)}
	go s.readLoop(l)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return ErrSessionClosed
	}
	s.link = l
	s.nextID = 0
	s.mu.Unlock()

	if err := s.authenticate(ctx, l); err != nil {
		l.dead.Store(true)
		conn.Close()
		s.setState(SessionDisconnected)
		logrus.WithFields(logrus.Fields{
			"function": "Session.connect",
			"url":      target,
			"error":    err.Error(),
		}).Error("Control session authentication failed")
		return err
	}

	s.setState(SessionReady)
	logrus.WithFields(logrus.Fields{
		"function": "Session.connect",
		"url":      target,
	}).Info("Control session authenticated")
	return nil
}

func (s *Session) authenticate(ctx context.Context, l *link) error {
	s.setState(SessionAuthenticating)

	challenge, err := s.awaitChallenge(ctx, l)
	if err != nil {
		return err
	}

	req := authenticateRequest(s.takeID(), challenge)
	if err := s.send(l, req); err != nil {
		return err
	}

	err = s.awaitResponse(ctx, l, req)
	var re *ResponseError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrResponseTimeout):
		logrus.WithFields(logrus.Fields{
			"function": "Session.authenticate",
			"device":   s.location.String(),
		}).Debug("No authenticate response before timeout, continuing")
		return nil
	case errors.As(err, &re):
		return fmt.Errorf("%w: %v", ErrAuthDenied, re)
	default:
		return err
	}
}

func (s *Session) awaitChallenge(ctx context.Context, l *link) (string, error) {
	timer := time.NewTimer(s.cfg.CommandTimeout)
	defer timer.Stop()

	for {
		msg, err := s.receive(ctx, l, timer.C)
		if errors.Is(err, ErrResponseTimeout) {
			return "", fmt.Errorf("%w: no authentication challenge: %w", ErrConnectFailed, err)
		}
		if err != nil {
			return "", err
		}
		if challenge, ok := msg.Params["challenge"]; ok {
			return challenge, nil
		}
		logrus.WithFields(logrus.Fields{
			"function": "Session.awaitChallenge",
			"message":  msg.String(),
		}).Debug("Ignoring message before challenge")
	}
}

// awaitResponse waits for the response to req. Notifications and responses
// carrying another request id are skipped.
func (s *Session) awaitResponse(ctx context.Context, l *link, req Request) error {
	timer := time.NewTimer(s.cfg.CommandTimeout)
	defer timer.Stop()

	want := strconv.Itoa(req.ID)
	for {
		msg, err := s.receive(ctx, l, timer.C)
		if err != nil {
			return err
		}
		if msg.Response == "" || (msg.ResponseID != "" && msg.ResponseID != want) {
			logrus.WithFields(logrus.Fields{
				"function":   "Session.awaitResponse",
				"request_id": req.ID,
				"message":    msg.String(),
			}).Debug("Skipping unrelated message")
			continue
		}
		if err := msg.Err(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "Session.awaitResponse",
				"request":    req.Name,
				"request_id": req.ID,
				"status":     msg.Status,
			}).Warn("Device rejected request")
			return err
		}
		logrus.WithFields(logrus.Fields{
			"function":   "Session.awaitResponse",
			"request":    req.Name,
			"request_id": req.ID,
		}).Debug("Request acknowledged")
		return nil
	}
}

func (s *Session) receive(ctx context.Context, l *link, timeout <-chan time.Time) (Message, error) {
	select {
	case msg, ok := <-l.incoming:
		if !ok {
			return Message{}, fmt.Errorf("%w: connection lost", ErrConnectFailed)
		}
		return msg, nil
	case <-timeout:
		return Message{}, ErrResponseTimeout
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// readLoop forwards parsed messages until the connection fails. A full
// queue drops the newest message rather than stalling the socket.
func (s *Session) readLoop(l *link) {
	defer close(l.incoming)
	defer func() {
		l.dead.Store(true)
		s.mu.Lock()
		current := s.link == l
		s.mu.Unlock()
		if current {
			s.setState(SessionDisconnected)
		}
	}()

	for {
		kind, data, err := l.conn.ReadMessage()
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Session.readLoop",
				"error":    err.Error(),
			}).Debug("Control session reader stopped")
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}

		msg, err := ParseMessage(data)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Session.readLoop",
				"error":    err.Error(),
			}).Warn("Dropping unparseable message")
			continue
		}

		select {
		case l.incoming <- msg:
		default:
			logrus.WithFields(logrus.Fields{
				"function": "Session.readLoop",
				"message":  msg.String(),
			}).Warn("Incoming queue full, dropping message")
		}
	}
}

func (s *Session) takeID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	return id
}

func (s *Session) send(l *link, req Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s: %w", req.Name, err)
	}

	if err := l.conn.SetWriteDeadline(time.Now().Add(s.cfg.CommandTimeout)); err != nil {
		l.dead.Store(true)
		logrus.WithFields(logrus.Fields{
			"function": "Session.send",
			"request":  req.Name,
			"error":    err.Error(),
		}).Warn("Failed to set write deadline")
		return fmt.Errorf("%w: send %s: %v", ErrConnectFailed, req.Name, err)
	}
	if err := l.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		l.dead.Store(true)
		return fmt.Errorf("%w: send %s: %v", ErrConnectFailed, req.Name, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Session.send",
		"request":    req.Name,
		"request_id": req.ID,
	}).Debug("Sent request")
	return nil
}

// ensureConnected returns a live link, reconnecting if the previous one
// dropped.
func (s *Session) ensureConnected(ctx context.Context) (*link, error) {
	s.mu.Lock()
	l, closed := s.link, s.closed
	s.mu.Unlock()

	if closed {
		return nil, ErrSessionClosed
	}
	if l != nil && !l.dead.Load() {
		return l, nil
	}

	logrus.WithFields(logrus.Fields{
		"function": "Session.ensureConnected",
		"device":   s.location.String(),
	}).Info("Control session not running, reconnecting")

	if err := s.connect(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link == nil {
		return nil, ErrSessionClosed
	}
	return s.link, nil
}

// RequestAudioRelay asks the device to stream audio to this host.
//
// The host address is found by opening a TCP connection to the device and
// matching the local end against the host's interfaces. p.HostIP is filled
// in and the final parameters are returned.
//
// Returns ErrConnectFailed when the device is unreachable,
// ErrBadInterfaceIP when no local IPv4 address matches, and
// ErrRelayStartFailed when the device rejects or ignores the request.
func (s *Session) RequestAudioRelay(ctx context.Context, p RelayParams) (RelayParams, error) {
	if err := s.cmds.Acquire(ctx, 1); err != nil {
		return p, err
	}
	defer s.cmds.Release(1)

	ip, err := s.localIPv4(ctx)
	if err != nil {
		return p, err
	}
	p.HostIP = ip.String()

	l, err := s.ensureConnected(ctx)
	if err != nil {
		return p, err
	}

	req := setAudioOutputRequest(s.takeID(), p)
	if err := s.send(l, req); err != nil {
		return p, err
	}

	err = s.awaitResponse(ctx, l, req)
	var re *ResponseError
	switch {
	case err == nil:
	case errors.As(err, &re), errors.Is(err, ErrResponseTimeout):
		logrus.WithFields(logrus.Fields{
			"function": "Session.RequestAudioRelay",
			"devname":  p.DevName(),
			"error":    err.Error(),
		}).Error("Device did not start audio relay")
		return p, fmt.Errorf("%w: %w", ErrRelayStartFailed, err)
	default:
		return p, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "Session.RequestAudioRelay",
		"devname":  p.DevName(),
	}).Info("Audio relay started")
	return p, nil
}

func (s *Session) localIPv4(ctx context.Context) (net.IP, error) {
	d := net.Dialer{Timeout: s.cfg.ProbeTimeout}
	c, err := d.DialContext(ctx, "tcp", s.location.HostPort())
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logrus.WithFields(logrus.Fields{
			"function": "Session.localIPv4",
			"target":   s.location.HostPort(),
			"error":    err.Error(),
		}).Error("TCP probe failed")
		return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	local, _ := c.LocalAddr().(*net.TCPAddr)
	c.Close()
	if local == nil {
		return nil, fmt.Errorf("%w: probe has no TCP local address", ErrBadInterfaceIP)
	}

	ifaces, err := s.cfg.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadInterfaceIP, err)
	}
	ip, name, err := MatchIPv4(local.IP, ifaces)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Session.localIPv4",
			"local":    local.IP.String(),
			"error":    err.Error(),
		}).Error("No local IPv4 address for connecting interface")
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Session.localIPv4",
		"interface": name,
		"address":   ip.String(),
	}).Debug("Resolved local address")
	return ip, nil
}

// PressKey sends a key press, e.g. "Home" or "Lit_a".
func (s *Session) PressKey(ctx context.Context, key string) error {
	return s.command(ctx, func(id int) Request { return keyPressRequest(id, key) })
}

// LaunchApp launches the channel with the given id.
func (s *Session) LaunchApp(ctx context.Context, channelID string) error {
	return s.command(ctx, func(id int) Request { return launchRequest(id, channelID) })
}

// PowerToggle toggles device power.
func (s *Session) PowerToggle(ctx context.Context) error {
	return s.PressKey(ctx, "Power")
}

// command runs a fire-and-forget request, retried once after RetryPause.
func (s *Session) command(ctx context.Context, build func(id int) Request) error {
	if err := s.cmds.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.cmds.Release(1)

	var err error
	for attempt := 1; attempt <= commandAttempts; attempt++ {
		if attempt > 1 {
			logrus.WithFields(logrus.Fields{
				"function": "Session.command",
				"attempt":  attempt,
				"error":    err.Error(),
			}).Warn("Command failed, retrying")

			pause := time.NewTimer(s.cfg.RetryPause)
			select {
			case <-pause.C:
			case <-ctx.Done():
				pause.Stop()
				return ctx.Err()
			}
		}

		if err = s.commandOnce(ctx, build); err == nil {
			return nil
		}
		if ctx.Err() != nil || errors.Is(err, ErrSessionClosed) {
			return err
		}
	}
	return err
}

func (s *Session) commandOnce(ctx context.Context, build func(id int) Request) error {
	l, err := s.ensureConnected(ctx)
	if err != nil {
		return err
	}

	req := build(s.takeID())
	if err := s.send(l, req); err != nil {
		return err
	}

	err = s.awaitResponse(ctx, l, req)
	if errors.Is(err, ErrResponseTimeout) {
		logrus.WithFields(logrus.Fields{
			"function":   "Session.commandOnce",
			"request":    req.Name,
			"request_id": req.ID,
		}).Debug("No response before timeout, treating as delivered")
		return nil
	}
	return err
}

// Close ends the session. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	l := s.link
	s.link = nil
	s.mu.Unlock()

	var err error
	if l != nil {
		_ = l.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(100*time.Millisecond))
		err = l.conn.Close()
	}

	s.setState(SessionClosed)
	logrus.WithFields(logrus.Fields{
		"function": "Session.Close",
		"device":   s.location.String(),
	}).Info("Control session closed")
	return err
}
