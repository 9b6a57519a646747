package rcon

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// State is the lifecycle state of a Conn.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateReady
	StateAwaitingResponse
	StateDisconnecting
	StateClosed
	StateFailed
)

var stateNames = [...]string{
	StateConnecting:       "connecting",
	StateAuthenticating:   "authenticating",
	StateReady:            "ready",
	StateAwaitingResponse: "awaiting response",
	StateDisconnecting:    "disconnecting",
	StateClosed:           "closed",
	StateFailed:           "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

type result struct {
	body string
	err  error
}

// pendingRequest is the single outstanding exchange of a Conn.
type pendingRequest struct {
	typ          PacketType // TypeAuth or TypeExecCommand
	requestID    int32
	sentinelID   int32
	authAccepted bool
	buf          strings.Builder

	// done receives exactly one result. Buffered so the sender never blocks.
	done chan result
}

// handle feeds one packet into the request and reports whether the
// request is complete. Every RESPONSE_VALUE before the sentinel echo is
// part of the reply, whatever its id.
func (r *pendingRequest) handle(p Packet) (result, bool) {
	switch {
	case r.typ == TypeAuth && p.Type == TypeAuthResponse:
		if p.ID == -1 || p.Body != "" {
			return result{err: errors.Wrap(ErrAuthFailed, "password rejected")}, true
		}
		r.authAccepted = true
		return result{}, false
	case p.Type != TypeResponseValue:
		return result{}, false
	case p.ID == r.sentinelID:
		if r.typ == TypeAuth && !r.authAccepted {
			return result{err: errors.Wrap(ErrAuthFailed, "no auth response received")}, true
		}
		return result{body: r.buf.String()}, true
	}
	r.buf.WriteString(p.Body)
	return result{}, false
}

// Conn is an authenticated RCON session over one TCP connection.
// It runs one read loop and one write loop and allows a single
// outstanding command at a time.
type Conn struct {
	rawConn *net.TCPConn
	reader  *frameReader
	logger  Logger
	opts    options

	sendMsg chan []byte
	closing atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{} // closed when the loops have exited

	mu       sync.Mutex
	state    State
	nextID   int32
	pending  *pendingRequest
	sentinel []byte // empty RESPONSE_VALUE, relabelled per request
}

// Dial connects to addr, authenticates with password and returns a ready Conn.
//
// Errors:
//   - *ConnectionError (matches ErrConnection): the TCP connection failed
//   - ErrAuthFailed: the server rejected the password
//   - ErrInvalidArgument: the password contains a null byte
//   - ErrMalformedPacket: the server sent an unreadable frame
func Dial(ctx context.Context, addr, password string, opt ...Option) (*Conn, error) {
	opts := buildOptions(opt)

	dialer := net.Dialer{Timeout: opts.dialTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, newConnectionError("dial", err)
	}

	tcpConn, ok := raw.(*net.TCPConn)
	if !ok {
		raw.Close()
		return nil, newConnectionError("dial", errors.Errorf("unexpected connection type %T", raw))
	}
	_ = tcpConn.SetNoDelay(true)

	c := newConn(tcpConn, opts)
	c.start()

	if err := c.authenticate(ctx, password); err != nil {
		_ = c.Close()
		return nil, err
	}

	return c, nil
}

func newConn(c *net.TCPConn, opts options) *Conn {
	reader := newFrameReader(bufio.NewReader(c), opts.maxPacketSize).
		withFrameTimeout(c.SetReadDeadline, opts.readTimeout)

	return &Conn{
		rawConn:  c,
		reader:   reader,
		logger:   opts.logger,
		opts:     opts,
		sendMsg:  make(chan []byte, opts.bufferSize),
		done:     make(chan struct{}),
		state:    StateConnecting,
		nextID:   1,
		sentinel: encode(1, TypeResponseValue, ""),
	}
}

// start launches the read and write loops. It must run before anything is
// sent so that no reply is missed.
func (c *Conn) start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.run(ctx)
}

// run drives the connection until a loop fails or the Conn is closed, then
// fails any pending request.
func (c *Conn) run(ctx context.Context) {
	defer close(c.done)

	c.logger.Info("connection established", "addr", c.Addr())
	c.logger.Debug("connection options", "addr", c.Addr(),
		"buffer_size", c.opts.bufferSize,
		"max_packet_size", c.opts.maxPacketSize,
		"write_timeout", c.opts.writeTimeout,
		"read_timeout", c.opts.readTimeout)

	group, child := errgroup.WithContext(ctx)

	group.Go(func() error {
		return c.readLoop()
	})

	group.Go(func() error {
		return c.writeLoop(child)
	})

	// The read loop only returns once the socket is closed.
	group.Go(func() error {
		<-child.Done()
		_ = c.rawConn.Close()
		return nil
	})

	c.teardown(group.Wait())
}

func (c *Conn) teardown(err error) {
	closing := c.closing.Load()

	var cause error
	if closing {
		cause = errors.Wrap(ErrCancelled, "connection closed while request pending")
	} else {
		cause = err
	}

	c.mu.Lock()
	req := c.pending
	c.pending = nil
	if !closing {
		c.state = StateFailed
	}
	c.mu.Unlock()

	if req != nil {
		req.done <- result{err: cause}
	}

	if closing {
		c.logger.Info("connection closed", "addr", c.Addr())
	} else {
		c.logger.Info("connection closed with error", "addr", c.Addr(), "error", err)
	}
}

func (c *Conn) authenticate(ctx context.Context, password string) error {
	c.mu.Lock()
	// A connection that already failed stays failed.
	if c.state == StateConnecting {
		c.state = StateAuthenticating
	}
	c.mu.Unlock()

	if _, err := c.request(ctx, TypeAuth, password, StateAuthenticating); err != nil {
		return err
	}

	c.logger.Info("authenticated", "addr", c.Addr())
	return nil
}

// Exec runs command on the server and returns the reassembled reply.
//
// Exec fails with ErrInvalidState if the Conn is not ready, including
// while another Exec is still waiting for its reply. If ctx ends before the
// reply is complete the connection is closed, since later fragments could
// no longer be told apart from the next reply.
func (c *Conn) Exec(ctx context.Context, command string) (string, error) {
	return c.request(ctx, TypeExecCommand, command, StateReady)
}

// request sends body followed by a sentinel and waits for the sentinel echo.
func (c *Conn) request(ctx context.Context, typ PacketType, body string, want State) (string, error) {
	if !validBody(body) {
		return "", errors.Wrap(ErrInvalidArgument, "body contains a null byte")
	}

	c.mu.Lock()
	if c.pending != nil {
		c.mu.Unlock()
		return "", errors.Wrap(ErrInvalidState, "another request is pending")
	}
	if c.state != want {
		state := c.state
		c.mu.Unlock()
		return "", errors.Wrapf(ErrInvalidState, "session is %s", state)
	}

	req := &pendingRequest{
		typ:        typ,
		requestID:  c.allocID(),
		sentinelID: c.allocID(),
		done:       make(chan result, 1),
	}

	frame, err := Encode(req.requestID, typ, body)
	if err != nil {
		c.mu.Unlock()
		return "", err
	}
	sentinel, err := RewriteID(c.sentinel, req.sentinelID)
	if err != nil {
		c.mu.Unlock()
		return "", err
	}
	// One write for both frames keeps them adjacent on the wire.
	frame = append(frame, sentinel...)

	c.pending = req
	if typ == TypeExecCommand {
		c.state = StateAwaitingResponse
	}
	c.mu.Unlock()

	c.logger.Debug("request sent", "addr", c.Addr(),
		"type", typ, "id", req.requestID, "sentinel_id", req.sentinelID)

	select {
	case c.sendMsg <- frame:
	case <-c.done:
		// teardown has already answered req
	case <-ctx.Done():
		_ = c.Close()
		return "", errors.Wrap(ctx.Err(), "sending request")
	}

	select {
	case res := <-req.done:
		return res.body, res.err
	case <-ctx.Done():
		c.logger.Warn("abandoning request, closing connection", "addr", c.Addr(), "id", req.requestID)
		_ = c.Close()
		return "", errors.Wrap(ctx.Err(), "waiting for response")
	}
}

// allocID returns the next packet id. Must be called with c.mu held.
func (c *Conn) allocID() int32 {
	id := c.nextID
	if id == MaxPacketID {
		c.nextID = 1
	} else {
		c.nextID++
	}
	return id
}

// dispatch routes a received packet to the pending request.
func (c *Conn) dispatch(p Packet) {
	c.mu.Lock()
	req := c.pending
	if req == nil {
		c.mu.Unlock()
		c.logger.Debug("dropping unsolicited packet", "addr", c.Addr(), "id", p.ID, "type", p.Type)
		return
	}

	res, complete := req.handle(p)
	if complete {
		c.pending = nil
		if res.err != nil {
			c.state = StateFailed
		} else {
			c.state = StateReady
		}
	}
	c.mu.Unlock()

	if complete {
		req.done <- res
	}
}

// Close closes the connection. A pending Exec fails with ErrCancelled.
// Calling Close more than once is a no-op.
func (c *Conn) Close() error {
	if c.closing.Swap(true) {
		<-c.done
		return nil
	}

	c.setState(StateDisconnecting)
	c.cancel()
	err := c.rawConn.Close()
	<-c.done
	c.setState(StateClosed)

	if err != nil && !errors.Is(err, net.ErrClosed) {
		return newConnectionError("close", err)
	}
	return nil
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Addr returns the remote address of the connection.
func (c *Conn) Addr() net.Addr {
	return c.rawConn.RemoteAddr()
}

// readLoop decodes frames and hands them to dispatch until the socket fails.
func (c *Conn) readLoop() error {
	for {
		p, err := c.reader.readPacket()
		if err != nil {
			if errors.Is(err, ErrMalformedPacket) {
				c.logger.Warn("malformed packet", "addr", c.Addr(), "error", err)
				return err
			}
			c.logger.Debug("read error", "addr", c.Addr(), "error", err)
			return newConnectionError("read", err)
		}

		c.logger.Debug("packet received", "addr", c.Addr(), "id", p.ID, "type", p.Type, "size", p.Size())
		c.dispatch(p)
	}
}

// writeLoop sends queued frames until the context is canceled or a write fails.
func (c *Conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data := <-c.sendMsg:
			if err := c.write(data); err != nil {
				return err
			}
		}
	}
}

// write sends data to the connection with a deadline.
func (c *Conn) write(data []byte) error {
	_ = c.rawConn.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))

	if _, err := c.rawConn.Write(data); err != nil {
		c.logger.Debug("write error", "addr", c.Addr(), "error", err)
		return newConnectionError("write", err)
	}

	return nil
}
