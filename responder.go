package rcon

import (
	"bufio"
	"crypto/subtle"
	"io"
	"net"
	"strings"

	"github.com/pkg/errors"
)

// DefaultFragmentSize is the largest body Responder puts in one packet,
// matching what Source servers send.
const DefaultFragmentSize = 4096

// Executor runs a command for an authenticated client.
type Executor interface {
	Execute(command string) string
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(command string) string

// Execute calls f(command).
func (f ExecutorFunc) Execute(command string) string {
	return f(command)
}

// Responder is a Handler that speaks the server side of the protocol.
//
// AUTH is answered with an empty RESPONSE_VALUE followed by AUTH_RESPONSE
// carrying the request id, or -1 if the password is wrong. Command output is
// split into RESPONSE_VALUE fragments of at most FragmentSize bytes, and
// every RESPONSE_VALUE received is echoed back empty with the same id.
type Responder struct {
	Password     string
	Executor     Executor
	FragmentSize int
	Logger       Logger
}

// Handle serves conn until the client disconnects.
func (r *Responder) Handle(conn *net.TCPConn) {
	logger := r.Logger
	if logger == nil {
		logger = defaultLogger()
	}

	// Replies go out in small batches; Nagle would hold the sentinel echo back.
	_ = conn.SetNoDelay(true)
	logger.Info("rcon client connected", "remote_addr", conn.RemoteAddr())
	defer func() {
		conn.Close()
		logger.Info("rcon client disconnected", "remote_addr", conn.RemoteAddr())
	}()

	reader := newFrameReader(bufio.NewReader(conn), defaultMaxPacketSize)
	w := bufio.NewWriter(conn)
	authed := false

	for {
		p, err := reader.readPacket()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debug("rcon read error", "remote_addr", conn.RemoteAddr(), "error", err)
			}
			return
		}

		var out []Packet
		switch {
		case p.Type == TypeAuth:
			out = append(out, Packet{ID: p.ID, Type: TypeResponseValue})
			authed = subtle.ConstantTimeCompare([]byte(p.Body), []byte(r.Password)) == 1
			if authed {
				out = append(out, Packet{ID: p.ID, Type: TypeAuthResponse})
			} else {
				logger.Warn("rcon auth rejected", "remote_addr", conn.RemoteAddr())
				out = append(out, Packet{ID: -1, Type: TypeAuthResponse})
			}
		case !authed:
			logger.Debug("dropping packet before auth", "remote_addr", conn.RemoteAddr(), "type", p.Type)
		case p.Type == TypeExecCommand:
			logger.Debug("rcon command", "remote_addr", conn.RemoteAddr(), "command", p.Body)
			out = r.fragment(p.ID, r.execute(p.Body))
		case p.Type == TypeResponseValue:
			out = append(out, Packet{ID: p.ID, Type: TypeResponseValue})
		}

		for _, o := range out {
			if err := writePacket(w, o); err != nil {
				logger.Debug("rcon write error", "remote_addr", conn.RemoteAddr(), "error", err)
				return
			}
		}
		if err := w.Flush(); err != nil {
			logger.Debug("rcon write error", "remote_addr", conn.RemoteAddr(), "error", err)
			return
		}
	}
}

func (r *Responder) execute(command string) string {
	if r.Executor == nil {
		return ""
	}
	return r.Executor.Execute(command)
}

// fragment splits body into RESPONSE_VALUE packets with the given id.
// Null bytes cannot travel in a body and are dropped.
func (r *Responder) fragment(id int32, body string) []Packet {
	size := r.FragmentSize
	if size <= 0 {
		size = DefaultFragmentSize
	}

	body = strings.ReplaceAll(body, "\x00", "")
	if body == "" {
		return []Packet{{ID: id, Type: TypeResponseValue}}
	}

	packets := make([]Packet, 0, (len(body)+size-1)/size)
	for len(body) > 0 {
		n := min(size, len(body))
		packets = append(packets, Packet{ID: id, Type: TypeResponseValue, Body: body[:n]})
		body = body[n:]
	}
	return packets
}
