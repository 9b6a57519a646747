package rcon

import (
	"time"
)

// Default configuration values.
const (
	// defaultBufferSize is the size of the outgoing frame channel.
	defaultBufferSize = 1
	// defaultMaxPacketSize bounds the size field of a received packet (1MB).
	// Servers fragment replies at 4096 bytes, so this is generous.
	defaultMaxPacketSize = 1024 * 1024
	defaultDialTimeout   = 10 * time.Second
	defaultWriteTimeout  = 10 * time.Second
	defaultReadTimeout   = 10 * time.Second
)

// options holds the configuration for a connection.
type options struct {
	logger Logger

	bufferSize    int           // size of buffered send channel
	maxPacketSize int           // maximum size field accepted from the server
	dialTimeout   time.Duration // bound on establishing the TCP connection
	writeTimeout  time.Duration // write deadline per frame
	readTimeout   time.Duration // bound on receiving the rest of a started frame
}

// Option is a function that configures connection options.
type Option func(*options)

// checkOptions sets default values for unset options.
func checkOptions(opts *options) {
	if opts.bufferSize <= 0 {
		opts.bufferSize = defaultBufferSize
	}

	if opts.maxPacketSize <= 0 {
		opts.maxPacketSize = defaultMaxPacketSize
	}

	if opts.dialTimeout <= 0 {
		opts.dialTimeout = defaultDialTimeout
	}

	if opts.writeTimeout <= 0 {
		opts.writeTimeout = defaultWriteTimeout
	}

	if opts.readTimeout <= 0 {
		opts.readTimeout = defaultReadTimeout
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}
}

func buildOptions(opt []Option) options {
	var opts options
	for _, o := range opt {
		o(&opts)
	}
	checkOptions(&opts)
	return opts
}

// BufferSizeOption sets the size of the send channel buffer.
func BufferSizeOption(size int) Option {
	return func(o *options) {
		o.bufferSize = size
	}
}

// MaxPacketSizeOption sets the largest size field accepted from the server.
// A frame declaring more is treated as malformed and the connection is closed.
func MaxPacketSizeOption(size int) Option {
	return func(o *options) {
		o.maxPacketSize = size
	}
}

// DialTimeoutOption bounds how long Dial waits for the TCP connection.
// The context passed to Dial may shorten it further.
func DialTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.dialTimeout = timeout
	}
}

// WriteTimeoutOption sets the write deadline for each outgoing frame.
func WriteTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.writeTimeout = timeout
	}
}

// ReadTimeoutOption bounds how long the rest of a frame may take once its
// first byte has arrived. A frame whose size field promises more bytes than
// the server sends fails with ErrMalformedPacket after this long. Waiting for
// a reply to start is not bounded by it.
func ReadTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.readTimeout = timeout
	}
}

// LoggerOption sets the logger. If not set, slog.Default() is used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}
