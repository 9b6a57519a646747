package rcon

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
)

// limitedReader wraps a reader and returns ErrPacketTooLarge when the limit is exceeded.
type limitedReader struct {
	r         io.Reader
	remaining int64
}

func newLimitedReader(r io.Reader, limit int64) *limitedReader {
	return &limitedReader{r: r, remaining: limit}
}

func (l *limitedReader) Read(p []byte) (n int, err error) {
	if l.remaining <= 0 {
		return 0, ErrPacketTooLarge
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err = l.r.Read(p)
	l.remaining -= int64(n)
	return
}

// reset resets the limit counter for reuse with a new frame.
// Only remaining is reset because the underlying bufio.Reader keeps its own
// buffer state and continues reading from where it left off.
func (l *limitedReader) reset(limit int64) {
	l.remaining = limit
}

// frameReader reads whole frames off a stream. TCP may split or merge
// frames arbitrarily; the size field tells how many bytes to wait for.
type frameReader struct {
	lr      *limitedReader
	maxSize int

	// Once the first byte of a frame arrives the rest must follow within
	// frameTimeout. Waiting for that first byte is unbounded.
	setDeadline  func(time.Time) error
	frameTimeout time.Duration
}

func newFrameReader(r io.Reader, maxSize int) *frameReader {
	return &frameReader{
		lr:      newLimitedReader(r, int64(maxSize)+sizeFieldLength),
		maxSize: maxSize,
	}
}

// withFrameTimeout bounds how long a started frame may take to complete.
func (f *frameReader) withFrameTimeout(setDeadline func(time.Time) error, timeout time.Duration) *frameReader {
	f.setDeadline = setDeadline
	f.frameTimeout = timeout
	return f
}

// readPacket reads and decodes the next frame.
// io.EOF is returned unchanged when the stream ends on a frame boundary.
func (f *frameReader) readPacket() (Packet, error) {
	f.lr.reset(int64(f.maxSize) + sizeFieldLength)

	if err := f.deadline(time.Time{}); err != nil {
		return Packet{}, err
	}

	var header [sizeFieldLength]byte
	if _, err := io.ReadFull(f.lr, header[:1]); err != nil {
		return Packet{}, err
	}

	if f.setDeadline != nil {
		if err := f.deadline(time.Now().Add(f.frameTimeout)); err != nil {
			return Packet{}, err
		}
	}

	if _, err := io.ReadFull(f.lr, header[1:]); err != nil {
		return Packet{}, f.incomplete(err, "size field")
	}

	size := int32(binary.LittleEndian.Uint32(header[:]))
	if size < minPacketSize {
		return Packet{}, errors.Wrapf(ErrMalformedPacket, "declared size %d below minimum %d", size, minPacketSize)
	}
	if int(size) > f.maxSize {
		return Packet{}, errors.Wrapf(ErrPacketTooLarge, "declared size %d exceeds limit %d", size, f.maxSize)
	}

	buf := make([]byte, sizeFieldLength+int(size))
	copy(buf, header[:])
	if _, err := io.ReadFull(f.lr, buf[sizeFieldLength:]); err != nil {
		return Packet{}, f.incomplete(err, fmt.Sprintf("body of declared size %d", size))
	}

	return Decode(buf)
}

func (f *frameReader) deadline(t time.Time) error {
	if f.setDeadline == nil {
		return nil
	}
	return f.setDeadline(t)
}

// incomplete maps an error hit in the middle of a frame. A frame that stops
// arriving means its size field promised more bytes than were sent.
func (f *frameReader) incomplete(err error, what string) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errors.Wrapf(ErrMalformedPacket, "%s not received within %s", what, f.frameTimeout)
	}
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// writePacket encodes p and writes it to w. Unlike Encode it accepts any
// id, so a server can answer with -1.
func writePacket(w io.Writer, p Packet) error {
	if !validBody(p.Body) {
		return errors.Wrap(ErrInvalidArgument, "body contains a null byte")
	}
	_, err := w.Write(encode(p.ID, p.Type, p.Body))
	return err
}
