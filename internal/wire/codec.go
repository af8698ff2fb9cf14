package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	pkgerrors "github.com/pkg/errors"
)

// ErrTimeout is returned by RecvFrame when no frame arrived within the
// requested timeout. It is not a failure of the carrier: callers loop.
var ErrTimeout = errors.New("wire: recv timeout")

// ErrFrameOverflow is returned by RecvFrame when an inbound frame declares a
// data_len past MaxPayload. That length comes off the wire from the remote
// peer, so it is an ordinary protocol error to report and disconnect on,
// not a bug in this process. SendFrame treats the same limit differently:
// its payload is always this process's own construction (see SendFrame).
var ErrFrameOverflow = errors.New("wire: frame exceeds MaxFrame")

// byteOrder is host byte order for this build target. The original carrier
// serializes key/cmd/data_len with the host's native layout; amd64/arm64
// (the platforms this tunnel ships on) are little-endian, so we fix that
// explicitly rather than using unsafe host-order tricks.
var byteOrder = binary.LittleEndian

// Conn is the subset of net.Conn the codec needs. A *net.TCPConn satisfies
// it directly; tests can substitute anything with deadline support.
type Conn interface {
	io.Reader
	io.Writer
	SetReadDeadline(t time.Time) error
}

// FrameReader wraps a Conn with the buffering RecvFrame's peek-then-read
// needs. One FrameReader must not be shared between goroutines.
type FrameReader struct {
	conn Conn
	br   *bufio.Reader
}

// NewFrameReader constructs a FrameReader over conn.
func NewFrameReader(conn Conn) *FrameReader {
	return &FrameReader{conn: conn, br: bufio.NewReaderSize(connReader{conn}, MaxFrame)}
}

// connReader adapts Conn to io.Reader without exposing SetReadDeadline to
// bufio.Reader, which only ever calls Read.
type connReader struct{ c Conn }

func (r connReader) Read(p []byte) (int, error) { return r.c.Read(p) }

// SendFrame obfuscates and writes one Packet to w with full-write
// semantics: it loops until every byte is written or an error occurs. A
// short write or error is returned to the caller to log; it is never fatal
// to the carrier by itself (a subsequent read will surface real loss). An
// oversized payload is different: every Packet this process sends is its
// own construction, built from a buffer already sized for MaxPayload, so
// exceeding it is a programmer error and panics rather than returning an
// ordinary error a caller might shrug off.
func SendFrame(w io.Writer, enc *Obfuscator, pkt *Packet) error {
	if len(pkt.Payload) > MaxPayload {
		panic(fmt.Sprintf("wire: send frame: payload of %d bytes exceeds MaxPayload %d", len(pkt.Payload), MaxPayload))
	}
	total := HeaderSize + len(pkt.Payload)
	buf := make([]byte, total)
	byteOrder.PutUint64(buf[0:8], pkt.Key)
	buf[8] = byte(pkt.Cmd)
	byteOrder.PutUint32(buf[9:13], uint32(len(pkt.Payload)))
	copy(buf[HeaderSize:], pkt.Payload)

	enc.EncodeBuffer(buf)

	for off := 0; off < len(buf); {
		n, err := w.Write(buf[off:])
		if err != nil {
			return pkgerrors.Wrap(err, "wire: send frame")
		}
		off += n
	}
	return nil
}

// RecvFrame attempts to read one frame within timeout. It peeks a single
// byte first so a carrier with nothing to say never blocks the caller past
// timeout; this is the idiomatic substitute for the original's
// MSG_PEEK|MSG_DONTWAIT-then-sleep spin.
func (fr *FrameReader) RecvFrame(dec *Obfuscator, timeout time.Duration) (*Packet, error) {
	if err := fr.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, pkgerrors.Wrap(err, "wire: set read deadline")
	}
	if _, err := fr.br.Peek(1); err != nil {
		if isTimeout(err) {
			return nil, ErrTimeout
		}
		return nil, pkgerrors.Wrap(err, "wire: recv peek")
	}

	// Header and payload reads are allowed to block a while longer than the
	// poll timeout: once a byte is known to be waiting, the rest of the
	// frame is assumed to follow promptly, so give it a generous deadline.
	if err := fr.conn.SetReadDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return nil, pkgerrors.Wrap(err, "wire: set read deadline")
	}

	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(fr.br, header); err != nil {
		return nil, pkgerrors.Wrap(err, "wire: recv header")
	}
	dec.DecodeBuffer(header)

	key := byteOrder.Uint64(header[0:8])
	cmd := Cmd(header[8])
	dataLen := byteOrder.Uint32(header[9:13])
	if dataLen > MaxPayload {
		return nil, ErrFrameOverflow
	}

	payload := make([]byte, dataLen)
	if dataLen > 0 {
		if _, err := io.ReadFull(fr.br, payload); err != nil {
			return nil, pkgerrors.Wrap(err, "wire: recv payload")
		}
		dec.DecodeBuffer(payload)
	}

	return &Packet{Key: key, Cmd: cmd, Payload: payload}, nil
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return errors.Is(err, errTimeoutSentinel)
}

// errTimeoutSentinel lets tests that don't implement net.Error signal a
// timeout unambiguously.
var errTimeoutSentinel = errors.New("wire: timeout")
