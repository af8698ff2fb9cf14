package wire

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObfuscatorRoundTrip(t *testing.T) {
	inputs := [][]byte{
		nil,
		{0x00},
		{0xFF, 0xFF, 0xFF},
		bytes.Repeat([]byte{0xAA}, 4096),
		[]byte("the quick brown fox jumps over the lazy dog"),
	}
	for _, in := range inputs {
		enc := NewObfuscator()
		dec := NewObfuscator()

		buf := append([]byte(nil), in...)
		enc.EncodeBuffer(buf)
		dec.DecodeBuffer(buf)

		assert.Equal(t, in, buf)
		assert.Equal(t, enc.mix, dec.mix)
	}
}

func TestObfuscatorBytewiseRoundTrip(t *testing.T) {
	enc := NewObfuscator()
	dec := NewObfuscator()
	for i := 0; i < 256; i++ {
		out := enc.EncodeByte(byte(i))
		back := dec.DecodeByte(out)
		assert.Equal(t, byte(i), back)
	}
}

// loopbackPipe returns two connected *net.TCPConn-like endpoints implemented
// over a real loopback TCP socket, matching the teacher corpus's preference
// for exercising real sockets over in-memory fakes.
func loopbackPipe(t *testing.T) (client, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	acceptCh := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		acceptCh <- c
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server = <-acceptCh
	require.NotNil(t, server)
	return client, server
}

func TestFrameRoundTrip(t *testing.T) {
	client, server := loopbackPipe(t)
	defer client.Close()
	defer server.Close()

	enc := NewObfuscator()
	dec := NewObfuscator()
	fr := NewFrameReader(server)

	pkt := NewData(0xDEADBEEF, []byte("PING"))
	require.NoError(t, SendFrame(client, enc, pkt))

	got, err := fr.RecvFrame(dec, time.Second)
	require.NoError(t, err)
	assert.Equal(t, pkt.Key, got.Key)
	assert.Equal(t, pkt.Cmd, got.Cmd)
	assert.Equal(t, pkt.Payload, got.Payload)
}

func TestFrameRoundTripMaxPayload(t *testing.T) {
	client, server := loopbackPipe(t)
	defer client.Close()
	defer server.Close()

	enc := NewObfuscator()
	dec := NewObfuscator()
	fr := NewFrameReader(server)

	payload := bytes.Repeat([]byte{0x5A}, MaxPayload)
	pkt := NewData(1, payload)
	require.NoError(t, SendFrame(client, enc, pkt))

	got, err := fr.RecvFrame(dec, time.Second)
	require.NoError(t, err)
	assert.Equal(t, payload, got.Payload)
}

func TestRecvFrameTimeout(t *testing.T) {
	client, server := loopbackPipe(t)
	defer client.Close()
	defer server.Close()

	dec := NewObfuscator()
	fr := NewFrameReader(server)

	_, err := fr.RecvFrame(dec, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestSendFrameRejectsOversizedPayload(t *testing.T) {
	enc := NewObfuscator()
	var buf bytes.Buffer
	pkt := &Packet{Key: 1, Cmd: CmdData, Payload: bytes.Repeat([]byte{0}, MaxPayload+1)}
	assert.Panics(t, func() {
		_ = SendFrame(&buf, enc, pkt)
	})
}
