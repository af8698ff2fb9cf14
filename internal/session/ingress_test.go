package session

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mikewei/cfwxx/internal/cfwlog"
	"github.com/mikewei/cfwxx/internal/channel"
)

// TestIngressWorkerPanicsOnKeyCollision exercises the fatal branch of Own:
// if a key is already owned when a second IngressWorker tries to acquire
// it, that means two client connections minted the same key, which is a
// programmer error in key minting rather than a condition the carrier can
// recover from by just dropping the newer connection.
func TestIngressWorkerPanicsOnKeyCollision(t *testing.T) {
	ch := channel.New()
	const key = uint64(0xC0FFEE)
	require.True(t, ch.Own(key))
	defer ch.Free(key)

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	log := cfwlog.New("test")
	w := NewIngressWorker(ch, key, server, log)

	require.Panics(t, func() {
		w.Run()
	})
}
