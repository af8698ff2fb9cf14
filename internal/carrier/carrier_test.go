package carrier

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mikewei/cfwxx/internal/cfwlog"
	"github.com/mikewei/cfwxx/internal/channel"
)

// TestSpawnEgressSessionPanicsOnKeyCollision covers the egress carrier's
// demultiplex path: a Conn frame naming a key whose mailbox is already
// owned means the ingress peer minted a colliding key, which this carrier
// treats as a fatal precondition violation rather than a frame to drop.
func TestSpawnEgressSessionPanicsOnKeyCollision(t *testing.T) {
	ch := channel.New()
	const key = uint64(0xC0FFEE)
	require.True(t, ch.Own(key))
	defer ch.Free(key)

	log := cfwlog.New("test")
	require.Panics(t, func() {
		spawnEgressSession(ch, key, log)
	})
}
