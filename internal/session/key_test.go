package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMakeKeyDiffersByIPPortSecond(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)

	k1 := makeKeyFrom(0x7F000001, 4000, base)
	k2 := makeKeyFrom(0x7F000002, 4000, base) // different ip
	k3 := makeKeyFrom(0x7F000001, 4001, base) // different port
	k4 := makeKeyFrom(0x7F000001, 4000, base.Add(time.Second)) // different second

	assert.NotEqual(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.NotEqual(t, k1, k4)
}

func TestMakeKeyLayout(t *testing.T) {
	now := time.Unix(1_700_000_123, 0)
	k := makeKeyFrom(0x01020304, 0xBEEF, now)

	wantSecs := uint64(now.Unix()) & 0xFFFF
	want := (uint64(0x01020304) << 32) | (uint64(0xBEEF) << 16) | wantSecs
	assert.Equal(t, want, k)
}
