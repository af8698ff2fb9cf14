package ratelimit

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAllowBurstThenReject(t *testing.T) {
	l := New()
	defer l.Close()

	now := time.Unix(1_700_000_000, 0)
	l.timeNow = func() time.Time { return now }

	ip := netip.MustParseAddr("203.0.113.7")

	admitted := 0
	for i := 0; i < acceptsBurstable+3; i++ {
		if l.Allow(ip) {
			admitted++
		}
	}
	assert.Equal(t, acceptsBurstable, admitted)
}

func TestAllowRefillsOverTime(t *testing.T) {
	l := New()
	defer l.Close()

	now := time.Unix(1_700_000_000, 0)
	l.timeNow = func() time.Time { return now }
	ip := netip.MustParseAddr("203.0.113.8")

	for i := 0; i < acceptsBurstable; i++ {
		assert.True(t, l.Allow(ip))
	}
	assert.False(t, l.Allow(ip))

	now = now.Add(time.Second)
	assert.True(t, l.Allow(ip), "accepts older than rateWindow should no longer count after one second")
}

func TestAllowIsPerIP(t *testing.T) {
	l := New()
	defer l.Close()

	now := time.Unix(1_700_000_000, 0)
	l.timeNow = func() time.Time { return now }

	a := netip.MustParseAddr("203.0.113.9")
	b := netip.MustParseAddr("203.0.113.10")

	for i := 0; i < acceptsBurstable; i++ {
		assert.True(t, l.Allow(a))
	}
	assert.False(t, l.Allow(a))
	assert.True(t, l.Allow(b), "a different IP must have its own accept log")
}
