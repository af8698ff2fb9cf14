package session

import (
	"errors"
	"net"
	"sync/atomic"
	"time"
)

// IdleTimeout bounds how long a session worker waits for activity in
// either direction — a socket read or a mailbox delivery — before tearing
// the session down on its own. It is a var rather than a const so tests can
// shrink it instead of waiting out the real window; production code never
// assigns it.
var IdleTimeout = 600 * time.Second

// socketPollTimeout is the read deadline both pump loops use to wake up
// periodically and check IdleTimeout, rather than blocking on a socket
// read forever.
const socketPollTimeout = 50 * time.Millisecond

// activityClock is a lock-free last-active timestamp shared by both
// directions of a session's byte pump.
type activityClock int64

func newActivityClock() activityClock {
	return activityClock(time.Now().UnixNano())
}

func (c *activityClock) touch() {
	atomic.StoreInt64((*int64)(c), time.Now().UnixNano())
}

func (c *activityClock) idleFor() time.Duration {
	return time.Since(time.Unix(0, atomic.LoadInt64((*int64)(c))))
}

// isTimeoutErr reports whether err is a deadline expiry rather than a real
// read/write failure, so the idle-poll loops can tell "nothing to read
// yet" apart from "the socket is gone".
func isTimeoutErr(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}
