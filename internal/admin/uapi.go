// Package admin exposes a UNIX-socket, line-oriented key=value control
// protocol over the Channel's live state, in the same request/response
// shape WireGuard's UAPI uses: a client writes a command line, the server
// answers with zero or more key=value lines, and a blank line ends the
// response. It is the Go rendering of the device lifecycle code's
// ipc*.go/uapi.go operation listener, retargeted from interface
// configuration to session introspection.
package admin

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/mikewei/cfwxx/internal/cfwlog"
	"github.com/mikewei/cfwxx/internal/channel"
)

// Server listens on a UNIX socket and answers "get" and "gc" commands
// against a Channel.
type Server struct {
	ch   *channel.Channel
	log  *cfwlog.Logger
	path string
	ln   net.Listener
}

// Listen removes any stale socket at path and starts listening.
func Listen(path string, ch *channel.Channel, log *cfwlog.Logger) (*Server, error) {
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("admin: listen %s: %w", path, err)
	}
	return &Server{ch: ch, log: log.With("component", "admin"), path: path, ln: ln}, nil
}

// Close stops accepting connections and removes the socket file.
func (s *Server) Close() error {
	err := s.ln.Close()
	_ = os.Remove(s.path)
	return err
}

// Serve accepts connections until the listener is closed.
func (s *Server) Serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		return
	}
	cmd := strings.TrimSpace(scanner.Text())

	w := bufio.NewWriter(conn)
	defer w.Flush()

	switch cmd {
	case "get":
		s.writeSnapshot(w)
	case "gc":
		reaped := s.ch.GarbageCleanup(gcMaxIdleForAdmin)
		fmt.Fprintf(w, "reaped=%d\n", len(reaped))
		fmt.Fprint(w, "errno=0\n")
		fmt.Fprint(w, "\n")
	default:
		fmt.Fprintf(w, "errno=1\n")
		fmt.Fprintf(w, "errmsg=unknown command %q\n", cmd)
		fmt.Fprint(w, "\n")
	}
}

// gcMaxIdleForAdmin mirrors the carrier's own idle threshold so an operator
// invoking "gc" by hand reaps by the same rule the background sweep uses.
const gcMaxIdleForAdmin = 120 * time.Second

// writeSnapshot reports session_count (live mailboxes other than the
// reserved egress queue) and egress_queue_depth (that reserved queue's own
// backlog) up front, then one session=/queue_depth=/idle_secs= triple per
// live session, matching SPEC_FULL's admin surface shape.
func (s *Server) writeSnapshot(w *bufio.Writer) {
	infos := s.ch.Snapshot()

	sessionCount := 0
	egressQueueDepth := 0
	for _, info := range infos {
		if info.Key == channel.EgressKey {
			egressQueueDepth = info.QueueDepth
			continue
		}
		sessionCount++
	}
	fmt.Fprintf(w, "session_count=%d\n", sessionCount)
	fmt.Fprintf(w, "egress_queue_depth=%d\n", egressQueueDepth)

	for _, info := range infos {
		if info.Key == channel.EgressKey {
			continue
		}
		fmt.Fprintf(w, "session=%d\n", info.Key)
		fmt.Fprintf(w, "queue_depth=%d\n", info.QueueDepth)
		fmt.Fprintf(w, "idle_secs=%.1f\n", info.IdleSecs)
	}
	fmt.Fprint(w, "errno=0\n")
	fmt.Fprint(w, "\n")
}
