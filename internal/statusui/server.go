// Package statusui serves a tiny HTTP status surface over the same
// Channel.Snapshot the admin package exposes over a UNIX socket: a JSON
// endpoint for scripts, and a plain HTML page for a human glancing at
// what's currently tunneled. It is the Go rendering of the device lifecycle
// code's webui, cut down to the one thing this tunnel has to show: live
// session keys, their queue depth, and how long each has been idle.
package statusui

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mikewei/cfwxx/internal/channel"
)

// Server wraps an http.Server rooted at two handlers: /api/sessions and /.
type Server struct {
	ch  *channel.Channel
	srv *http.Server
}

// New builds a Server listening on addr. Call ListenAndServe to run it.
func New(addr string, ch *channel.Channel) *Server {
	s := &Server{ch: ch}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/sessions", s.handleAPI)
	mux.HandleFunc("/", s.handleIndex)
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving until the listener fails or Close is called.
func (s *Server) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

// Close shuts the HTTP server down.
func (s *Server) Close() error {
	return s.srv.Close()
}

func (s *Server) handleAPI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.ch.Snapshot()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	sessions := s.ch.Snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, "<!doctype html><html><head><title>cfwxx status</title></head><body>")
	count := 0
	for _, info := range sessions {
		if info.Key != channel.EgressKey {
			count++
		}
	}
	fmt.Fprintf(w, "<h1>%d active session(s)</h1><table border=\"1\">", count)
	fmt.Fprint(w, "<tr><th>key</th><th>queue depth</th><th>idle (s)</th></tr>")
	for _, info := range sessions {
		fmt.Fprintf(w, "<tr><td>%d</td><td>%d</td><td>%.1f</td></tr>", info.Key, info.QueueDepth, info.IdleSecs)
	}
	fmt.Fprint(w, "</table></body></html>")
}
