package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

func newUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// Upstreams are local processes without a browser origin.
		CheckOrigin: func(r *http.Request) bool { return true },
	}
}

// Server hosts the ingress endpoints and the feed broadcaster.
type Server struct {
	sink   Sink
	feed   *Broadcaster
	logger *slog.Logger
	srv    *http.Server
}

// NewServer wires the routes. feed may be nil to disable /feed.
func NewServer(sink Sink, feed *Broadcaster, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{sink: sink, feed: feed, logger: logger}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	for path, dec := range map[string]decoder{
		"/records": decodeRecord,
		"/frames":  decodeFrame,
		"/sources": decodeSource,
	} {
		mux.Handle(path, &ingress{
			name:     path,
			sink:     s.sink,
			decode:   dec,
			upgrader: newUpgrader(),
			logger:   s.logger,
		})
	}
	if s.feed != nil {
		mux.Handle("/feed", s.feed)
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	return mux
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("bridge listening", "addr", ln.Addr().String())
		errc <- s.srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		if s.feed != nil {
			s.feed.Close()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("bridge shutdown: %w", err)
		}
		return nil
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("bridge serve: %w", err)
	}
}
