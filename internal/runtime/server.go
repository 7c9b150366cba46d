package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// server is a gin engine bound to its own listener.
type server struct {
	log      *slog.Logger
	listener net.Listener
	http     *http.Server
	stopped  chan struct{}
}

func listen(host string, port int, engine *gin.Engine, log *slog.Logger) (*server, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	s := &server{
		log:      log,
		listener: l,
		http:     &http.Server{Handler: engine, ReadHeaderTimeout: 10 * time.Second},
		stopped:  make(chan struct{}),
	}
	go func() {
		defer close(s.stopped)
		if err := s.http.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("Server stopped", "addr", s.Addr(), "error", err)
		}
	}()
	return s, nil
}

func (s *server) Addr() string {
	return s.listener.Addr().String()
}

func (s *server) shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	if err != nil {
		err = s.http.Close()
	}
	<-s.stopped
	return err
}

func (s *server) kill() {
	_ = s.http.Close()
	<-s.stopped
}

func newEngine() *gin.Engine {
	e := gin.New()
	e.Use(gin.Recovery())
	return e
}
