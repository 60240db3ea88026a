package status

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/gin-gonic/gin"
	"github.com/scusemua/fleet-scheduler/common/utils"
	"golang.org/x/net/netutil"
)

const (
	// MaxConnections is the number of connections the status page accepts at once.
	MaxConnections = 1
)

var (
	ErrStatusServerAlreadyRunning = errors.New("status server is already running")
)

// StatusServer serves the plaintext status page of the fleet at "/".
type StatusServer struct {
	log logger.Logger

	reporter Reporter
	engine   *gin.Engine

	host string
	port int

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
}

func NewStatusServer(reporter Reporter, host string, port int) *StatusServer {
	server := &StatusServer{
		reporter: reporter,
		host:     host,
		port:     port,
	}
	config.InitLogger(&server.log, server)

	server.engine = gin.New()
	server.engine.Use(gin.Recovery())
	server.engine.GET("/", server.handleStatus)

	return server
}

// Handler returns the http.Handler of the status page.
func (s *StatusServer) Handler() http.Handler {
	return s.engine
}

// Start listens on the configured host and port and serves the status page in a new goroutine.
// A non-positive port disables the status page.
func (s *StatusServer) Start() error {
	if s.port <= 0 {
		s.log.Debug("Status port is set to %d. Not serving the status page.", s.port)
		return nil
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(s.host, fmt.Sprint(s.port)))
	if err != nil {
		return err
	}

	return s.Serve(ln)
}

// Serve serves the status page on the listener in a new goroutine, accepting MaxConnections connections at once.
func (s *StatusServer) Serve(ln net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpServer != nil {
		return ErrStatusServerAlreadyRunning
	}

	s.listener = netutil.LimitListener(ln, MaxConnections)
	s.httpServer = &http.Server{Handler: s.engine}

	httpServer, listener := s.httpServer, s.listener
	go func() {
		s.log.Info("Serving status page at http://%s/", ln.Addr())
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error(utils.RedStyle.Render("Status server failed: %v"), err)
		}
	}()

	return nil
}

// Addr returns the address the status page is served on, or nil if it is not served.
func (s *StatusServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}

	return s.listener.Addr()
}

func (s *StatusServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpServer == nil {
		return nil
	}

	err := s.httpServer.Shutdown(ctx)
	s.httpServer = nil
	s.listener = nil

	return err
}

func (s *StatusServer) handleStatus(c *gin.Context) {
	var buf bytes.Buffer
	if err := RenderPlaintext(&buf, s.reporter.Report()); err != nil {
		s.log.Error("Failed to render status page: %v", err)
		c.String(http.StatusInternalServerError, "failed to render status: %v", err)
		return
	}

	c.Data(http.StatusOK, "text/plain; charset=utf-8", buf.Bytes())
}
