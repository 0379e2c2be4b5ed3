package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"e2e_relay/internal/broadcast"
	"e2e_relay/internal/config"
	"e2e_relay/internal/directory"
	"e2e_relay/internal/metrics"
	"e2e_relay/internal/utils/log"
)

const maxAssignAttempts = 16

type (
	// Server is the relay: a TCP listener speaking the binary packet protocol
	// and an HTTP listener for the JSON websocket ingress and inspection.
	Server struct {
		cfg       config.ServerConfig
		directory *directory.Directory
		router    *broadcast.Router
		metrics   *metrics.Metrics
		keys      *keyRegistry

		userSeq atomic.Uint64

		mu         sync.Mutex
		listener   net.Listener
		httpServer *http.Server
		conns      sync.WaitGroup
	}
)

func NewServer(cfg config.ServerConfig, dir *directory.Directory, m *metrics.Metrics) *Server {
	if m == nil {
		m = metrics.New()
	}
	return &Server{
		cfg:       cfg,
		directory: dir,
		router:    broadcast.NewRouter(dir, broadcast.WithQueueSize(cfg.SendQueue), broadcast.WithMetrics(m)),
		metrics:   m,
		keys:      newKeyRegistry(),
	}
}

// Run serves TCP and HTTP until ctx is cancelled or a listener fails.
func (s *Server) Run(ctx context.Context) error {
	l, err := net.Listen("tcp", s.cfg.TCPAddr)
	if err != nil {
		return fmt.Errorf("listen tcp %s: %w", s.cfg.TCPAddr, err)
	}

	s.mu.Lock()
	s.httpServer = &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpServer := s.httpServer
	s.mu.Unlock()

	errc := make(chan error, 2)
	go func() {
		log.Info("relay listening", zap.String("addr", l.Addr().String()))
		errc <- s.Serve(l)
	}()
	go func() {
		log.Info("http listening", zap.String("addr", s.cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err = <-errc:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Shutdown(shutdownCtx)
	return err
}

// Serve accepts binary-protocol connections on l until l is closed.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()

	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.ServeConn(context.Background(), conn)
		}()
	}
}

// Shutdown stops accepting, disconnects every client and waits for the
// connection goroutines or ctx.
func (s *Server) Shutdown(ctx context.Context) {
	s.mu.Lock()
	l, hs := s.listener, s.httpServer
	s.mu.Unlock()

	if l != nil {
		_ = l.Close()
	}
	if hs != nil {
		if err := hs.Shutdown(ctx); err != nil {
			log.Warn("http shutdown", zap.Error(err))
		}
	}
	s.router.Close()

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn("shutdown timed out with connections open")
	}
}

func (s *Server) nextUserID() string {
	return fmt.Sprintf("user_%d", s.userSeq.Add(1))
}

// registerAssigned registers sink under the next free relay-assigned id.
// Ids a websocket client already picked for itself are skipped.
func (s *Server) registerAssigned(sink broadcast.Sink) (string, *broadcast.Client, error) {
	var err error
	for i := 0; i < maxAssignAttempts; i++ {
		userID := s.nextUserID()
		var client *broadcast.Client
		client, err = s.router.Register(userID, sink)
		if err == nil {
			return userID, client, nil
		}
		if !errors.Is(err, broadcast.ErrDuplicateUser) {
			break
		}
		log.Debug("assigned id taken, drawing another", zap.String("user_id", userID))
	}
	return "", nil, err
}

// keyRegistry holds the public key each connected user announced.
type keyRegistry struct {
	mu   sync.RWMutex
	keys map[string][]byte
}

func newKeyRegistry() *keyRegistry {
	return &keyRegistry{keys: make(map[string][]byte)}
}

func (r *keyRegistry) set(userID string, pub []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[userID] = pub
}

func (r *keyRegistry) get(userID string) ([]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.keys[userID]
	return k, ok
}

func (r *keyRegistry) remove(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.keys, userID)
}
