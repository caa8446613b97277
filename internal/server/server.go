package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/devsync/internal/limiter"
	"github.com/and161185/devsync/internal/repository"
	"github.com/and161185/devsync/internal/transport"
)

// Config carries the listener options.
type Config struct {
	Addr string
	// UploadLimit is the maximum accepted payload size in bytes.
	UploadLimit uint32
	// AccessTokenKey, when set, requires every handshake to carry a valid
	// HS256 bearer token.
	AccessTokenKey []byte
	// TLSCertFile/TLSKeyFile enable TLS when both are set.
	TLSCertFile string
	TLSKeyFile  string
}

// Server accepts client connections and runs one session per connection.
type Server struct {
	log      *zap.Logger
	cfg      Config
	db       repository.DatabaseController
	lim      limiter.Limiter
	broker   *Broker
	upgrader *transport.Upgrader
	http     *http.Server
}

// New creates a server over a database controller.
func New(log *zap.Logger, cfg Config, db repository.DatabaseController, lim limiter.Limiter) *Server {
	if lim == nil {
		lim = limiter.Noop{}
	}
	return &Server{
		log:      log,
		cfg:      cfg,
		db:       db,
		lim:      lim,
		broker:   NewBroker(),
		upgrader: transport.NewUpgrader(),
	}
}

// Broker exposes the session broker (used by tests to attach in-memory
// sessions).
func (s *Server) Broker() *Broker { return s.broker }

// Serve exposes a session on an already established channel, bypassing the
// HTTP listener. Used for in-process setups and tests.
func (s *Server) Serve(ctx context.Context, conn transport.Conn, ip string) *Session {
	sess := NewSession(s.log, conn, s.db, s.broker, s.lim, ip, s.cfg.UploadLimit)
	go sess.Run(ctx)
	return sess
}

// Run listens for connections until the context ends, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle(ctx))
	s.http = &http.Server{Addr: s.cfg.Addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
			s.log.Info("listening (TLS)", zap.String("addr", s.cfg.Addr))
			err = s.http.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		} else {
			s.log.Info("listening", zap.String("addr", s.cfg.Addr))
			err = s.http.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handle(ctx context.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(s.cfg.AccessTokenKey) > 0 {
			token := transport.BearerToken(r)
			if err := transport.VerifyAccessToken(token, s.cfg.AccessTokenKey); err != nil {
				s.log.Warn("rejected handshake with invalid access token",
					zap.String("remote", r.RemoteAddr))
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		conn, err := s.upgrader.Upgrade(w, r)
		if err != nil {
			s.log.Warn("failed to upgrade connection", zap.Error(err))
			return
		}
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		s.Serve(ctx, conn, ip)
	}
}
