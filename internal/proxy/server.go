package proxy

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/lexfrei/pingress/internal/tlsstore"
)

const (
	// DefaultShutdownTimeout bounds how long in-flight requests may drain.
	DefaultShutdownTimeout = 30 * time.Second

	readHeaderTimeout = 10 * time.Second
)

// ServerConfig holds listener settings.
type ServerConfig struct {
	HTTPAddr    string
	HTTPSAddr   string
	MetricsAddr string

	ShutdownTimeout time.Duration

	Handler http.Handler
	Store   *tlsstore.Store

	// Gatherer backs the metrics endpoint. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
}

type endpoint struct {
	name     string
	server   *http.Server
	listener net.Listener
	tls      bool
}

// Server runs the HTTP, HTTPS and metrics listeners.
type Server struct {
	cfg       ServerConfig
	endpoints []*endpoint
	logger    *slog.Logger
}

// NewServer validates cfg and prepares the listeners' servers.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Handler == nil {
		return nil, errors.New("handler is required")
	}

	if cfg.HTTPSAddr != "" && cfg.Store == nil {
		return nil, errors.New("tls store is required for the https listener")
	}

	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}

	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}

	srv := &Server{
		cfg:    cfg,
		logger: slog.Default().With("component", "proxy-server"),
	}

	if cfg.HTTPAddr != "" {
		srv.endpoints = append(srv.endpoints, &endpoint{
			name: "http",
			server: &http.Server{
				Addr:              cfg.HTTPAddr,
				Handler:           cfg.Handler,
				ReadHeaderTimeout: readHeaderTimeout,
			},
		})
	}

	if cfg.HTTPSAddr != "" {
		srv.endpoints = append(srv.endpoints, &endpoint{
			name: "https",
			tls:  true,
			server: &http.Server{
				Addr:              cfg.HTTPSAddr,
				Handler:           cfg.Handler,
				ReadHeaderTimeout: readHeaderTimeout,
				TLSConfig: &tls.Config{
					MinVersion:     tls.VersionTLS12,
					GetCertificate: cfg.Store.GetCertificate,
				},
			},
		})
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))

		srv.endpoints = append(srv.endpoints, &endpoint{
			name: "metrics",
			server: &http.Server{
				Addr:              cfg.MetricsAddr,
				Handler:           mux,
				ReadHeaderTimeout: readHeaderTimeout,
			},
		})
	}

	if len(srv.endpoints) == 0 {
		return nil, errors.New("at least one listen address is required")
	}

	return srv, nil
}

// Listen binds every configured address. Any failure closes what was already bound.
func (s *Server) Listen(ctx context.Context) error {
	var lc net.ListenConfig

	for _, ep := range s.endpoints {
		listener, err := lc.Listen(ctx, "tcp", ep.server.Addr)
		if err != nil {
			s.closeListeners()

			return errors.Wrapf(err, "failed to listen on %s for %s", ep.server.Addr, ep.name)
		}

		ep.listener = listener
	}

	return nil
}

// Addr returns the bound address of the named listener ("http", "https" or "metrics").
func (s *Server) Addr(name string) net.Addr {
	for _, ep := range s.endpoints {
		if ep.name == name && ep.listener != nil {
			return ep.listener.Addr()
		}
	}

	return nil
}

// Serve serves on the bound listeners until ctx is cancelled, then drains
// in-flight requests for at most the shutdown timeout.
func (s *Server) Serve(ctx context.Context) error {
	for _, ep := range s.endpoints {
		if ep.listener == nil {
			return errors.Newf("%s listener is not bound", ep.name)
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)

	for _, ep := range s.endpoints {
		group.Go(func() error {
			s.logger.Info("listening", "listener", ep.name, "addr", ep.listener.Addr().String())

			var err error
			if ep.tls {
				err = ep.server.ServeTLS(ep.listener, "", "")
			} else {
				err = ep.server.Serve(ep.listener)
			}

			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}

			return errors.Wrapf(err, "%s listener failed", ep.name)
		})
	}

	group.Go(func() error {
		<-groupCtx.Done()

		return s.shutdown()
	})

	return group.Wait() //nolint:wrapcheck // errors are wrapped per listener
}

// Run binds and serves.
func (s *Server) Run(ctx context.Context) error {
	err := s.Listen(ctx)
	if err != nil {
		return err
	}

	return s.Serve(ctx)
}

func (s *Server) shutdown() error {
	s.logger.Info("draining connections", "timeout", s.cfg.ShutdownTimeout)

	//nolint:contextcheck // parent context is already cancelled
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	var errs error

	for _, ep := range s.endpoints {
		err := ep.server.Shutdown(shutdownCtx)
		if err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "failed to shut down %s listener", ep.name))
		}
	}

	return errs
}

func (s *Server) closeListeners() {
	for _, ep := range s.endpoints {
		if ep.listener != nil {
			_ = ep.listener.Close()
			ep.listener = nil
		}
	}
}
