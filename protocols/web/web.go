// Package web holds what the https and wss servers share: certificate setup, the decoy site and
// the listener lifecycle.
package web

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/foomo/simplecert"
	"go.uber.org/zap"

	"github.com/awnumar/courier/config"
)

// AuthHeader carries the shared auth token on tunnel requests.
const AuthHeader = "Auth-Token"

// ErrClosed is returned by Serve after Shutdown.
var ErrClosed = errors.New("web server closed")

// TLSConfig returns the server TLS configuration. With hostname and email configured the
// certificate is provisioned from Let's Encrypt and acme is true; with tlsCert and tlsKey it is
// loaded from files. Without either it returns nil and the server speaks plain HTTP.
func TLSConfig(conf config.Configuration) (tlsConfig *tls.Config, acme bool, err error) {
	var tlsMaxVersion uint16
	switch conf.String(config.KeyTLSMaxVersion, "1.3") {
	case "1.2":
		tlsMaxVersion = tls.VersionTLS12
	case "1.3":
		tlsMaxVersion = tls.VersionTLS13
	default:
		return nil, false, errors.New("tlsMaxversion must be one of 1.2 or 1.3")
	}
	tlsConfig = &tls.Config{
		MinVersion:       tls.VersionTLS12,
		MaxVersion:       tlsMaxVersion,
		CurvePreferences: []tls.CurveID{tls.X25519, tls.CurveP256},
	}

	switch {
	case conf[config.KeyHostname] != "" && conf[config.KeyEmail] != "":
		certReloader, err := getCertificate(conf[config.KeyHostname], conf[config.KeyEmail])
		if err != nil {
			return nil, false, err
		}
		tlsConfig.GetCertificate = certReloader.GetCertificateFunc()
		return tlsConfig, true, nil
	case conf[config.KeyTLSCert] != "" && conf[config.KeyTLSKey] != "":
		cert, err := tls.LoadX509KeyPair(conf[config.KeyTLSCert], conf[config.KeyTLSKey])
		if err != nil {
			return nil, false, fmt.Errorf("loading certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
		return tlsConfig, false, nil
	default:
		return nil, false, nil
	}
}

// getCertificate obtains a certificate for hostname from Let's Encrypt and keeps it renewed.
func getCertificate(hostname, email string) (*simplecert.CertReloader, error) {
	cfg := simplecert.Default
	cfg.Domains = []string{hostname}
	cfg.SSLEmail = email
	cfg.CacheDir = "letsencrypt"
	return simplecert.Init(cfg, nil)
}

// Decoy serves the static site shown to requests without the auth token.
func Decoy(conf config.Configuration) http.Handler {
	return http.FileServer(http.Dir(conf.String(config.KeyStaticDir, "public")))
}

// Server runs the tunnel listener and, when certificates come from Let's Encrypt, a redirect
// listener on port 80.
type Server struct {
	servers []*http.Server
	log     *zap.Logger

	mu      sync.Mutex
	started bool
	closed  bool
}

// NewServer returns a server for handler on addr. A nil tlsConfig serves plain HTTP.
func NewServer(addr string, handler http.Handler, tlsConfig *tls.Config, acme bool, log *zap.Logger) *Server {
	if tlsConfig == nil {
		log.Warn("no certificate configured, serving plain HTTP", zap.String("addr", addr))
	}
	servers := []*http.Server{{
		Addr:              addr,
		Handler:           handler,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(log),
	}}
	if acme {
		servers = append(servers, &http.Server{
			Addr: ":80",
			Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Redirect(w, r, "https://"+r.Host+r.RequestURI, http.StatusMovedPermanently)
			}),
			ReadHeaderTimeout: 10 * time.Second,
		})
	}
	return &Server{servers: servers, log: log}
}

// Serve listens until ctx is done, Shutdown is called or a listener fails.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.closed || s.started {
		s.mu.Unlock()
		return ErrClosed
	}
	s.started = true
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, s.Shutdown)
	defer stop()

	errs := make(chan error, len(s.servers))
	for _, srv := range s.servers {
		srv := srv
		go func() {
			if srv.TLSConfig != nil {
				errs <- srv.ListenAndServeTLS("", "")
			} else {
				errs <- srv.ListenAndServe()
			}
		}()
	}
	primary := s.servers[0]
	s.log.Info("listening", zap.String("addr", primary.Addr), zap.Bool("tls", primary.TLSConfig != nil))

	err := <-errs
	s.Shutdown()
	if errors.Is(err, http.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Shutdown stops the listeners. It may be called more than once.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	for _, srv := range s.servers {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(ctx)
		cancel()
	}
}
