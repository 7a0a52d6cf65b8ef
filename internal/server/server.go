package server

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	vmetrics "github.com/VictoriaMetrics/metrics"
	"github.com/rs/zerolog"

	"github.com/mirrorx-relay/relayd/internal/dispatch"
	"github.com/mirrorx-relay/relayd/internal/directory"
	"github.com/mirrorx-relay/relayd/internal/handler"
	"github.com/mirrorx-relay/relayd/internal/metrics"
	"github.com/mirrorx-relay/relayd/internal/registry"
	"github.com/mirrorx-relay/relayd/internal/relay"
	"github.com/mirrorx-relay/relayd/internal/session"
	"github.com/mirrorx-relay/relayd/internal/wire"
)

// Server owns every listener (control, relay, and the stats/metrics HTTP
// surface) and the shared state (directory, registry, accountant) they're
// built on.
type Server struct {
	Logger zerolog.Logger

	ControlAddr   string
	RelayAddr     string
	Addr          []string
	AddrTLS       []string
	NotifySocket  string
	MetricsSecret string
	TLSConfig     *tls.Config

	directory  directory.Store
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	relay      *relay.Server
	stats      *relay.Stats
	accountant *relay.Accountant
	set        *vmetrics.Set
	m          *metrics.Metrics

	reload []func()
	mu     sync.Mutex
	closed bool
}

// NewServer configures a new Server from c, which is assumed to already
// have defaults applied (as UnmarshalEnv does).
func NewServer(c *Config) (*Server, error) {
	var s Server
	var success bool

	s.ControlAddr = c.ControlAddr
	s.RelayAddr = c.RelayAddr
	s.Addr = c.Addr
	s.AddrTLS = c.AddrTLS
	s.NotifySocket = c.NotifySocket
	s.MetricsSecret = c.MetricsSecret

	l, reopen, err := configureLogging(c)
	if err != nil {
		return nil, fmt.Errorf("configure logging: %w", err)
	}
	s.Logger = l
	if reopen != nil {
		s.reload = append(s.reload, reopen)
	}

	tlsConfig, err := configureServerTLS(c)
	if err != nil {
		return nil, fmt.Errorf("configure tls: %w", err)
	}
	s.TLSConfig = tlsConfig

	store, closeStore, err := configureDirectory(c, s.Logger)
	if err != nil {
		return nil, fmt.Errorf("configure directory: %w", err)
	}
	s.directory = store
	if closeStore != nil {
		defer func() {
			if !success {
				closeStore()
			}
		}()
	}

	s.set = vmetrics.NewSet()
	s.m = metrics.New(s.set)
	s.stats = relay.NewStats()
	s.accountant = relay.NewAccountant(s.stats, s.set)

	s.directory = directory.Instrument(s.directory, s.m)
	s.registry = registry.New()
	h := &handler.Handlers{Directory: s.directory, Registry: s.registry, Log: s.Logger, Metrics: s.m}
	s.dispatcher = dispatch.New(h, s.registry, s.Logger)
	s.relay = relay.NewServer(s.Logger, s.accountant, s.stats, s.m)

	success = true
	return &s, nil
}

// configureServerTLS builds the server's shared TLS config from
// c.ServerCerts. The control port requires TLS unconditionally (spec
// mandates it, no client auth), so at least one certificate is always
// required, not just when AddrTLS is also in use.
func configureServerTLS(c *Config) (*tls.Config, error) {
	if len(c.ServerCerts) == 0 {
		return nil, fmt.Errorf("no tls certificates provided (at least one is required for the control listener)")
	}
	var t tls.Config
	for _, fn := range c.ServerCerts {
		cert, err := tls.LoadX509KeyPair(fn+".crt", fn+".key")
		if err != nil {
			return nil, fmt.Errorf("load server certificate %q: %w", fn, err)
		}
		t.Certificates = append(t.Certificates, cert)
	}
	return &t, nil
}

// configureDirectory builds the device directory store: etcd-backed if
// endpoints are configured, otherwise an in-memory fallback (single
// process only, and lost on restart -- fine for development, never for a
// real deployment).
func configureDirectory(c *Config, l zerolog.Logger) (directory.Store, func(), error) {
	if len(c.EtcdEndpoints) == 0 {
		l.Warn().Msg("server: no etcd endpoints configured, using in-memory directory store")
		return directory.NewMemStore(), nil, nil
	}
	st, err := directory.NewEtcdStore(c.EtcdEndpoints, c.EtcdDialTimeout)
	if err != nil {
		return nil, nil, fmt.Errorf("dial etcd: %w", err)
	}
	return st, func() { st.Close() }, nil
}

// Run starts every listener and blocks until ctx is canceled, then shuts
// everything down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return http.ErrServerClosed
	}
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.accountant.Run(ctx)

	controlLn, err := net.Listen("tcp", s.ControlAddr)
	if err != nil {
		return fmt.Errorf("listen control: %w", err)
	}
	// The control port always requires TLS with a server certificate and
	// no client auth; unlike the HTTP surface's AddrTLS, this isn't
	// optional.
	controlLn = tls.NewListener(controlLn, s.TLSConfig)
	relayLn, err := net.Listen("tcp", s.RelayAddr)
	if err != nil {
		controlLn.Close()
		return fmt.Errorf("listen relay: %w", err)
	}

	errch := make(chan error, 8)
	go func() { errch <- s.serveControl(ctx, controlLn) }()
	go func() { errch <- s.relay.Serve(ctx, relayLn) }()

	var hs []*http.Server
	var as []string
	for _, a := range s.Addr {
		hs = append(hs, &http.Server{Addr: a, Handler: http.HandlerFunc(s.serveHTTP)})
		as = append(as, "http://"+a)
	}
	for _, a := range s.AddrTLS {
		hs = append(hs, &http.Server{Addr: a, Handler: http.HandlerFunc(s.serveHTTP), TLSConfig: s.TLSConfig})
		as = append(as, "https://"+a)
	}
	for _, h := range hs {
		h := h
		go func() {
			if h.TLSConfig != nil {
				errch <- h.ListenAndServeTLS("", "")
			} else {
				errch <- h.ListenAndServe()
			}
		}()
	}

	s.Logger.Log().
		Str("control", s.ControlAddr).
		Str("relay", s.RelayAddr).
		Strs("http", as).
		Msg("starting server")

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		go s.sdnotify("READY=1")
	case err := <-errch:
		s.Logger.Err(err).Msg("failed to start server")
		return err
	}

	select {
	case <-ctx.Done():
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.Logger.Log().Msg("shutting down")

		go s.sdnotify("STOPPING=1")

		controlLn.Close()
		relayLn.Close()

		var wg sync.WaitGroup
		for _, h := range hs {
			h := h
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = h.Shutdown(context.Background())
			}()
		}
		wg.Wait()
		return nil
	case err := <-errch:
		s.Logger.Err(err).Msg("failed to start server")
		return err
	}
}

// serveControl accepts control connections until ctx is canceled.
func (s *Server) serveControl(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.handleControlConn(ctx, conn)
	}
}

func (s *Server) handleControlConn(ctx context.Context, conn net.Conn) {
	framed := wire.NewFramed(conn, wire.ControlMaxFrameLen)
	log := s.Logger.With().Str("remote", conn.RemoteAddr().String()).Logger()

	s.m.SessionAccepted()

	sess := session.New(framed, s.dispatcher, log)
	sess.OnShutdown(func(sess *session.Session) {
		if id := sess.DeviceID(); id != "" {
			s.registry.Remove(id, sess)
		}
		s.m.SessionClosed()
	})
	sess.Run(ctx)
}

// HandleSIGHUP re-runs every registered reload function (currently just log
// file reopening).
func (s *Server) HandleSIGHUP() {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	s.sdnotify("RELOADING=1")
	defer s.sdnotify("READY=1")

	for _, fn := range s.reload {
		if fn != nil {
			fn()
		}
	}
}

// serveHTTP handles the stats/metrics HTTP surface.
func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/metrics":
		s.serveMetrics(w, r)
	case "/api/stat":
		s.serveStat(w, r)
	default:
		w.Header().Set("Cache-Control", "private, no-cache, no-store")
		if r.URL.Path == "/" {
			w.WriteHeader(http.StatusOK)
			io.WriteString(w, "Go away.\n")
			return
		}
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	}
}

func (s *Server) serveMetrics(w http.ResponseWriter, r *http.Request) {
	internal := s.MetricsSecret != "" && r.URL.Query().Get("secret") == s.MetricsSecret

	var b bytes.Buffer
	if internal {
		vmetrics.WriteProcessMetrics(&b)
		b.WriteByte('\n')
	}
	s.set.WritePrometheus(&b)

	w.Header().Set("Cache-Control", "private, no-cache, no-store")
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.Header().Set("Content-Length", strconv.Itoa(b.Len()))
	w.WriteHeader(http.StatusOK)
	b.WriteTo(w)
}

func (s *Server) serveStat(w http.ResponseWriter, r *http.Request) {
	snap := s.stats.Snapshot()

	buf, err := json.Marshal(snap)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Cache-Control", "private, no-cache, no-store")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(buf)
}

func (s *Server) sdnotify(state string) (bool, error) {
	if s.NotifySocket == "" {
		return false, nil
	}

	socketAddr := &net.UnixAddr{Name: s.NotifySocket, Net: "unixgram"}
	conn, err := net.DialUnix(socketAddr.Net, nil, socketAddr)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	if _, err = conn.Write([]byte(state)); err != nil {
		return false, err
	}
	return true, nil
}
