package server

import (
	"context"
	"crypto/tls"
	"net"
	"testing"
	"time"
)

func testConfig() *Config {
	var c Config
	_ = c.UnmarshalEnv(nil, false)
	c.LogStdout = false
	c.ServerCerts = []string{"testdata/server"}
	return &c
}

func TestNewServerWiresSharedState(t *testing.T) {
	c := testConfig()
	s, err := NewServer(c)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if s.directory == nil {
		t.Fatal("directory store not wired")
	}
	if s.registry == nil || s.dispatcher == nil || s.relay == nil || s.stats == nil || s.accountant == nil || s.m == nil {
		t.Fatal("shared state not fully wired")
	}
	if s.ControlAddr != ":9000" || s.RelayAddr != ":9001" {
		t.Fatalf("got ControlAddr=%q RelayAddr=%q", s.ControlAddr, s.RelayAddr)
	}
	if s.TLSConfig == nil || len(s.TLSConfig.Certificates) != 1 {
		t.Fatalf("TLSConfig not wired from ServerCerts: %+v", s.TLSConfig)
	}
}

func TestNewServerRejectsMissingServerCerts(t *testing.T) {
	c := testConfig()
	c.ServerCerts = nil
	if _, err := NewServer(c); err == nil {
		t.Fatal("expected an error: the control listener requires a server certificate unconditionally")
	}
}

func TestNewServerRejectsTLSAddrWithoutCerts(t *testing.T) {
	c := testConfig()
	c.ServerCerts = nil
	c.AddrTLS = []string{":9443"}
	if _, err := NewServer(c); err == nil {
		t.Fatal("expected an error requesting TLS listen without ServerCerts")
	}
}

// TestControlListenerRequiresTLS exercises the exact wrapping Run applies
// to the control listener (tls.NewListener bound to s.TLSConfig, handed to
// serveControl) and confirms a client can complete a TLS handshake against
// it with no client certificate.
func TestControlListenerRequiresTLS(t *testing.T) {
	c := testConfig()
	s, err := NewServer(c)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	tlsLn := tls.NewListener(ln, s.TLSConfig)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.serveControl(ctx, tlsLn) }()

	conn, err := tls.DialWithDialer(&net.Dialer{Timeout: 2 * time.Second}, "tcp", ln.Addr().String(), &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("tls dial: %v", err)
	}
	defer conn.Close()
	if err := conn.Handshake(); err != nil {
		t.Fatalf("tls handshake: %v", err)
	}

	cancel()
	<-done
}

func TestSdnotifyWithoutSocketIsNoop(t *testing.T) {
	c := testConfig()
	s, err := NewServer(c)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	sent, err := s.sdnotify("READY=1")
	if sent || err != nil {
		t.Fatalf("got (%v, %v), want (false, nil) when NotifySocket is unset", sent, err)
	}
}

func TestHandleSIGHUPRunsReloadFuncs(t *testing.T) {
	c := testConfig()
	s, err := NewServer(c)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	var ran bool
	s.reload = append(s.reload, func() { ran = true })
	s.HandleSIGHUP()
	if !ran {
		t.Fatal("HandleSIGHUP did not invoke registered reload funcs")
	}
}

func TestHandleSIGHUPNoopAfterClose(t *testing.T) {
	c := testConfig()
	s, err := NewServer(c)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	s.closed = true
	var ran bool
	s.reload = append(s.reload, func() { ran = true })
	s.HandleSIGHUP()
	if ran {
		t.Fatal("HandleSIGHUP ran reload funcs after the server was closed")
	}
}
