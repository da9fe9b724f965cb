// Package proxyengine implements the downstream HTTP/HTTPS forward-proxy
// that client applications connect to (spec.md §6.1, supplemental). It
// speaks HTTP/1.1 and supports CONNECT tunnelling plus plain HTTP
// forwarding, gated by an optional Proxy-Authorization check. Every
// accepted connection calls dispatcher.BeforeUpstreamConnection once to
// pick (or skip) an upstream, instead of the teacher's fixed rotator.
package proxyengine

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/drsoft-oss/gatewayproxy/internal/dispatcher"
)

// Config holds proxy server settings.
type Config struct {
	// ListenAddr is the address for the proxy to bind on (e.g. "0.0.0.0:8080").
	ListenAddr string

	// Username and Password for Proxy-Authorization. Both must be non-empty
	// to enable authentication.
	Username string
	Password string

	// DialTimeout bounds BeforeUpstreamConnection, including every
	// candidate upstream it may try.
	DialTimeout time.Duration
}

// Engine is the local HTTP proxy listener.
type Engine struct {
	cfg  Config
	disp *dispatcher.Dispatcher
	ln   net.Listener
}

// New creates an Engine. Call Start to begin accepting connections.
func New(cfg Config, disp *dispatcher.Dispatcher) *Engine {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	return &Engine{cfg: cfg, disp: disp}
}

// Start begins listening and serving. Blocks until the listener is closed.
func (e *Engine) Start() error {
	ln, err := net.Listen("tcp", e.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", e.cfg.ListenAddr, err)
	}
	e.ln = ln
	log.Printf("[proxyengine] listening on %s", e.cfg.ListenAddr)
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go e.handleConn(conn)
	}
}

// Stop closes the listener.
func (e *Engine) Stop() error {
	if e.ln != nil {
		return e.ln.Close()
	}
	return nil
}

func (e *Engine) handleConn(clientConn net.Conn) {
	defer clientConn.Close()

	br := bufio.NewReader(clientConn)
	req, err := http.ReadRequest(br)
	if err != nil {
		if err != io.EOF {
			log.Printf("[proxyengine] read request: %v", err)
		}
		return
	}

	if e.authRequired() && !e.checkAuth(req) {
		resp := &http.Response{
			StatusCode: http.StatusProxyAuthRequired,
			ProtoMajor: 1,
			ProtoMinor: 1,
			Header:     make(http.Header),
		}
		resp.Header.Set("Proxy-Authenticate", `Basic realm="gatewayproxy"`)
		resp.Header.Set("Content-Length", "0")
		_ = resp.Write(clientConn)
		return
	}

	if req.Method == http.MethodConnect {
		e.handleCONNECT(clientConn, req)
	} else {
		e.handleHTTP(clientConn, req)
	}
}

// handleCONNECT tunnels a raw TCP connection through the chosen upstream,
// or directly to the destination when the Dispatcher fails open.
func (e *Engine) handleCONNECT(clientConn net.Conn, req *http.Request) {
	destination := req.Host
	if !hasPort(destination) {
		destination += ":443"
	}

	upstreamConn, err := e.connect(req.Host, destination)
	if err != nil {
		writeError(clientConn, http.StatusBadGateway, fmt.Sprintf("upstream dial: %v", err))
		return
	}
	defer upstreamConn.Close()

	_, _ = fmt.Fprintf(clientConn, "HTTP/1.1 200 Connection established\r\n\r\n")
	tunnel(clientConn, upstreamConn)
}

// handleHTTP forwards a plain HTTP request to the destination, through a
// chosen upstream or directly. The request is written in origin form over
// a connection to the destination (a CONNECT tunnel through the upstream,
// or a direct dial), and bytes are relayed from there.
func (e *Engine) handleHTTP(clientConn net.Conn, req *http.Request) {
	destination := req.URL.Host
	if destination == "" {
		destination = req.Host
	}
	if !hasPort(destination) {
		destination += ":80"
	}

	upstreamConn, err := e.connect(req.Host, destination)
	if err != nil {
		writeError(clientConn, http.StatusBadGateway, fmt.Sprintf("upstream dial: %v", err))
		return
	}
	defer upstreamConn.Close()

	req.Header.Del("Proxy-Authorization")
	req.Header.Del("Proxy-Connection")

	if err := req.Write(upstreamConn); err != nil {
		log.Printf("[proxyengine] write request: %v", err)
		return
	}
	tunnel(clientConn, upstreamConn)
}

// connect asks the Dispatcher for an upstream connection to destination,
// keyed by host with any port removed. When the Dispatcher fails open
// (ProceedDirect), it dials destination directly instead (spec.md §4.4/§9
// fail-open).
func (e *Engine) connect(host, destination string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.DialTimeout)
	defer cancel()

	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	res, err := e.disp.BeforeUpstreamConnection(ctx, host, destination)
	if err != nil {
		return nil, err
	}
	if !res.ProceedDirect {
		return res.Conn, nil
	}

	var d net.Dialer
	return d.DialContext(ctx, "tcp", destination)
}

func tunnel(a, b net.Conn) {
	done := make(chan struct{}, 2)
	relay := func(dst, src net.Conn) {
		_, _ = io.Copy(dst, src)
		if tc, ok := dst.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
		done <- struct{}{}
	}
	go relay(a, b)
	go relay(b, a)
	<-done
	<-done
}

func (e *Engine) authRequired() bool {
	return e.cfg.Username != "" && e.cfg.Password != ""
}

func (e *Engine) checkAuth(req *http.Request) bool {
	auth := req.Header.Get("Proxy-Authorization")
	if !strings.HasPrefix(auth, "Basic ") {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "Basic "))
	if err != nil {
		return false
	}
	parts := strings.SplitN(string(decoded), ":", 2)
	if len(parts) != 2 {
		return false
	}
	return parts[0] == e.cfg.Username && parts[1] == e.cfg.Password
}

func writeError(conn net.Conn, code int, msg string) {
	resp := fmt.Sprintf("HTTP/1.1 %d %s\r\nContent-Length: 0\r\nConnection: close\r\n\r\n",
		code, http.StatusText(code))
	_, _ = fmt.Fprintf(conn, "%s", resp)
	log.Printf("[proxyengine] error %d: %s", code, msg)
}

func hasPort(host string) bool {
	_, _, err := net.SplitHostPort(host)
	return err == nil
}
