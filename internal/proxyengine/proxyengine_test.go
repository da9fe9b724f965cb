package proxyengine

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/drsoft-oss/gatewayproxy/internal/dispatcher"
	"github.com/drsoft-oss/gatewayproxy/internal/poolstore"
)

// startFakeDestination runs a raw TCP listener that replies with a fixed
// 200 response to any request, then closes.
func startFakeDestination(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				br := bufio.NewReader(c)
				http.ReadRequest(br)
				c.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func newTestStore(t *testing.T) *poolstore.Store {
	t.Helper()
	s, err := poolstore.Open(filepath.Join(t.TempDir(), "pool.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestHandleHTTP_ProceedsDirectOnEmptyPool verifies that with no upstream
// entries, the Engine falls through to a direct dial (spec.md §4.4/§9
// fail-open) and still relays the destination's response to the client.
func TestHandleHTTP_ProceedsDirectOnEmptyPool(t *testing.T) {
	destAddr := startFakeDestination(t)
	store := newTestStore(t)

	disp := dispatcher.New(store, func(ctx context.Context, upstreamURL, destination string) (net.Conn, error) {
		t.Fatal("dispatcher should not attempt a dial against an empty pool")
		return nil, nil
	})

	engine := New(Config{ListenAddr: "127.0.0.1:0", DialTimeout: 2 * time.Second}, disp)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	engine.ln = ln
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		engine.handleConn(conn)
	}()
	defer ln.Close()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	req, _ := http.NewRequest(http.MethodGet, "http://"+destAddr+"/", nil)
	if err := req.Write(client); err != nil {
		t.Fatal(err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := http.ReadResponse(bufio.NewReader(client), req)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestCheckAuth_RejectsMissingHeader(t *testing.T) {
	e := &Engine{cfg: Config{Username: "u", Password: "p"}}
	req, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)
	if e.checkAuth(req) {
		t.Fatal("expected checkAuth to fail without a Proxy-Authorization header")
	}
}

func TestCheckAuth_AcceptsValidCredentials(t *testing.T) {
	e := &Engine{cfg: Config{Username: "u", Password: "p"}}
	req, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)
	req.Header.Set("Proxy-Authorization", "Basic dTpw") // base64("u:p")
	if !e.checkAuth(req) {
		t.Fatal("expected checkAuth to accept matching credentials")
	}
}

func TestAuthRequired_FalseWhenUnconfigured(t *testing.T) {
	e := &Engine{}
	if e.authRequired() {
		t.Fatal("expected authRequired=false with no configured credentials")
	}
}
