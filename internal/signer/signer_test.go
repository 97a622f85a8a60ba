// ABOUTME: Tests for the signing client against a local stub service
// ABOUTME: Checks request framing, reply parsing, and failure modes

package signer_test

import (
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/hikmaai-io/hikmaai-sigforge/internal/signer"
	"github.com/hikmaai-io/hikmaai-sigforge/internal/types"
)

// stubService accepts one connection, records the request, and writes
// the canned reply.
func stubService(t *testing.T, reply string) (addr string, got <-chan []byte) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	ch := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetDeadline(time.Now().Add(5 * time.Second))
		req, _ := io.ReadAll(conn)
		ch <- req
		io.WriteString(conn, reply)
	}()

	return ln.Addr().String(), ch
}

func md5Digest(t *testing.T) types.Digest {
	t.Helper()
	d, err := types.ParseDigest("44d88612fea8a8f36de82e1278abb02f")
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func sha256Digest(t *testing.T) types.Digest {
	t.Helper()
	d, err := types.ParseDigest("275a021bbfb6489e54d471899f7db9d1663fc695ec2fe2a2c4538aabf651fd0f")
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestSignLegacyMode(t *testing.T) {
	t.Parallel()

	addr, got := stubService(t, "Signature:dGVzdA==")
	c := &signer.Client{Host: addr, User: "sven", Password: []byte("secret"), Timeout: 5 * time.Second}

	sig, err := c.Sign(md5Digest(t))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if sig != "dGVzdA==" {
		t.Errorf("signature = %q", sig)
	}

	req := <-got
	if !strings.HasPrefix(string(req), "ClamSign:sven:secret:") {
		t.Errorf("request prefix = %q", req[:min(len(req), 24)])
	}
	// 16 raw digest bytes follow the third colon.
	if len(req) != len("ClamSign:sven:secret:")+16 {
		t.Errorf("request length = %d", len(req))
	}
}

func TestSignPSSMode(t *testing.T) {
	t.Parallel()

	addr, got := stubService(t, "Signature:cHNz")
	c := &signer.Client{Host: addr, User: "sven", Password: []byte("secret"), Timeout: 5 * time.Second}

	sig, err := c.Sign(sha256Digest(t))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if sig != "cHNz" {
		t.Errorf("signature = %q", sig)
	}

	req := <-got
	if !strings.HasPrefix(string(req), "ClamSignPSS:sven:secret:") {
		t.Errorf("request prefix = %q", req)
	}
	if len(req) != len("ClamSignPSS:sven:secret:")+32 {
		t.Errorf("request length = %d", len(req))
	}
}

func TestSignErrors(t *testing.T) {
	t.Parallel()

	t.Run("reply without marker", func(t *testing.T) {
		t.Parallel()
		addr, _ := stubService(t, "ERROR: bad credentials")
		c := &signer.Client{Host: addr, User: "sven", Password: []byte("bad"), Timeout: 5 * time.Second}
		if _, err := c.Sign(md5Digest(t)); !errors.Is(err, signer.ErrNoSignature) {
			t.Errorf("Sign = %v, want ErrNoSignature", err)
		}
	})

	t.Run("empty signature field", func(t *testing.T) {
		t.Parallel()
		addr, _ := stubService(t, "Signature:")
		c := &signer.Client{Host: addr, User: "sven", Password: []byte("x"), Timeout: 5 * time.Second}
		if _, err := c.Sign(md5Digest(t)); !errors.Is(err, signer.ErrNoSignature) {
			t.Errorf("Sign = %v, want ErrNoSignature", err)
		}
	})

	t.Run("missing credentials", func(t *testing.T) {
		t.Parallel()
		c := &signer.Client{Host: "127.0.0.1:1"}
		if _, err := c.Sign(md5Digest(t)); !errors.Is(err, signer.ErrMissingCredentials) {
			t.Errorf("Sign = %v, want ErrMissingCredentials", err)
		}
	})

	t.Run("unreachable service", func(t *testing.T) {
		t.Parallel()
		// A listener that is closed immediately leaves a port nothing
		// accepts on.
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatal(err)
		}
		addr := ln.Addr().String()
		ln.Close()

		c := &signer.Client{Host: addr, User: "sven", Password: []byte("x"), Timeout: 2 * time.Second}
		if _, err := c.Sign(md5Digest(t)); err == nil {
			t.Error("Sign against closed port should fail")
		}
	})
}

func TestWipe(t *testing.T) {
	t.Parallel()

	secret := []byte("hunter2")
	signer.Wipe(secret)
	for i, b := range secret {
		if b != 0 {
			t.Fatalf("byte %d not wiped", i)
		}
	}
}
