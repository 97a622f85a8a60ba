// ABOUTME: Tests for the CDIFF envelope pack/verify/apply cycle
// ABOUTME: Includes the signature-swap forgery scenario

package cdiff_test

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/hikmaai-io/hikmaai-sigforge/internal/cdiff"
	"github.com/hikmaai-io/hikmaai-sigforge/internal/dsig"
	"github.com/hikmaai-io/hikmaai-sigforge/internal/types"
)

// testSigner returns a SignFunc backed by a fresh key and the matching
// verifier.
func testSigner(t *testing.T) (cdiff.SignFunc, *dsig.Verifier) {
	t.Helper()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	sign := func(d types.Digest) (string, error) {
		sum, err := hex.DecodeString(d.Value)
		if err != nil {
			return "", err
		}
		raw, err := rsa.SignPSS(rand.Reader, priv, crypto.SHA256, sum, nil)
		if err != nil {
			return "", err
		}
		return base64.StdEncoding.EncodeToString(raw), nil
	}

	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PUBLIC KEY",
		Bytes: x509.MarshalPKCS1PublicKey(&priv.PublicKey),
	})
	v, err := dsig.NewVerifier(pemBytes)
	if err != nil {
		t.Fatal(err)
	}
	return sign, v
}

const testScript = "OPEN daily.db\nDEL 2 B\nADD E\nCLOSE\n"

func packScript(t *testing.T, script string, version uint32) (string, *dsig.Verifier) {
	t.Helper()

	dir := t.TempDir()
	scriptPath := filepath.Join(dir, "daily-2.script")
	if err := os.WriteFile(scriptPath, []byte(script), 0o644); err != nil {
		t.Fatal(err)
	}

	sign, verifier := testSigner(t)
	outPath := filepath.Join(dir, "daily-2.cdiff")
	if err := cdiff.Pack(scriptPath, outPath, version, sign); err != nil {
		t.Fatalf("Pack: %v", err)
	}
	return outPath, verifier
}

func TestVersionFromName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path    string
		want    uint32
		wantErr bool
	}{
		{path: "daily-123.script", want: 123},
		{path: "/tmp/build/main-7.cdiff", want: 7},
		{path: "daily.script", wantErr: true},
		{path: "daily-x.script", wantErr: true},
	}
	for _, tt := range tests {
		got, err := cdiff.VersionFromName(tt.path)
		if tt.wantErr {
			if err == nil {
				t.Errorf("VersionFromName(%q) = %d, want error", tt.path, got)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("VersionFromName(%q) = %d, %v, want %d", tt.path, got, err, tt.want)
		}
	}
}

func TestPackVerifyRoundTrip(t *testing.T) {
	t.Parallel()

	path, verifier := packScript(t, testScript, 2)

	info, err := cdiff.Verify(path, verifier)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if info.Version != 2 {
		t.Errorf("version = %d, want 2", info.Version)
	}
	if info.ScriptSize != int64(len(testScript)) {
		t.Errorf("script size = %d, want %d", info.ScriptSize, len(testScript))
	}

	var script bytes.Buffer
	if err := cdiff.ExtractScript(path, &script); err != nil {
		t.Fatalf("ExtractScript: %v", err)
	}
	if script.String() != testScript {
		t.Errorf("extracted script = %q, want %q", script.String(), testScript)
	}
}

func TestVerifyDetectsForgery(t *testing.T) {
	t.Parallel()

	path, verifier := packScript(t, testScript, 2)

	// A signature valid over a *different* digest, spliced in place of
	// the real one, must fail verification.
	otherPath, _ := packScript(t, "OPEN daily.db\nADD Z\nCLOSE\n", 3)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	otherData, err := os.ReadFile(otherPath)
	if err != nil {
		t.Fatal(err)
	}
	cut := bytes.LastIndexByte(data, ':')
	otherCut := bytes.LastIndexByte(otherData, ':')

	forged := append(append([]byte(nil), data[:cut]...), otherData[otherCut:]...)
	forgedPath := filepath.Join(t.TempDir(), "daily-2.cdiff")
	if err := os.WriteFile(forgedPath, forged, 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := cdiff.Verify(forgedPath, verifier); !errors.Is(err, dsig.ErrBadSignature) {
		t.Errorf("Verify = %v, want ErrBadSignature", err)
	}
}

func TestVerifySoftWithoutKey(t *testing.T) {
	t.Parallel()

	path, _ := packScript(t, testScript, 2)
	info, err := cdiff.Verify(path, nil)
	if !errors.Is(err, dsig.ErrVerifierUnavailable) {
		t.Fatalf("Verify = %v, want ErrVerifierUnavailable", err)
	}
	if info == nil || info.Version != 2 {
		t.Errorf("info = %+v, want parsed envelope on soft failure", info)
	}
}

func TestApply(t *testing.T) {
	t.Parallel()

	path, verifier := packScript(t, testScript, 2)

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "daily.db"), []byte("A\nB\nC\nD\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := cdiff.Apply(path, dir, verifier); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dir, "daily.db"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "A\nC\nD\nE\n" {
		t.Errorf("applied content = %q", got)
	}
}

func TestApplyRefusesUnverifiable(t *testing.T) {
	t.Parallel()

	path, _ := packScript(t, testScript, 2)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "daily.db"), []byte("A\nB\nC\nD\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := cdiff.Apply(path, dir, nil); !errors.Is(err, dsig.ErrVerifierUnavailable) {
		t.Fatalf("Apply = %v, want ErrVerifierUnavailable", err)
	}
	got, _ := os.ReadFile(filepath.Join(dir, "daily.db"))
	if string(got) != "A\nB\nC\nD\n" {
		t.Errorf("target modified despite refused verification: %q", got)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
	}{
		{name: "wrong magic", content: "ClamAV-VDB:1:2:xx:sig"},
		{name: "missing size", content: "ClamAV-Diff:1"},
		{name: "non-numeric version", content: "ClamAV-Diff:x:2:body:sig"},
		{name: "no signature", content: "ClamAV-Diff:1:2:"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "bad.cdiff")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := cdiff.Verify(path, nil); !errors.Is(err, cdiff.ErrBadEnvelope) {
				t.Errorf("Verify = %v, want ErrBadEnvelope", err)
			}
		})
	}
}
