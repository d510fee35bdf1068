package certs

import (
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"net"
	"slices"
	"testing"
	"time"
)

func TestGenerate(t *testing.T) {
	t.Parallel()
	cert, err := Generate(24*time.Hour, "buffers.internal", "10.0.0.7")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if len(cert.TLSCert.Certificate) == 0 {
		t.Fatal("no certificate data")
	}

	x509Cert, err := x509.ParseCertificate(cert.TLSCert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse cert: %v", err)
	}

	validity := x509Cert.NotAfter.Sub(x509Cert.NotBefore)
	if validity != 24*time.Hour {
		t.Errorf("validity = %v, want 24h", validity)
	}
	if x509Cert.NotAfter.Before(time.Now()) {
		t.Error("cert is already expired")
	}

	if cert.Fingerprint != sha256.Sum256(cert.TLSCert.Certificate[0]) {
		t.Error("fingerprint mismatch")
	}
	if cert.FingerprintBase64() == "" {
		t.Error("FingerprintBase64 returned empty string")
	}

	for _, name := range []string{"localhost", "buffers.internal"} {
		if !slices.Contains(x509Cert.DNSNames, name) {
			t.Errorf("DNS names %v missing %q", x509Cert.DNSNames, name)
		}
	}
	if !slices.ContainsFunc(x509Cert.IPAddresses, func(ip net.IP) bool { return ip.Equal(net.ParseIP("10.0.0.7")) }) {
		t.Errorf("IP addresses %v missing 10.0.0.7", x509Cert.IPAddresses)
	}
}

func TestGenerateDefaultValidity(t *testing.T) {
	t.Parallel()
	cert, err := Generate(0)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	x509Cert, err := x509.ParseCertificate(cert.TLSCert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse cert: %v", err)
	}
	if got := x509Cert.NotAfter.Sub(x509Cert.NotBefore); got != defaultValidity {
		t.Errorf("validity = %v, want %v", got, defaultValidity)
	}
}

func TestPinnedTLSConfig(t *testing.T) {
	t.Parallel()
	cert, err := Generate(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	other, err := Generate(time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	cfg, err := PinnedTLSConfig(cert.FingerprintBase64(), "bufsched")
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.NextProtos) != 1 || cfg.NextProtos[0] != "bufsched" {
		t.Fatalf("NextProtos = %v, want [bufsched]", cfg.NextProtos)
	}
	if err := cfg.VerifyPeerCertificate(cert.TLSCert.Certificate, nil); err != nil {
		t.Fatalf("pinned certificate rejected: %v", err)
	}
	if err := cfg.VerifyPeerCertificate(other.TLSCert.Certificate, nil); !errors.Is(err, ErrFingerprintMismatch) {
		t.Fatalf("other certificate: err = %v, want ErrFingerprintMismatch", err)
	}
	if err := cfg.VerifyPeerCertificate(nil, nil); !errors.Is(err, ErrFingerprintMismatch) {
		t.Fatalf("no certificate: err = %v, want ErrFingerprintMismatch", err)
	}

	if _, err := PinnedTLSConfig("not base64!"); err == nil {
		t.Fatal("invalid fingerprint accepted")
	}
	if _, err := PinnedTLSConfig("AAAA"); err == nil {
		t.Fatal("short fingerprint accepted")
	}
}
