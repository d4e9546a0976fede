package tlsgen

import (
	"crypto/x509"
	"testing"
)

func TestSelfSignedCertParses(t *testing.T) {
	cert, err := SelfSignedCert()
	if err != nil {
		t.Fatalf("SelfSignedCert: %v", err)
	}
	if len(cert.Certificate) != 1 {
		t.Fatalf("expected one DER certificate, got %d", len(cert.Certificate))
	}

	parsed, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("parsing generated certificate: %v", err)
	}
	if parsed.Subject.CommonName != "regcache" {
		t.Fatalf("unexpected CommonName %q", parsed.Subject.CommonName)
	}
	if !parsed.NotAfter.After(parsed.NotBefore) {
		t.Fatal("certificate validity window is not positive")
	}
}
