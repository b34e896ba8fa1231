package indexsign

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tier4/otaimg/internal/otaerr"
)

// TrustStore is an in-memory set of CA certificates, keyed by subject
// string, built from a caller-managed directory of PEM files (spec.md
// §4.7, §6).
type TrustStore struct {
	bySubject map[string]*x509.Certificate
	pool      *x509.CertPool
}

// LoadTrustStore reads every PEM file in dir into a TrustStore. The
// directory MUST contain at least one self-signed (root) certificate.
func LoadTrustStore(dir string) (*TrustStore, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("indexsign: read trust store dir %s: %w", dir, err)
	}

	ts := &TrustStore{bySubject: map[string]*x509.Certificate{}, pool: x509.NewCertPool()}
	hasRoot := false

	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, ent.Name()))
		if err != nil {
			return nil, fmt.Errorf("indexsign: read %s: %w", ent.Name(), err)
		}
		block, _ := pem.Decode(data)
		if block == nil {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("indexsign: parse %s: %w", ent.Name(), err)
		}
		ts.bySubject[cert.Subject.String()] = cert
		ts.pool.AddCert(cert)
		if isSelfSigned(cert) {
			hasRoot = true
		}
	}

	if !hasRoot {
		return nil, fmt.Errorf("indexsign: trust store %s contains no self-signed root: %w", dir, otaerr.BadChain)
	}
	return ts, nil
}

// Roots returns the pool of all certificates in the store, usable as
// both the root and intermediate pool since x509.Verify only cares that
// the named certs can complete the chain.
func (ts *TrustStore) Roots() *x509.CertPool { return ts.pool }
