// Package indexsign implements the signed-index protocol (spec.md §4.7,
// C10): a detached ES256 JWS over the image index descriptor, carrying
// its certificate chain in the JWT's x5c header, verified against a
// caller-supplied CA trust store.
package indexsign

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"

	"github.com/tier4/otaimg/internal/otaerr"
)

// maxChainLength is the hard cap on certificate chain length (spec.md
// §4.7: "documented: 6").
const maxChainLength = 6

var oidBasicConstraints = asn1.ObjectIdentifier{2, 5, 29, 19}

// decodeCert parses a single x5c entry, trying PEM first, then
// base64-encoded DER, then raw DER — the backward-compatibility fallback
// spec.md §4.7 requires on ingest (emit always produces base64 DER).
func decodeCert(s string) (*x509.Certificate, error) {
	if strings.Contains(s, "-----BEGIN") {
		block, _ := pem.Decode([]byte(s))
		if block == nil {
			return nil, fmt.Errorf("indexsign: %q looks like PEM but failed to decode", s)
		}
		return x509.ParseCertificate(block.Bytes)
	}
	if der, err := base64.StdEncoding.DecodeString(s); err == nil {
		if cert, err := x509.ParseCertificate(der); err == nil {
			return cert, nil
		}
	}
	return x509.ParseCertificate([]byte(s))
}

// decodeCerts decodes every entry in an x5c array, leaf first.
func decodeCerts(x5c []string) ([]*x509.Certificate, error) {
	certs := make([]*x509.Certificate, 0, len(x5c))
	for i, s := range x5c {
		cert, err := decodeCert(s)
		if err != nil {
			return nil, fmt.Errorf("indexsign: decode x5c[%d]: %w", i, err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// isSelfSigned reports whether cert's signature verifies against its own
// public key — i.e. it is a root CA.
func isSelfSigned(cert *x509.Certificate) bool {
	return cert.CheckSignatureFrom(cert) == nil
}

// BuildChain implements spec.md §4.7's chain-construction rule over an
// unordered candidate set: the end-entity is the unique cert that is not
// the issuer of any other candidate; the rest follows issuer links from
// there. Self-signed roots must not appear in the built chain.
func BuildChain(candidates []*x509.Certificate) ([]*x509.Certificate, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("indexsign: empty certificate set: %w", otaerr.BadChain)
	}

	isIssuerOfAnother := make(map[int]bool, len(candidates))
	for i, c := range candidates {
		for j, other := range candidates {
			if i == j {
				continue
			}
			if other.CheckSignatureFrom(c) == nil {
				isIssuerOfAnother[i] = true
			}
		}
	}

	var eeIdx = -1
	for i := range candidates {
		if !isIssuerOfAnother[i] {
			if eeIdx != -1 {
				return nil, fmt.Errorf("indexsign: multiple end-entity candidates: %w", otaerr.BadChain)
			}
			eeIdx = i
		}
	}
	if eeIdx == -1 {
		return nil, fmt.Errorf("indexsign: no end-entity candidate: %w", otaerr.BadChain)
	}

	chain := []*x509.Certificate{candidates[eeIdx]}
	used := map[int]bool{eeIdx: true}

	for {
		if len(chain) > maxChainLength {
			return nil, fmt.Errorf("indexsign: chain exceeds %d certs: %w", maxChainLength, otaerr.ChainTooLong)
		}
		current := chain[len(chain)-1]
		if isSelfSigned(current) {
			if len(chain) == 1 {
				return nil, fmt.Errorf("indexsign: end-entity cannot be self-signed: %w", otaerr.BadChain)
			}
			return nil, fmt.Errorf("indexsign: self-signed root found in chain: %w", otaerr.RootInChain)
		}

		next := -1
		for i, c := range candidates {
			if used[i] {
				continue
			}
			if current.CheckSignatureFrom(c) == nil {
				next = i
				break
			}
		}
		if next == -1 {
			break
		}
		used[next] = true
		chain = append(chain, candidates[next])
	}

	return chain, nil
}

// requireCriticalCABasicConstraints enforces spec.md §4.7's "requires
// BasicConstraints.cA=true and critical on every CA in the path" rule,
// which crypto/x509's own chain verification does not check on its own.
func requireCriticalCABasicConstraints(cert *x509.Certificate) error {
	if !cert.IsCA || !cert.BasicConstraintsValid {
		return fmt.Errorf("indexsign: %s is not a valid CA: %w", cert.Subject, otaerr.BadChain)
	}
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(oidBasicConstraints) {
			if !ext.Critical {
				return fmt.Errorf("indexsign: %s's basic constraints extension is not critical: %w", cert.Subject, otaerr.BadChain)
			}
			return nil
		}
	}
	return fmt.Errorf("indexsign: %s has no basic constraints extension: %w", cert.Subject, otaerr.BadChain)
}

// eeECDSAPublicKey extracts and validates the end-entity's public key,
// rejecting anything but a P-256 ECDSA key (spec.md §4.7).
func eeECDSAPublicKey(ee *x509.Certificate) (*ecdsa.PublicKey, error) {
	pub, ok := ee.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("indexsign: end-entity key is %T, not ECDSA: %w", ee.PublicKey, otaerr.NonECDSAKey)
	}
	if pub.Curve.Params().Name != "P-256" {
		return nil, fmt.Errorf("indexsign: end-entity curve is %s, not P-256: %w", pub.Curve.Params().Name, otaerr.WrongAlg)
	}
	return pub, nil
}
