package indexsign

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/go-jose/go-jose/v4"

	"github.com/tier4/otaimg/internal/digest"
	"github.com/tier4/otaimg/internal/otaerr"
)

// unverifiedHeader mirrors the JWT protected header fields spec.md §4.7
// names, read before any signature or chain validation happens.
type unverifiedHeader struct {
	Alg string   `json:"alg"`
	Typ string   `json:"typ"`
	X5c []string `json:"x5c"`
}

// splitCompact splits a JWS compact serialization into its three raw
// (still base64url-encoded) segments.
func splitCompact(compact string) ([3]string, error) {
	parts := strings.Split(compact, ".")
	if len(parts) != 3 {
		return [3]string{}, fmt.Errorf("indexsign: malformed JWS compact serialization: %w", otaerr.BadSignature)
	}
	return [3]string{parts[0], parts[1], parts[2]}, nil
}

func parseUnverifiedHeader(parts [3]string) (unverifiedHeader, error) {
	raw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return unverifiedHeader{}, fmt.Errorf("indexsign: decode protected header: %w", otaerr.BadSignature)
	}
	var h unverifiedHeader
	if err := json.Unmarshal(raw, &h); err != nil {
		return unverifiedHeader{}, fmt.Errorf("indexsign: unmarshal protected header: %w", otaerr.BadSignature)
	}
	return h, nil
}

// verifyES256 checks sig (the raw r||s signature bytes, RFC 7518 §3.4) over
// signingInput with pub. The protected header's x5c entries may be PEM
// strings rather than base64 DER (decodeCert's backward-compatibility
// fallback), which are not valid base64 and make jose.ParseSigned fail
// before it ever reaches signature verification — so the header and
// payload segments are taken as-is from the already-split compact
// serialization and the ECDSA signature is checked directly, instead of
// routing the JWS back through go-jose's parser.
func verifyES256(signingInput string, sig []byte, pub *ecdsa.PublicKey) error {
	if len(sig) != 64 {
		return fmt.Errorf("indexsign: ES256 signature length %d, want 64: %w", len(sig), otaerr.BadSignature)
	}
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	sum := sha256.Sum256([]byte(signingInput))
	if !ecdsa.Verify(pub, sum[:], r, s) {
		return fmt.Errorf("indexsign: ES256 signature verification failed: %w", otaerr.BadSignature)
	}
	return nil
}

// Verify implements spec.md §4.7's verification steps: parse headers,
// reconstruct and validate the certificate chain against ts, check the
// JWS signature, and compare the claimed image index digest against
// localIndexDigest (the caller's hash of its own index.json bytes).
func Verify(compact string, ts *TrustStore, localIndexDigest digest.Digest) (Claims, error) {
	parts, err := splitCompact(compact)
	if err != nil {
		return Claims{}, err
	}
	header, err := parseUnverifiedHeader(parts)
	if err != nil {
		return Claims{}, err
	}
	if header.Alg != string(jose.ES256) {
		return Claims{}, fmt.Errorf("indexsign: header alg %q: %w", header.Alg, otaerr.WrongAlg)
	}

	candidates, err := decodeCerts(header.X5c)
	if err != nil {
		return Claims{}, err
	}
	chain, err := BuildChain(candidates)
	if err != nil {
		return Claims{}, err
	}
	ee := chain[0]
	intermediates := x509.NewCertPool()
	for _, c := range chain[1:] {
		intermediates.AddCert(c)
	}

	verifiedChains, err := ee.Verify(x509.VerifyOptions{
		Roots:         ts.Roots(),
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return Claims{}, fmt.Errorf("indexsign: verify certificate chain: %w: %w", err, otaerr.BadChain)
	}
	for _, ca := range verifiedChains[0][1:] {
		if err := requireCriticalCABasicConstraints(ca); err != nil {
			return Claims{}, err
		}
	}

	pub, err := eeECDSAPublicKey(ee)
	if err != nil {
		return Claims{}, err
	}

	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return Claims{}, fmt.Errorf("indexsign: decode signature: %w", otaerr.BadSignature)
	}
	if err := verifyES256(parts[0]+"."+parts[1], sig, pub); err != nil {
		return Claims{}, err
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Claims{}, fmt.Errorf("indexsign: decode payload: %w", otaerr.BadSignature)
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Claims{}, fmt.Errorf("indexsign: unmarshal claims: %w", err)
	}

	if !claims.ImageIndex.Digest.Equal(localIndexDigest) {
		return Claims{}, fmt.Errorf("indexsign: claimed index digest %s != local %s: %w",
			claims.ImageIndex.Digest, localIndexDigest, otaerr.IndexDigestMismatch)
	}

	return claims, nil
}
