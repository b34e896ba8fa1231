package indexsign

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/go-jose/go-jose/v4"

	"github.com/tier4/otaimg/internal/metafile"
)

// Claims is the JWT payload: the signing time and the image index's own
// descriptor, serialized identically to its JSON form elsewhere (spec.md
// §4.7).
type Claims struct {
	IAT        int64              `json:"iat"`
	ImageIndex metafile.Descriptor `json:"image_index"`
}

// x5cStrings base64-DER-encodes chain, leaf first, per RFC 7515 §4.1.6.
func x5cStrings(chain []*x509.Certificate) []string {
	out := make([]string, len(chain))
	for i, c := range chain {
		out[i] = base64.StdEncoding.EncodeToString(c.Raw)
	}
	return out
}

// Sign produces a detached JWS (compact serialization) over indexDescriptor,
// signed with eeKey and carrying chain (leaf first) as x5c. now is the
// caller-supplied signing time, spec.md §4.7's signed_at.
func Sign(indexDescriptor metafile.Descriptor, chain []*x509.Certificate, eeKey *ecdsa.PrivateKey, now int64) (string, error) {
	if len(chain) == 0 {
		return "", fmt.Errorf("indexsign: Sign requires a non-empty certificate chain")
	}

	claims := Claims{IAT: now, ImageIndex: indexDescriptor}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("indexsign: marshal claims: %w", err)
	}

	opts := (&jose.SignerOptions{}).WithType("JWT")
	opts = opts.WithHeader(jose.HeaderKey("x5c"), x5cStrings(chain))

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.ES256, Key: eeKey}, opts)
	if err != nil {
		return "", fmt.Errorf("indexsign: new signer: %w", err)
	}

	jws, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("indexsign: sign: %w", err)
	}

	serialized, err := jws.CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("indexsign: serialize jws: %w", err)
	}
	return serialized, nil
}
