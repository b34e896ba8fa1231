package indexsign

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/require"

	"github.com/tier4/otaimg/internal/digest"
	"github.com/tier4/otaimg/internal/metafile"
	"github.com/tier4/otaimg/internal/otaerr"
)

type testCA struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

func genKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

func makeCert(t *testing.T, subject string, isCA bool, serial int64, signer *testCA) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	key := genKey(t)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(serial),
		Subject:               pkix.Name{CommonName: subject},
		NotBefore:             time.Unix(1700000000, 0),
		NotAfter:              time.Unix(1800000000, 0),
		IsCA:                  isCA,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
	}

	parent := tmpl
	signerKey := key
	if signer != nil {
		parent = signer.cert
		signerKey = signer.key
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, &key.PublicKey, signerKey)
	require.NoErrorf(t, err, "create certificate %s", subject)
	cert, err := x509.ParseCertificate(der)
	require.NoErrorf(t, err, "parse certificate %s", subject)
	return cert, key
}

// buildTestPKI returns a root CA, an intermediate, and a leaf end-entity
// signed by the intermediate, plus a TrustStore containing only the root.
func buildTestPKI(t *testing.T) (root testCA, intermediate testCA, leaf testCA, ts *TrustStore) {
	t.Helper()
	rootCert, rootKey := makeCert(t, "test root", true, 1, nil)
	root = testCA{cert: rootCert, key: rootKey}

	intCert, intKey := makeCert(t, "test intermediate", true, 2, &root)
	intermediate = testCA{cert: intCert, key: intKey}

	leafCert, leafKey := makeCert(t, "test leaf", false, 3, &intermediate)
	leaf = testCA{cert: leafCert, key: leafKey}

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "root.pem"), pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: root.cert.Raw}), 0o644))
	var err error
	ts, err = LoadTrustStore(dir)
	require.NoError(t, err)
	return root, intermediate, leaf, ts
}

func testDescriptor() metafile.Descriptor {
	return metafile.Descriptor{
		MediaType: "application/vnd.oci.image.index.v1+json",
		Digest:    digest.FromBytes([]byte(`{"schemaVersion":2}`)),
		Size:      19,
	}
}

func TestSignThenVerifyRoundTrips(t *testing.T) {
	_, intermediate, leaf, ts := buildTestPKI(t)
	desc := testDescriptor()

	jwt, err := Sign(desc, []*x509.Certificate{leaf.cert, intermediate.cert}, leaf.key, 1700000100)
	require.NoError(t, err)

	claims, err := Verify(jwt, ts, desc.Digest)
	require.NoError(t, err)
	require.EqualValues(t, 1700000100, claims.IAT)
	require.True(t, claims.ImageIndex.Digest.Equal(desc.Digest))
}

func TestVerifyRejectsMismatchedLocalDigest(t *testing.T) {
	_, intermediate, leaf, ts := buildTestPKI(t)
	desc := testDescriptor()

	jwt, err := Sign(desc, []*x509.Certificate{leaf.cert, intermediate.cert}, leaf.key, 1700000100)
	require.NoError(t, err)

	other := digest.FromBytes([]byte("something else entirely"))
	_, err = Verify(jwt, ts, other)
	require.ErrorIs(t, err, otaerr.IndexDigestMismatch)
}

func TestVerifyRejectsUntrustedChain(t *testing.T) {
	_, intermediate, leaf, _ := buildTestPKI(t)
	desc := testDescriptor()

	// A trust store built from an unrelated root must reject this chain.
	otherRootCert, _ := makeCert(t, "unrelated root", true, 99, nil)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "root.pem"), pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: otherRootCert.Raw}), 0o644))
	unrelatedTS, err := LoadTrustStore(dir)
	require.NoError(t, err)

	jwt, err := Sign(desc, []*x509.Certificate{leaf.cert, intermediate.cert}, leaf.key, 1700000100)
	require.NoError(t, err)
	_, err = Verify(jwt, unrelatedTS, desc.Digest)
	require.ErrorIs(t, err, otaerr.BadChain)
}

func TestBuildChainRejectsAmbiguousEndEntity(t *testing.T) {
	root, _, _, _ := buildTestPKI(t)
	other, _ := makeCert(t, "another root", true, 50, nil)

	_, err := BuildChain([]*x509.Certificate{root.cert, other})
	require.ErrorIs(t, err, otaerr.BadChain)
}

func TestBuildChainRejectsSelfSignedEndEntity(t *testing.T) {
	root, _, _, _ := buildTestPKI(t)
	_, err := BuildChain([]*x509.Certificate{root.cert})
	require.ErrorIs(t, err, otaerr.BadChain)
}

func TestLoadTrustStoreRequiresSelfSignedRoot(t *testing.T) {
	_, intermediate, _, _ := buildTestPKI(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "int.pem"), pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: intermediate.cert.Raw}), 0o644))
	_, err := LoadTrustStore(dir)
	require.ErrorIs(t, err, otaerr.BadChain)
}

// signWithX5C builds a JWS exactly the way Sign does, except the x5c
// header entries are whatever the caller supplies — used to produce a
// PEM-bearing x5c header, which Sign itself never emits (it always emits
// base64 DER) but Verify must still accept on ingest.
func signWithX5C(t *testing.T, claims Claims, key *ecdsa.PrivateKey, x5c []string) string {
	t.Helper()
	payload, err := json.Marshal(claims)
	require.NoError(t, err)

	opts := (&jose.SignerOptions{}).WithType("JWT")
	opts = opts.WithHeader(jose.HeaderKey("x5c"), x5c)
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.ES256, Key: key}, opts)
	require.NoError(t, err)

	jws, err := signer.Sign(payload)
	require.NoError(t, err)
	compact, err := jws.CompactSerialize()
	require.NoError(t, err)
	return compact
}

func TestVerifyAcceptsPEMEncodedX5CBackwardCompat(t *testing.T) {
	_, intermediate, leaf, ts := buildTestPKI(t)
	desc := testDescriptor()

	pemChain := []string{
		string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: leaf.cert.Raw})),
		string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: intermediate.cert.Raw})),
	}
	compact := signWithX5C(t, Claims{IAT: 1700000100, ImageIndex: desc}, leaf.key, pemChain)

	claims, err := Verify(compact, ts, desc.Digest)
	require.NoError(t, err)
	require.EqualValues(t, 1700000100, claims.IAT)
	require.True(t, claims.ImageIndex.Digest.Equal(desc.Digest))
}
