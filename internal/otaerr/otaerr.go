// Package otaerr defines the sentinel error kinds shared across the image
// toolkit. Components wrap one of these with context via fmt.Errorf's %w
// verb; callers discriminate with errors.Is.
package otaerr

import "errors"

var (
	// NotFound indicates a blob, metafile, or table row is absent.
	NotFound = errors.New("not found")

	// BadDigest indicates a computed digest does not match the declared one.
	BadDigest = errors.New("digest mismatch")

	// BadMediaType indicates a descriptor's media type does not match any
	// value pinned for its kind.
	BadMediaType = errors.New("bad media type")

	// BadSchemaVersion indicates a metafile's schemaVersion does not match
	// the value pinned for its kind.
	BadSchemaVersion = errors.New("bad schema version")

	// BadChain indicates a certificate chain could not be built or
	// validated: zero or more than one end-entity candidate, a self-signed
	// end entity, a chain that does not verify against the trust store, or
	// a trust store or CA certificate that is unusable.
	BadChain = errors.New("bad certificate chain")

	// ChainTooLong indicates a certificate chain exceeded the hard length cap.
	ChainTooLong = errors.New("certificate chain too long")

	// RootInChain indicates a self-signed root certificate appeared among
	// the non-root positions of a chain.
	RootInChain = errors.New("root certificate in chain")

	// BadSignature indicates JWS signature verification failed.
	BadSignature = errors.New("bad signature")

	// WrongAlg indicates a JWS header named an algorithm other than ES256,
	// or an ECDSA key was on a curve other than P-256.
	WrongAlg = errors.New("wrong signing algorithm")

	// NonECDSAKey indicates a certificate's public key was not an ECDSA
	// key.
	NonECDSAKey = errors.New("non-ECDSA key")

	// IndexDigestMismatch indicates the signed claims' image index digest
	// does not match the digest of the local index.json bytes.
	IndexDigestMismatch = errors.New("index digest mismatch")

	// UnknownFilter indicates a resource filter tag byte has no registered
	// decoder.
	UnknownFilter = errors.New("unknown resource filter")

	// BundleTimeout indicates the reconstruction engine could not obtain a
	// ready bundle within its retry budget.
	BundleTimeout = errors.New("bundle preparation timed out")

	// SlicedRecreateFailed indicates a slice-derived resource could not be
	// reconstructed from its referents.
	SlicedRecreateFailed = errors.New("sliced resource reconstruction failed")

	// CompressedRecreateFailed indicates a compress-derived resource could
	// not be reconstructed from its referent.
	CompressedRecreateFailed = errors.New("compressed resource reconstruction failed")

	// BundledRecreateFailed indicates a bundle-derived resource could not be
	// extracted from its bundle.
	BundledRecreateFailed = errors.New("bundled resource reconstruction failed")

	// SetupRootfsFailed indicates a phase of the rootfs deploy
	// (directories, non-regular files, or the regular-file worker pool)
	// failed.
	SetupRootfsFailed = errors.New("rootfs setup failed")

	// PrepareEntryFailed indicates a single file-table entry could not be
	// materialized by the deployer.
	PrepareEntryFailed = errors.New("entry preparation failed")

	// Finalized indicates a mutation was attempted on an already-finalized
	// image index.
	Finalized = errors.New("image index already finalized")

	// AlreadySigned indicates a sign operation was attempted on an
	// already-signed index without force.
	AlreadySigned = errors.New("image index already signed")

	// NotFinalized indicates a sign operation was attempted before the
	// image index was finalized.
	NotFinalized = errors.New("image index not finalized")
)
