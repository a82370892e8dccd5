package mintorder

import (
	"context"
	"crypto/ecdsa"
	"fmt"

	"github.com/MixinNetwork/mixin/logger"
	"github.com/ethereum/go-ethereum/crypto"
)

// SigningError wraps any failure returned by a Signer. It is always
// treated as transient by the coordinators.
type SigningError struct {
	Cause error
}

func (e *SigningError) Error() string { return fmt.Sprintf("mintorder: signing failed: %v", e.Cause) }
func (e *SigningError) Unwrap() error { return e.Cause }

// Signer produces a 65-byte (r || s || v) signature over a 32-byte digest.
// Two deployments exist: LocalKeySigner for signing_strategy=local_key and
// ManagedSigner for signing_strategy=managed_ecdsa{key_id}.
type Signer interface {
	SignDigest(ctx context.Context, digest [32]byte) (Signature, error)
	PublicKey() *ecdsa.PublicKey
}

// LocalKeySigner signs with an in-memory secp256k1 key, following
// apps/ethereum/account.go's direct use of
// github.com/ethereum/go-ethereum/crypto for compressed-key parsing and
// signing.
type LocalKeySigner struct {
	key *ecdsa.PrivateKey
}

func NewLocalKeySigner(key *ecdsa.PrivateKey) *LocalKeySigner {
	return &LocalKeySigner{key: key}
}

func (s *LocalKeySigner) PublicKey() *ecdsa.PublicKey {
	return &s.key.PublicKey
}

func (s *LocalKeySigner) SignDigest(_ context.Context, digest [32]byte) (Signature, error) {
	var sig Signature
	raw, err := crypto.Sign(digest[:], s.key)
	if err != nil {
		return sig, &SigningError{Cause: err}
	}
	copy(sig[:], raw)
	return sig, nil
}

// EncodeAndSign writes o's byte layout into a SignedMintOrder, computes
// keccak256 over the 269-byte body, and has signer produce the trailing
// signature. Fails with the signer's error (a SigningError for
// LocalKeySigner), or with Encode's error when the body cannot be encoded.
func EncodeAndSign(ctx context.Context, o *MintOrder, signer Signer) (*SignedMintOrder, error) {
	body, err := Encode(o)
	if err != nil {
		return nil, err
	}
	digest := crypto.Keccak256Hash(body[:])

	var d [32]byte
	copy(d[:], digest[:])
	sig, err := signer.SignDigest(ctx, d)
	if err != nil {
		logger.Printf("mintorder.EncodeAndSign(%x) => %v", digest, err)
		return nil, err
	}
	return &SignedMintOrder{Body: body, Sig: sig}, nil
}

// Verify reports whether sig is a valid signature over body's keccak256
// digest under the given public key.
func Verify(body [OrderSize]byte, sig Signature, pub *ecdsa.PublicKey) bool {
	digest := crypto.Keccak256(body[:])
	recovered, err := crypto.SigToPub(digest, sig[:])
	if err != nil {
		return false
	}
	return crypto.PubkeyToAddress(*recovered) == crypto.PubkeyToAddress(*pub)
}
