package mintorder

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"sync"

	"github.com/MixinNetwork/mixin/logger"
	"github.com/MixinNetwork/multi-party-sig/pkg/party"
	"github.com/MixinNetwork/multi-party-sig/protocols/cmp"
	"github.com/ethereum/go-ethereum/crypto"
)

// Session is the subset of a multi-party-sig threshold signing round this
// package drives; concrete deployments wrap cmp.Sign with their own
// network transport (grounded on signer/node.go's loopPendingSessions /
// acceptIncomingMessages pattern, which is out of scope here).
type Session interface {
	Sign(ctx context.Context, digest []byte) ([]byte, error)
}

// ManagedSigner is the signing_strategy=managed_ecdsa{key_id} backend: it
// never holds the private key itself, only the public key recovered at
// keygen time, and delegates every signature to a threshold session
// identified by KeyID.
type ManagedSigner struct {
	KeyID   string
	Members party.IDSlice
	Self     party.ID

	pub *ecdsa.PublicKey

	mu       sync.Mutex
	sessions map[string]Session // digest hex -> in-flight session
}

func NewManagedSigner(keyID string, self party.ID, members party.IDSlice, pub *ecdsa.PublicKey) *ManagedSigner {
	return &ManagedSigner{
		KeyID:    keyID,
		Members:  members,
		Self:     self,
		pub:      pub,
		sessions: make(map[string]Session),
	}
}

func (s *ManagedSigner) PublicKey() *ecdsa.PublicKey {
	return s.pub
}

// RegisterSession wires a transport-bound cmp/frost session for the given
// digest in before SignDigest is called; it is a programming error to call
// SignDigest without one, since this package has no network transport of
// its own (§9 "Dynamic dispatch over providers").
func (s *ManagedSigner) RegisterSession(digestHex string, sess Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[digestHex] = sess
}

func (s *ManagedSigner) SignDigest(ctx context.Context, digest [32]byte) (Signature, error) {
	var out Signature
	key := fmt.Sprintf("%x", digest)

	s.mu.Lock()
	sess, ok := s.sessions[key]
	s.mu.Unlock()
	if !ok {
		return out, &SigningError{Cause: fmt.Errorf("mintorder: no managed session registered for digest %s", key)}
	}

	raw, err := sess.Sign(ctx, digest[:])
	if err != nil {
		logger.Printf("ManagedSigner.SignDigest(%s) => %v", key, err)
		return out, &SigningError{Cause: err}
	}
	if len(raw) != SignatureSize {
		return out, &SigningError{Cause: fmt.Errorf("mintorder: managed session returned %d bytes, want %d", len(raw), SignatureSize)}
	}
	copy(out[:], raw)

	recovered, err := crypto.SigToPub(digest[:], raw)
	if err != nil || crypto.PubkeyToAddress(*recovered) != crypto.PubkeyToAddress(*s.pub) {
		return out, &SigningError{Cause: fmt.Errorf("mintorder: managed session produced a signature for the wrong key")}
	}

	s.mu.Lock()
	delete(s.sessions, key)
	s.mu.Unlock()
	return out, nil
}

// SanityCheckCmpConfig is called once at startup by deployments wiring a
// managed signer, to confirm the local threshold configuration agrees with
// the members list the bridge was configured with; it panics on mismatch.
func SanityCheckCmpConfig(conf *cmp.Config, members party.IDSlice, self party.ID) {
	if conf == nil {
		panic("mintorder: nil cmp.Config")
	}
	if conf.ID != self {
		panic(fmt.Errorf("mintorder: cmp.Config.ID %v != %v", conf.ID, self))
	}
	if len(conf.PublicPartyData) != len(members) {
		panic(fmt.Errorf("mintorder: cmp.Config has %d parties, want %d", len(conf.PublicPartyData), len(members)))
	}
}
