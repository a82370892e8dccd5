package utxo

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
)

// DerivationPathForUser is the path string recorded alongside a transit
// UTXO; it carries everything needed to re-derive the spending key from the
// bridge master key.
func DerivationPathForUser(userEvmAddress common.Address) string {
	return hex.EncodeToString(userEvmAddress[:])
}

// UserFromDerivationPath is the inverse of DerivationPathForUser.
func UserFromDerivationPath(path string) (common.Address, error) {
	raw, err := hex.DecodeString(path)
	if err != nil || len(raw) != common.AddressLength {
		return common.Address{}, fmt.Errorf("utxo: derivation path %q is not an EVM address", path)
	}
	return common.BytesToAddress(raw), nil
}

// transitTweak derives the scalar added to the bridge master key for one
// user: H(master_pub || user_evm_address) mod N.
func transitTweak(masterPub *btcec.PublicKey, userEvmAddress common.Address) btcec.ModNScalar {
	digest := sha256.Sum256(append(masterPub.SerializeCompressed(), userEvmAddress[:]...))
	var t btcec.ModNScalar
	t.SetBytes(&digest)
	return t
}

// TransitPublicKey derives the per-user deposit key
// master + H(master || user)*G, computable from the public key alone so a
// threshold deployment can hand out deposit addresses without touching the
// key shares.
func TransitPublicKey(masterPub *btcec.PublicKey, userEvmAddress common.Address) (*btcec.PublicKey, error) {
	t := transitTweak(masterPub, userEvmAddress)
	var tweakPoint, masterPoint, childPoint btcec.JacobianPoint
	btcec.ScalarBaseMultNonConst(&t, &tweakPoint)
	masterPub.AsJacobian(&masterPoint)
	btcec.AddNonConst(&masterPoint, &tweakPoint, &childPoint)
	if childPoint.Z.IsZero() {
		return nil, fmt.Errorf("utxo: transit key for %s is the point at infinity", userEvmAddress)
	}
	childPoint.ToAffine()
	return btcec.NewPublicKey(&childPoint.X, &childPoint.Y), nil
}

// TransitPrivateKey mirrors TransitPublicKey for local-key deployments that
// hold the master private key directly.
func TransitPrivateKey(masterPriv *btcec.PrivateKey, userEvmAddress common.Address) *btcec.PrivateKey {
	t := transitTweak(masterPriv.PubKey(), userEvmAddress)
	k := masterPriv.Key
	k.Add(&t)
	raw := k.Bytes()
	return btcec.PrivKeyFromBytes(raw[:])
}

// TransitAddress derives the deterministic P2WPKH deposit address a user
// sends satoshis, inscriptions or rune edicts to.
func TransitAddress(masterPub *btcec.PublicKey, userEvmAddress common.Address, params *chaincfg.Params) (btcutil.Address, error) {
	child, err := TransitPublicKey(masterPub, userEvmAddress)
	if err != nil {
		return nil, err
	}
	return btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(child.SerializeCompressed()), params)
}
