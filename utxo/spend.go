package utxo

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// dustLimitSats is the change threshold below which the remainder is left
// to the miners instead of creating an unspendable output.
const dustLimitSats = 546

// BuildWithdrawPacket assembles an unsigned PSBT spending utxos to
// destination for amountSats, paying feeSats, with any remainder above the
// dust limit returned to changeAddress.
func BuildWithdrawPacket(utxos []UnspentUTXO, destination string, amountSats, feeSats int64, changeAddress string, params *chaincfg.Params) (*psbt.Packet, error) {
	if len(utxos) == 0 {
		return nil, fmt.Errorf("utxo.BuildWithdrawPacket: no inputs")
	}

	var total int64
	inputs := make([]*wire.OutPoint, 0, len(utxos))
	sequences := make([]uint32, 0, len(utxos))
	for i := range utxos {
		total += utxos[i].TxOut.Value
		op := utxos[i].OutPoint
		inputs = append(inputs, &op)
		sequences = append(sequences, wire.MaxTxInSequenceNum)
	}
	if total < amountSats+feeSats {
		return nil, fmt.Errorf("utxo.BuildWithdrawPacket: inputs carry %d sats, need %d + %d fee", total, amountSats, feeSats)
	}

	destAddr, err := btcutil.DecodeAddress(destination, params)
	if err != nil {
		return nil, fmt.Errorf("utxo.BuildWithdrawPacket: destination %q => %w", destination, err)
	}
	destScript, err := txscript.PayToAddrScript(destAddr)
	if err != nil {
		return nil, err
	}
	outputs := []*wire.TxOut{wire.NewTxOut(amountSats, destScript)}

	if change := total - amountSats - feeSats; change > dustLimitSats {
		changeAddr, err := btcutil.DecodeAddress(changeAddress, params)
		if err != nil {
			return nil, fmt.Errorf("utxo.BuildWithdrawPacket: change %q => %w", changeAddress, err)
		}
		changeScript, err := txscript.PayToAddrScript(changeAddr)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, wire.NewTxOut(change, changeScript))
	}

	packet, err := psbt.New(inputs, outputs, 2, 0, sequences)
	if err != nil {
		return nil, err
	}
	for i := range utxos {
		out := utxos[i].TxOut
		packet.Inputs[i].WitnessUtxo = &out
		packet.Inputs[i].SighashType = txscript.SigHashAll
	}
	return packet, nil
}

// SignWithdrawPacket signs every P2WPKH input of packet with the key
// resolved from its recorded derivation path, finalizes the packet and
// returns the raw wire transaction ready for broadcast. utxos must be the
// same slice the packet was built from, in the same order.
func SignWithdrawPacket(packet *psbt.Packet, utxos []UnspentUTXO, keyForPath func(derivationPath string) (*btcec.PrivateKey, error)) ([]byte, error) {
	if len(packet.Inputs) != len(utxos) {
		return nil, fmt.Errorf("utxo.SignWithdrawPacket: %d inputs, %d utxos", len(packet.Inputs), len(utxos))
	}

	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i := range utxos {
		out := utxos[i].TxOut
		fetcher.AddPrevOut(utxos[i].OutPoint, &out)
	}
	sigHashes := txscript.NewTxSigHashes(packet.UnsignedTx, fetcher)

	updater, err := psbt.NewUpdater(packet)
	if err != nil {
		return nil, err
	}
	for i := range utxos {
		priv, err := keyForPath(utxos[i].DerivationPath)
		if err != nil {
			return nil, fmt.Errorf("utxo.SignWithdrawPacket: input %d => %w", i, err)
		}
		sig, err := txscript.RawTxInWitnessSignature(packet.UnsignedTx, sigHashes, i,
			utxos[i].TxOut.Value, utxos[i].TxOut.PkScript, txscript.SigHashAll, priv)
		if err != nil {
			return nil, fmt.Errorf("utxo.SignWithdrawPacket: input %d => %w", i, err)
		}
		if _, err := updater.Sign(i, sig, priv.PubKey().SerializeCompressed(), nil, nil); err != nil {
			return nil, fmt.Errorf("utxo.SignWithdrawPacket: input %d => %w", i, err)
		}
	}

	if err := psbt.MaybeFinalizeAll(packet); err != nil {
		return nil, err
	}
	final, err := psbt.Extract(packet)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := final.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
