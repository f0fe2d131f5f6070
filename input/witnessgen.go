package input

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// WitnessType determines how an output's witness will be generated.
type WitnessType uint16

const (
	// CommitmentTimeLock is a witness that allows us to spend our own
	// to_local output after its csv delay.
	CommitmentTimeLock WitnessType = 0

	// CommitmentNoDelay is a witness that allows us to spend a settled
	// to_remote output immediately on a counterparty's commitment
	// transaction.
	CommitmentNoDelay WitnessType = 1

	// CommitmentRevoke is a witness that allows us to sweep the settled
	// output of a malicious counterparty's who broadcasts a revoked
	// commitment transaction.
	CommitmentRevoke WitnessType = 2

	// HtlcOfferedRevoke is a witness that allows us to sweep an HTLC which
	// we offered to the remote party in the case that they broadcast a
	// revoked commitment state.
	HtlcOfferedRevoke WitnessType = 3

	// HtlcAcceptedRevoke is a witness that allows us to sweep an HTLC
	// output sent to us in the case that the remote party broadcasts a
	// revoked commitment state.
	HtlcAcceptedRevoke WitnessType = 4

	// HtlcOfferedTimeout is a witness that allows us to reclaim an HTLC
	// we offered from our own commitment after expiry and csv delay.
	HtlcOfferedTimeout WitnessType = 5

	// HtlcAcceptedSuccess is a witness that allows us to claim an HTLC
	// offered to us from our own commitment with the preimage after the
	// csv delay.
	HtlcAcceptedSuccess WitnessType = 6

	// HtlcOfferedRemoteTimeout is a witness that allows us to sweep an
	// HTLC that we offered to the remote party which lies in the
	// commitment transaction of the remote party. We can spend this output
	// after the absolute CLTV timeout of the HTLC as passed.
	HtlcOfferedRemoteTimeout WitnessType = 7

	// HtlcAcceptedRemoteSuccess is a witness that allows us to sweep an
	// HTLC that was offered to us by the remote party. We use this witness
	// in the case that the remote party goes to chain, and we know the
	// pre-image to the HTLC.
	HtlcAcceptedRemoteSuccess WitnessType = 8
)

// String returns a human readable version of the target WitnessType.
func (wt WitnessType) String() string {
	switch wt {
	case CommitmentTimeLock:
		return "CommitmentTimeLock"
	case CommitmentNoDelay:
		return "CommitmentNoDelay"
	case CommitmentRevoke:
		return "CommitmentRevoke"
	case HtlcOfferedRevoke:
		return "HtlcOfferedRevoke"
	case HtlcAcceptedRevoke:
		return "HtlcAcceptedRevoke"
	case HtlcOfferedTimeout:
		return "HtlcOfferedTimeout"
	case HtlcAcceptedSuccess:
		return "HtlcAcceptedSuccess"
	case HtlcOfferedRemoteTimeout:
		return "HtlcOfferedRemoteTimeout"
	case HtlcAcceptedRemoteSuccess:
		return "HtlcAcceptedRemoteSuccess"
	default:
		return fmt.Sprintf("Unknown WitnessType: %v", uint16(wt))
	}
}

// SignDescriptor houses what is needed to spend one output of a commitment
// transaction.
type SignDescriptor struct {
	// PrivKey is the key the output is spent with, with any
	// per-commitment tweak already applied.
	PrivKey *btcec.PrivateKey

	// Output is the output being spent.
	Output *wire.TxOut

	// Tree is the script tree of the output. It is nil for BIP-86 key
	// spend outputs.
	Tree *TapscriptTree

	// Leaf is the leaf spent by script path witnesses.
	Leaf txscript.TapLeaf

	// Preimage is the payment preimage for success witnesses.
	Preimage []byte

	// InputIndex is the index of the input in the spending transaction.
	InputIndex int
}

// GenWitness builds the witness spending the output described by desc from
// input desc.InputIndex of tx.
func (wt WitnessType) GenWitness(tx *wire.MsgTx,
	hashCache *txscript.TxSigHashes, desc *SignDescriptor) (wire.TxWitness,
	error) {

	switch wt {
	case CommitmentNoDelay:
		sig, err := txscript.RawTxInTaprootSignature(
			tx, hashCache, desc.InputIndex, desc.Output.Value,
			desc.Output.PkScript, []byte{}, txscript.SigHashDefault,
			desc.PrivKey,
		)
		if err != nil {
			return nil, err
		}

		return wire.TxWitness{sig}, nil

	case CommitmentRevoke, HtlcOfferedRevoke, HtlcAcceptedRevoke:
		sig, err := txscript.RawTxInTaprootSignature(
			tx, hashCache, desc.InputIndex, desc.Output.Value,
			desc.Output.PkScript, desc.Tree.RootHash(),
			txscript.SigHashDefault, desc.PrivKey,
		)
		if err != nil {
			return nil, err
		}

		return wire.TxWitness{sig}, nil

	case CommitmentTimeLock, HtlcOfferedTimeout, HtlcOfferedRemoteTimeout:
		return scriptSpend(tx, hashCache, desc)

	case HtlcAcceptedSuccess, HtlcAcceptedRemoteSuccess:
		if len(desc.Preimage) != 32 {
			return nil, fmt.Errorf("%v needs a preimage", wt)
		}

		return scriptSpend(tx, hashCache, desc, desc.Preimage)

	default:
		return nil, fmt.Errorf("unknown witness type: %v", wt)
	}
}

// scriptSpend signs a script path spend of desc.Leaf and assembles the
// witness <sig> <items...> <script> <control block>.
func scriptSpend(tx *wire.MsgTx, hashCache *txscript.TxSigHashes,
	desc *SignDescriptor, items ...[]byte) (wire.TxWitness, error) {

	ctrlBlock, err := desc.Tree.ControlBlock(desc.Leaf)
	if err != nil {
		return nil, err
	}

	sig, err := txscript.RawTxInTapscriptSignature(
		tx, hashCache, desc.InputIndex, desc.Output.Value,
		desc.Output.PkScript, desc.Leaf, txscript.SigHashDefault,
		desc.PrivKey,
	)
	if err != nil {
		return nil, err
	}

	witness := wire.TxWitness{sig}
	witness = append(witness, items...)

	return append(witness, desc.Leaf.Script, ctrlBlock), nil
}
