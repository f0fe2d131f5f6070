package input

import (
	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/wire"
)

const (
	// CommitWeight is the weight of a commitment transaction without any
	// HTLC outputs.
	CommitWeight int64 = 724

	// HTLCWeight is the weight each HTLC output adds to a commitment
	// transaction.
	HTLCWeight int64 = 172

	// P2TRSize 34 bytes
	//	- OP_1: 1 byte
	//	- OP_DATA: 1 byte (x-only key length)
	//	- x-only key: 32 bytes
	P2TRSize = 1 + 1 + 32

	// P2TROutputSize 43 bytes
	//	- value: 8 bytes
	//	- var_int: 1 byte (pkscript_length)
	//	- pkscript (p2tr): 34 bytes
	P2TROutputSize = 8 + 1 + P2TRSize

	// InputSize 41 bytes
	//	- PreviousOutPoint:
	//		- Hash: 32 bytes
	//		- Index: 4 bytes
	//	- OP_DATA: 1 byte (ScriptSigLength)
	//	- ScriptSig: 0 bytes
	//	- Sequence: 4 bytes
	InputSize = 32 + 4 + 1 + 4

	// SchnorrSigSize is the size of a Schnorr signature with the default
	// sighash type, which is left implicit.
	SchnorrSigSize = 64

	// TaprootKeyPathWitnessSize 66 bytes
	//	- NumberOfWitnessElements: 1 byte
	//	- sigLength: 1 byte
	//	- sig: 64 bytes
	TaprootKeyPathWitnessSize = 1 + 1 + SchnorrSigSize

	// BaseTxSize 10 bytes
	//	- Version: 4 bytes
	//	- NumberOfInputs: 1 byte
	//	- NumberOfOutputs: 1 byte
	//	- LockTime: 4 bytes
	BaseTxSize = 4 + 1 + 1 + 4

	// WitnessHeaderSize is the size of the segwit marker and flag.
	WitnessHeaderSize = 1 + 1
)

// TapscriptWitnessSize returns the witness size of a script path spend with
// the given script, control block and stack items.
func TapscriptWitnessSize(script, ctrlBlock []byte, items ...[]byte) int {
	numItems := uint64(len(items) + 2)
	size := wire.VarIntSerializeSize(numItems)

	for _, item := range append(items, script, ctrlBlock) {
		size += wire.VarIntSerializeSize(uint64(len(item))) + len(item)
	}

	return size
}

// TxWeightEstimator is able to calculate weight estimates for transactions
// based on the input and output types. For purposes of estimation, all
// signatures are assumed to be of the maximum possible size.
type TxWeightEstimator struct {
	hasWitness       bool
	inputCount       uint32
	outputCount      uint32
	inputSize        int
	inputWitnessSize int
	outputSize       int
}

// AddTaprootKeySpendInput updates the weight estimate to account for an
// additional input spending a taproot output through the key path.
func (twe *TxWeightEstimator) AddTaprootKeySpendInput() *TxWeightEstimator {
	return twe.AddWitnessInput(TaprootKeyPathWitnessSize)
}

// AddWitnessInput updates the weight estimate to account for an additional
// input spending a native segwit output with the given witness size.
func (twe *TxWeightEstimator) AddWitnessInput(
	witnessSize int) *TxWeightEstimator {

	twe.inputSize += InputSize
	twe.inputWitnessSize += witnessSize
	twe.inputCount++
	twe.hasWitness = true

	return twe
}

// AddP2TROutput updates the weight estimate to account for an additional
// P2TR output.
func (twe *TxWeightEstimator) AddP2TROutput() *TxWeightEstimator {
	twe.outputSize += P2TROutputSize
	twe.outputCount++

	return twe
}

// AddOutput updates the weight estimate to account for an output paying to
// pkScript.
func (twe *TxWeightEstimator) AddOutput(pkScript []byte) *TxWeightEstimator {
	twe.outputSize += 8 + wire.VarIntSerializeSize(uint64(len(pkScript))) +
		len(pkScript)
	twe.outputCount++

	return twe
}

// Weight gets the estimated weight of the transaction.
func (twe *TxWeightEstimator) Weight() int64 {
	txSizeStripped := 4 + wire.VarIntSerializeSize(uint64(twe.inputCount)) +
		twe.inputSize + wire.VarIntSerializeSize(uint64(twe.outputCount)) +
		twe.outputSize + 4

	weight := txSizeStripped * blockchain.WitnessScaleFactor
	if twe.hasWitness {
		weight += WitnessHeaderSize + twe.inputWitnessSize
	}

	return int64(weight)
}
