package hopd

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/hopline/hopd/keychain"
)

// BitcoinNetParams couples the p2p parameters of a network with the
// corresponding RPC port of a btcd running on the particular network and the
// coin type of our keys.
type BitcoinNetParams struct {
	*chaincfg.Params
	RPCPort  string
	CoinType uint32
}

// bitcoinMainNetParams contains parameters specific to the current Bitcoin
// mainnet.
var bitcoinMainNetParams = BitcoinNetParams{
	Params:   &chaincfg.MainNetParams,
	RPCPort:  "8334",
	CoinType: keychain.CoinTypeBitcoin,
}

// bitcoinTestNetParams contains parameters specific to the 3rd version of the
// test network.
var bitcoinTestNetParams = BitcoinNetParams{
	Params:   &chaincfg.TestNet3Params,
	RPCPort:  "18334",
	CoinType: keychain.CoinTypeTestnet,
}

// bitcoinSimNetParams contains parameters specific to the simulation test
// network.
var bitcoinSimNetParams = BitcoinNetParams{
	Params:   &chaincfg.SimNetParams,
	RPCPort:  "18556",
	CoinType: keychain.CoinTypeTestnet,
}

// bitcoinSigNetParams contains parameters specific to the default signet.
var bitcoinSigNetParams = BitcoinNetParams{
	Params:   &chaincfg.SigNetParams,
	RPCPort:  "38332",
	CoinType: keychain.CoinTypeTestnet,
}

// bitcoinRegTestNetParams contains parameters specific to a local regtest
// network.
var bitcoinRegTestNetParams = BitcoinNetParams{
	Params:   &chaincfg.RegressionNetParams,
	RPCPort:  "18334",
	CoinType: keychain.CoinTypeTestnet,
}

// netParamsFor returns the parameters of the named network.
func netParamsFor(network string) (BitcoinNetParams, error) {
	switch network {
	case "mainnet":
		return bitcoinMainNetParams, nil

	case "testnet":
		return bitcoinTestNetParams, nil

	case "simnet":
		return bitcoinSimNetParams, nil

	case "signet":
		return bitcoinSigNetParams, nil

	case "regtest":
		return bitcoinRegTestNetParams, nil

	default:
		return BitcoinNetParams{}, fmt.Errorf("unknown network %q",
			network)
	}
}
