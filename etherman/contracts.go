package etherman

import (
	"strings"
	gosync "sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// ExportBridgeABI is the interface of the bridge contract deployed on every chain: burns emit
// Export and keep their hash by sequence, imports are authorized by importBurn.
const ExportBridgeABI = `[
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "internalType": "uint64", "name": "sequence", "type": "uint64"},
			{"indexed": true, "internalType": "bytes32", "name": "burnHash", "type": "bytes32"},
			{"indexed": false, "internalType": "uint32", "name": "recipientChain", "type": "uint32"},
			{"indexed": false, "internalType": "address", "name": "recipientAddress", "type": "address"},
			{"indexed": false, "internalType": "uint256", "name": "amount", "type": "uint256"},
			{"indexed": false, "internalType": "bytes", "name": "extraData", "type": "bytes"}
		],
		"name": "Export",
		"type": "event"
	},
	{
		"inputs": [{"internalType": "uint64", "name": "sequence", "type": "uint64"}],
		"name": "burnHashAt",
		"outputs": [{"internalType": "bytes32", "name": "", "type": "bytes32"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [{"internalType": "bytes32", "name": "burnHash", "type": "bytes32"}],
		"name": "isImported",
		"outputs": [{"internalType": "bool", "name": "", "type": "bool"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [
			{"internalType": "uint32", "name": "sourceChain", "type": "uint32"},
			{"internalType": "uint64", "name": "sequence", "type": "uint64"},
			{"internalType": "bytes32", "name": "burnHash", "type": "bytes32"},
			{"internalType": "uint32", "name": "recipientChain", "type": "uint32"},
			{"internalType": "address", "name": "recipientAddress", "type": "address"},
			{"internalType": "uint256", "name": "amount", "type": "uint256"},
			{"internalType": "bytes", "name": "extraData", "type": "bytes"},
			{"internalType": "bytes32", "name": "root", "type": "bytes32"},
			{"internalType": "uint32", "name": "leafIndex", "type": "uint32"},
			{"internalType": "uint32", "name": "leafCount", "type": "uint32"},
			{"internalType": "bytes32[]", "name": "siblings", "type": "bytes32[]"},
			{"internalType": "bool[]", "name": "siblingIsLeft", "type": "bool[]"},
			{"internalType": "bytes[]", "name": "signatures", "type": "bytes[]"}
		],
		"name": "importBurn",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [{"internalType": "bytes32", "name": "burnHash", "type": "bytes32"}],
		"name": "AlreadyImported",
		"type": "error"
	}
]`

var (
	exportBridgeABI     abi.ABI
	exportBridgeABIErr  error
	exportBridgeABIOnce gosync.Once
)

// GetExportBridgeABI returns the parsed ExportBridgeABI
func GetExportBridgeABI() (abi.ABI, error) {
	exportBridgeABIOnce.Do(func() {
		exportBridgeABI, exportBridgeABIErr = abi.JSON(strings.NewReader(ExportBridgeABI))
	})
	return exportBridgeABI, exportBridgeABIErr
}
