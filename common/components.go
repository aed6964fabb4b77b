package common

const (
	// WATCHER name to identify the chain watcher component (one per configured source chain)
	WATCHER = "watcher"
	// VALIDATOR name to identify the validator component: proves, signs and broadcasts attestations
	VALIDATOR = "validator"
	// SUBMITTER name to identify the import submitter component
	SUBMITTER = "submitter"
	// RPC name to identify the rpc component
	RPC = "rpc"
)
