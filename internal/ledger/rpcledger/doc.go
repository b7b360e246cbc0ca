// Package rpcledger connects the bridge to ledger nodes over JSON-RPC using
// the go-ethereum rpc transport (HTTP, WebSocket, IPC or in-process).
//
// IdentityClient and MarketplaceClient implement the ledger ports; the
// matching IdentityService and MarketplaceService expose any port
// implementation as an RPC namespace, which is how the in-memory ledgers are
// served to remote bridges and how the clients are tested. Change streams use
// RPC subscriptions and therefore need a WebSocket, IPC or in-process
// transport.
package rpcledger
