package rpcledger

import (
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/rpc"

	"DataSov-Bridge/internal/ledger"
)

// NewServer registers the services of the given ports. Either port may be nil.
func NewServer(identity ledger.IdentityLedgerPort, market ledger.MarketplaceLedgerPort) (*rpc.Server, error) {
	server := rpc.NewServer()
	if identity != nil {
		if err := server.RegisterName(IdentityNamespace, NewIdentityService(identity)); err != nil {
			return nil, fmt.Errorf("注册身份账本服务失败: %w", err)
		}
	}
	if market != nil {
		if err := server.RegisterName(MarketplaceNamespace, NewMarketplaceService(market)); err != nil {
			return nil, fmt.Errorf("注册市场账本服务失败: %w", err)
		}
	}
	return server, nil
}

// Handler serves JSON-RPC over HTTP on "/" and WebSocket on "/ws".
// Subscriptions are only available over WebSocket.
func Handler(server *rpc.Server, allowedOrigins []string) http.Handler {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	mux := http.NewServeMux()
	mux.Handle("/ws", server.WebsocketHandler(allowedOrigins))
	mux.Handle("/", server)
	return mux
}
