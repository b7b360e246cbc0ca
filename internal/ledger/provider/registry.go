// Package provider builds ledger RPC clients from configs/ledgers.yaml.
package provider

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"DataSov-Bridge/internal/ledger/rpcledger"
)

const (
	RoleIdentity    = "identity"
	RoleMarketplace = "marketplace"
)

// Registry manages the ledger clients keyed by their configured names.
type Registry struct {
	identity    map[string]*rpcledger.IdentityClient
	marketplace map[string]*rpcledger.MarketplaceClient
	notes       map[string]string
}

// NewRegistry loads ledger definitions and instantiates clients. Clients dial
// lazily on Connect, so construction never touches the network.
func NewRegistry(path string) (*Registry, error) {
	defs, err := LoadDefinitions(path)
	if err != nil {
		return nil, err
	}
	return FromDefinitions(defs)
}

// FromDefinitions instantiates clients from parsed definitions.
func FromDefinitions(defs Definitions) (*Registry, error) {
	r := &Registry{
		identity:    make(map[string]*rpcledger.IdentityClient),
		marketplace: make(map[string]*rpcledger.MarketplaceClient),
		notes:       make(map[string]string),
	}
	for name, def := range defs.Ledgers {
		kind := strings.ToLower(strings.TrimSpace(def.Type))
		if kind == "" {
			kind = "jsonrpc"
		}
		if kind != "jsonrpc" {
			return nil, fmt.Errorf("账本 %s 使用了不支持的类型 %s", name, def.Type)
		}
		url := def.endpoint()
		if url == "" {
			return nil, fmt.Errorf("账本 %s 未配置 RPC 地址", name)
		}
		switch strings.ToLower(strings.TrimSpace(def.Role)) {
		case RoleIdentity:
			r.identity[name] = rpcledger.NewIdentityClient(rpcledger.DialURL(url))
		case RoleMarketplace:
			r.marketplace[name] = rpcledger.NewMarketplaceClient(rpcledger.DialURL(url))
		default:
			return nil, fmt.Errorf("账本 %s 的角色 %q 无效", name, def.Role)
		}
		r.notes[name] = def.Description
	}
	if len(r.identity) == 0 && len(r.marketplace) == 0 {
		return nil, errors.New("未配置任何账本的 RPC 端点")
	}
	return r, nil
}

// Identity returns the identity ledger client identified by name.
func (r *Registry) Identity(name string) (*rpcledger.IdentityClient, error) {
	if r == nil {
		return nil, errors.New("未初始化的账本注册表")
	}
	client, ok := r.identity[name]
	if !ok {
		return nil, fmt.Errorf("身份账本 %s 未在注册表中", name)
	}
	return client, nil
}

// Marketplace returns the marketplace ledger client identified by name.
func (r *Registry) Marketplace(name string) (*rpcledger.MarketplaceClient, error) {
	if r == nil {
		return nil, errors.New("未初始化的账本注册表")
	}
	client, ok := r.marketplace[name]
	if !ok {
		return nil, fmt.Errorf("市场账本 %s 未在注册表中", name)
	}
	return client, nil
}

// Description returns the free-form note attached to a ledger.
func (r *Registry) Description(name string) string {
	if r == nil {
		return ""
	}
	return r.notes[name]
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, client := range r.identity {
		_ = client.Close()
		delete(r.identity, name)
	}
	for name, client := range r.marketplace {
		_ = client.Close()
		delete(r.marketplace, name)
	}
}

// Names returns the registered ledger names.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.identity)+len(r.marketplace))
	for name := range r.identity {
		names = append(names, name)
	}
	for name := range r.marketplace {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
