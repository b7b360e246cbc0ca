package provider

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Definitions models the structure of configs/ledgers.yaml.
type Definitions struct {
	Ledgers map[string]Definition `yaml:"ledgers"`
}

// Definition describes a single ledger node endpoint.
type Definition struct {
	// Role 为 identity 或 marketplace。
	Role        string `yaml:"role"`
	Type        string `yaml:"type"`
	RPCURL      string `yaml:"rpc_url"`
	WSURL       string `yaml:"ws_url"`
	Description string `yaml:"description"`
}

// endpoint 优先使用 WebSocket，事件订阅需要双向连接。
func (d Definition) endpoint() string {
	if ws := strings.TrimSpace(d.WSURL); ws != "" {
		return ws
	}
	return strings.TrimSpace(d.RPCURL)
}

// LoadDefinitions parses the YAML file containing ledger endpoints.
func LoadDefinitions(path string) (Definitions, error) {
	if strings.TrimSpace(path) == "" {
		return Definitions{Ledgers: map[string]Definition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Definitions{}, fmt.Errorf("读取账本配置失败: %w", err)
	}

	var defs Definitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return Definitions{}, fmt.Errorf("解析账本配置失败: %w", err)
	}
	if defs.Ledgers == nil {
		defs.Ledgers = map[string]Definition{}
	}
	return defs, nil
}
