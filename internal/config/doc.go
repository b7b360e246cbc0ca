// Package config 加载桥接服务的 JSON 配置文件，并为未填写的字段补齐默认值。
// 账本端点单独定义在 ledgers.yaml 中，见 internal/ledger/provider。
package config
