// Package api 通过 chi 路由暴露桥接器的 REST 接口，所有响应使用统一信封。
package api
