// Package bridge 实现跨链信任桥：在身份账本上签发证明，由两侧账本独立确认后
// 才允许在数据市场账本上写入；同时负责周期性的跨账本对账与账本事件翻译。
//
// 两侧账本之间没有分布式事务。校验通过到市场写入之间若发生撤销，写入仍可能落地；
// 撤销事件会立即暂停该身份的交易，下一轮对账会再次发现并告警。
package bridge
