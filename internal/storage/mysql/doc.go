// Package mysql 提供基于 MySQL 的内容寻址文档存储。
// 包内负责连接池配置与内嵌 SQL 迁移，文档和标签在同一事务中写入。
package mysql
