// Package migrations 内嵌 ChainHost 使用的 MySQL 表结构迁移文件。
package migrations

import "embed"

// Files 暴露所有 SQL 迁移文件，文件名前缀即版本号。
//
//go:embed *.sql
var Files embed.FS
