// Package redis 提供基于 Redis 的共享端口分配器，使多个 ChainHost 实例在同一端口范围内不发生冲突。
package redis
