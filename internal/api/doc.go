// Package api 通过 REST 接口暴露插件引擎：提交激活请求、查询插件与资源、
// 管理资源以及导出调试信息和运行指标。
package api
