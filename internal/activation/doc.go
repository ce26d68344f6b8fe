// Package activation 负责插件激活请求的排队、执行与结果记录，并把插件激活事件发布到事件队列。
package activation
