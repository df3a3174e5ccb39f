package sigchan

import "sync/atomic"

// Chan 是一个非阻塞的信号 channel：只通知“发生过”，不传递数据。
// 多次 Emit 在消费前会合并成一次。
type Chan struct {
	c       chan struct{}
	emitted atomic.Int64
	merged  atomic.Int64
}

// New 创建新的信号 channel（bufferSize <= 0 时为 1）
func New(bufferSize int) *Chan {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &Chan{c: make(chan struct{}, bufferSize)}
}

// Emit 发送信号（非阻塞，channel 满时合并）
func (c *Chan) Emit() {
	c.emitted.Add(1)
	select {
	case c.c <- struct{}{}:
	default:
		c.merged.Add(1)
	}
}

// C 返回内部的 channel（用于 select）
func (c *Chan) C() <-chan struct{} {
	return c.c
}

// Stats 返回累计发送次数与被合并的次数
func (c *Chan) Stats() (emitted, merged int64) {
	return c.emitted.Load(), c.merged.Load()
}
