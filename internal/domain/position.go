package domain

import (
	"fmt"
	"time"
)

// Side 持仓/订单方向
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid 检查方向是否合法
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OwnershipTag 归属标识（magic number），用于把权威端共享的持仓集合过滤为本系统的子集。
// 只是一个可比较的整数字段，不参与任何类型层次。
type OwnershipTag int64

// Position 持仓领域模型（以权威端为准）
type Position struct {
	Symbol       string    `json:"symbol"`        // 交易品种
	Ticket       int64     `json:"ticket"`        // 权威端分配的唯一 ticket
	Volume       float64   `json:"volume"`        // 手数（> 0）
	Side         Side      `json:"side"`          // 方向
	OpenPrice    float64   `json:"price_open"`    // 开仓价
	CurrentPrice float64   `json:"price_current"` // 当前价
	Profit       float64   `json:"profit"`        // 浮动盈亏
	OpenTime     time.Time `json:"time_open"`     // 开仓时间
}

// Validate 检查持仓不变量：ticket 唯一由调用方保证，这里只检查单条记录。
func (p *Position) Validate() error {
	if p == nil {
		return fmt.Errorf("position is nil")
	}
	if p.Ticket <= 0 {
		return fmt.Errorf("invalid ticket %d", p.Ticket)
	}
	if p.Volume <= 0 {
		return fmt.Errorf("ticket %d: volume must be positive, got %v", p.Ticket, p.Volume)
	}
	if !p.Side.Valid() {
		return fmt.Errorf("ticket %d: unknown side %q", p.Ticket, p.Side)
	}
	return nil
}

// Clone 返回副本（缓存对外只暴露副本）
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}

// IsLong 是否多头
func (p *Position) IsLong() bool {
	return p.Side == SideBuy
}
