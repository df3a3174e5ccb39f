package domain

import (
	"fmt"
	"strings"
)

// Order 下单请求（开仓或按 ticket 平仓）
type Order struct {
	Symbol string   // 交易品种
	Side   Side     // 订单方向
	Volume float64  // 手数
	Price  *float64 // 限价（可选，nil 表示市价）
	Ticket *int64   // 平仓引用的 ticket（可选）
}

// IsClose 是否为平仓单
func (o *Order) IsClose() bool {
	return o != nil && o.Ticket != nil
}

// Validate 校验订单基本字段
func (o *Order) Validate() error {
	if o == nil {
		return fmt.Errorf("order is nil")
	}
	if strings.TrimSpace(o.Symbol) == "" {
		return fmt.Errorf("symbol is required")
	}
	if !o.Side.Valid() {
		return fmt.Errorf("unknown side %q", o.Side)
	}
	if o.Volume <= 0 {
		return fmt.Errorf("volume must be positive, got %v", o.Volume)
	}
	if o.Price != nil && *o.Price <= 0 {
		return fmt.Errorf("price must be positive, got %v", *o.Price)
	}
	if o.Ticket != nil && *o.Ticket <= 0 {
		return fmt.Errorf("invalid ticket %d", *o.Ticket)
	}
	return nil
}

// DedupKey 用于短时间窗口内的重复下单判定
func (o *Order) DedupKey() string {
	ticket := int64(0)
	if o.Ticket != nil {
		ticket = *o.Ticket
	}
	return fmt.Sprintf("%s:%s:%.8f:%d", o.Symbol, o.Side, o.Volume, ticket)
}

// ExecutionStatus 权威端的执行结果状态
type ExecutionStatus string

const (
	ExecutionFilled ExecutionStatus = "FILLED"
	ExecutionError  ExecutionStatus = "ERROR"
)

// ExecutionResult 下单结果。
// 成交的 ticket 不会写入本地缓存，只有下一次对账才会让它出现。
type ExecutionResult struct {
	RequestID string          // 本地请求 ID（仅用于日志关联）
	Status    ExecutionStatus // FILLED / ERROR
	Ticket    *int64          // 成交 ticket（可选）
	Retcode   *int            // 权威端返回码（可选）
}

// Filled 是否成交
func (r *ExecutionResult) Filled() bool {
	return r != nil && r.Status == ExecutionFilled
}
