package domain

// AccountSnapshot 账户快照。
// 每次同步成功后整体替换，不做字段级合并，权益也不在本地重算。
type AccountSnapshot struct {
	Balance     float64 `json:"balance"`
	Equity      float64 `json:"equity"`
	MarginFree  float64 `json:"margin_free"`
	MarginUsed  float64 `json:"margin_used"`
	MarginLevel float64 `json:"margin_level"`
	Leverage    int     `json:"leverage"`
}

// IsZero 是否从未同步过
func (a AccountSnapshot) IsZero() bool {
	return a == AccountSnapshot{}
}
