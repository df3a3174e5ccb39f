package protocol

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Tick 行情广播（单向，不参与对账）
type Tick struct {
	Type   string  `json:"type"`
	Symbol string  `json:"symbol"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
}

// DecodeTick 解码行情广播；非 TICK 消息返回 ok=false
func DecodeTick(payload []byte) (Tick, bool, error) {
	var t Tick
	if err := json.Unmarshal(bytes.TrimSpace(payload), &t); err != nil {
		return Tick{}, false, formatErrorf(payload, "invalid json: %v", err)
	}
	if t.Type != MessageTypeTick {
		return Tick{}, false, nil
	}
	if strings.TrimSpace(t.Symbol) == "" {
		return Tick{}, false, formatErrorf(payload, "tick without symbol")
	}
	if t.Bid <= 0 || t.Ask <= 0 || t.Ask < t.Bid {
		return Tick{}, false, formatErrorf(payload, "invalid quote bid=%v ask=%v", t.Bid, t.Ask)
	}
	return t, true, nil
}

// EncodeTick 编码行情（测试替身与工具使用）
func EncodeTick(t Tick) ([]byte, error) {
	t.Type = MessageTypeTick
	return json.Marshal(t)
}
