package protocol

import (
	"bytes"
	"encoding/json"

	"github.com/betbot/gorecon/internal/domain"
)

// OrderRequest ORDER 请求
type OrderRequest struct {
	Action       string   `json:"action"`
	OwnershipTag int64    `json:"ownership_tag"`
	Symbol       string   `json:"symbol"`
	Side         string   `json:"side"`
	Volume       float64  `json:"volume"`
	Price        *float64 `json:"price,omitempty"`
	Ticket       *int64   `json:"ticket,omitempty"`
}

// OrderResponse ORDER 应答
type OrderResponse struct {
	Status  string `json:"status"`
	Ticket  *int64 `json:"ticket,omitempty"`
	Retcode *int   `json:"retcode,omitempty"`
	Message string `json:"message,omitempty"`
}

// EncodeOrderRequest 编码 ORDER 请求（每一笔都带归属标识）
func EncodeOrderRequest(tag domain.OwnershipTag, o domain.Order) ([]byte, error) {
	return json.Marshal(OrderRequest{
		Action:       ActionOrder,
		OwnershipTag: int64(tag),
		Symbol:       o.Symbol,
		Side:         string(o.Side),
		Volume:       o.Volume,
		Price:        o.Price,
		Ticket:       o.Ticket,
	})
}

// DecodeOrderResponse 解码 ORDER 应答。
// status=ERROR 是合法应答，按结果返回而不是错误。
func DecodeOrderResponse(payload []byte) (*domain.ExecutionResult, error) {
	var resp OrderResponse
	if err := json.Unmarshal(bytes.TrimSpace(payload), &resp); err != nil {
		return nil, formatErrorf(payload, "invalid json: %v", err)
	}
	switch domain.ExecutionStatus(resp.Status) {
	case domain.ExecutionFilled:
		if resp.Ticket != nil && *resp.Ticket <= 0 {
			return nil, formatErrorf(payload, "invalid ticket %d", *resp.Ticket)
		}
	case domain.ExecutionError:
	default:
		return nil, formatErrorf(payload, "unknown status %q", resp.Status)
	}
	return &domain.ExecutionResult{
		Status:  domain.ExecutionStatus(resp.Status),
		Ticket:  resp.Ticket,
		Retcode: resp.Retcode,
	}, nil
}
