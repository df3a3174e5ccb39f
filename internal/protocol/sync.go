package protocol

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/betbot/gorecon/internal/domain"
)

// SyncRequest SYNC_ALL 请求
type SyncRequest struct {
	Action       string `json:"action"`
	OwnershipTag int64  `json:"ownership_tag"`
	Timestamp    string `json:"timestamp"` // ISO8601
}

// SyncResponse SYNC_ALL 应答（线上格式）。
// 指针字段用于区分“缺失”和“零值”。
type SyncResponse struct {
	Status    string          `json:"status"`
	Account   *WireAccount    `json:"account"`
	Positions *[]WirePosition `json:"positions"`
	Message   string          `json:"message"`
}

// WireAccount 账户（线上格式）
type WireAccount struct {
	Balance     float64 `json:"balance"`
	Equity      float64 `json:"equity"`
	MarginFree  float64 `json:"margin_free"`
	MarginUsed  float64 `json:"margin_used"`
	MarginLevel float64 `json:"margin_level"`
	Leverage    int     `json:"leverage"`
}

// WirePosition 持仓（线上格式）
type WirePosition struct {
	Symbol       string  `json:"symbol"`
	Ticket       int64   `json:"ticket"`
	Volume       float64 `json:"volume"`
	Profit       float64 `json:"profit"`
	PriceCurrent float64 `json:"price_current"`
	PriceOpen    float64 `json:"price_open"`
	Type         string  `json:"type"`
	TimeOpen     int64   `json:"time_open"` // unix 秒
}

// EncodeSyncRequest 编码 SYNC_ALL 请求
func EncodeSyncRequest(tag domain.OwnershipTag, now time.Time) ([]byte, error) {
	return json.Marshal(SyncRequest{
		Action:       ActionSyncAll,
		OwnershipTag: int64(tag),
		Timestamp:    now.UTC().Format(time.RFC3339Nano),
	})
}

// DecodeSyncResponse 解码并校验 SYNC_ALL 应答。
//   - 格式问题返回 *FormatError（errors.Is ErrResponseFormat）
//   - status=ERROR 返回 *AuthorityError（errors.Is ErrAuthorityError）
func DecodeSyncResponse(payload []byte, receivedAt time.Time) (*domain.SyncSnapshot, error) {
	var resp SyncResponse
	if err := json.Unmarshal(bytes.TrimSpace(payload), &resp); err != nil {
		return nil, formatErrorf(payload, "invalid json: %v", err)
	}

	switch domain.SnapshotStatus(resp.Status) {
	case domain.SnapshotStatusOK:
	case domain.SnapshotStatusError:
		return nil, &AuthorityError{Message: resp.Message}
	default:
		return nil, formatErrorf(payload, "unknown status %q", resp.Status)
	}

	if resp.Account == nil {
		return nil, formatErrorf(payload, "missing account")
	}
	if resp.Positions == nil {
		return nil, formatErrorf(payload, "missing positions")
	}

	snap := &domain.SyncSnapshot{
		Status: domain.SnapshotStatusOK,
		Account: domain.AccountSnapshot{
			Balance:     resp.Account.Balance,
			Equity:      resp.Account.Equity,
			MarginFree:  resp.Account.MarginFree,
			MarginUsed:  resp.Account.MarginUsed,
			MarginLevel: resp.Account.MarginLevel,
			Leverage:    resp.Account.Leverage,
		},
		Positions:  make([]*domain.Position, 0, len(*resp.Positions)),
		Message:    resp.Message,
		ReceivedAt: receivedAt,
	}

	seen := make(map[int64]struct{}, len(*resp.Positions))
	for i, wp := range *resp.Positions {
		p := &domain.Position{
			Symbol:       wp.Symbol,
			Ticket:       wp.Ticket,
			Volume:       wp.Volume,
			Side:         domain.Side(wp.Type),
			OpenPrice:    wp.PriceOpen,
			CurrentPrice: wp.PriceCurrent,
			Profit:       wp.Profit,
			OpenTime:     time.Unix(wp.TimeOpen, 0).UTC(),
		}
		if err := p.Validate(); err != nil {
			return nil, formatErrorf(payload, "positions[%d]: %v", i, err)
		}
		if _, dup := seen[p.Ticket]; dup {
			return nil, formatErrorf(payload, "positions[%d]: duplicate ticket %d", i, p.Ticket)
		}
		seen[p.Ticket] = struct{}{}
		snap.Positions = append(snap.Positions, p)
	}
	return snap, nil
}
