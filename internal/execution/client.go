package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/gorecon/internal/domain"
	"github.com/betbot/gorecon/internal/infrastructure/websocket"
	"github.com/betbot/gorecon/internal/metrics"
	"github.com/betbot/gorecon/internal/protocol"
	"github.com/betbot/gorecon/internal/risk"
	"github.com/betbot/gorecon/pkg/ratelimit"
)

var log = logrus.WithField("component", "execution")

var (
	// ErrInvalidOrder 本地校验失败，请求不会发出
	ErrInvalidOrder = errors.New("invalid order")
	// ErrNoTransport 没有可用的传输层
	ErrNoTransport = errors.New("execution: no transport")
)

// ClientConfig 下单客户端配置
type ClientConfig struct {
	OwnershipTag domain.OwnershipTag
	VolumeStep   float64       // 手数步长，<=0 时不做归一化
	CallTimeout  time.Duration // 单次 ORDER 调用超时
	InFlightTTL  time.Duration // 重复下单判定窗口
}

// Client 下单客户端。
//
// 只负责把请求发给权威端并返回结果，从不写本地持仓缓存：
// 成交的 ticket 只会在下一次对账时出现。
type Client struct {
	cfg     ClientConfig
	caller  websocket.Caller
	breaker *risk.CircuitBreaker
	limiter ratelimit.RateLimiter
	dedup   *InFlightDeduper
	step    decimal.Decimal
}

// NewClient 创建下单客户端；breaker/limiter 可为 nil
func NewClient(cfg ClientConfig, caller websocket.Caller, breaker *risk.CircuitBreaker, limiter ratelimit.RateLimiter) *Client {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = websocket.DefaultCallTimeout
	}
	c := &Client{
		cfg:     cfg,
		caller:  caller,
		breaker: breaker,
		limiter: limiter,
		dedup:   NewInFlightDeduper(cfg.InFlightTTL, 16),
	}
	if cfg.VolumeStep > 0 {
		c.step = decimal.NewFromFloat(cfg.VolumeStep)
	}
	return c
}

// NormalizeVolume 把手数向下取整到步长（避免浮点误差，例如 0.1+0.2）
func (c *Client) NormalizeVolume(volume float64) float64 {
	if c.step.IsZero() {
		return volume
	}
	v := decimal.NewFromFloat(volume)
	n := v.Div(c.step).Floor().Mul(c.step)
	f, _ := n.Float64()
	return f
}

// Submit 提交一笔订单。
//
// 权威端返回 status=ERROR 时按结果返回（err 为 nil）；
// 只有本地拒绝、传输失败、应答格式错误才返回 error。
func (c *Client) Submit(ctx context.Context, order domain.Order) (*domain.ExecutionResult, error) {
	requestID := uuid.NewString()
	entry := log.WithFields(logrus.Fields{
		"request_id": requestID,
		"symbol":     order.Symbol,
		"side":       order.Side,
	})

	if err := order.Validate(); err != nil {
		metrics.OrdersRejected.Add(1)
		return nil, fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	}
	if c.caller == nil {
		metrics.OrdersRejected.Add(1)
		return nil, ErrNoTransport
	}

	normalized := c.NormalizeVolume(order.Volume)
	if normalized <= 0 {
		metrics.OrdersRejected.Add(1)
		return nil, fmt.Errorf("%w: volume %v below step %v", ErrInvalidOrder, order.Volume, c.cfg.VolumeStep)
	}
	if normalized != order.Volume {
		entry.Debugf("手数按步长归一化: %v -> %v", order.Volume, normalized)
	}
	order.Volume = normalized

	if err := c.breaker.AllowTrading(); err != nil {
		metrics.OrdersRejected.Add(1)
		entry.Warnf("🚫 [下单] 熔断中，拒绝下单: %v", err)
		return nil, err
	}

	key := order.DedupKey()
	if err := c.dedup.TryAcquire(key); err != nil {
		metrics.OrdersRejected.Add(1)
		entry.Warnf("⏸️ [下单] 重复下单被拦截: key=%s", key)
		return nil, err
	}
	defer c.dedup.Release(key)

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			metrics.OrdersRejected.Add(1)
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	payload, err := protocol.EncodeOrderRequest(c.cfg.OwnershipTag, order)
	if err != nil {
		metrics.OrdersRejected.Add(1)
		return nil, fmt.Errorf("encode order: %w", err)
	}

	metrics.OrdersSubmitted.Add(1)
	entry.Infof("📤 [下单] 发送 ORDER: volume=%v ticket=%v", order.Volume, derefTicket(order.Ticket))

	reply, err := c.caller.Call(ctx, payload, c.cfg.CallTimeout)
	if err != nil {
		metrics.OrdersFailed.Add(1)
		c.breaker.OnError()
		if errors.Is(err, websocket.ErrTimeout) {
			// 请求可能已经到达权威端；结果只能由下一次对账确认
			entry.Warnf("⚠️ [下单] ORDER 超时，结果未知，下一次对账会揭示真实状态")
		} else {
			entry.Errorf("❌ [下单] ORDER 失败: %v", err)
		}
		return nil, err
	}

	result, err := protocol.DecodeOrderResponse(reply)
	if err != nil {
		metrics.OrdersFailed.Add(1)
		c.breaker.OnError()
		var fe *protocol.FormatError
		if errors.As(err, &fe) {
			entry.Errorf("❌ [下单] 应答格式错误: %s payload=%s", fe.Reason, fe.Payload)
		}
		return nil, err
	}
	result.RequestID = requestID

	if result.Filled() {
		metrics.OrdersFilled.Add(1)
		c.breaker.OnSuccess()
		entry.Infof("✅ [下单] 已成交: ticket=%v", derefTicket(result.Ticket))
	} else {
		metrics.OrdersFailed.Add(1)
		c.breaker.OnError()
		entry.Warnf("⚠️ [下单] 权威端拒绝: retcode=%v", derefRetcode(result.Retcode))
	}
	return result, nil
}

func derefTicket(t *int64) any {
	if t == nil {
		return "-"
	}
	return *t
}

func derefRetcode(r *int) any {
	if r == nil {
		return "-"
	}
	return *r
}
