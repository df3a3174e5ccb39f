// Package statusclient 是状态 API 的 HTTP 客户端（status/audit 子命令使用）。
package statusclient

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	"github.com/betbot/gorecon/internal/domain"
	"github.com/betbot/gorecon/internal/services"
)

// Client 状态 API 客户端
type Client struct {
	client *resty.Client
}

// NewClient 创建客户端；host 形如 http://127.0.0.1:8090
func NewClient(host string, timeout time.Duration) *Client {
	host = strings.TrimSuffix(host, "/")
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "http://" + host
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := resty.New().
		SetBaseURL(host).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(time.Second).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			// 只重试连接失败和 5xx（503 表示闸门未就绪，属于正常应答，不重试）
			if err != nil {
				return true
			}
			return resp.StatusCode() >= 500 && resp.StatusCode() != 503 && resp.StatusCode() != 501
		})
	return &Client{client: client}
}

func (c *Client) newRequest(ctx context.Context) *resty.Request {
	r := c.client.R()
	if ctx != nil {
		r.SetContext(ctx)
	}
	r.SetHeader("Accept", "application/json")
	r.SetHeader("User-Agent", "gorecon-cli")
	return r
}

// Health 健康检查结果
type Health struct {
	Gate   services.GateState `json:"gate"`
	Halted bool               `json:"halted"`
	OK     bool               `json:"-"`
}

// Healthz 查询健康状态（503 也会解析返回）
func (c *Client) Healthz(ctx context.Context) (*Health, error) {
	var h Health
	resp, err := c.newRequest(ctx).Get("/healthz")
	if err != nil {
		return nil, errors.Wrap(err, "healthz")
	}
	if err := json.Unmarshal(resp.Body(), &h); err != nil {
		return nil, errors.Wrapf(err, "healthz: decode %q", string(resp.Body()))
	}
	h.OK = resp.IsSuccess()
	return &h, nil
}

// State 查询完整状态
func (c *Client) State(ctx context.Context) (*services.Status, error) {
	var st services.Status
	resp, err := c.newRequest(ctx).SetResult(&st).Get("/api/state")
	if err := checkResponse(resp, err); err != nil {
		return nil, errors.Wrap(err, "state")
	}
	return &st, nil
}

// AuditQuery 审计查询条件
type AuditQuery struct {
	Limit  int
	Action string
	Ticket int64
}

type auditResponse struct {
	Source  string              `json:"source"`
	Entries []domain.AuditEntry `json:"entries"`
}

// Audit 查询审计记录，返回数据来源（memory/store）与记录
func (c *Client) Audit(ctx context.Context, q AuditQuery) (string, []domain.AuditEntry, error) {
	var out auditResponse
	r := c.newRequest(ctx).SetResult(&out)
	if q.Limit > 0 {
		r.SetQueryParam("limit", fmt.Sprint(q.Limit))
	}
	if q.Action != "" {
		r.SetQueryParam("action", q.Action)
	}
	if q.Ticket != 0 {
		r.SetQueryParam("ticket", fmt.Sprint(q.Ticket))
	}
	resp, err := r.Get("/api/audit")
	if err := checkResponse(resp, err); err != nil {
		return "", nil, errors.Wrap(err, "audit")
	}
	return out.Source, out.Entries, nil
}

func checkResponse(resp *resty.Response, err error) error {
	if err != nil {
		return err
	}
	if resp.IsSuccess() {
		return nil
	}
	var body struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(resp.Body(), &body)
	if body.Error == "" {
		body.Error = strings.TrimSpace(string(resp.Body()))
	}
	return errors.Errorf("http %d: %s", resp.StatusCode(), body.Error)
}
