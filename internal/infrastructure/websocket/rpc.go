package websocket

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/gorecon/internal/protocol"
)

var log = logrus.WithField("component", "transport")

// DefaultCallTimeout 调用方未指定超时时使用
const DefaultCallTimeout = 3 * time.Second

var (
	// ErrTimeout 在超时时间内没有收到应答（可重试）
	ErrTimeout = errors.New("transport timeout")
	// ErrConnection 连接层失败（可重试）
	ErrConnection = errors.New("transport connection error")
	// ErrClosed 客户端已关闭
	ErrClosed = errors.New("transport closed")
)

// Caller 半双工请求/应答调用。
// 传输层内部不做任何重试，重试策略完全由调用方决定。
type Caller interface {
	Call(ctx context.Context, payload []byte, timeout time.Duration) ([]byte, error)
}

// RPCConfig 请求/应答通道配置
type RPCConfig struct {
	URL              string        // 例如 ws://127.0.0.1:5555/rpc
	HandshakeTimeout time.Duration // 握手超时（还会被单次调用的截止时间截断）
}

// RPCClient 基于持久 WebSocket 连接的半双工请求/应答客户端。
//
// 同一时刻只允许一个请求在途（slot 容量为 1）。
// 超时或读写失败后连接会被丢弃：迟到的应答不能被当成下一次请求的应答，
// 下一次调用会在全新的连接上开始。
type RPCClient struct {
	cfg    RPCConfig
	dialer websocket.Dialer

	slot chan struct{}

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// NewRPCClient 创建请求/应答客户端（不立即连接）
func NewRPCClient(cfg RPCConfig) *RPCClient {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &RPCClient{
		cfg: cfg,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		slot: make(chan struct{}, 1),
	}
}

// Connect 建立连接（已连接时直接返回）
func (c *RPCClient) Connect(ctx context.Context) error {
	deadline := time.Now().Add(c.cfg.HandshakeTimeout)
	if err := c.acquire(ctx, deadline); err != nil {
		return err
	}
	defer c.release()

	_, err := c.ensureConn(ctx, deadline)
	return err
}

// Reconnect 丢弃当前连接并重新建立
func (c *RPCClient) Reconnect(ctx context.Context) error {
	deadline := time.Now().Add(c.cfg.HandshakeTimeout)
	if err := c.acquire(ctx, deadline); err != nil {
		return err
	}
	defer c.release()

	c.mu.Lock()
	old := c.conn
	c.conn = nil
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	_, err := c.ensureConn(ctx, deadline)
	return err
}

// Connected 当前是否持有连接
func (c *RPCClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close 关闭客户端，之后的调用都返回 ErrClosed
func (c *RPCClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Call 发送一条请求并等待唯一的应答。
//   - 超时（或 ctx 取消）：ErrTimeout
//   - 连接失败：ErrConnection
//   - 应答不是合法的 JSON 文本帧：protocol.ErrResponseFormat
func (c *RPCClient) Call(ctx context.Context, payload []byte, timeout time.Duration) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := c.acquire(ctx, deadline); err != nil {
		return nil, err
	}
	defer c.release()

	conn, err := c.ensureConn(ctx, deadline)
	if err != nil {
		return nil, err
	}

	// ctx 取消时立即打断阻塞中的读写
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
		_ = conn.SetWriteDeadline(time.Now())
	})
	defer stop()

	if err := conn.SetWriteDeadline(deadline); err != nil {
		c.drop(conn)
		return nil, errors.Wrapf(ErrConnection, "set write deadline: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.drop(conn)
		return nil, c.classify(ctx, "write", err)
	}

	if err := conn.SetReadDeadline(deadline); err != nil {
		c.drop(conn)
		return nil, errors.Wrapf(ErrConnection, "set read deadline: %v", err)
	}
	msgType, reply, err := conn.ReadMessage()
	if err != nil {
		// gorilla 读失败后连接状态不可用，必须丢弃
		c.drop(conn)
		return nil, c.classify(ctx, "read", err)
	}

	// 格式错误同样丢弃连接，下一次请求从新连接开始
	if msgType != websocket.TextMessage {
		c.drop(conn)
		return nil, &protocol.FormatError{Reason: "non-text frame", Payload: string(reply)}
	}
	if err := protocol.CheckPayload(reply); err != nil {
		c.drop(conn)
		return nil, err
	}
	return reply, nil
}

func (c *RPCClient) acquire(ctx context.Context, deadline time.Time) error {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case c.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return errors.Wrapf(ErrTimeout, "waiting for in-flight request: %v", ctx.Err())
	case <-timer.C:
		return errors.Wrap(ErrTimeout, "waiting for in-flight request")
	}
}

func (c *RPCClient) release() {
	<-c.slot
}

// ensureConn 返回现有连接，没有则拨号一次（不重试）
func (c *RPCClient) ensureConn(ctx context.Context, deadline time.Time) (*websocket.Conn, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	dialCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	conn, _, err := c.dialer.DialContext(dialCtx, c.cfg.URL, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrapf(ErrTimeout, "dial %s: %v", c.cfg.URL, ctx.Err())
		}
		return nil, errors.Wrapf(ErrConnection, "dial %s: %v", c.cfg.URL, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		_ = conn.Close()
		return nil, ErrClosed
	}
	c.conn = conn
	log.Infof("🔌 [传输层] 已连接权威端: %s", c.cfg.URL)
	return conn, nil
}

func (c *RPCClient) drop(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
}

func (c *RPCClient) classify(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return errors.Wrapf(ErrTimeout, "%s: %v", op, ctx.Err())
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errors.Wrapf(ErrTimeout, "%s: %v", op, err)
	}
	return errors.Wrapf(ErrConnection, "%s: %v", op, err)
}

// IsRetryable 超时与连接错误由调用方重试
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnection)
}
