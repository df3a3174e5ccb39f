package websocket

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/betbot/gorecon/internal/protocol"
	"github.com/betbot/gorecon/pkg/cache"
	"github.com/betbot/gorecon/pkg/sigchan"
	"github.com/betbot/gorecon/pkg/syncgroup"
)

// TickHandler 行情回调
type TickHandler func(t protocol.Tick)

// TickStreamConfig 行情广播订阅配置
type TickStreamConfig struct {
	URL               string
	BaseReconnectWait time.Duration // 首次重连等待，之后指数退避
	MaxReconnectWait  time.Duration
	StaleAfter        time.Duration // 超过该时长没有任何消息则主动断开重连
}

// TickStream 单向行情广播订阅。
//
// 行情不是对账输入，只用作决策循环的时序信号：每收到一条 TICK，
// 更新报价缓存并 Emit 一次信号。这一路与请求/应答通道不同，允许自行重连。
type TickStream struct {
	cfg    TickStreamConfig
	dialer websocket.Dialer
	quotes *cache.QuoteCache
	signal *sigchan.Chan

	mu          sync.RWMutex
	conn        *websocket.Conn
	lastMessage time.Time
	handlers    []TickHandler
	reconnects  int

	cancel context.CancelFunc
	sg     *syncgroup.SyncGroup
}

// NewTickStream 创建行情订阅
func NewTickStream(cfg TickStreamConfig, quotes *cache.QuoteCache) *TickStream {
	if cfg.BaseReconnectWait <= 0 {
		cfg.BaseReconnectWait = time.Second
	}
	if cfg.MaxReconnectWait <= 0 {
		cfg.MaxReconnectWait = 60 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 60 * time.Second
	}
	if quotes == nil {
		quotes = cache.NewQuoteCache(0)
	}
	return &TickStream{
		cfg:    cfg,
		dialer: websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: 10 * time.Second},
		quotes: quotes,
		signal: sigchan.New(1),
		sg:     syncgroup.NewSyncGroup(),
	}
}

// OnTick 注册行情回调（需在 Start 之前注册）
func (s *TickStream) OnTick(h TickHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

// Signal 每条行情触发一次的时序信号
func (s *TickStream) Signal() <-chan struct{} {
	return s.signal.C()
}

// Quotes 最新报价缓存
func (s *TickStream) Quotes() *cache.QuoteCache {
	return s.quotes
}

// Reconnects 累计重连次数
func (s *TickStream) Reconnects() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reconnects
}

// Start 后台启动订阅循环（非阻塞）
func (s *TickStream) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.sg.Go(func() { s.run(ctx) })
	s.sg.Go(func() { s.healthCheck(ctx) })
}

// Stop 停止订阅并等待后台 goroutine 退出
func (s *TickStream) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.closeConn()
	s.sg.Wait()
}

func (s *TickStream) run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		conn, _, err := s.dialer.DialContext(ctx, s.cfg.URL, nil)
		if err != nil {
			wait := s.backoff(attempt)
			attempt++
			log.Warnf("📡 [行情] 连接失败: %v，%v 后重试", err, wait)
			if !sleepCtx(ctx, wait) {
				return
			}
			continue
		}

		attempt = 0
		s.mu.Lock()
		s.conn = conn
		s.lastMessage = time.Now()
		s.mu.Unlock()
		log.Infof("📡 [行情] 已订阅: %s", s.cfg.URL)

		s.readLoop(ctx, conn)
		s.closeConn()

		if ctx.Err() != nil {
			return
		}
		s.mu.Lock()
		s.reconnects++
		s.mu.Unlock()
		wait := s.backoff(0)
		log.Warnf("📡 [行情] 连接断开，%v 后重连", wait)
		if !sleepCtx(ctx, wait) {
			return
		}
	}
}

func (s *TickStream) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Debugf("📡 [行情] 读取结束: %v", err)
			}
			return
		}

		s.mu.Lock()
		s.lastMessage = time.Now()
		s.mu.Unlock()

		if string(message) == "PING" {
			_ = conn.WriteMessage(websocket.TextMessage, []byte("PONG"))
			continue
		}

		tick, ok, err := protocol.DecodeTick(message)
		if err != nil {
			log.Debugf("📡 [行情] 丢弃无法解析的消息: %v", err)
			continue
		}
		if !ok {
			continue
		}
		s.dispatch(tick)
	}
}

func (s *TickStream) dispatch(t protocol.Tick) {
	s.quotes.Set(cache.Quote{Symbol: t.Symbol, Bid: t.Bid, Ask: t.Ask, ReceivedAt: time.Now()})

	s.mu.RLock()
	handlers := s.handlers
	s.mu.RUnlock()
	for _, h := range handlers {
		h(t)
	}
	s.signal.Emit()
}

// healthCheck 长时间没有消息时主动断开，让 run 循环重连
func (s *TickStream) healthCheck(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.StaleAfter / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.RLock()
			conn := s.conn
			last := s.lastMessage
			s.mu.RUnlock()
			if conn != nil && time.Since(last) > s.cfg.StaleAfter {
				log.Warnf("📡 [行情] 超过 %v 未收到消息，主动断开重连", s.cfg.StaleAfter)
				_ = conn.Close()
			}
		}
	}
}

func (s *TickStream) closeConn() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// backoff base * 2^attempt，封顶 MaxReconnectWait
func (s *TickStream) backoff(attempt int) time.Duration {
	if attempt > 30 {
		return s.cfg.MaxReconnectWait
	}
	d := s.cfg.BaseReconnectWait * time.Duration(1<<attempt)
	if d > s.cfg.MaxReconnectWait || d <= 0 {
		return s.cfg.MaxReconnectWait
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
