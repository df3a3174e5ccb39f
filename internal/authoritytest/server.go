// Package authoritytest 提供一个进程内的假权威端，用于测试传输层、对账和下单。
//
// 它在 httptest 上挂两个 WebSocket 端点：
//   - /rpc   半双工请求/应答（SYNC_ALL、ORDER）
//   - /ticks 单向行情广播
package authoritytest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/betbot/gorecon/internal/domain"
	"github.com/betbot/gorecon/internal/protocol"
)

// Mode 假权威端对请求的处理方式
type Mode int

const (
	ModeOK            Mode = iota // 正常应答
	ModeDrop                      // 收到请求后直接断开连接
	ModeSilent                    // 收到请求后不应答
	ModeGarbage                   // 应答非 JSON 文本
	ModeAuthorityError            // 应答 status=ERROR
	ModeMissingAccount            // SYNC_ALL 应答缺少 account
)

// Server 假权威端
type Server struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu          sync.Mutex
	account     protocol.WireAccount
	positions   map[int64]protocol.WirePosition
	message     string
	mode        Mode
	modeCount   int // >0 时只对接下来 modeCount 次请求生效，之后恢复 ModeOK
	delay       time.Duration
	nextTicket  int64
	syncCalls   int
	orderCalls  int
	syncReqs    []protocol.SyncRequest
	orderReqs   []protocol.OrderRequest
	orderReply  *protocol.OrderResponse
	rpcConns    int
	rpcClients  map[*websocket.Conn]struct{}
	tickClients map[*websocket.Conn]struct{}
}

// New 启动假权威端
func New() *Server {
	s := &Server{
		positions:   make(map[int64]protocol.WirePosition),
		message:     "Sync successful",
		nextTicket:  900000,
		rpcClients:  make(map[*websocket.Conn]struct{}),
		tickClients: make(map[*websocket.Conn]struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.HandleFunc("/ticks", s.handleTicks)
	s.srv = httptest.NewServer(mux)
	return s
}

// RPCURL 请求/应答端点
func (s *Server) RPCURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/rpc"
}

// TickURL 行情广播端点
func (s *Server) TickURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ticks"
}

// Close 关闭服务（之后的拨号都会失败）
func (s *Server) Close() {
	s.srv.Close()
	s.DropRPCConnections()
	s.DropTickClients()
}

// SetAccount 设置账户
func (s *Server) SetAccount(a protocol.WireAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.account = a
}

// SetPositions 用给定集合替换全部持仓
func (s *Server) SetPositions(ps ...protocol.WirePosition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions = make(map[int64]protocol.WirePosition, len(ps))
	for _, p := range ps {
		s.positions[p.Ticket] = p
	}
}

// UpsertPosition 新增或覆盖一个持仓（模拟手工干预）
func (s *Server) UpsertPosition(p protocol.WirePosition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[p.Ticket] = p
}

// RemovePosition 删除持仓（模拟外部平仓）
func (s *Server) RemovePosition(ticket int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.positions, ticket)
}

// SetMode 设置处理方式，count<=0 表示一直生效
func (s *Server) SetMode(m Mode, count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = m
	s.modeCount = count
}

// SetDelay 每次应答前的延迟
func (s *Server) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// SetOrderReply 固定 ORDER 应答（nil 恢复默认：成交并生成持仓）
func (s *Server) SetOrderReply(r *protocol.OrderResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orderReply = r
}

// SyncCalls 收到的 SYNC_ALL 次数
func (s *Server) SyncCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncCalls
}

// OrderCalls 收到的 ORDER 次数
func (s *Server) OrderCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orderCalls
}

// SyncRequests 收到的 SYNC_ALL 请求副本
func (s *Server) SyncRequests() []protocol.SyncRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.SyncRequest(nil), s.syncReqs...)
}

// OrderRequests 收到的 ORDER 请求副本
func (s *Server) OrderRequests() []protocol.OrderRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.OrderRequest(nil), s.orderReqs...)
}

// RPCConnections 累计建立的 /rpc 连接数
func (s *Server) RPCConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rpcConns
}

// TickClients 当前行情订阅数
func (s *Server) TickClients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tickClients)
}

// BroadcastTick 向所有订阅者广播行情
func (s *Server) BroadcastTick(symbol string, bid, ask float64) {
	payload, _ := protocol.EncodeTick(protocol.Tick{Symbol: symbol, Bid: bid, Ask: ask})
	s.Broadcast(payload)
}

// Broadcast 向所有订阅者广播原始文本
func (s *Server) Broadcast(payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.tickClients {
		if err := c.WriteMessage(websocket.TextMessage, payload); err != nil {
			_ = c.Close()
			delete(s.tickClients, c)
		}
	}
}

// DropRPCConnections 断开所有请求/应答连接（模拟终端重启）
func (s *Server) DropRPCConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.rpcClients {
		_ = c.Close()
		delete(s.rpcClients, c)
	}
}

// DropTickClients 断开所有行情订阅（测试重连）
func (s *Server) DropTickClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.tickClients {
		_ = c.Close()
		delete(s.tickClients, c)
	}
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.rpcConns++
	s.rpcClients[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.rpcClients, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		reply, mode, delay := s.process(msg)
		if delay > 0 {
			time.Sleep(delay)
		}
		switch mode {
		case ModeDrop:
			return
		case ModeSilent:
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
			return
		}
	}
}

func (s *Server) handleTicks(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.tickClients[conn] = struct{}{}
	s.mu.Unlock()

	// 只读到断开为止（客户端的 PONG 等消息直接丢弃）
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			s.mu.Lock()
			delete(s.tickClients, conn)
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
	}
}

// process 在锁内完成请求记账并生成应答
func (s *Server) process(msg []byte) ([]byte, Mode, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mode := s.mode
	if s.modeCount > 0 {
		s.modeCount--
		if s.modeCount == 0 {
			s.mode = ModeOK
		}
	}

	var head struct {
		Action string `json:"action"`
	}
	_ = json.Unmarshal(msg, &head)

	switch head.Action {
	case protocol.ActionSyncAll:
		var req protocol.SyncRequest
		_ = json.Unmarshal(msg, &req)
		s.syncCalls++
		s.syncReqs = append(s.syncReqs, req)
	case protocol.ActionOrder:
		var req protocol.OrderRequest
		_ = json.Unmarshal(msg, &req)
		s.orderCalls++
		s.orderReqs = append(s.orderReqs, req)
		if mode == ModeOK {
			return s.fillLocked(req), mode, s.delay
		}
	}

	switch mode {
	case ModeGarbage:
		return []byte("not json at all"), mode, s.delay
	case ModeAuthorityError:
		out, _ := json.Marshal(map[string]any{"status": "ERROR", "message": "terminal not ready"})
		return out, mode, s.delay
	case ModeMissingAccount:
		out, _ := json.Marshal(map[string]any{"status": "OK", "positions": []any{}, "message": "partial"})
		return out, mode, s.delay
	case ModeDrop, ModeSilent:
		return nil, mode, s.delay
	}
	return s.snapshotLocked(), mode, s.delay
}

func (s *Server) snapshotLocked() []byte {
	tickets := make([]int64, 0, len(s.positions))
	for t := range s.positions {
		tickets = append(tickets, t)
	}
	sort.Slice(tickets, func(i, j int) bool { return tickets[i] < tickets[j] })
	ps := make([]protocol.WirePosition, 0, len(tickets))
	for _, t := range tickets {
		ps = append(ps, s.positions[t])
	}
	account := s.account
	out, _ := json.Marshal(protocol.SyncResponse{
		Status:    string(domain.SnapshotStatusOK),
		Account:   &account,
		Positions: &ps,
		Message:   s.message,
	})
	return out
}

// fillLocked 默认的成交逻辑：开仓生成新 ticket，平仓删除对应 ticket
func (s *Server) fillLocked(req protocol.OrderRequest) []byte {
	if s.orderReply != nil {
		out, _ := json.Marshal(s.orderReply)
		return out
	}
	var ticket int64
	if req.Ticket != nil {
		ticket = *req.Ticket
		delete(s.positions, ticket)
	} else {
		s.nextTicket++
		ticket = s.nextTicket
		price := 1.0
		if req.Price != nil {
			price = *req.Price
		}
		s.positions[ticket] = protocol.WirePosition{
			Symbol:       req.Symbol,
			Ticket:       ticket,
			Volume:       req.Volume,
			PriceOpen:    price,
			PriceCurrent: price,
			Type:         req.Side,
			TimeOpen:     time.Now().Unix(),
		}
	}
	out, _ := json.Marshal(protocol.OrderResponse{
		Status: string(domain.ExecutionFilled),
		Ticket: &ticket,
	})
	return out
}

// EURUSDAccount 常用测试账户
func EURUSDAccount() protocol.WireAccount {
	return protocol.WireAccount{
		Balance:     10000.0,
		Equity:      10050.0,
		MarginFree:  9000.0,
		MarginUsed:  1000.0,
		MarginLevel: 1005.0,
		Leverage:    100,
	}
}

// EURUSDPosition 常用测试持仓
func EURUSDPosition() protocol.WirePosition {
	return protocol.WirePosition{
		Symbol:       "EURUSD",
		Ticket:       123456,
		Volume:       0.1,
		Profit:       50.0,
		PriceCurrent: 1.0850,
		PriceOpen:    1.0800,
		Type:         "BUY",
		TimeOpen:     1705329600,
	}
}
