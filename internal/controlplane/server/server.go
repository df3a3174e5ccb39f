// Package server 提供只读的状态 API（gin）：闸门状态、持仓缓存、最近对账结果、审计记录。
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/betbot/gorecon/internal/audit"
	"github.com/betbot/gorecon/internal/domain"
	"github.com/betbot/gorecon/internal/metrics"
	"github.com/betbot/gorecon/internal/services"
)

var log = logrus.WithField("component", "status")

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

// StatusProvider 状态来源（services.SyncService 实现）
type StatusProvider interface {
	Status() services.Status
	RecentAudit(limit int) []domain.AuditEntry
}

// AuditQuerier 持久化审计查询（按 action/ticket 过滤时使用）
type AuditQuerier interface {
	Find(ctx context.Context, q audit.Query) ([]domain.AuditEntry, error)
}

// Config 状态 API 配置
type Config struct {
	Provider StatusProvider
	Audit    AuditQuerier // 可为 nil，此时只能查询内存中的审计记录
}

// Server 只读状态 API
type Server struct {
	cfg Config
}

// New 创建状态 API
func New(cfg Config) (*Server, error) {
	if cfg.Provider == nil {
		return nil, errors.New("status provider is required")
	}
	return &Server{cfg: cfg}, nil
}

// Router 路由
func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.wrap(s.handleHealthz))

	api := r.Group("/api")
	api.GET("/state", s.wrap(s.handleState))
	api.GET("/positions", s.wrap(s.handlePositions))
	api.GET("/positions/:ticket", s.wrap(s.handlePosition))
	api.GET("/audit", s.wrap(s.handleAudit))

	debug := gin.WrapH(metrics.Handler())
	r.GET("/debug/vars", debug)
	r.GET("/debug/pprof/*any", debug)

	return r
}

// Start 后台监听（非阻塞），ctx.Done() 时关闭
func (s *Server) Start(ctx context.Context, listenAddr string) (*http.Server, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}
	hs := &http.Server{
		Addr:              listenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warnf("⚠️ [状态API] 服务退出: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = hs.Shutdown(shutdownCtx)
	}()
	log.Infof("🌐 [状态API] 监听 %s", ln.Addr().String())
	return hs, nil
}

type paramsKeyType string

const paramsKey paramsKeyType = "recon_path_params"

// wrap 把 net/http handler 适配到 gin，并把路径参数注入 request context
func (s *Server) wrap(h func(http.ResponseWriter, *http.Request)) gin.HandlerFunc {
	return func(c *gin.Context) {
		m := map[string]string{}
		for _, p := range c.Params {
			m[p.Key] = p.Value
		}
		ctx := context.WithValue(c.Request.Context(), paramsKey, m)
		c.Request = c.Request.WithContext(ctx)
		h(c.Writer, c.Request)
	}
}

func pathParam(r *http.Request, key string) string {
	m, _ := r.Context().Value(paramsKey).(map[string]string)
	return m[key]
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// handleHealthz 启动同步成功后才返回 200
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	st := s.cfg.Provider.Status()
	code := http.StatusOK
	if st.Gate != services.GateSynced || st.Breaker.Halted {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"gate":   st.Gate,
		"halted": st.Breaker.Halted,
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Provider.Status())
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	view := s.cfg.Provider.Status().Cache
	positions := view.Positions
	if positions == nil {
		positions = []*domain.Position{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"positions":    positions,
		"last_sync_at": view.LastSyncAt,
		"version":      view.Version,
	})
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	ticket, err := strconv.ParseInt(pathParam(r, "ticket"), 10, 64)
	if err != nil || ticket <= 0 {
		writeError(w, http.StatusBadRequest, "invalid ticket")
		return
	}
	for _, p := range s.cfg.Provider.Status().Cache.Positions {
		if p.Ticket == ticket {
			writeJSON(w, http.StatusOK, p)
			return
		}
	}
	writeError(w, http.StatusNotFound, "position not found")
}

// handleAudit 默认返回内存中的最近记录（旧 -> 新）；带 action/ticket 过滤时查询持久化存储（新 -> 旧）
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := defaultAuditLimit
	if v := strings.TrimSpace(q.Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		if n > maxAuditLimit {
			n = maxAuditLimit
		}
		limit = n
	}

	action := strings.ToUpper(strings.TrimSpace(q.Get("action")))
	ticketRaw := strings.TrimSpace(q.Get("ticket"))
	if action == "" && ticketRaw == "" {
		writeJSON(w, http.StatusOK, map[string]any{
			"source":  "memory",
			"entries": nonNil(s.cfg.Provider.RecentAudit(limit)),
		})
		return
	}

	if s.cfg.Audit == nil {
		writeError(w, http.StatusNotImplemented, "audit store not configured")
		return
	}
	query := audit.Query{Action: domain.AuditAction(action), Limit: limit}
	if ticketRaw != "" {
		ticket, err := strconv.ParseInt(ticketRaw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid ticket")
			return
		}
		query.Ticket = ticket
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	entries, err := s.cfg.Audit.Find(ctx, query)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "audit query: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"source":  "store",
		"entries": nonNil(entries),
	})
}

func nonNil(entries []domain.AuditEntry) []domain.AuditEntry {
	if entries == nil {
		return []domain.AuditEntry{}
	}
	return entries
}
