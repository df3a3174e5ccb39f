package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix 环境变量前缀
const EnvPrefix = "RECON_"

// AuthorityConfig 权威端（执行终端）连接配置
type AuthorityConfig struct {
	Host             string
	Port             int
	RPCPath          string        // 请求/应答端点，默认 /rpc
	TickPath         string        // 行情广播端点，默认 /ticks；"none" 表示不订阅
	HandshakeTimeout time.Duration // WebSocket 握手超时
}

// RPCURL 请求/应答通道地址
func (a AuthorityConfig) RPCURL() string {
	return a.wsURL(a.RPCPath)
}

// TickURL 行情广播地址（未配置或为 none 时返回空）
func (a AuthorityConfig) TickURL() string {
	if p := strings.TrimSpace(a.TickPath); p == "" || strings.EqualFold(p, "none") {
		return ""
	}
	return a.wsURL(a.TickPath)
}

func (a AuthorityConfig) wsURL(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u := url.URL{Scheme: "ws", Host: fmt.Sprintf("%s:%d", a.Host, a.Port), Path: path}
	return u.String()
}

// StartupConfig 启动闸门配置
type StartupConfig struct {
	RetryCount     int           // 尝试次数，默认 3
	AttemptTimeout time.Duration // 单次尝试超时，默认 3s
	RetryDelay     time.Duration // 尝试间隔（固定，不退避），默认 1s
}

// SyncConfig 持续对账配置
type SyncConfig struct {
	Interval                   time.Duration // 两次对账的最小间隔，默认 15s
	OwnershipTag               int64         // 归属标识
	DriftEpsilon               float64       // 漂移比较容差
	EmptySnapshotConfirmations int           // 空快照需要连续确认的次数
}

// AuditConfig 审计配置
type AuditConfig struct {
	Capacity   int    // 内存中保留的条数
	SQLitePath string // 为空表示不持久化
}

// SnapshotConfig 取证快照配置（只写，不用于恢复缓存）
type SnapshotConfig struct {
	Dir     string // 为空表示不保存
	Backend string // json | badger
}

// OrderConfig 下单配置
type OrderConfig struct {
	VolumeStep           float64       // 手数步长，默认 0.01
	RatePerSecond        int           // 每秒下单上限
	Burst                int           // 令牌桶容量
	InFlightTTL          time.Duration // 去重窗口
	CallTimeout          time.Duration // 单次 ORDER 超时
	MaxConsecutiveErrors int           // 连续失败熔断阈值（<=0 关闭）
}

// StatusConfig 状态 API 配置
type StatusConfig struct {
	Listen      string // 为空表示不启动
	DebugListen string // 独立的 expvar/pprof 端口（可选）
}

// Config 应用配置
type Config struct {
	Authority AuthorityConfig
	Startup   StartupConfig
	Sync      SyncConfig
	Audit     AuditConfig
	Snapshot  SnapshotConfig
	Orders    OrderConfig
	Status    StatusConfig
	LogLevel  string // 日志级别
	LogFile   string // 日志文件路径（可选）
}

// Default 默认配置
func Default() *Config {
	return &Config{
		Authority: AuthorityConfig{
			Host:             "127.0.0.1",
			Port:             5555,
			RPCPath:          "/rpc",
			TickPath:         "/ticks",
			HandshakeTimeout: 5 * time.Second,
		},
		Startup: StartupConfig{
			RetryCount:     3,
			AttemptTimeout: 3 * time.Second,
			RetryDelay:     time.Second,
		},
		Sync: SyncConfig{
			Interval:                   15 * time.Second,
			OwnershipTag:               234000,
			DriftEpsilon:               1e-9,
			EmptySnapshotConfirmations: 2,
		},
		Audit: AuditConfig{
			Capacity:   1000,
			SQLitePath: "data/audit.db",
		},
		Snapshot: SnapshotConfig{
			Dir:     "data/snapshots",
			Backend: "json",
		},
		Orders: OrderConfig{
			VolumeStep:           0.01,
			RatePerSecond:        5,
			Burst:                5,
			InFlightTTL:          2 * time.Second,
			CallTimeout:          3 * time.Second,
			MaxConsecutiveErrors: 5,
		},
		Status: StatusConfig{
			Listen: "127.0.0.1:8090",
		},
		LogLevel: "info",
		LogFile:  "logs/recon.log",
	}
}

// ConfigFile 配置文件结构（用于 YAML/JSON 解析）。
// 时间统一用毫秒/秒整数，零值表示沿用默认。
type ConfigFile struct {
	Authority struct {
		Host               string `yaml:"host" json:"host"`
		Port               int    `yaml:"port" json:"port"`
		RPCPath            string `yaml:"rpc_path" json:"rpc_path"`
		TickPath           string `yaml:"tick_path" json:"tick_path"`
		HandshakeTimeoutMs int    `yaml:"handshake_timeout_ms" json:"handshake_timeout_ms"`
	} `yaml:"authority" json:"authority"`
	Startup struct {
		RetryCount       int `yaml:"retry_count" json:"retry_count"`
		AttemptTimeoutMs int `yaml:"attempt_timeout_ms" json:"attempt_timeout_ms"`
		RetryDelayMs     int `yaml:"retry_delay_ms" json:"retry_delay_ms"`
	} `yaml:"startup" json:"startup"`
	Sync struct {
		IntervalSeconds            int     `yaml:"interval_seconds" json:"interval_seconds"`
		OwnershipTag               int64   `yaml:"ownership_tag" json:"ownership_tag"`
		DriftEpsilon               float64 `yaml:"drift_epsilon" json:"drift_epsilon"`
		EmptySnapshotConfirmations int     `yaml:"empty_snapshot_confirmations" json:"empty_snapshot_confirmations"`
	} `yaml:"sync" json:"sync"`
	Audit struct {
		Capacity   int    `yaml:"capacity" json:"capacity"`
		SQLitePath string `yaml:"sqlite_path" json:"sqlite_path"`
	} `yaml:"audit" json:"audit"`
	Snapshot struct {
		Dir     string `yaml:"dir" json:"dir"`
		Backend string `yaml:"backend" json:"backend"`
	} `yaml:"snapshot" json:"snapshot"`
	Orders struct {
		VolumeStep           float64 `yaml:"volume_step" json:"volume_step"`
		RatePerSecond        int     `yaml:"rate_per_second" json:"rate_per_second"`
		Burst                int     `yaml:"burst" json:"burst"`
		InFlightTTLMs        int     `yaml:"inflight_ttl_ms" json:"inflight_ttl_ms"`
		CallTimeoutMs        int     `yaml:"call_timeout_ms" json:"call_timeout_ms"`
		MaxConsecutiveErrors int     `yaml:"max_consecutive_errors" json:"max_consecutive_errors"`
	} `yaml:"orders" json:"orders"`
	Status struct {
		Listen      string `yaml:"listen" json:"listen"`
		DebugListen string `yaml:"debug_listen" json:"debug_listen"`
	} `yaml:"status" json:"status"`
	LogLevel string `yaml:"log_level" json:"log_level"`
	LogFile  string `yaml:"log_file" json:"log_file"`
}

// Load 加载配置（优先级：环境变量 > 配置文件 > 默认值）。
// filePath 为空时只使用默认值和环境变量。
func Load(filePath string) (*Config, error) {
	cfg := Default()
	if filePath != "" {
		cf, err := loadConfigFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("加载配置文件失败 %s: %w", filePath, err)
		}
		cfg.applyFile(cf)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadConfigFile(filePath string) (*ConfigFile, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var configFile ConfigFile
	ext := strings.ToLower(filepath.Ext(filePath))

	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &configFile); err != nil {
			return nil, fmt.Errorf("解析 YAML 配置文件失败: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &configFile); err != nil {
			return nil, fmt.Errorf("解析 JSON 配置文件失败: %w", err)
		}
	default:
		return nil, fmt.Errorf("不支持的配置文件格式: %s (支持 .yaml, .yml, .json)", ext)
	}

	return &configFile, nil
}

func (c *Config) applyFile(cf *ConfigFile) {
	setString(&c.Authority.Host, cf.Authority.Host)
	setInt(&c.Authority.Port, cf.Authority.Port)
	setString(&c.Authority.RPCPath, cf.Authority.RPCPath)
	setString(&c.Authority.TickPath, cf.Authority.TickPath)
	setMillis(&c.Authority.HandshakeTimeout, cf.Authority.HandshakeTimeoutMs)

	setInt(&c.Startup.RetryCount, cf.Startup.RetryCount)
	setMillis(&c.Startup.AttemptTimeout, cf.Startup.AttemptTimeoutMs)
	setMillis(&c.Startup.RetryDelay, cf.Startup.RetryDelayMs)

	if cf.Sync.IntervalSeconds > 0 {
		c.Sync.Interval = time.Duration(cf.Sync.IntervalSeconds) * time.Second
	}
	if cf.Sync.OwnershipTag != 0 {
		c.Sync.OwnershipTag = cf.Sync.OwnershipTag
	}
	setFloat(&c.Sync.DriftEpsilon, cf.Sync.DriftEpsilon)
	setInt(&c.Sync.EmptySnapshotConfirmations, cf.Sync.EmptySnapshotConfirmations)

	setInt(&c.Audit.Capacity, cf.Audit.Capacity)
	setString(&c.Audit.SQLitePath, cf.Audit.SQLitePath)

	setString(&c.Snapshot.Dir, cf.Snapshot.Dir)
	setString(&c.Snapshot.Backend, cf.Snapshot.Backend)

	setFloat(&c.Orders.VolumeStep, cf.Orders.VolumeStep)
	setInt(&c.Orders.RatePerSecond, cf.Orders.RatePerSecond)
	setInt(&c.Orders.Burst, cf.Orders.Burst)
	setMillis(&c.Orders.InFlightTTL, cf.Orders.InFlightTTLMs)
	setMillis(&c.Orders.CallTimeout, cf.Orders.CallTimeoutMs)
	setInt(&c.Orders.MaxConsecutiveErrors, cf.Orders.MaxConsecutiveErrors)

	setString(&c.Status.Listen, cf.Status.Listen)
	setString(&c.Status.DebugListen, cf.Status.DebugListen)

	setString(&c.LogLevel, cf.LogLevel)
	setString(&c.LogFile, cf.LogFile)
}

// applyEnv 用 RECON_* 环境变量覆盖；值无法解析时报错而不是静默忽略
func (c *Config) applyEnv() error {
	var errs []string
	str := func(key string, dst *string) {
		if v, ok := lookupEnv(key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookupEnv(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s=%q", EnvPrefix, key, v))
				return
			}
			*dst = n
		}
	}
	flt := func(key string, dst *float64) {
		if v, ok := lookupEnv(key); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s=%q", EnvPrefix, key, v))
				return
			}
			*dst = f
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookupEnv(key); ok {
			d, err := parseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s=%q", EnvPrefix, key, v))
				return
			}
			*dst = d
		}
	}

	str("AUTHORITY_HOST", &c.Authority.Host)
	num("AUTHORITY_PORT", &c.Authority.Port)
	str("AUTHORITY_RPC_PATH", &c.Authority.RPCPath)
	str("AUTHORITY_TICK_PATH", &c.Authority.TickPath)
	dur("AUTHORITY_HANDSHAKE_TIMEOUT", &c.Authority.HandshakeTimeout)

	num("STARTUP_RETRY_COUNT", &c.Startup.RetryCount)
	dur("STARTUP_ATTEMPT_TIMEOUT", &c.Startup.AttemptTimeout)
	dur("STARTUP_RETRY_DELAY", &c.Startup.RetryDelay)

	dur("SYNC_INTERVAL", &c.Sync.Interval)
	if v, ok := lookupEnv("OWNERSHIP_TAG"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%sOWNERSHIP_TAG=%q", EnvPrefix, v))
		} else {
			c.Sync.OwnershipTag = n
		}
	}
	flt("SYNC_DRIFT_EPSILON", &c.Sync.DriftEpsilon)
	num("SYNC_EMPTY_SNAPSHOT_CONFIRMATIONS", &c.Sync.EmptySnapshotConfirmations)

	num("AUDIT_CAPACITY", &c.Audit.Capacity)
	str("AUDIT_SQLITE_PATH", &c.Audit.SQLitePath)

	str("SNAPSHOT_DIR", &c.Snapshot.Dir)
	str("SNAPSHOT_BACKEND", &c.Snapshot.Backend)

	flt("ORDER_VOLUME_STEP", &c.Orders.VolumeStep)
	num("ORDER_RATE_PER_SECOND", &c.Orders.RatePerSecond)
	num("ORDER_BURST", &c.Orders.Burst)
	dur("ORDER_INFLIGHT_TTL", &c.Orders.InFlightTTL)
	dur("ORDER_CALL_TIMEOUT", &c.Orders.CallTimeout)
	num("ORDER_MAX_CONSECUTIVE_ERRORS", &c.Orders.MaxConsecutiveErrors)

	str("STATUS_LISTEN", &c.Status.Listen)
	str("DEBUG_LISTEN", &c.Status.DebugListen)

	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FILE", &c.LogFile)

	if len(errs) > 0 {
		return fmt.Errorf("环境变量格式错误: %s", strings.Join(errs, ", "))
	}
	return nil
}

// Validate 验证配置
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Authority.Host) == "" {
		return fmt.Errorf("authority.host 未配置")
	}
	if c.Authority.Port <= 0 || c.Authority.Port > 65535 {
		return fmt.Errorf("authority.port 无效: %d", c.Authority.Port)
	}
	if strings.TrimSpace(c.Authority.RPCPath) == "" {
		return fmt.Errorf("authority.rpc_path 未配置")
	}
	if c.Startup.RetryCount < 1 {
		return fmt.Errorf("startup.retry_count 必须 >= 1")
	}
	if c.Startup.AttemptTimeout <= 0 {
		return fmt.Errorf("startup.attempt_timeout_ms 必须大于 0")
	}
	if c.Startup.RetryDelay < 0 {
		return fmt.Errorf("startup.retry_delay_ms 不能为负数")
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval_seconds 必须大于 0")
	}
	if c.Sync.DriftEpsilon < 0 {
		return fmt.Errorf("sync.drift_epsilon 不能为负数")
	}
	if c.Sync.EmptySnapshotConfirmations < 1 {
		return fmt.Errorf("sync.empty_snapshot_confirmations 必须 >= 1")
	}
	if c.Audit.Capacity <= 0 {
		return fmt.Errorf("audit.capacity 必须大于 0")
	}
	switch c.Snapshot.Backend {
	case "json", "badger":
	default:
		return fmt.Errorf("snapshot.backend 只支持 json 或 badger: %q", c.Snapshot.Backend)
	}
	if c.Orders.VolumeStep <= 0 {
		return fmt.Errorf("orders.volume_step 必须大于 0")
	}
	if c.Orders.RatePerSecond <= 0 {
		return fmt.Errorf("orders.rate_per_second 必须大于 0")
	}
	return nil
}

func lookupEnv(key string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

// parseDuration 支持 "3s" 这类写法，也支持纯数字（毫秒）
func parseDuration(v string) (time.Duration, error) {
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(v)
}

func setString(dst *string, v string) {
	if strings.TrimSpace(v) != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setFloat(dst *float64, v float64) {
	if v != 0 {
		*dst = v
	}
}

func setMillis(dst *time.Duration, ms int) {
	if ms > 0 {
		*dst = time.Duration(ms) * time.Millisecond
	}
}
