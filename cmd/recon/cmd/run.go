package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/betbot/gorecon/internal/controlplane/server"
	"github.com/betbot/gorecon/internal/metrics"
	"github.com/betbot/gorecon/internal/services"
	"github.com/betbot/gorecon/pkg/logger"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Startup sync, then continuous reconciliation",
	Long: `Run performs the blocking startup sync. If the authority cannot be reached
within the configured attempts the process logs a HALTED entry and exits with
status 1; no trading decision is ever made on an unconfirmed cache.

On success it serves the read-only status API and reconciles continuously,
driven by market ticks with a fallback timer, until SIGINT/SIGTERM.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()
	defer func() { _ = logger.Close() }()

	svc, err := services.NewSyncService(cfg)
	if err != nil {
		logrus.Errorf("初始化失败: %v", err)
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := svc.Stop(shutdownCtx); err != nil {
			logrus.Warnf("关闭过程中出现错误: %v", err)
		}
	}()

	logrus.Infof("🚀 启动对账服务: authority=%s tag=%d", cfg.Authority.RPCURL(), cfg.Sync.OwnershipTag)

	if _, err := svc.Start(ctx); err != nil {
		var herr *services.HaltError
		if errors.As(err, &herr) {
			// 启动同步失败：已记录 HALTED，进程必须退出
			return err
		}
		logrus.Errorf("启动失败: %v", err)
		return err
	}

	if cfg.Status.Listen != "" {
		scfg := server.Config{Provider: svc}
		if store := svc.AuditStore(); store != nil {
			scfg.Audit = store
		}
		srv, err := server.New(scfg)
		if err != nil {
			return err
		}
		if _, err := srv.Start(ctx, cfg.Status.Listen); err != nil {
			logrus.Warnf("⚠️ 状态 API 启动失败: %v", err)
		}
	}
	if cfg.Status.DebugListen != "" {
		if _, err := metrics.StartAsync(ctx, cfg.Status.DebugListen); err != nil {
			logrus.Warnf("⚠️ debug 服务启动失败: %v", err)
		}
	}

	if err := svc.RunLoop(ctx); err != nil {
		return err
	}
	logrus.Info("收到退出信号，正在关闭...")
	return nil
}
