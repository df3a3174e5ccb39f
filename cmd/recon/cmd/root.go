package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/betbot/gorecon/pkg/config"
	"github.com/betbot/gorecon/pkg/logger"
)

var (
	cfgFile  string
	envFile  string
	logLevel string
	logFile  string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "recon",
	Short: "Authority-synchronised position reconciliation",
	Long: `recon keeps a local position cache strictly synchronised with the execution
terminal (the authority). The authority is always right: on startup and
periodically the full snapshot is pulled and every difference is resolved in
the authority's favour, with an audit trail of what changed.

Commands:
  run      - startup sync, then continuous reconciliation and the status API
  sync     - one-shot startup sync, print the result and exit
  status   - query a running instance over the status API
  audit    - query the persisted audit trail
  inspect  - print the last forensic cache snapshot`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env 尽力加载，不存在时只用真实环境变量
		if envFile != "" {
			if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("load env file %s: %w", envFile, err)
			}
		}

		c, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if logLevel != "" {
			c.LogLevel = logLevel
		}
		if cmd.Flags().Changed("log-file") {
			c.LogFile = logFile
		}
		if err := c.Validate(); err != nil {
			return err
		}
		cfg = c

		if err := logger.Init(logger.Config{
			Level:      cfg.LogLevel,
			OutputFile: cfg.LogFile,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     14,
			Compress:   true,
		}); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		if cfgFile != "" {
			logrus.Debugf("使用配置文件: %s", cfgFile)
		}
		return nil
	},
}

// Execute 执行根命令
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (.yaml, .yml or .json)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before RECON_* variables are read")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "override log file (empty string logs to stdout only)")
}

func upper(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
