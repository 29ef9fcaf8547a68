package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"natpmp-renewer/config"
	"natpmp-renewer/internal/cycle"
	"natpmp-renewer/internal/publicip"
	"natpmp-renewer/internal/renewer"
	"natpmp-renewer/internal/requester"
	"natpmp-renewer/internal/scheduler"
	"natpmp-renewer/internal/status"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// 版本信息，通过编译时注入
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

var (
	configFile string
	envFile    string
	logLevel   string
)

// exitError 携带进程退出码的错误
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

var rootCmd = &cobra.Command{
	Use:           "natpmp-renewer",
	Short:         "定期通过远程HTTP服务续期NAT-PMP端口映射",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runAgent,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "显示版本信息",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "natpmp-renewer %s\n", version)
		fmt.Fprintf(cmd.OutOrStdout(), "提交: %s\n", commit)
		fmt.Fprintf(cmd.OutOrStdout(), "构建时间: %s\n", date)
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "校验配置并输出生效的配置",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		redacted := cfg.Redacted()
		out, err := yaml.Marshal(&redacted)
		if err != nil {
			return fmt.Errorf("输出配置失败: %w", err)
		}
		fmt.Fprint(cmd.OutOrStdout(), string(out))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "YAML配置文件路径（可选，环境变量优先）")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "环境变量文件路径，不存在时忽略")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "日志级别 (debug, info, warn, error)，覆盖 LOG_LEVEL")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(checkCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)

		var exitErr *exitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		os.Exit(scheduler.ExitFailure)
	}
}

// loadConfig 加载并校验配置
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configFile, envFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置校验失败: %w", err)
	}
	return cfg, nil
}

// runAgent 运行续期代理直到收到终止信号或连续失败达到上限
func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, closer, err := newLogger(cfg, logLevel)
	if err != nil {
		return err
	}
	defer closer.Close()

	logger.WithFields(logrus.Fields{
		"version":          version,
		"url":              cfg.ForwardURL(),
		"protocols":        cfg.Protocols(),
		"duration":         cfg.Duration,
		"refresh_interval": cfg.RefreshInterval,
		"max_retries":      cfg.MaxRetries,
		"retry_delay":      cfg.RetryDelay,
		"max_failures":     cfg.MaxConsecutiveFailures,
		"auth":             cfg.APIToken != "",
	}).Info("NAT-PMP续期代理启动")

	r := renewer.NewRenewer(requester.NewRequester(cfg.HTTPTimeoutDuration()), renewer.Options{
		URL:          cfg.ForwardURL(),
		InternalPort: cfg.InternalPort,
		Duration:     cfg.Duration,
		MaxRetries:   cfg.MaxRetries,
		RetryDelay:   cfg.RetryDelayDuration(),
		APIToken:     cfg.APIToken,
	}, logger)
	runner := cycle.NewRunner(r, cfg.Protocols(), logger)
	sched := scheduler.NewScheduler(runner, cfg.RefreshIntervalDuration(), cfg.MaxConsecutiveFailures, logger)

	var statusServer *status.Server
	var listener net.Listener
	if cfg.StatusAddr != "" {
		listener, err = net.Listen("tcp", cfg.StatusAddr)
		if err != nil {
			return fmt.Errorf("状态服务监听 %s 失败: %w", cfg.StatusAddr, err)
		}
		statusServer = status.NewServer(sched, status.Info{
			Service:      cfg.Service,
			InternalPort: cfg.InternalPort,
			Protocols:    cfg.Protocols(),
			Duration:     cfg.Duration,
		}, logger)
	}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 调度器退出后同时停止状态服务与地址探测
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	exitCode := scheduler.ExitOK
	g.Go(func() error {
		defer cancel()
		code, err := sched.Run(gctx)
		exitCode = code
		return err
	})

	if statusServer != nil {
		g.Go(func() error {
			return statusServer.Serve(gctx, listener)
		})
	}

	if servers := cfg.GetSTUNServers(); len(servers) > 0 {
		prober := publicip.NewProber(servers, logger)
		g.Go(func() error {
			addr, err := prober.Lookup(gctx)
			if err != nil {
				if gctx.Err() == nil {
					logger.WithError(err).Warn("获取公网地址失败")
				}
				return nil
			}
			if statusServer != nil {
				statusServer.SetPublicAddress(addr)
			}
			return nil
		})
	}

	err = g.Wait()
	if exitCode != scheduler.ExitOK {
		if err == nil {
			err = scheduler.ErrMaxConsecutiveFailures
		}
		return &exitError{code: exitCode, err: err}
	}
	if err != nil {
		return err
	}

	logger.Info("NAT-PMP续期代理已停止")
	return nil
}
