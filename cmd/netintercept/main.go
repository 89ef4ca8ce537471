// Command netintercept 把请求拦截管线接到浏览器或本地页面上。
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"netintercept/internal/config"
	"netintercept/internal/logger"
	"netintercept/internal/metrics"
	"netintercept/internal/service"
	"netintercept/internal/storage"
	"netintercept/pkg/api"
	"netintercept/pkg/domain"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "netintercept",
		Short:         "Request interception and disposition for browser surfaces",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringP("rules", "r", "", "Rules file (YAML or JSON), reloaded on change")
	rootCmd.PersistentFlags().Bool("no-store", false, "Do not persist events to sqlite")

	rootCmd.AddCommand(newAttachCmd(), newLoadCmd(), newFullScreenCmd())
	return rootCmd
}

// app 子命令共享的运行环境
type app struct {
	cfg     *config.Config
	log     logger.Logger
	store   *storage.Store
	metrics *metrics.Metrics
	svc     api.Service
	server  *http.Server
}

func newApp(cmd *cobra.Command) (*app, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	l := logger.New(logger.Options{Level: cfg.Log.Level, Writers: cfg.Log.Writer, File: cfg.Log.File})

	a := &app{cfg: cfg, log: l}
	var opts []service.Option
	if noStore, _ := cmd.Flags().GetBool("no-store"); !noStore && cfg.Sqlite.Dsn != "" {
		st, err := storage.Open(storage.Options{DSN: cfg.Sqlite.Dsn, Prefix: cfg.Sqlite.Prefix, Logger: l})
		if err != nil {
			return nil, err
		}
		a.store = st
		opts = append(opts, service.WithStore(st))
	}
	if cfg.Metrics.Enabled {
		a.metrics = metrics.New()
		opts = append(opts, service.WithMetrics(a.metrics))
		a.serveMetrics()
	}
	a.svc = api.NewService(l, opts...)
	return a, nil
}

func (a *app) serveMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	a.server = &http.Server{Addr: a.cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Err(err, "指标服务异常退出", "addr", a.cfg.Metrics.Addr)
		}
	}()
	a.log.Info("指标服务已启动", "addr", a.cfg.Metrics.Addr)
}

// sessionConfig 由配置文件生成会话配置
func (a *app) sessionConfig() domain.SessionConfig {
	return domain.SessionConfig{
		ProcessTimeoutMS: a.cfg.Intercept.ProcessTimeoutMS,
		Strict:           a.cfg.Intercept.Strict,
		BypassSchemes:    a.cfg.Intercept.BypassSchemes,
		MaxRedirects:     a.cfg.Intercept.MaxRedirects,
		EventCapacity:    a.cfg.Intercept.EventCapacity,
	}
}

// startSession 启动会话并按需加载规则文件
func (a *app) startSession(cmd *cobra.Command, cfg domain.SessionConfig) (domain.SessionID, error) {
	id, err := a.svc.StartSession(cfg)
	if err != nil {
		return "", err
	}
	if path, _ := cmd.Flags().GetString("rules"); path != "" {
		if err := a.svc.WatchRules(id, path); err != nil {
			return "", fmt.Errorf("load rules: %w", err)
		}
	}
	return id, nil
}

func (a *app) close() {
	if err := a.svc.Close(); err != nil {
		a.log.Err(err, "关闭会话失败")
	}
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = a.server.Shutdown(ctx)
		cancel()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Err(err, "关闭事件存储失败")
		}
	}
}
