package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"zone-grid-bot-go/internal/bot"
	"zone-grid-bot-go/internal/config"
	"zone-grid-bot-go/internal/credentials"
	"zone-grid-bot-go/internal/downloader"
	"zone-grid-bot-go/internal/events"
	"zone-grid-bot-go/internal/exchange"
	"zone-grid-bot-go/internal/feed"
	"zone-grid-bot-go/internal/logger"
	"zone-grid-bot-go/internal/metrics"
	"zone-grid-bot-go/internal/models"
	"zone-grid-bot-go/internal/persistence"
	"zone-grid-bot-go/internal/reporter"
	"zone-grid-bot-go/internal/simulation"
	"zone-grid-bot-go/internal/statemanager"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	streamMaxAge   = 30 * time.Second
	shutdownWindow = 30 * time.Second
	tradesShown    = 10
)

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.yaml", "path to the config file (.json or .yaml)")
	envPath := flag.String("env", "", "path to the .env file, overrides runtime.env_path")
	start := flag.Bool("start", false, "start the grid immediately")
	flag.Parse()

	// 先用默认配置初始化日志，加载配置时就能记录
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	store, err := config.OpenStore(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}
	cfg := store.Current()
	if *envPath != "" {
		cfg.Runtime.EnvPath = *envPath
	}

	// --- 加载 .env 文件 ---
	if err := godotenv.Load(cfg.Runtime.EnvPath); err != nil {
		logger.S().Infof("未找到 %s，将从系统环境变量中读取。", cfg.Runtime.EnvPath)
	}

	// --- 使用文件中的配置重新初始化日志 ---
	log := logger.InitLogger(cfg.Log)
	defer log.Sync()

	if err := run(cfg, *start); err != nil {
		log.Fatal("bot exited with error", zap.Error(err))
	}
}

func run(cfg models.Config, startNow bool) error {
	log := logger.L()

	repo, err := persistence.NewBadgerRepository(cfg.Runtime.DBPath)
	if err != nil {
		return err
	}
	defer repo.Close()

	bus := events.NewBus(log.Named("events"))
	saved, err := repo.LoadState()
	if err != nil {
		log.Warn("无法加载状态，将以全新状态启动", zap.Error(err))
	}
	if saved != nil {
		log.Info("loaded previous runtime state",
			zap.String("state", string(saved.State)),
			zap.Time("updated", saved.LastUpdateTime))
		// 上次的挂单会在启动时被重新接管，这里只保留盈亏与库存供展示
		saved.State = models.StateStopped
		saved.Levels = nil
	}
	sm := statemanager.NewStateManager(saved, repo, log.Named("state"))
	sm.Start(bus)
	defer sm.Stop()

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	if cfg.Runtime.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.Runtime.MetricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server stopped", zap.Error(err))
			}
		}()
		defer srv.Close()
	}

	deps := wiredDeps{Deps: bot.Deps{Repo: repo, Publisher: bus, Metrics: m, Logger: log.Named("bot")}}
	if err := wireGateway(cfg, &deps, log); err != nil {
		return err
	}
	if stopper, ok := deps.closer.(interface{ Stop() }); ok {
		defer stopper.Stop()
	}

	gridBot, err := bot.New(cfg, deps.Deps)
	if err != nil {
		return err
	}

	if startNow || cfg.Grid.Enabled {
		if err := gridBot.Start(context.Background(), true); err != nil {
			log.Error("机器人启动失败", zap.Error(err))
		}
	}

	curve := reporter.NewEquityCurve(1000)
	monitorStop := make(chan struct{})
	monitorDone := make(chan struct{})
	go monitor(gridBot, repo, curve, time.Duration(cfg.Runtime.StatusIntervalSec)*time.Second, monitorStop, monitorDone)

	// 等待中断信号以实现优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	close(monitorStop)
	<-monitorDone

	ctx, cancel := context.WithTimeout(context.Background(), shutdownWindow)
	defer cancel()
	if gridBot.Status().State.IsRunning() {
		if err := gridBot.Stop(ctx, true); err != nil {
			log.Error("停止机器人失败", zap.Error(err))
		}
	}
	reporter.RenderStatus(os.Stdout, gridBot.Status())
	log.Info("机器人已成功停止，状态已保存。", zap.Int64("dropped_events", bus.Dropped()))
	return nil
}

type wiredDeps struct {
	bot.Deps
	closer interface{}
}

// wireGateway 实盘模式构造交易所网关；模拟盘构造时钟，价格来自交易所行情或WebSocket流
func wireGateway(cfg models.Config, out *wiredDeps, log *zap.Logger) error {
	opts := exchange.Options{
		Timeout:     time.Duration(cfg.Runtime.RequestTimeoutMs) * time.Millisecond,
		MaxAttempts: cfg.Runtime.MaxAttempts,
	}
	credStore := credentials.NewStore(cfg.Runtime.EnvPath)
	if ids, err := credStore.Configured(); err == nil {
		for _, id := range ids {
			fields, _ := credStore.Get(id)
			log.Info("已配置交易所密钥", zap.String("exchange", id), zap.Any("fields", fields))
		}
	}
	creds, err := credStore.Lookup(cfg.Grid.Exchange)
	if err != nil {
		return err
	}

	if cfg.Grid.Mode == models.ModeReal {
		if creds.APIKey == "" || creds.Secret == "" {
			return models.NewConfigError("credentials", "no API key configured for %s", cfg.Grid.Exchange)
		}
		gw, err := exchange.New(cfg.Grid, creds, opts, log.Named(cfg.Grid.Exchange))
		if err != nil {
			return err
		}
		out.Gateway = gw
		return nil
	}

	var source feed.PriceSource
	switch cfg.Sim.PriceSource {
	case "stream":
		st := feed.NewStreamTicker(cfg.Sim.StreamURL, streamMaxAge, log.Named("stream"))
		st.Start()
		source, out.closer = st, st
	case "replay":
		closes, err := loadReplay(cfg, log)
		if err != nil {
			return err
		}
		if source, err = feed.NewReplay(closes); err != nil {
			return err
		}
	default:
		gw, err := exchange.New(cfg.Grid, creds, opts, log.Named(cfg.Grid.Exchange))
		if err != nil {
			return err
		}
		source = feed.NewGatewayTicker(gw, cfg.Grid.Symbol)
	}
	clock, err := simulation.NewClock(cfg.Grid.Symbol, cfg.Sim.InitialBalances, source, opts.Timeout, log.Named("sim"))
	if err != nil {
		return err
	}
	out.Clock = clock
	return nil
}

// loadReplay 读取回放K线，文件不存在且配置了日期范围时先从币安下载
func loadReplay(cfg models.Config, log *zap.Logger) ([]float64, error) {
	from, to, err := config.ReplayRange(cfg.Sim)
	if err != nil {
		return nil, err
	}
	if !from.IsZero() {
		d := downloader.NewKlineDownloader("", log.Named("downloader"))
		if err := d.DownloadKlines(context.Background(), cfg.Grid.Symbol, cfg.Sim.ReplayFile, from, to); err != nil {
			return nil, err
		}
	}
	return downloader.LoadCloses(cfg.Sim.ReplayFile)
}

// monitor 定时打印状态、组合估值与最近成交
func monitor(b *bot.Bot, repo persistence.Repository, curve *reporter.EquityCurve, interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			reporter.RenderStatus(os.Stdout, b.Status())
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			snap, err := b.Portfolio(ctx)
			cancel()
			if err != nil {
				logger.L().Warn("portfolio unavailable", zap.Error(err))
			} else {
				curve.Add(snap.Total)
				reporter.RenderPortfolio(os.Stdout, snap, curve.MaxDrawdown())
			}
			if trades, err := repo.ListTrades(0); err == nil {
				reporter.RenderTrades(os.Stdout, trades, tradesShown)
			}
		}
	}
}
