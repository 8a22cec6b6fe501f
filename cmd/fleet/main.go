package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"tradefleet/internal/analyzer"
	"tradefleet/internal/backtest"
	"tradefleet/internal/broker"
	"tradefleet/internal/config"
	"tradefleet/internal/gateway"
	"tradefleet/internal/logger"
	"tradefleet/internal/marketdata"
	"tradefleet/internal/models"
	"tradefleet/internal/orchestrator"
	"tradefleet/internal/persistence"
	"tradefleet/internal/registry"
	"tradefleet/internal/reporter"
	"tradefleet/internal/retry"
	"tradefleet/internal/runner"
	"tradefleet/internal/storage"
	"tradefleet/internal/strategy"
	"tradefleet/internal/supervisor"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.json", "path to the config file")
	mode := flag.String("mode", "orchestrate", "running mode: orchestrate, backtest or agent")
	market := flag.String("market", "", "market to backtest (e.g., BTCUSDT)")
	startDate := flag.String("start", "", "start date for backtesting (YYYY-MM-DD)")
	endDate := flag.String("end", "", "end date for backtesting (YYYY-MM-DD)")
	interval := flag.Duration("interval", time.Minute, "candle interval for backtesting")
	strategyName := flag.String("strategy", "bollinger", "strategy name for backtest or agent mode")
	strategyVersion := flag.String("strategy-version", "1", "strategy version")
	botID := flag.String("bot", "", "bot id for agent mode (falls back to FLEET_BOT_ID)")
	flag.Parse()

	// --- 初始化日志 (提前) ---
	// 在加载 .env 与配置文件之前先用默认配置初始化，保证启动日志可见
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	// --- 加载 .env 文件 ---
	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	} else {
		logger.S().Info("成功从 .env 文件加载配置。")
	}

	// --- 加载 JSON 配置 ---
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}

	// --- 使用文件中的配置重新初始化日志 ---
	logger.InitLogger(cfg.LogConfig)
	defer logger.S().Sync()

	switch *mode {
	case "orchestrate":
		runOrchestrateMode(cfg)
	case "backtest":
		runBacktestMode(cfg, *market, *startDate, *endDate, *interval, *strategyName, *strategyVersion)
	case "agent":
		runAgentMode(cfg, *botID, *market, *interval, *strategyName, *strategyVersion)
	default:
		logger.S().Fatalf("未知的运行模式: %s。请选择 'orchestrate'、'backtest' 或 'agent'。", *mode)
	}
}

// newBroker 根据配置选择进程内总线或远端 websocket broker。
func newBroker(cfg *models.Config) broker.Broker {
	onOverflow := func(topic string, dropped broker.Envelope) {
		logger.S().Warnf("队列溢出，主题 %s 丢弃了一条消息 (seq %d)。", topic, dropped.Sequence)
	}
	if cfg.BrokerURL == "" {
		return broker.NewBus(cfg.BrokerQueueSize, onOverflow, logger.S().Desugar())
	}
	return broker.NewWSClient(cfg.BrokerURL, cfg.BrokerQueueSize, onOverflow, logger.S().Desugar())
}

// runOrchestrateMode 运行机器人编排器
func runOrchestrateMode(cfg *models.Config) {
	logger.S().Info("--- 启动编排模式 ---")

	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "fleet_state"
	}
	repo, err := persistence.NewBadgerRepository(dbPath)
	if err != nil {
		logger.S().Fatalf("打开状态数据库失败: %v", err)
	}
	defer repo.Close()

	reg := registry.NewRegistry(repo, logger.S().Desugar())
	if err := reg.Load(); err != nil {
		logger.S().Fatalf("恢复机器人状态失败: %v", err)
	}

	var store *storage.Store
	if cfg.TradeDBPath != "" {
		store, err = storage.Open(cfg.TradeDBPath)
		if err != nil {
			logger.S().Fatalf("打开交易数据库失败: %v", err)
		}
		defer store.Close()
	}

	agentCommand := cfg.AgentCommand
	if agentCommand == "" {
		agentCommand = os.Args[0] + " -mode agent -bot {bot_id}"
	}
	sup, err := supervisor.NewExecSupervisor(agentCommand, time.Duration(cfg.AgentGracePeriod)*time.Second, logger.S().Desugar())
	if err != nil {
		logger.S().Fatalf("初始化进程管理器失败: %v", err)
	}

	brk := newBroker(cfg)
	defer brk.Close()

	var storer orchestrator.Storer
	if store != nil {
		storer = store
	}
	orch := orchestrator.NewOrchestrator(reg, sup, brk, strategy.NewRegistry(), storer, cfg, logger.S().Desugar())
	if err := orch.Start(); err != nil {
		logger.S().Fatalf("启动编排器失败: %v", err)
	}
	defer orch.Stop()

	// 创建配置文件中声明的机器人（已存在的跳过）
	for _, spec := range cfg.Bots {
		if _, err := orch.CreateBot(spec); err != nil {
			logger.S().Warnf("创建机器人 %s 失败: %v", spec.ID, err)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*cfg.StartTimeout())
		if err := orch.StartBot(ctx, spec.ID); err != nil {
			logger.S().Warnf("启动机器人 %s 失败: %v", spec.ID, err)
		}
		cancel()
	}

	logger.S().Infof("编排器已就绪，共管理 %d 个机器人。", len(orch.ListBots()))

	// 等待中断信号以实现优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.S().Info("收到退出信号，正在停止编排器...")
}

// runBacktestMode 运行回测并输出性能报告
func runBacktestMode(cfg *models.Config, market, startDate, endDate string, interval time.Duration, strategyName, strategyVersion string) {
	logger.S().Info("--- 启动回测模式 ---")

	if market == "" || startDate == "" || endDate == "" {
		logger.S().Fatal("回测模式需要 --market、--start 和 --end 参数。")
	}
	from, err1 := time.Parse("2006-01-02", startDate)
	to, err2 := time.Parse("2006-01-02", endDate)
	if err1 != nil || err2 != nil {
		logger.S().Fatalf("日期格式错误，请使用 YYYY-MM-DD 格式。start: %v, end: %v", err1, err2)
	}

	retryPol := retry.Policy{
		MaxAttempts: cfg.RetryAttempts,
		Min:         time.Duration(cfg.RetryInitialDelayMs) * time.Millisecond,
		Max:         time.Duration(cfg.RetryMaxDelayMs) * time.Millisecond,
	}
	provider := marketdata.NewBinanceProvider(retryPol, logger.S().Desugar())
	cache := marketdata.NewCache("data", provider, logger.S().Desugar())

	series, err := cache.GetSeries(context.Background(), strings.ToUpper(market), interval, from, to)
	if err != nil {
		logger.S().Fatalf("获取K线数据失败: %v", err)
	}
	if len(series.Gaps) > 0 {
		logger.S().Warnf("数据序列存在 %d 个缺口，结果可能受影响。", len(series.Gaps))
	}

	params := paramsFor(cfg, strategyName)
	strat, err := strategy.NewRegistry().New(strategyName, strategyVersion, params)
	if err != nil {
		logger.S().Fatalf("构建策略失败: %v", err)
	}

	fees, err := backtest.NewFixedRateModel(cfg.FeeRate, cfg.SlippageRate)
	if err != nil {
		logger.S().Fatalf("构建费用模型失败: %v", err)
	}

	initialEquity := decimal.NewFromFloat(cfg.InitialInvestment)
	logger.S().Infof("开始回测 %s，策略 %s@%s，共 %d 根K线...", series.Market, strategyName, strategyVersion, len(series.Candles))

	result, err := backtest.NewSimulator(logger.S().Desugar()).Run(strat, series, fees, initialEquity)
	if err != nil {
		logger.S().Fatalf("回测失败: %v", err)
	}

	summary := analyzer.Analyze(result.Ledger, result.EquityCurve, cfg.PeriodsPerYear)
	reporter.WriteReport(os.Stdout, series.Market, initialEquity, result, summary)

	// 可选：将回测成交写入交易数据库
	if cfg.TradeDBPath != "" {
		store, err := storage.Open(cfg.TradeDBPath)
		if err != nil {
			logger.S().Warnf("打开交易数据库失败: %v", err)
			return
		}
		defer store.Close()
		for i := range result.Ledger {
			if err := store.PersistTrade(&result.Ledger[i]); err != nil {
				logger.S().Warnf("写入交易记录失败: %v", err)
				break
			}
		}
	}
}

// runAgentMode 以机器人代理进程的身份运行
func runAgentMode(cfg *models.Config, botID, market string, interval time.Duration, strategyName, strategyVersion string) {
	if botID == "" {
		botID = os.Getenv("FLEET_BOT_ID")
	}
	if botID == "" {
		logger.S().Fatal("agent 模式需要 --bot 参数或 FLEET_BOT_ID 环境变量。")
	}
	if cfg.BrokerURL == "" {
		logger.S().Fatal("agent 模式需要配置 broker_url 以连接编排器。")
	}
	if market == "" {
		market = "BTCUSDT"
	}

	logger.S().Infof("--- 启动机器人代理 %s ---", botID)

	brk := newBroker(cfg)
	defer brk.Close()

	var store *storage.Store
	if cfg.TradeDBPath != "" {
		var err error
		store, err = storage.Open(cfg.TradeDBPath)
		if err != nil {
			logger.S().Fatalf("打开交易数据库失败: %v", err)
		}
		defer store.Close()
	}

	retryPol := retry.Policy{
		MaxAttempts: cfg.RetryAttempts,
		Min:         time.Duration(cfg.RetryInitialDelayMs) * time.Millisecond,
		Max:         time.Duration(cfg.RetryMaxDelayMs) * time.Millisecond,
	}
	provider := marketdata.NewBinanceProvider(retryPol, logger.S().Desugar())

	agent := runner.New(runner.Options{
		BotID:             botID,
		Strategy:          strategyName,
		StrategyVersion:   strategyVersion,
		Market:            strings.ToUpper(market),
		Interval:          interval,
		HeartbeatInterval: cfg.HeartbeatInterval(),
	}, brk, gateway.NewPaperGateway(logger.S().Desugar()), strategy.NewRegistry(), provider, store, logger.S().Desugar())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		logger.S().Info("收到退出信号，正在停止代理...")
		agent.Stop()
	}()

	if err := agent.Run(ctx); err != nil {
		logger.S().Fatalf("代理运行失败: %v", err)
	}
}

// paramsFor 在配置的机器人列表中查找同名策略的参数集。
func paramsFor(cfg *models.Config, strategyName string) map[string]float64 {
	for _, spec := range cfg.Bots {
		if spec.Strategy == strategyName {
			return spec.Params
		}
	}
	return nil
}
