package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"klinehub/internal/config"
	"klinehub/internal/engine"
	"klinehub/internal/history"
	"klinehub/internal/logger"
	"klinehub/internal/market"
)

func main() {
	var (
		cfgPath    = flag.String("config", os.Getenv("KLINEHUB_CONFIG"), "TOML 配置文件路径")
		symbols    = flag.String("symbols", "", "覆盖配置中的 symbol，逗号分隔")
		timeframes = flag.String("timeframes", "", "覆盖配置中的周期，逗号分隔")
		bars       = flag.Int("bars", 0, "每个序列回填的根数（默认取 app.warmup_bars）")
		outDir     = flag.String("out", "", "parquet 输出目录（默认取 export.dir）")
	)
	flag.Parse()

	if *symbols != "" {
		_ = os.Setenv("KLINEHUB_SYMBOLS", *symbols)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	logger.Init(cfg.Log)
	defer logger.Close()

	tfs := cfg.Timeframes()
	if *timeframes != "" {
		tfs, err = config.ParseTimeframes(strings.Split(*timeframes, ","))
		if err != nil {
			logger.Errorf("周期非法: %v", err)
			os.Exit(2)
		}
	}
	n := cfg.App.WarmupBars
	if *bars > 0 {
		n = *bars
	}
	dir := cfg.Export.Dir
	if *outDir != "" {
		dir = *outDir
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if code := run(ctx, cfg, tfs, n, dir); code != 0 {
		os.Exit(code)
	}
}

func run(ctx context.Context, cfg *config.Config, tfs []market.Timeframe, n int, dir string) int {
	eng, err := engine.New(ctx, cfg, engine.Deps{})
	if err != nil {
		logger.Errorf("初始化失败: %v", err)
		return 1
	}
	defer eng.Close()

	list, err := eng.ResolveSymbols(ctx)
	if err != nil {
		logger.Errorf("解析 symbol 失败: %v", err)
		return 1
	}
	jobs := eng.Warmup(ctx, list, tfs, n)
	fmt.Println(engine.RenderJobs(jobs))
	if dir != "" {
		eng.ExportSnapshots(dir)
	}

	failed := 0
	for _, j := range jobs {
		if j.Status == history.JobStatusFailed {
			failed++
		}
	}
	if failed == len(jobs) {
		return 1
	}
	return 0
}
