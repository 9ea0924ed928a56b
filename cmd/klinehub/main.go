package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"klinehub/internal/config"
	"klinehub/internal/engine"
	"klinehub/internal/logger"
)

func main() {
	cfgPath := flag.String("config", os.Getenv("KLINEHUB_CONFIG"), "TOML 配置文件路径（也可用 KLINEHUB_CONFIG）")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	logger.Init(cfg.Log)
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := engine.New(ctx, cfg, engine.Deps{})
	if err != nil {
		logger.Errorf("初始化失败: %v", err)
		os.Exit(1)
	}
	if err := eng.Run(ctx); err != nil {
		logger.Errorf("运行失败: %v", err)
		os.Exit(1)
	}
}
