package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"

	adhoc "SignDetServer/Adhoc"
	backend "SignDetServer/gRPC"
	"SignDetServer/logger"
	"SignDetServer/media"
	"SignDetServer/monitor"
	"SignDetServer/web"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func serveAction(c *cli.Context) error {
	svc, err := bootstrap(c, true)
	if err != nil {
		return err
	}
	defer svc.Close()
	cfg := svc.cfg

	ip, err := GetOutboundIP()
	if err != nil {
		logger.Log().Warn("Failed to get outbound IP", zap.Error(err))
		ip = "127.0.0.1"
	}

	fmt.Println(strings.Repeat("#", 64))
	fmt.Printf("CPU Cores: %d\n", runtime.NumCPU())
	fmt.Println("Outbound IP:", ip)
	fmt.Println(" HTTP    Port:", cfg.HTTPPort)
	fmt.Println(" gRPC    Port:", cfg.RPCPort)
	fmt.Println(" Metrics Port:", cfg.MetricsPort)
	fmt.Println("Weights:", cfg.Model.Weights, "| conf:", cfg.Model.Conf, "| imgsz:", cfg.Model.InputSize)
	fmt.Println("Configured Workers Num:", cfg.WorkersNum)
	fmt.Println(strings.Repeat("#", 64))
	if cfg.Model.UseGPU {
		fmt.Println("GPU memory grows with workersNum: every worker holds its own copy of the model.")
		fmt.Println(strings.Repeat("#", 64))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go monitor.StartMon(cfg.MetricsPort, ctx)

	grpcServer, err := backend.StartGRPCServer(cfg.RPCPort, &backend.Server{
		Processor: svc.proc,
		Engine:    svc.pool,
		Workers:   svc.pool.Size(),
	})
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	var wg sync.WaitGroup
	if cfg.UseRegServer {
		regCfg := adhoc.RegServerConfig{}
		regCfg.SetAddress(cfg.RegServerHost, cfg.RegServerPort)
		hb := adhoc.NewHeartbeat(regCfg, adhoc.Instance{
			IP:       ip,
			HTTPPort: cfg.HTTPPort,
			RPCPort:  cfg.RPCPort,
			Model:    cfg.Model.Weights,
			UseGPU:   cfg.Model.UseGPU,
		})
		wg.Add(1)
		go hb.Run(ctx, &wg)
		logger.Log().Info("registration heartbeat started", zap.String("id", hb.ID()))
	} else {
		logger.Log().Info("UseRegServer is set to false, skipping registration")
	}

	server := web.NewServer(web.Config{
		Processor:     svc.proc,
		Engine:        svc.pool,
		Fetcher:       media.NewDownloader(svc.temp, cfg.Media.DownloadTimeout, cfg.Media.MaxVideoHeight, cfg.Media.MaxVideoMB<<20),
		Temp:          svc.temp,
		Jobs:          web.NewJobRegistry(cfg.Media.JobTTL),
		History:       svc.history,
		MaxImageBytes: cfg.Media.MaxImageMB << 20,
		MaxVideoBytes: cfg.Media.MaxVideoMB << 20,
		StreamEvery:   cfg.Media.StreamEvery,
		Workers:       svc.pool.Size(),
	})
	err = server.Run(ctx, cfg.HTTPPort)
	stop()

	grpcServer.GracefulStop()
	wg.Wait()
	if err != nil {
		logger.Log().Error("http server failed", zap.Error(err))
		return cli.Exit(err.Error(), 1)
	}
	logger.Log().Info("Safely exited")
	return nil
}
