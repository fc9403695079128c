package main

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"

	"SignDetServer/config"
	"SignDetServer/engine"
	iface "SignDetServer/interface"
	"SignDetServer/logger"
	"SignDetServer/media"
	"SignDetServer/pipeline"
	"SignDetServer/store"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

const (
	flagConfig    = "config"
	flagWeights   = "weights"
	flagNames     = "names"
	flagConf      = "conf"
	flagImgsz     = "imgsz"
	flagWorkers   = "workers"
	flagGPU       = "gpu"
	flagOutput    = "output"
	flagOutputDir = "output-dir"
	flagNoHistory = "no-history"
)

func GetOutboundIP() (string, error) {
	// no packets are sent; dialing UDP only resolves the outbound route
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String(), nil
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "signdet",
		Usage: "traffic sign recognition over images, video files and YouTube URLs",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "load configuration from `FILE`",
				EnvVars: []string{config.EnvConfigPath},
				Value:   "config.yaml",
			},
			&cli.StringFlag{Name: flagWeights, Usage: "ONNX weights `FILE`, overrides model.weights"},
			&cli.StringFlag{Name: flagNames, Usage: "class names `FILE` (data.yaml or one name per line)"},
			&cli.Float64Flag{Name: flagConf, Usage: "confidence threshold"},
			&cli.IntFlag{Name: flagImgsz, Usage: "inference resolution, 1280 for accuracy, 640 for speed"},
			&cli.IntFlag{Name: flagWorkers, Usage: "number of detector workers"},
			&cli.BoolFlag{Name: flagGPU, Usage: "run inference on CUDA"},
		},
		Action: serveAction,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "start the web UI, gRPC API and metrics endpoint",
				Action: serveAction,
			},
			{
				Name:      "image",
				Usage:     "detect signs in one image and write the annotated copy",
				ArgsUsage: "[-o FILE] <image>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagOutput, Aliases: []string{"o"}, Usage: "annotated output `FILE`"},
					&cli.BoolFlag{Name: flagNoHistory, Usage: "do not record the run"},
				},
				Action: imageAction,
			},
			{
				Name:      "video",
				Usage:     "detect signs in every frame of a local video",
				ArgsUsage: "[--output-dir DIR] <video>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagOutputDir, Usage: "write the annotated mp4 into `DIR`"},
					&cli.BoolFlag{Name: flagNoHistory, Usage: "do not record the run"},
				},
				Action: videoAction,
			},
			{
				Name:      "youtube",
				Usage:     "download a YouTube (or direct http) video and detect signs in it",
				ArgsUsage: "[--output-dir DIR] <url>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagOutputDir, Usage: "write the annotated mp4 into `DIR`"},
					&cli.BoolFlag{Name: flagNoHistory, Usage: "do not record the run"},
				},
				Action: youtubeAction,
			},
		},
	}
}

func main() {
	if err := config.LoadEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	if err := newApp().Run(os.Args); err != nil {
		logger.Log().Error("signdet failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Sync()
}

// loadConfig reads the config file and applies command line overrides. A
// missing default config.yaml falls back to built-in defaults.
func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String(flagConfig)
	cfg, err := config.Load(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) || c.IsSet(flagConfig) {
			return nil, err
		}
		cfg = config.Default()
	}
	if c.IsSet(flagWeights) {
		cfg.Model.Weights = c.String(flagWeights)
	}
	if c.IsSet(flagNames) {
		cfg.Model.Names = c.String(flagNames)
	}
	if c.IsSet(flagConf) {
		cfg.Model.Conf = float32(c.Float64(flagConf))
	}
	if c.IsSet(flagImgsz) {
		cfg.Model.InputSize = c.Int(flagImgsz)
	}
	if c.IsSet(flagWorkers) {
		cfg.WorkersNum = c.Int(flagWorkers)
	}
	if c.IsSet(flagGPU) {
		cfg.Model.UseGPU = c.Bool(flagGPU)
	}
	if c.IsSet(flagOutputDir) {
		cfg.Media.OutputDir = c.String(flagOutputDir)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadClassNames reads the optional names file. A missing file only costs the
// labels, detections then show up as class_N.
func loadClassNames(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	names, err := engine.LoadNames(path)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Log().Warn("class names file not found, using class_N labels", zap.String("names", path))
		return nil, nil
	}
	return names, err
}

// services is everything a command needs once the model is loaded.
type services struct {
	cfg     *config.Config
	pool    *engine.Pool
	history *store.Store
	proc    *pipeline.Processor
	temp    *media.TempStore
}

func bootstrap(c *cli.Context, withHistory bool) (*services, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("Failed to read config file: %v", err), 1)
	}
	err = logger.InitWithFile(cfg.Log.Development, logger.FileConfig{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   true,
	})
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("Failed to init logger: %v", err), 1)
	}
	for _, w := range cfg.Warnings() {
		logger.Log().Warn(w)
	}

	names, err := loadClassNames(cfg.Model.Names)
	if err != nil {
		logger.Log().Error("Error loading class names", zap.String("names", cfg.Model.Names), zap.Error(err))
		return nil, cli.Exit(err.Error(), 1)
	}

	pool, err := engine.LoadPool(iface.EngineConfig{
		UseGPU:    cfg.Model.UseGPU,
		ModelPath: cfg.Model.Weights,
		Names:     names,
		Conf:      cfg.Model.Conf,
		Iou:       cfg.Model.Iou,
		InputSize: cfg.Model.InputSize,
	}, cfg.WorkersNum)
	if err != nil {
		logger.Log().Error("Error loading the YOLO model", zap.String("weights", cfg.Model.Weights), zap.Error(err))
		return nil, cli.Exit(fmt.Sprintf("Error loading the YOLO model: %v\nPlease make sure the '%s' file is in the correct directory.", err, cfg.Model.Weights), 1)
	}

	rt := &services{cfg: cfg, pool: pool}
	if withHistory {
		rt.history, err = store.Open(cfg.HistoryDB)
		if err != nil {
			pool.Close()
			return nil, cli.Exit(fmt.Sprintf("Failed to open history database: %v", err), 1)
		}
	}
	rt.temp, err = media.NewTempStore(cfg.Media.TempDir)
	if err != nil {
		rt.Close()
		return nil, cli.Exit(err.Error(), 1)
	}

	var rec pipeline.Recorder
	if rt.history != nil {
		rec = rt.history
	}
	rt.proc = pipeline.New(pool, rec, cfg.Media.OutputDir)
	return rt, nil
}

func (rt *services) Close() {
	rt.pool.Close()
	if rt.history != nil {
		if err := rt.history.Close(); err != nil {
			logger.Log().Warn("failed to close history database", zap.Error(err))
		}
	}
}
