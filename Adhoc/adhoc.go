package Adhoc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"SignDetServer/logger"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	CpuInstance  = 0x2002
	CudaInstance = 0x2003

	DefaultInterval = 5 * time.Second
)

type RegisterRequest struct {
	Id            string `json:"id"`
	IP            string `json:"ip"`
	Port          int    `json:"port"`
	RPCPort       int    `json:"rpcPort"`
	Model         string `json:"model"`
	InstanceClass int    `json:"instanceClass"`
	TimeStamp     int64  `json:"timestamp"`
}

type RegisterResponse struct {
	Id      string `json:"id"`
	Success bool   `json:"success"`
}

// Instance describes this server to the registry.
type Instance struct {
	IP       string
	HTTPPort int
	RPCPort  int
	Model    string
	UseGPU   bool
}

type RegServerConfig struct {
	Port     int
	Addr     string
	Interval time.Duration
}

func (reg *RegServerConfig) SetAddress(addr string, port int) {
	reg.Addr = addr
	reg.Port = port
}

func (reg *RegServerConfig) url() string {
	return fmt.Sprintf("http://%s/api/register", net.JoinHostPort(reg.Addr, fmt.Sprint(reg.Port)))
}

// Heartbeat registers one instance with the registry server.
type Heartbeat struct {
	cfg    RegServerConfig
	inst   Instance
	id     string
	client *resty.Client
}

func NewHeartbeat(cfg RegServerConfig, inst Instance) *Heartbeat {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Heartbeat{
		cfg:    cfg,
		inst:   inst,
		id:     uuid.NewString(),
		client: resty.New().SetTimeout(cfg.Interval),
	}
}

func (h *Heartbeat) ID() string {
	return h.id
}

// Send posts one registration. Failures are returned, never fatal.
func (h *Heartbeat) Send(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("heartbeat panic recovered: %v", r)
		}
	}()
	class := CpuInstance
	if h.inst.UseGPU {
		class = CudaInstance
	}
	var respBody RegisterResponse
	resp, err := h.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(RegisterRequest{
			Id:            h.id,
			IP:            h.inst.IP,
			Port:          h.inst.HTTPPort,
			RPCPort:       h.inst.RPCPort,
			Model:         h.inst.Model,
			InstanceClass: class,
			TimeStamp:     time.Now().Unix(),
		}).
		SetResult(&respBody).
		Post(h.cfg.url())
	if err != nil {
		return fmt.Errorf("request error: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("server returned error: %s, body: %s", resp.Status(), resp.String())
	}
	if !respBody.Success {
		return fmt.Errorf("registration rejected for %s", h.id)
	}
	return nil
}

// Run sends a heartbeat immediately and then every interval until ctx is done.
func (h *Heartbeat) Run(ctx context.Context, wg *sync.WaitGroup) {
	if wg != nil {
		defer wg.Done()
	}
	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()
	send := func() {
		if err := h.Send(ctx); err != nil && ctx.Err() == nil {
			logger.Log().Warn("heartbeat failed", zap.String("registry", h.cfg.url()), zap.Error(err))
		}
	}
	send()
	for {
		select {
		case <-ctx.Done():
			logger.Log().Info("heartbeat stopped", zap.String("id", h.id))
			return
		case <-ticker.C:
			send()
		}
	}
}
