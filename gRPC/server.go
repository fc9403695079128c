package proto

import (
	"context"
	"errors"
	"fmt"
	"net"

	iface "SignDetServer/interface"
	"SignDetServer/logger"
	"SignDetServer/monitor"
	"SignDetServer/pipeline"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const maxMsgSize = 32 * 1024 * 1024

type Server struct {
	Processor *pipeline.Processor
	Engine    iface.Engine
	Workers   int
}

func (s *Server) Detect(ctx context.Context, req *wrapperspb.BytesValue) (*structpb.Struct, error) {
	monitor.GRPCTotal.Inc()
	if len(req.GetValue()) == 0 {
		return nil, status.Error(codes.InvalidArgument, "image data is empty")
	}
	res, err := s.Processor.ProcessImage(ctx, "grpc", req.GetValue())
	if err != nil {
		switch {
		case errors.Is(err, pipeline.ErrInvalidImage):
			return nil, status.Error(codes.InvalidArgument, err.Error())
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil, status.FromContextError(err).Err()
		}
		logger.Log().Error("grpc detect failed", zap.Error(err))
		return nil, status.Error(codes.Internal, err.Error())
	}

	dets := make([]interface{}, 0, len(res.Detections))
	for _, d := range res.Detections {
		dets = append(dets, map[string]interface{}{
			"name":       d.Name,
			"classId":    d.ClassID,
			"confidence": d.Confidence,
			"box":        []interface{}{d.X1, d.Y1, d.X2, d.Y2},
		})
	}
	out, err := structpb.NewStruct(map[string]interface{}{
		"success":    true,
		"runId":      res.RunID,
		"elapsedMs":  res.Elapsed.Milliseconds(),
		"detections": dets,
	})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func (s *Server) ModelInfo(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error) {
	monitor.GRPCTotal.Inc()
	cfg := s.Engine.CheckConfig()
	names := make([]interface{}, 0, len(cfg.Names))
	for _, n := range cfg.Names {
		names = append(names, n)
	}
	out, err := structpb.NewStruct(map[string]interface{}{
		"modelPath": cfg.ModelPath,
		"names":     names,
		"conf":      cfg.Conf,
		"iou":       cfg.Iou,
		"inputSize": cfg.InputSize,
		"useGPU":    cfg.UseGPU,
		"workers":   s.Workers,
	})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// NewGRPCServer registers srv on a fresh grpc.Server.
func NewGRPCServer(srv *Server) *grpc.Server {
	s := grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
	)
	RegisterDetectServiceServer(s, srv)
	return s
}

// StartGRPCServer listens on port and serves in the background.
func StartGRPCServer(port int, srv *Server) (*grpc.Server, error) {
	addr := fmt.Sprintf(":%d", port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on port %s: %w", addr, err)
	}
	s := NewGRPCServer(srv)
	go func() {
		logger.Log().Info("grpc server listening", zap.String("addr", addr))
		if err := s.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Log().Error("grpc server stopped", zap.Error(err))
		}
	}()
	return s, nil
}
