package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	iface "SignDetServer/interface"
	"SignDetServer/logger"
	"SignDetServer/media"
	"SignDetServer/pipeline"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait     = 10 * time.Second
	doneMessage   = "Video processing complete!"
	typeFrame     = "frame"
	typeDone      = "done"
	typeError     = "error"
	readLimitSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024 * 64,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type streamMessage struct {
	Type       string                 `json:"type"`
	Index      int                    `json:"index,omitempty"`
	Image      string                 `json:"image,omitempty"`
	Detections []iface.Detection      `json:"detections,omitempty"`
	ElapsedMs  int64                  `json:"elapsedMs,omitempty"`
	Message    string                 `json:"message,omitempty"`
	Summary    *pipeline.VideoSummary `json:"summary,omitempty"`
}

// streamJob claims a pending job and streams its annotated frames. The run
// stops as soon as the client goes away.
func (s *Server) streamJob(c *gin.Context) {
	id := c.Param("id")
	// check before upgrading so a bad id still gets a JSON 404
	if !s.cfg.Jobs.Has(id) {
		fail(c, http.StatusNotFound, ErrJobNotFound)
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	job, err := s.cfg.Jobs.Claim(id)
	if err != nil {
		writeMessage(conn, streamMessage{Type: typeError, Message: "job already started or expired"})
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	conn.SetReadLimit(readLimitSize)
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	every := s.cfg.StreamEvery
	sum, err := s.cfg.Processor.ProcessTempFile(ctx, job.Kind, job.Name, job.Path, func(f pipeline.Frame) error {
		if f.Index%every != 0 {
			return nil
		}
		buf, err := media.EncodeJPEG(f.Image)
		if err != nil {
			return err
		}
		return writeMessage(conn, streamMessage{
			Type:       typeFrame,
			Index:      f.Index,
			Image:      media.DataURL(buf),
			Detections: f.Result.Flatten(),
			ElapsedMs:  f.Elapsed.Milliseconds(),
		})
	})
	if err != nil {
		if ctx.Err() != nil {
			logger.Log().Info("client left, video run stopped", zap.String("job", job.ID))
			return
		}
		logger.Log().Warn("video run failed", zap.String("job", job.ID), zap.Error(err))
		writeMessage(conn, streamMessage{Type: typeError, Message: err.Error(), Summary: sum})
		closeNormal(conn)
		return
	}
	writeMessage(conn, streamMessage{Type: typeDone, Message: doneMessage, Summary: sum})
	closeNormal(conn)
}

func writeMessage(conn *websocket.Conn, msg streamMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(msg); err != nil {
		if !errors.Is(err, websocket.ErrCloseSent) {
			logger.Log().Debug("websocket write failed", zap.Error(err))
		}
		return err
	}
	return nil
}

func closeNormal(conn *websocket.Conn) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
}
