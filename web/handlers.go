package web

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"SignDetServer/logger"
	"SignDetServer/media"
	"SignDetServer/pipeline"
	"SignDetServer/store"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type imageRequest struct {
	Name  string `json:"name"`
	Image string `json:"image" binding:"required"`
}

type youtubeRequest struct {
	URL string `json:"url" binding:"required"`
}

func (s *Server) index(c *gin.Context) {
	cfg := s.cfg.Engine.CheckConfig()
	c.HTML(http.StatusOK, "index.html", gin.H{
		"Title":     pageTitle,
		"Model":     filepath.Base(cfg.ModelPath),
		"Conf":      cfg.Conf,
		"InputSize": cfg.InputSize,
		"ImageExt":  strings.Join(media.ImageExtensions, ","),
		"VideoExt":  strings.Join(media.VideoExtensions, ","),
	})
}

func (s *Server) modelInfo(c *gin.Context) {
	cfg := s.cfg.Engine.CheckConfig()
	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"modelPath": cfg.ModelPath,
		"names":     cfg.Names,
		"conf":      cfg.Conf,
		"iou":       cfg.Iou,
		"inputSize": cfg.InputSize,
		"useGPU":    cfg.UseGPU,
		"workers":   s.cfg.Workers,
	}})
}

func (s *Server) detectImage(c *gin.Context) {
	limitBody(c, s.cfg.MaxImageBytes)

	var name string
	var buf []byte
	if strings.HasPrefix(c.ContentType(), "application/json") {
		var req imageRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, bodyStatus(err), err)
			return
		}
		data, err := media.Base64Bytes(req.Image)
		if err != nil {
			fail(c, http.StatusBadRequest, fmt.Errorf("invalid base64 image: %w", err))
			return
		}
		name, buf = req.Name, data
		if name == "" {
			name = "upload.jpg"
		}
	} else {
		file, err := c.FormFile("file")
		if err != nil {
			fail(c, bodyStatus(err), fmt.Errorf("file upload failed: %w", err))
			return
		}
		if err := media.CheckExtension(file.Filename, media.ImageExtensions); err != nil {
			fail(c, http.StatusBadRequest, err)
			return
		}
		f, err := file.Open()
		if err != nil {
			fail(c, http.StatusInternalServerError, err)
			return
		}
		buf, err = io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			fail(c, http.StatusInternalServerError, err)
			return
		}
		name = file.Filename
	}

	res, err := s.cfg.Processor.ProcessImage(c.Request.Context(), name, buf)
	if err != nil {
		if errors.Is(err, pipeline.ErrInvalidImage) {
			fail(c, http.StatusBadRequest, err)
			return
		}
		fail(c, http.StatusInternalServerError, err)
		return
	}

	if c.Query("format") == "jpeg" {
		c.Header("X-Run-Id", res.RunID)
		c.Data(http.StatusOK, "image/jpeg", res.Annotated)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"runId":      res.RunID,
		"original":   media.DataURL(res.Original),
		"annotated":  media.DataURL(res.Annotated),
		"detections": res.Detections,
		"elapsedMs":  res.Elapsed.Milliseconds(),
	}})
}

func (s *Server) uploadVideo(c *gin.Context) {
	limitBody(c, s.cfg.MaxVideoBytes)

	file, err := c.FormFile("file")
	if err != nil {
		fail(c, bodyStatus(err), fmt.Errorf("file upload failed: %w", err))
		return
	}
	if err := media.CheckExtension(file.Filename, media.VideoExtensions); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	f, err := file.Open()
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	defer f.Close()
	path, err := s.cfg.Temp.Save(f, filepath.Ext(file.Filename))
	if err != nil {
		fail(c, http.StatusInternalServerError, fmt.Errorf("failed to save file: %w", err))
		return
	}
	s.jobCreated(c, s.cfg.Jobs.Add(store.KindVideo, file.Filename, path))
}

func (s *Server) youtube(c *gin.Context) {
	var req youtubeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	path, err := s.cfg.Fetcher.Fetch(c.Request.Context(), req.URL)
	if err != nil {
		logger.Log().Warn("video download failed", zap.String("url", req.URL), zap.Error(err))
		fail(c, http.StatusBadRequest, fmt.Errorf("error downloading video: %w", err))
		return
	}
	s.jobCreated(c, s.cfg.Jobs.Add(store.KindYouTube, req.URL, path))
}

func (s *Server) jobCreated(c *gin.Context, job *Job) {
	scheme := "ws"
	if c.Request.TLS != nil {
		scheme = "wss"
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"jobId":     job.ID,
		"name":      job.Name,
		"wsURL":     fmt.Sprintf("%s://%s/ws/jobs/%s", scheme, c.Request.Host, job.ID),
		"expiresIn": int(s.cfg.Jobs.TTL().Seconds()),
	}})
}

func (s *Server) discardJob(c *gin.Context) {
	if err := s.cfg.Jobs.Discard(c.Param("id")); err != nil {
		fail(c, http.StatusNotFound, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": "Job discarded"})
}

func (s *Server) listRuns(c *gin.Context) {
	if s.cfg.History == nil {
		c.JSON(http.StatusOK, gin.H{"data": []store.Run{}})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	runs, err := s.cfg.History.List(c.Request.Context(), limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": runs})
}

func (s *Server) getRun(c *gin.Context) {
	if s.cfg.History == nil {
		fail(c, http.StatusNotFound, store.ErrNotFound)
		return
	}
	run, err := s.cfg.History.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		fail(c, http.StatusNotFound, err)
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": run})
}

func (s *Server) topClasses(c *gin.Context) {
	if s.cfg.History == nil {
		c.JSON(http.StatusOK, gin.H{"data": []store.ClassCount{}})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))
	top, err := s.cfg.History.TopClasses(c.Request.Context(), limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": top})
}

func limitBody(c *gin.Context, max int64) {
	if max > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, max)
	}
}

func bodyStatus(err error) int {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

func fail(c *gin.Context, status int, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
