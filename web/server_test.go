package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	iface "SignDetServer/interface"
	"SignDetServer/media"
	"SignDetServer/pipeline"
	"SignDetServer/store"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

type MockEngine struct {
	calls atomic.Int32
}

func (m *MockEngine) Detect(ctx context.Context, img gocv.Mat) (iface.RetData, error) {
	m.calls.Add(1)
	box := iface.NewBox(2, 2, 12, 12)
	return iface.RetData{Success: true, Data: map[string][]iface.Result{
		"stop": {{ClassID: 0, Conf: 0.8, Box: box, Center: box.Center()}},
	}}, nil
}

func (m *MockEngine) CheckConfig() iface.EngineConfig {
	return iface.EngineConfig{ModelPath: "/models/best.onnx", Names: []string{"stop"}, Conf: 0.387, Iou: 0.45, InputSize: 1280}
}

type fakeSource struct {
	remaining int
}

func (s *fakeSource) Read(frame *gocv.Mat) bool {
	if s.remaining == 0 {
		return false
	}
	s.remaining--
	img := gocv.NewMatWithSize(24, 32, gocv.MatTypeCV8UC3)
	defer img.Close()
	img.CopyTo(frame)
	return true
}

func (s *fakeSource) Info() media.VideoInfo { return media.VideoInfo{FPS: 25, Width: 32, Height: 24} }
func (s *fakeSource) Close() error          { return nil }

type fakeFetcher struct {
	temp *media.TempStore
}

func (f *fakeFetcher) Fetch(ctx context.Context, raw string) (string, error) {
	u, err := media.ParseVideoURL(raw)
	if err != nil {
		return "", err
	}
	if strings.Contains(u.Path, "missing") {
		return "", errors.New("download: 404 Not Found")
	}
	return f.temp.Save(strings.NewReader("remote video"), ".mp4")
}

type testEnv struct {
	server  *Server
	engine  *MockEngine
	tempDir string
	jobs    *JobRegistry
	history *store.Store
}

func newTestEnv(t *testing.T, frames int) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	tempDir := t.TempDir()
	temp, err := media.NewTempStore(tempDir)
	require.NoError(t, err)
	history, err := store.Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = history.Close() })

	eng := &MockEngine{}
	proc := pipeline.New(eng, history, "")
	proc.Open = func(string) (media.FrameSource, error) { return &fakeSource{remaining: frames}, nil }
	jobs := NewJobRegistry(time.Minute)

	s := NewServer(Config{
		Processor:     proc,
		Engine:        eng,
		Fetcher:       &fakeFetcher{temp: temp},
		Temp:          temp,
		Jobs:          jobs,
		History:       history,
		MaxImageBytes: 1 << 20,
		MaxVideoBytes: 1 << 20,
		Workers:       1,
	})
	return &testEnv{server: s, engine: eng, tempDir: tempDir, jobs: jobs, history: history}
}

func (e *testEnv) tempFiles(t *testing.T) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(e.tempDir)
	require.NoError(t, err)
	return entries
}

func multipartBody(t *testing.T, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	part, err := w.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return body, w.FormDataContentType()
}

func jpegBytes(t *testing.T) []byte {
	t.Helper()
	img := gocv.NewMatWithSize(40, 40, gocv.MatTypeCV8UC3)
	defer img.Close()
	buf, err := media.EncodeJPEG(img)
	require.NoError(t, err)
	return buf
}

func doRequest(h http.Handler, method, target string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	if v != nil {
		require.NoError(t, json.Unmarshal(env.Data, v))
	}
	return env
}

type jobResponse struct {
	JobID     string `json:"jobId"`
	Name      string `json:"name"`
	WsURL     string `json:"wsURL"`
	ExpiresIn int    `json:"expiresIn"`
}

func TestBasicRoutes(t *testing.T) {
	env := newTestEnv(t, 0)
	h := env.server.Handler()

	t.Run("Test Ping", func(t *testing.T) {
		w := doRequest(h, http.MethodGet, "/api/ping", nil, "")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"message":"pong"}`, w.Body.String())
	})

	t.Run("Test Index", func(t *testing.T) {
		w := doRequest(h, http.MethodGet, "/", nil, "")
		assert.Equal(t, http.StatusOK, w.Code)
		page := w.Body.String()
		assert.Contains(t, page, "Intelligent Traffic Sign Recognition System")
		assert.Contains(t, page, "Start Detection on Video")
		assert.Contains(t, page, "best.onnx")
	})

	t.Run("Test Model", func(t *testing.T) {
		var info map[string]interface{}
		w := doRequest(h, http.MethodGet, "/api/model", nil, "")
		assert.Equal(t, http.StatusOK, w.Code)
		decode(t, w, &info)
		assert.Equal(t, "/models/best.onnx", info["modelPath"])
		assert.Equal(t, 1280.0, info["inputSize"])
		assert.Equal(t, 1.0, info["workers"])
	})
}

func TestDetectImage(t *testing.T) {
	env := newTestEnv(t, 0)
	h := env.server.Handler()
	img := jpegBytes(t)

	t.Run("Test Multipart", func(t *testing.T) {
		body, ct := multipartBody(t, "sign.jpg", img)
		w := doRequest(h, http.MethodPost, "/api/detect/image", body, ct)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var data struct {
			RunID      string            `json:"runId"`
			Original   string            `json:"original"`
			Annotated  string            `json:"annotated"`
			Detections []iface.Detection `json:"detections"`
		}
		decode(t, w, &data)
		assert.True(t, strings.HasPrefix(data.Original, "data:image/jpeg;base64,"))
		assert.True(t, strings.HasPrefix(data.Annotated, "data:image/jpeg;base64,"))
		require.Len(t, data.Detections, 1)
		assert.Equal(t, "stop", data.Detections[0].Name)

		run, err := env.history.Get(context.Background(), data.RunID)
		require.NoError(t, err)
		assert.Equal(t, store.KindImage, run.Kind)
		assert.Equal(t, "sign.jpg", run.Source)
		assert.Equal(t, store.StatusDone, run.Status)
	})

	t.Run("Test JPEG Format", func(t *testing.T) {
		body, ct := multipartBody(t, "sign.png", img)
		w := doRequest(h, http.MethodPost, "/api/detect/image?format=jpeg", body, ct)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "image/jpeg", w.Header().Get("Content-Type"))
		assert.NotEmpty(t, w.Header().Get("X-Run-Id"))
		assert.Equal(t, []byte{0xFF, 0xD8}, w.Body.Bytes()[:2])
	})

	t.Run("Test Base64 JSON", func(t *testing.T) {
		payload, _ := json.Marshal(map[string]string{"image": media.DataURL(img)})
		w := doRequest(h, http.MethodPost, "/api/detect/image", bytes.NewBuffer(payload), "application/json")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	})

	t.Run("Test Wrong Extension", func(t *testing.T) {
		body, ct := multipartBody(t, "sign.gif", img)
		w := doRequest(h, http.MethodPost, "/api/detect/image", body, ct)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, decode(t, w, nil).Error, "unsupported file type")
	})

	t.Run("Test Undecodable", func(t *testing.T) {
		body, ct := multipartBody(t, "sign.jpg", []byte("not a jpeg"))
		w := doRequest(h, http.MethodPost, "/api/detect/image", body, ct)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Test Missing File", func(t *testing.T) {
		w := doRequest(h, http.MethodPost, "/api/detect/image", nil, "multipart/form-data; boundary=x")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func dialJob(t *testing.T, srv *httptest.Server, jobID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/jobs/" + jobID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func readAll(t *testing.T, conn *websocket.Conn) []streamMessage {
	t.Helper()
	var msgs []streamMessage
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	for {
		var msg streamMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return msgs
		}
		msgs = append(msgs, msg)
		if msg.Type == typeDone || msg.Type == typeError {
			return msgs
		}
	}
}

func TestVideoUploadAndStream(t *testing.T) {
	env := newTestEnv(t, 4)
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	body, ct := multipartBody(t, "clip.mp4", []byte("fake video"))
	w := doRequest(env.server.Handler(), http.MethodPost, "/api/videos", body, ct)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var job jobResponse
	decode(t, w, &job)
	assert.Contains(t, job.WsURL, "/ws/jobs/"+job.JobID)
	assert.Equal(t, 60, job.ExpiresIn)
	require.Len(t, env.tempFiles(t), 1)

	conn := dialJob(t, srv, job.JobID)
	defer conn.Close()
	msgs := readAll(t, conn)

	require.Len(t, msgs, 5)
	for i, m := range msgs[:4] {
		assert.Equal(t, typeFrame, m.Type)
		assert.Equal(t, i, m.Index)
		assert.True(t, strings.HasPrefix(m.Image, "data:image/jpeg;base64,"))
		assert.Len(t, m.Detections, 1)
	}
	done := msgs[4]
	assert.Equal(t, typeDone, done.Type)
	assert.Equal(t, "Video processing complete!", done.Message)
	require.NotNil(t, done.Summary)
	assert.Equal(t, 4, done.Summary.Frames)

	assert.Equal(t, int32(4), env.engine.calls.Load())
	assert.Empty(t, env.tempFiles(t))
	assert.False(t, env.jobs.Has(job.JobID))

	runs, err := env.history.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, store.KindVideo, runs[0].Kind)
	assert.Equal(t, 4, runs[0].Frames)
}

func TestStreamEvery(t *testing.T) {
	env := newTestEnv(t, 5)
	env.server.cfg.StreamEvery = 2
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	path, err := env.server.cfg.Temp.Save(strings.NewReader("x"), ".avi")
	require.NoError(t, err)
	job := env.jobs.Add(store.KindVideo, "clip.avi", path)

	conn := dialJob(t, srv, job.ID)
	defer conn.Close()
	msgs := readAll(t, conn)

	// frames 0, 2, 4 and the done message
	require.Len(t, msgs, 4)
	assert.Equal(t, 4, msgs[2].Index)
	assert.Equal(t, 5, msgs[3].Summary.Frames)
	assert.Equal(t, int32(5), env.engine.calls.Load())
}

func TestStreamClientDisconnect(t *testing.T) {
	env := newTestEnv(t, 100000)
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	path, err := env.server.cfg.Temp.Save(strings.NewReader("x"), ".mp4")
	require.NoError(t, err)
	job := env.jobs.Add(store.KindVideo, "long.mp4", path)

	conn := dialJob(t, srv, job.ID)
	var first streamMessage
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, typeFrame, first.Type)
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return os.IsNotExist(err)
	}, 10*time.Second, 20*time.Millisecond)
	assert.Less(t, env.engine.calls.Load(), int32(100000))
}

func TestStreamUnknownJob(t *testing.T) {
	env := newTestEnv(t, 1)
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/jobs/nope"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	assert.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestVideoUploadValidation(t *testing.T) {
	env := newTestEnv(t, 1)
	h := env.server.Handler()

	body, ct := multipartBody(t, "clip.mkv", []byte("x"))
	w := doRequest(h, http.MethodPost, "/api/videos", body, ct)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, env.tempFiles(t))

	big := bytes.Repeat([]byte("v"), 2<<20)
	body, ct = multipartBody(t, "big.mp4", big)
	w = doRequest(h, http.MethodPost, "/api/videos", body, ct)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Empty(t, env.tempFiles(t))
}

func TestYouTube(t *testing.T) {
	env := newTestEnv(t, 2)
	h := env.server.Handler()

	post := func(payload string) *httptest.ResponseRecorder {
		return doRequest(h, http.MethodPost, "/api/youtube", bytes.NewBufferString(payload), "application/json")
	}

	t.Run("Test Invalid URL", func(t *testing.T) {
		w := post(`{"url":"not a url"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, decode(t, w, nil).Error, "unsupported URL")

		// still serving
		assert.Equal(t, http.StatusOK, doRequest(h, http.MethodGet, "/api/ping", nil, "").Code)
	})

	t.Run("Test Unreachable", func(t *testing.T) {
		w := post(`{"url":"https://example.com/missing.mp4"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, decode(t, w, nil).Error, "404")
		assert.Empty(t, env.tempFiles(t))
	})

	t.Run("Test Missing Body", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, post(`{}`).Code)
	})

	t.Run("Test Download Then Discard", func(t *testing.T) {
		w := post(`{"url":"https://www.youtube.com/watch?v=abc"}`)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var job jobResponse
		decode(t, w, &job)
		assert.Equal(t, "https://www.youtube.com/watch?v=abc", job.Name)
		require.Len(t, env.tempFiles(t), 1)

		w = doRequest(h, http.MethodDelete, "/api/jobs/"+job.JobID, nil, "")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, env.tempFiles(t))

		w = doRequest(h, http.MethodDelete, "/api/jobs/"+job.JobID, nil, "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestRunsRoutes(t *testing.T) {
	env := newTestEnv(t, 0)
	h := env.server.Handler()

	body, ct := multipartBody(t, "a.jpg", jpegBytes(t))
	require.Equal(t, http.StatusOK, doRequest(h, http.MethodPost, "/api/detect/image", body, ct).Code)

	var runs []store.Run
	w := doRequest(h, http.MethodGet, "/api/runs?limit=5", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &runs)
	require.Len(t, runs, 1)

	var run store.Run
	w = doRequest(h, http.MethodGet, "/api/runs/"+runs[0].ID, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &run)
	assert.Equal(t, map[string]int{"stop": 1}, run.PerClass)

	w = doRequest(h, http.MethodGet, "/api/runs/unknown", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	var top []store.ClassCount
	w = doRequest(h, http.MethodGet, "/api/stats/classes", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &top)
	assert.Equal(t, []store.ClassCount{{Name: "stop", Count: 1}}, top)
}

func TestEmptyHistory(t *testing.T) {
	env := newTestEnv(t, 0)
	h := env.server.Handler()

	for _, target := range []string{"/api/runs", "/api/stats/classes"} {
		w := doRequest(h, http.MethodGet, target, nil, "")
		require.Equal(t, http.StatusOK, w.Code, target)
		assert.JSONEq(t, "[]", string(decode(t, w, nil).Data), target)
	}
}
