package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"SignDetServer/logger"

	"github.com/go-resty/resty/v2"
	"github.com/kkdai/youtube/v2"
	"go.uber.org/zap"
)

var (
	ErrUnsupportedURL = errors.New("unsupported URL")
	ErrNoFormat       = errors.New("no downloadable video format")
	ErrTooLarge       = errors.New("remote video exceeds the size limit")
)

// Fetcher resolves a URL to a local video file. The caller owns the file.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (string, error)
}

// Downloader fetches YouTube videos through the YouTube player API and any
// other http(s) URL directly.
type Downloader struct {
	temp      *TempStore
	http      *resty.Client
	yt        *youtube.Client
	maxHeight int
	maxBytes  int64
}

// NewDownloader builds a Downloader that writes into temp. maxHeight caps the
// YouTube format resolution and maxBytes the file size; zero disables either.
func NewDownloader(temp *TempStore, timeout time.Duration, maxHeight int, maxBytes int64) *Downloader {
	client := resty.New().
		SetTimeout(timeout).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(10))
	return &Downloader{
		temp:      temp,
		http:      client,
		yt:        &youtube.Client{HTTPClient: client.GetClient()},
		maxHeight: maxHeight,
		maxBytes:  maxBytes,
	}
}

// Fetch downloads rawURL into the temp store and returns the file path.
func (d *Downloader) Fetch(ctx context.Context, rawURL string) (string, error) {
	u, err := ParseVideoURL(rawURL)
	if err != nil {
		return "", err
	}
	start := time.Now()
	var p string
	if IsYouTube(u) {
		p, err = d.fetchYouTube(ctx, u.String())
	} else {
		p, err = d.fetchHTTP(ctx, u)
	}
	if err != nil {
		return "", err
	}
	logger.Log().Info("remote video downloaded",
		zap.String("url", u.String()),
		zap.String("path", p),
		zap.Duration("elapsed", time.Since(start)))
	return p, nil
}

// ParseVideoURL accepts absolute http(s) URLs only.
func ParseVideoURL(rawURL string) (*url.URL, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, fmt.Errorf("%w: empty", ErrUnsupportedURL)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedURL, rawURL)
	}
	return u, nil
}

func IsYouTube(u *url.URL) bool {
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	switch host {
	case "youtube.com", "m.youtube.com", "music.youtube.com", "youtu.be", "youtube-nocookie.com":
		return true
	}
	return false
}

func (d *Downloader) fetchYouTube(ctx context.Context, rawURL string) (string, error) {
	video, err := d.yt.GetVideoContext(ctx, rawURL)
	if err != nil {
		return "", fmt.Errorf("resolve youtube video: %w", err)
	}
	format, ok := pickFormat(video.Formats, d.maxHeight)
	if !ok {
		return "", fmt.Errorf("%s: %w", video.ID, ErrNoFormat)
	}
	logger.Log().Debug("youtube format selected",
		zap.String("id", video.ID),
		zap.String("title", video.Title),
		zap.Int("itag", format.ItagNo),
		zap.String("mime", format.MimeType),
		zap.Int("height", format.Height))

	stream, size, err := d.yt.GetStreamContext(ctx, video, format)
	if err != nil {
		return "", fmt.Errorf("open youtube stream: %w", err)
	}
	defer stream.Close()
	if d.maxBytes > 0 && size > d.maxBytes {
		return "", ErrTooLarge
	}
	return d.save(stream, ".mp4")
}

func (d *Downloader) fetchHTTP(ctx context.Context, u *url.URL) (string, error) {
	ext := strings.ToLower(path.Ext(u.Path))
	if CheckExtension(ext, VideoExtensions) != nil {
		ext = ".mp4"
	}

	resp, err := d.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(u.String())
	if err != nil {
		return "", fmt.Errorf("download %s: %w", u.Redacted(), err)
	}
	body := resp.RawBody()
	defer body.Close()
	if resp.IsError() {
		return "", fmt.Errorf("download %s: %s", u.Redacted(), resp.Status())
	}
	if d.maxBytes > 0 && resp.RawResponse.ContentLength > d.maxBytes {
		return "", ErrTooLarge
	}
	p, err := d.save(body, ext)
	if err != nil && !errors.Is(err, ErrTooLarge) {
		return "", fmt.Errorf("download %s: %w", u.Redacted(), err)
	}
	return p, err
}

// save copies at most maxBytes+1 bytes of r into the temp store, so an
// oversized or endless body never lands on disk in full.
func (d *Downloader) save(r io.Reader, ext string) (string, error) {
	if d.maxBytes > 0 {
		r = io.LimitReader(r, d.maxBytes+1)
	}
	p, err := d.temp.Save(r, ext)
	if err != nil {
		return "", err
	}
	if err := d.checkSize(p); err != nil {
		return "", err
	}
	return p, nil
}

func (d *Downloader) checkSize(p string) error {
	if d.maxBytes <= 0 {
		return nil
	}
	st, err := os.Stat(p)
	if err != nil {
		Remove(p)
		return err
	}
	if st.Size() > d.maxBytes {
		Remove(p)
		return ErrTooLarge
	}
	return nil
}

// pickFormat chooses the stream OpenCV is most likely to decode: mp4 before
// other containers, H.264 before other codecs, then the highest resolution
// not above maxHeight.
func pickFormat(formats youtube.FormatList, maxHeight int) (*youtube.Format, bool) {
	var cands []*youtube.Format
	for i := range formats {
		f := &formats[i]
		if f.Height <= 0 || !strings.HasPrefix(f.MimeType, "video/") {
			continue
		}
		if maxHeight > 0 && f.Height > maxHeight {
			continue
		}
		cands = append(cands, f)
	}
	if len(cands) == 0 {
		return nil, false
	}
	rank := func(f *youtube.Format) (int, int) {
		mp4, avc := 0, 0
		if strings.HasPrefix(f.MimeType, "video/mp4") {
			mp4 = 1
		}
		if strings.Contains(f.MimeType, "avc1") {
			avc = 1
		}
		return mp4, avc
	}
	sort.SliceStable(cands, func(i, j int) bool {
		mi, ai := rank(cands[i])
		mj, aj := rank(cands[j])
		if mi != mj {
			return mi > mj
		}
		if ai != aj {
			return ai > aj
		}
		if cands[i].Height != cands[j].Height {
			return cands[i].Height > cands[j].Height
		}
		return cands[i].Bitrate > cands[j].Bitrate
	})
	return cands[0], true
}
