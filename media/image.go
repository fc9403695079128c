// Package media turns uploads, local video files and remote URLs into
// frames for the detector.
package media

import (
	"encoding/base64"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"gocv.io/x/gocv"
)

var (
	ImageExtensions = []string{".jpg", ".jpeg", ".png"}
	VideoExtensions = []string{".mp4", ".mov", ".avi"}
)

var (
	ErrEmptyDecode     = errors.New("decoded image is empty or unsupported format")
	ErrUnsupportedType = errors.New("unsupported file type")
)

// CheckExtension accepts name when its extension is one of allowed.
func CheckExtension(name string, allowed []string) error {
	ext := strings.ToLower(filepath.Ext(name))
	for _, a := range allowed {
		if ext == a {
			return nil
		}
	}
	return fmt.Errorf("%w %q, expected one of %s", ErrUnsupportedType, ext, strings.Join(allowed, ", "))
}

// DecodeImage decodes an encoded image into a BGR Mat. The caller closes it.
func DecodeImage(buf []byte) (gocv.Mat, error) {
	if len(buf) == 0 {
		return gocv.NewMat(), ErrEmptyDecode
	}
	mat, err := gocv.IMDecode(buf, gocv.IMReadColor)
	if err != nil {
		return gocv.NewMat(), err
	}
	if mat.Empty() {
		_ = mat.Close()
		return gocv.NewMat(), ErrEmptyDecode
	}
	return mat, nil
}

// Base64Bytes strips an optional data URL prefix and decodes the payload.
func Base64Bytes(b64 string) ([]byte, error) {
	if i := strings.Index(b64, ","); i != -1 && strings.HasPrefix(b64, "data:") {
		b64 = b64[i+1:]
	}
	return base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
}

// EncodeJPEG encodes a BGR Mat as JPEG.
func EncodeJPEG(img gocv.Mat) ([]byte, error) {
	if img.Empty() {
		return nil, ErrEmptyDecode
	}
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, img)
	if err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	defer buf.Close()
	// the native buffer is freed on Close
	return append([]byte(nil), buf.GetBytes()...), nil
}

// DataURL wraps JPEG bytes for an <img src>.
func DataURL(jpeg []byte) string {
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpeg)
}
