package engine

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"sort"
	"strconv"

	iface "SignDetServer/interface"

	"gocv.io/x/gocv"
)

var palette = []string{
	"FF3838", "FF9D97", "FF701F", "FFB21D", "CFD231", "48F90A", "92CC17", "3DDB86", "1A9334", "00D4BB",
	"2C99A8", "00C2FF", "344593", "6473FF", "0018EC", "8438FF", "520085", "CB38FF", "FF95C8", "FF37C7",
}

var labelText = color.RGBA{R: 255, G: 255, B: 255, A: 0}

// ClassColor returns the box colour used for a class index.
func ClassColor(classID int) color.RGBA {
	if classID < 0 {
		classID = -classID
	}
	v, _ := strconv.ParseUint(palette[classID%len(palette)], 16, 32)
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0}
}

// lineWidth scales stroke thickness with the frame size.
func lineWidth(cols, rows int) int {
	lw := int(math.Round(float64(cols+rows) / 2 * 0.003))
	if lw < 2 {
		lw = 2
	}
	return lw
}

// Render draws boxes and "name conf" labels onto a copy of img. The caller
// owns the returned Mat.
func Render(img gocv.Mat, ret iface.RetData) (gocv.Mat, error) {
	out := img.Clone()
	if out.Empty() {
		return out, ErrEmptyImage
	}
	lw := lineWidth(out.Cols(), out.Rows())
	tf := lw - 1
	if tf < 1 {
		tf = 1
	}
	fontScale := float64(lw) / 3

	names := make([]string, 0, len(ret.Data))
	for name := range ret.Data {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		for _, res := range ret.Data[name] {
			c := ClassColor(res.ClassID)
			rect := res.Box.Rect()
			if err := gocv.Rectangle(&out, rect, c, lw); err != nil {
				out.Close()
				return gocv.NewMat(), fmt.Errorf("failed to draw rectangle: %w", err)
			}

			label := fmt.Sprintf("%s %.2f", name, res.Conf)
			size := gocv.GetTextSize(label, gocv.FontHersheySimplex, fontScale, tf)
			outside := rect.Min.Y-size.Y-3 >= 0
			var bg image.Rectangle
			var origin image.Point
			if outside {
				bg = image.Rect(rect.Min.X, rect.Min.Y-size.Y-3, rect.Min.X+size.X, rect.Min.Y)
				origin = image.Pt(rect.Min.X, rect.Min.Y-2)
			} else {
				bg = image.Rect(rect.Min.X, rect.Min.Y, rect.Min.X+size.X, rect.Min.Y+size.Y+3)
				origin = image.Pt(rect.Min.X, rect.Min.Y+size.Y+2)
			}
			if err := gocv.Rectangle(&out, bg, c, -1); err != nil {
				out.Close()
				return gocv.NewMat(), fmt.Errorf("failed to draw label background: %w", err)
			}
			if err := gocv.PutText(&out, label, origin, gocv.FontHersheySimplex, fontScale, labelText, tf); err != nil {
				out.Close()
				return gocv.NewMat(), fmt.Errorf("failed to draw text: %w", err)
			}
		}
	}
	return out, nil
}
