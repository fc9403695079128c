package engine

import "image"

// classOffset separates boxes of different classes so a single NMS pass does
// not suppress overlapping signs of different types.
const classOffset = 8192

type candidate struct {
	classID        int
	score          float32
	x1, y1, x2, y2 float32
}

// decodeYOLO reads a YOLOv8 head laid out as [4+nc, anchors] (cx, cy, w, h
// followed by one score per class). Boxes are mapped from letterbox space
// back to the frame and clamped to it.
func decodeYOLO(data []float32, rows, anchors int, conf, scale float32, frameW, frameH int) []candidate {
	if rows < 5 || anchors <= 0 || len(data) < rows*anchors {
		return nil
	}
	nc := rows - 4
	var out []candidate
	for i := 0; i < anchors; i++ {
		best := -1
		var bestScore float32
		for c := 0; c < nc; c++ {
			s := data[(4+c)*anchors+i]
			if s > bestScore {
				bestScore = s
				best = c
			}
		}
		if best < 0 || bestScore < conf {
			continue
		}
		cx := data[i]
		cy := data[anchors+i]
		w := data[2*anchors+i]
		h := data[3*anchors+i]
		out = append(out, candidate{
			classID: best,
			score:   bestScore,
			x1:      clamp((cx-w/2)*scale, 0, float32(frameW)),
			y1:      clamp((cy-h/2)*scale, 0, float32(frameH)),
			x2:      clamp((cx+w/2)*scale, 0, float32(frameW)),
			y2:      clamp((cy+h/2)*scale, 0, float32(frameH)),
		})
	}
	return out
}

// nmsInput builds the rectangles and scores handed to gocv.NMSBoxes.
func nmsInput(cands []candidate) ([]image.Rectangle, []float32) {
	rects := make([]image.Rectangle, len(cands))
	scores := make([]float32, len(cands))
	for i, c := range cands {
		off := c.classID * classOffset
		rects[i] = image.Rect(int(c.x1)+off, int(c.y1)+off, int(c.x2)+off, int(c.y2)+off)
		scores[i] = c.score
	}
	return rects, scores
}

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
