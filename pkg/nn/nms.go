package nn

import (
	"fmt"
	"sort"

	"github.com/cyclopcam/livedetect/pkg/gen"
)

// ClassOffset separates boxes of different classes during batched NMS.
// It must exceed the largest coordinate the model can produce.
const ClassOffset = 7680

// Candidate is a detection that survived NMS, still in model input coordinates
type Candidate struct {
	Box        [4]float32 // x1, y1, x2, y2
	Confidence float32
	Class      int
	Mask       []float32 // Mask coefficients, if the model produces any
}

// NMS runs greedy non-maximum suppression over corner-form boxes.
// Candidates are visited in descending score order (stable for equal scores), and a box is
// dropped if its IoU with an already kept box is strictly greater than iouThreshold.
// Returns the kept indices, in descending score order.
func NMS(boxes [][4]float32, scores []float32, iouThreshold float32) ([]int, error) {
	if len(boxes) != len(scores) {
		return nil, fmt.Errorf("%w: %v boxes but %v scores", ErrInvalidArgument, len(boxes), len(scores))
	}
	n := len(boxes)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})

	suppressed := make([]bool, n)
	keep := make([]int, 0, min(n, 64))
	for oi, i := range order {
		if suppressed[i] {
			continue
		}
		keep = append(keep, i)
		for _, j := range order[oi+1:] {
			if suppressed[j] {
				continue
			}
			if IOU(boxes[i], boxes[j]) > iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return keep, nil
}

// NonMaxSuppression decodes a batched prediction into per-image candidates.
// Boxes in the prediction are center-form. The returned boxes are corner-form.
// An image with no surviving candidates yields an empty slice, never an error.
func NonMaxSuppression(pred Prediction, layout Layout, params DetectionParams) ([][]Candidate, error) {
	if layout.NumClasses < 1 {
		return nil, fmt.Errorf("%w: layout has no class columns", ErrInvalidShape)
	}
	if pred.Channels != layout.Channels() {
		return nil, fmt.Errorf("%w: prediction has %v channels, layout expects %v", ErrInvalidShape, pred.Channels, layout.Channels())
	}
	if pred.ChannelMajor != layout.ChannelMajor {
		return nil, fmt.Errorf("%w: prediction orientation does not match layout", ErrInvalidArgument)
	}
	params = params.WithDefaults()
	conf := params.ConfidenceThreshold
	cs := layout.ClassStart()
	ms := cs + layout.NumClasses

	out := make([][]Candidate, pred.Batch)
	row := make([]float32, pred.Channels)
	for img := 0; img < pred.Batch; img++ {
		cands := []Candidate{}
		for n := 0; n < pred.Candidates; n++ {
			pred.Row(img, n, row)
			cls, maxScore := gen.ArgMax(row[cs:ms])
			if maxScore <= conf {
				continue
			}
			score := maxScore
			if layout.Objectness {
				score = row[4]
			}
			if score <= conf {
				continue
			}
			centerToCorner(row[:4])
			c := Candidate{
				Box:        [4]float32{row[0], row[1], row[2], row[3]},
				Confidence: score,
				Class:      cls,
			}
			if layout.NumMasks != 0 {
				c.Mask = append([]float32(nil), row[ms:]...)
			}
			cands = append(cands, c)
		}
		if len(cands) == 0 {
			out[img] = cands
			continue
		}

		boxes := make([][4]float32, len(cands))
		scores := make([]float32, len(cands))
		for i, c := range cands {
			off := float32(c.Class) * ClassOffset
			boxes[i] = [4]float32{c.Box[0] + off, c.Box[1] + off, c.Box[2] + off, c.Box[3] + off}
			scores[i] = c.Confidence
		}
		keep, err := NMS(boxes, scores, params.NmsIouThreshold)
		if err != nil {
			return nil, err
		}
		if len(keep) > params.MaxDetections {
			keep = keep[:params.MaxDetections]
		}
		kept := make([]Candidate, len(keep))
		for i, k := range keep {
			kept[i] = cands[k]
		}
		out[img] = kept
	}
	return out, nil
}
