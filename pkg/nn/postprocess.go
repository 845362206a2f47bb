package nn

import (
	"fmt"
	"sync"

	"gorgonia.org/tensor"
)

// DefaultMergeIoU is the minimum IoU for MergeMap to squash two detections into one
const DefaultMergeIoU = 0.8

// PostProcessor turns raw model output into labeled detections in original image coordinates.
//
// The tensor layout is deduced from the first tensor seen after construction or Reset,
// and reused for every subsequent frame. Call Reset whenever a different model is loaded.
type PostProcessor struct {
	ClassNames   []string
	Params       DetectionParams
	AlignCenter  bool              // Model input was letterboxed with the image in the center
	StrictLabels bool              // Return ClassLookupError for class ids that have no name
	Version      ModelVersion      // Leave as VersionUnknown to deduce from the tensor shape
	NumMasks     int               // Mask coefficients at the end of each row
	MergeMap     map[string]string // eg {"truck": "car"} squashes overlapping trucks into cars
	MergeMinIoU  float32           // Zero value uses DefaultMergeIoU

	layoutLock sync.Mutex
	layout     *Layout
}

func NewPostProcessor(classNames []string) *PostProcessor {
	return &PostProcessor{
		ClassNames:  classNames,
		Params:      NewDetectionParams(),
		AlignCenter: true,
	}
}

// Reset forgets the cached tensor layout
func (p *PostProcessor) Reset() {
	p.layoutLock.Lock()
	p.layout = nil
	p.layoutLock.Unlock()
}

// Layout returns the cached layout, if one has been deduced
func (p *PostProcessor) Layout() (Layout, bool) {
	p.layoutLock.Lock()
	defer p.layoutLock.Unlock()
	if p.layout == nil {
		return Layout{}, false
	}
	return *p.layout, true
}

// DeduceLayout works out the layout of a tensor with the given shape.
// The larger of the two trailing dimensions is taken to be the candidate count.
func (p *PostProcessor) DeduceLayout(shape []int) (Layout, error) {
	_, a, b, err := splitShape(shape)
	if err != nil {
		return Layout{}, err
	}
	l := Layout{NumMasks: p.NumMasks}
	switch {
	case b == 0:
		// No candidates, and channel-major
		l.ChannelMajor = true
	case a == 0:
		l.ChannelMajor = false
	case b > a:
		l.ChannelMajor = true
	case a > b:
		l.ChannelMajor = false
	default:
		switch p.Version {
		case VersionV8:
			l.ChannelMajor = true
		case VersionV5:
			l.ChannelMajor = false
		default:
			return Layout{}, fmt.Errorf("%w: cannot deduce layout from square shape %v without an explicit model version", ErrInvalidShape, shape)
		}
	}
	channels := a
	if !l.ChannelMajor {
		channels = b
	}

	switch p.Version {
	case VersionV5:
		l.Objectness = true
	case VersionV8:
		l.Objectness = false
	default:
		l.Objectness = len(p.ClassNames) != 0 && channels-4-p.NumMasks-len(p.ClassNames) == 1
	}
	l.NumClasses = channels - 4 - p.NumMasks
	if l.Objectness {
		l.NumClasses--
	}
	if l.NumClasses < 1 {
		return Layout{}, fmt.Errorf("%w: %v channels leaves no room for class scores", ErrInvalidShape, channels)
	}
	return l, nil
}

func (p *PostProcessor) layoutFor(shape []int) (Layout, error) {
	p.layoutLock.Lock()
	defer p.layoutLock.Unlock()
	if p.layout != nil {
		return *p.layout, nil
	}
	l, err := p.DeduceLayout(shape)
	if err != nil {
		return Layout{}, err
	}
	// An empty tensor says nothing reliable about orientation, so don't cache it
	if _, a, b, _ := splitShape(shape); a != 0 && b != 0 {
		p.layout = &l
	}
	return l, nil
}

// Process decodes the output of a single image.
// imageSize is the size of the original frame, and modelSize is the size of the model's input.
func (p *PostProcessor) Process(raw tensor.Tensor, imageSize, modelSize Size) ([]Detection, error) {
	all, err := p.ProcessBatch(raw, imageSize, modelSize)
	if err != nil {
		return nil, err
	}
	if len(all) != 1 {
		return nil, fmt.Errorf("%w: expected a batch of 1, got %v", ErrInvalidShape, len(all))
	}
	return all[0], nil
}

// ProcessBatch decodes every image in a batch. All images are assumed to share imageSize.
func (p *PostProcessor) ProcessBatch(raw tensor.Tensor, imageSize, modelSize Size) ([][]Detection, error) {
	if raw == nil {
		return nil, fmt.Errorf("%w: nil tensor", ErrInvalidShape)
	}
	shape := []int(raw.Shape())
	layout, err := p.layoutFor(shape)
	if err != nil {
		return nil, err
	}
	pred, err := PredictionFromTensor(raw, layout.ChannelMajor)
	if err != nil {
		return nil, err
	}
	return p.ProcessPrediction(pred, layout, imageSize, modelSize)
}

// ProcessPrediction decodes an already wrapped prediction with an explicit layout
func (p *PostProcessor) ProcessPrediction(pred Prediction, layout Layout, imageSize, modelSize Size) ([][]Detection, error) {
	lb, err := ComputeLetterbox(modelSize, imageSize, p.AlignCenter)
	if err != nil {
		return nil, err
	}
	perImage, err := NonMaxSuppression(pred, layout, p.Params)
	if err != nil {
		return nil, err
	}
	out := make([][]Detection, len(perImage))
	for i, cands := range perImage {
		dets := make([]Detection, 0, len(cands))
		for _, c := range cands {
			label, err := p.label(c.Class)
			if err != nil {
				return nil, err
			}
			dets = append(dets, Detection{
				LabelID:    c.Class,
				Label:      label,
				Confidence: c.Confidence,
				Box:        lb.Invert(BoxFromCorners(c.Box[0], c.Box[1], c.Box[2], c.Box[3])),
			})
		}
		if len(p.MergeMap) != 0 {
			minIoU := p.MergeMinIoU
			if minIoU == 0 {
				minIoU = DefaultMergeIoU
			}
			retain := MergeSimilarObjects(dets, p.MergeMap, minIoU)
			merged := make([]Detection, len(retain))
			for j, r := range retain {
				merged[j] = dets[r]
			}
			dets = merged
		}
		out[i] = dets
	}
	return out, nil
}

func (p *PostProcessor) label(class int) (string, error) {
	if class >= 0 && class < len(p.ClassNames) {
		return p.ClassNames[class], nil
	}
	if p.StrictLabels {
		return "", &ClassLookupError{ClassID: class, NumClasses: len(p.ClassNames)}
	}
	return "", nil
}
