package nn

import (
	"fmt"

	"gorgonia.org/tensor"
)

// Layout describes how a raw prediction tensor is organized.
// A row is [cx, cy, w, h, (objectness), class scores..., mask coefficients...].
type Layout struct {
	ChannelMajor bool // [batch, channels, candidates] instead of [batch, candidates, channels]
	Objectness   bool // YOLOv5 style rows, with an objectness score in column 4
	NumClasses   int
	NumMasks     int
}

// Number of values per candidate row
func (l Layout) Channels() int {
	n := 4 + l.NumClasses + l.NumMasks
	if l.Objectness {
		n++
	}
	return n
}

// Index of the first class score in a row
func (l Layout) ClassStart() int {
	if l.Objectness {
		return 5
	}
	return 4
}

// Prediction is a read-only view over a raw model output buffer
type Prediction struct {
	Data         []float32
	Batch        int
	Candidates   int
	Channels     int
	ChannelMajor bool
}

// NewPrediction wraps a flat buffer of the given shape. A 2D shape is treated as a batch of 1.
// The two trailing dimensions are interpreted according to channelMajor.
func NewPrediction(data []float32, shape []int, channelMajor bool) (Prediction, error) {
	batch, a, b, err := splitShape(shape)
	if err != nil {
		return Prediction{}, err
	}
	if len(data) != batch*a*b {
		return Prediction{}, fmt.Errorf("%w: buffer has %v elements, but shape %v needs %v", ErrInvalidShape, len(data), shape, batch*a*b)
	}
	p := Prediction{
		Data:         data,
		Batch:        batch,
		ChannelMajor: channelMajor,
	}
	if channelMajor {
		p.Channels, p.Candidates = a, b
	} else {
		p.Candidates, p.Channels = a, b
	}
	return p, nil
}

// PredictionFromTensor wraps a float32 tensor of shape [N,K], [K,N], [B,N,K] or [B,K,N]
func PredictionFromTensor(t tensor.Tensor, channelMajor bool) (Prediction, error) {
	if t == nil {
		return Prediction{}, fmt.Errorf("%w: nil tensor", ErrInvalidShape)
	}
	data, ok := t.Data().([]float32)
	if !ok {
		return Prediction{}, fmt.Errorf("%w: expected float32 tensor, got %v", ErrInvalidShape, t.Dtype())
	}
	return NewPrediction(data, []int(t.Shape()), channelMajor)
}

func splitShape(shape []int) (batch, a, b int, err error) {
	switch len(shape) {
	case 2:
		batch, a, b = 1, shape[0], shape[1]
	case 3:
		batch, a, b = shape[0], shape[1], shape[2]
	default:
		return 0, 0, 0, fmt.Errorf("%w: expected 2 or 3 dimensions, got %v", ErrInvalidShape, shape)
	}
	if batch < 0 || a < 0 || b < 0 {
		return 0, 0, 0, fmt.Errorf("%w: negative dimension in %v", ErrInvalidShape, shape)
	}
	return
}

// Row copies candidate n of image 'img' into dst, and returns dst.
// dst must have room for Channels values.
func (p Prediction) Row(img, n int, dst []float32) []float32 {
	dst = dst[:p.Channels]
	base := img * p.Candidates * p.Channels
	if p.ChannelMajor {
		for k := 0; k < p.Channels; k++ {
			dst[k] = p.Data[base+k*p.Candidates+n]
		}
	} else {
		copy(dst, p.Data[base+n*p.Channels:base+(n+1)*p.Channels])
	}
	return dst
}

// Transposed returns a copy of the prediction in [batch, candidates, channels] order
func (p Prediction) Transposed() Prediction {
	if !p.ChannelMajor {
		return p
	}
	out := Prediction{
		Data:       make([]float32, len(p.Data)),
		Batch:      p.Batch,
		Candidates: p.Candidates,
		Channels:   p.Channels,
	}
	for img := 0; img < p.Batch; img++ {
		base := img * p.Candidates * p.Channels
		for n := 0; n < p.Candidates; n++ {
			p.Row(img, n, out.Data[base+n*p.Channels:])
		}
	}
	return out
}
