package nn

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

// Build a channel-major [1, channels, n] tensor from candidate rows
func channelMajorTensor(channels, n int, rows map[int][]float32) tensor.Tensor {
	data := make([]float32, channels*n)
	for idx, r := range rows {
		for k, v := range r {
			data[k*n+idx] = v
		}
	}
	return tensor.New(tensor.WithShape(1, channels, n), tensor.WithBacking(data))
}

func TestPostProcessYolov5ChannelMajor(t *testing.T) {
	row := make([]float32, 85)
	copy(row, []float32{50, 50, 30, 40, 0.95})
	row[5+5] = 0.9
	raw := channelMajorTensor(85, 100, map[int][]float32{17: row})

	pp := NewPostProcessor(COCOClasses)
	dets, err := pp.Process(raw, Size{640, 640}, Size{640, 640})
	require.NoError(t, err)
	require.Len(t, dets, 1)
	d := dets[0]
	require.Equal(t, 5, d.LabelID)
	require.Equal(t, "bus", d.Label)
	require.Equal(t, float32(0.95), d.Confidence)
	require.InDelta(t, 35, d.Box.X, 1e-4)
	require.InDelta(t, 30, d.Box.Y, 1e-4)
	require.InDelta(t, 30, d.Box.Width, 1e-4)
	require.InDelta(t, 40, d.Box.Height, 1e-4)

	layout, ok := pp.Layout()
	require.True(t, ok)
	require.True(t, layout.ChannelMajor)
	require.True(t, layout.Objectness)
	require.Equal(t, 80, layout.NumClasses)
}

func TestPostProcessEmpty(t *testing.T) {
	pp := NewPostProcessor(COCOClasses)
	pred, err := NewPrediction([]float32{}, []int{1, 84, 0}, true)
	require.NoError(t, err)
	layout, err := pp.DeduceLayout([]int{1, 84, 0})
	require.NoError(t, err)
	out, err := pp.ProcessPrediction(pred, layout, Size{1280, 720}, Size{640, 640})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Len(t, out[0], 0)

	// Everything filtered is not an error either
	raw := channelMajorTensor(84, 200, nil)
	dets, err := pp.Process(raw, Size{1280, 720}, Size{640, 640})
	require.NoError(t, err)
	require.Len(t, dets, 0)
}

func TestPostProcessLayoutCached(t *testing.T) {
	pp := NewPostProcessor(COCOClasses)
	_, err := pp.Process(channelMajorTensor(84, 200, nil), Size{640, 640}, Size{640, 640})
	require.NoError(t, err)
	layout, ok := pp.Layout()
	require.True(t, ok)
	require.False(t, layout.Objectness)
	require.Equal(t, 80, layout.NumClasses)

	// A tensor from a different model is rejected until Reset
	other := tensor.New(tensor.WithShape(1, 200, 85), tensor.WithBacking(make([]float32, 200*85)))
	_, err = pp.Process(other, Size{640, 640}, Size{640, 640})
	require.ErrorIs(t, err, ErrInvalidShape)

	pp.Reset()
	_, ok = pp.Layout()
	require.False(t, ok)
	_, err = pp.Process(other, Size{640, 640}, Size{640, 640})
	require.NoError(t, err)
	layout, _ = pp.Layout()
	require.False(t, layout.ChannelMajor)
	require.True(t, layout.Objectness)
}

func TestPostProcessSquareShape(t *testing.T) {
	pp := NewPostProcessor([]string{"a"})
	raw := tensor.New(tensor.WithShape(1, 5, 5), tensor.WithBacking(make([]float32, 25)))
	_, err := pp.Process(raw, Size{640, 640}, Size{640, 640})
	require.ErrorIs(t, err, ErrInvalidShape)

	pp.Version = VersionV8
	_, err = pp.Process(raw, Size{640, 640}, Size{640, 640})
	require.NoError(t, err)
	layout, _ := pp.Layout()
	require.True(t, layout.ChannelMajor)
}

func TestPostProcessInvalidShape(t *testing.T) {
	pp := NewPostProcessor(COCOClasses)
	raw := tensor.New(tensor.WithShape(100), tensor.WithBacking(make([]float32, 100)))
	_, err := pp.Process(raw, Size{640, 640}, Size{640, 640})
	require.ErrorIs(t, err, ErrInvalidShape)

	raw = tensor.New(tensor.WithShape(1, 3, 100), tensor.WithBacking(make([]float32, 300)))
	_, err = pp.Process(raw, Size{640, 640}, Size{640, 640})
	require.ErrorIs(t, err, ErrInvalidShape)

	_, err = pp.Process(nil, Size{640, 640}, Size{640, 640})
	require.ErrorIs(t, err, ErrInvalidShape)
}

func TestPostProcessClassLookup(t *testing.T) {
	rows := make([]float32, 0, 10*7)
	for i := 0; i < 10; i++ {
		rows = append(rows, float32(i*100), 50, 20, 20, 0, 0, 0)
	}
	// Candidate 3 belongs to class 2, which has no name
	rows[3*7+4+2] = 0.8
	raw := tensor.New(tensor.WithShape(1, 10, 7), tensor.WithBacking(rows))

	pp := NewPostProcessor([]string{"cat", "dog"})
	pp.Version = VersionV8
	dets, err := pp.Process(raw, Size{640, 640}, Size{640, 640})
	require.NoError(t, err)
	require.Len(t, dets, 1)
	require.Equal(t, 2, dets[0].LabelID)
	require.Equal(t, "", dets[0].Label)

	pp.StrictLabels = true
	_, err = pp.Process(raw, Size{640, 640}, Size{640, 640})
	var lookupErr *ClassLookupError
	require.True(t, errors.As(err, &lookupErr))
	require.Equal(t, 2, lookupErr.ClassID)
	require.ErrorIs(t, err, ErrClassLookup)
}

func TestPostProcessBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	const n = 2000
	const channels = 4 + 80
	for iter := 0; iter < 5; iter++ {
		data := make([]float32, channels*n)
		for i := 0; i < n; i++ {
			data[0*n+i] = rng.Float32() * 640
			data[1*n+i] = rng.Float32() * 640
			data[2*n+i] = 5 + rng.Float32()*100
			data[3*n+i] = 5 + rng.Float32()*100
			for c := 4; c < channels; c++ {
				data[c*n+i] = rng.Float32() * 0.35
			}
		}
		raw := tensor.New(tensor.WithShape(1, channels, n), tensor.WithBacking(data))
		pp := NewPostProcessor(COCOClasses)
		pp.Params.MaxDetections = 30 + iter
		dets, err := pp.Process(raw, Size{1920, 1080}, Size{640, 640})
		require.NoError(t, err)
		require.LessOrEqual(t, len(dets), pp.Params.MaxDetections)
		require.NotEmpty(t, dets)
		for i := 1; i < len(dets); i++ {
			require.GreaterOrEqual(t, dets[i-1].Confidence, dets[i].Confidence)
		}
	}
}

func TestPostProcessLetterboxRescale(t *testing.T) {
	// 1280x720 letterboxed into 640x640: gain 0.5, 140 pixels of padding on top
	row := make([]float32, 84)
	copy(row, []float32{320, 320, 100, 50})
	row[4+COCOPerson] = 0.7
	raw := channelMajorTensor(84, 100, map[int][]float32{0: row})
	pp := NewPostProcessor(COCOClasses)
	dets, err := pp.Process(raw, Size{1280, 720}, Size{640, 640})
	require.NoError(t, err)
	require.Len(t, dets, 1)
	require.Equal(t, "person", dets[0].Label)
	require.InDelta(t, 540, dets[0].Box.X, 1e-3)
	require.InDelta(t, 310, dets[0].Box.Y, 1e-3)
	require.InDelta(t, 200, dets[0].Box.Width, 1e-3)
	require.InDelta(t, 100, dets[0].Box.Height, 1e-3)
}

func TestPostProcessMergeMap(t *testing.T) {
	car := make([]float32, 84)
	copy(car, []float32{100, 100, 80, 40})
	car[4+COCOCar] = 0.8
	truck := make([]float32, 84)
	copy(truck, []float32{101, 100, 80, 40})
	truck[4+COCOTruck] = 0.9
	raw := channelMajorTensor(84, 100, map[int][]float32{0: car, 1: truck})

	pp := NewPostProcessor(COCOClasses)
	dets, err := pp.Process(raw, Size{640, 640}, Size{640, 640})
	require.NoError(t, err)
	require.Len(t, dets, 2)

	pp.MergeMap = COCOMergeMap
	dets, err = pp.Process(raw, Size{640, 640}, Size{640, 640})
	require.NoError(t, err)
	require.Len(t, dets, 1)
	require.Equal(t, "car", dets[0].Label)
}
