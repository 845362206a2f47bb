package reconfig

import (
	"errors"
	"sync"
	"testing"

	"github.com/cyclopcam/livedetect/pkg/nn"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	applied []Command
	failOn  Kind
	q       *Queue
}

func (r *recorder) ApplyCommand(cmd Command) error {
	r.applied = append(r.applied, cmd)
	if r.q != nil {
		// Re-entrant enqueue must wait for the next drain
		r.q.Enqueue(SetDevice("late"))
		r.q = nil
	}
	if cmd.Kind == r.failOn {
		return errors.New("nope")
	}
	return nil
}

func TestDrainFIFO(t *testing.T) {
	q := &Queue{}
	q.Enqueue(SetDevice("cuda:0"))
	q.Enqueue(SetThresholds(nn.DetectionParams{ConfidenceThreshold: 0.5}))
	q.Enqueue(LoadModel("yolov8n.onnx", ""))
	require.Equal(t, 3, q.Len())
	require.Len(t, q.Pending(), 3)

	r := &recorder{failOn: KindSetThresholds, q: q}
	errs := q.Drain(r)
	require.Len(t, errs, 1)
	require.Contains(t, errs[0].Error(), "SetThresholds")
	require.Equal(t, []Kind{KindSetDevice, KindSetThresholds, KindLoadModel}, []Kind{r.applied[0].Kind, r.applied[1].Kind, r.applied[2].Kind})

	require.Equal(t, 1, q.Len())
	require.Empty(t, q.Drain(r))
	require.Equal(t, "late", r.applied[3].Device)
	require.Equal(t, 0, q.Len())
}

func TestConcurrentEnqueue(t *testing.T) {
	q := &Queue{}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				q.Enqueue(SetAlignCenter(j%2 == 0))
			}
		}()
	}
	wg.Wait()
	r := &recorder{failOn: -1}
	q.Drain(r)
	require.Len(t, r.applied, 800)
}
