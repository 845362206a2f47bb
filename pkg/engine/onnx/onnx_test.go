package onnx

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/cyclopcam/livedetect/pkg/engine"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

// These tests need the onnxruntime shared library, eg
// ONNXRUNTIME_LIB=/usr/lib/libonnxruntime.so go test ./pkg/engine/onnx
func testEngine(t *testing.T) *Engine {
	lib := os.Getenv("ONNXRUNTIME_LIB")
	if lib == "" {
		t.Skip("ONNXRUNTIME_LIB not set")
	}
	e, err := New(logs.NewTestingLog(t), Options{LibraryPath: lib})
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func TestLoadMissing(t *testing.T) {
	e := testEngine(t)
	err := e.Load(filepath.Join(t.TempDir(), "missing.onnx"))
	require.Error(t, err)
	require.True(t, errors.Is(err, engine.ErrModelLoad))
	require.True(t, errors.Is(err, os.ErrNotExist))
}

func TestToValidation(t *testing.T) {
	e := testEngine(t)
	require.True(t, errors.Is(e.To(engine.DeviceCPU, engine.Float16), engine.ErrUnsupported))
	require.True(t, errors.Is(e.To("tpu", engine.Float32), engine.ErrUnsupported))
	// Nothing loaded yet, so switching devices only records the choice
	require.NoError(t, e.To("cuda:0", engine.Float32))
	require.Equal(t, engine.Device("cuda:0"), e.device)
}

func TestForwardWithoutModel(t *testing.T) {
	e := testEngine(t)
	_, err := e.Forward(nil)
	require.ErrorIs(t, err, engine.ErrNotLoaded)
}

func TestModel(t *testing.T) {
	e := testEngine(t)
	model := os.Getenv("ONNX_TEST_MODEL")
	if model == "" {
		t.Skip("ONNX_TEST_MODEL not set")
	}
	require.NoError(t, e.Load(model))
	require.True(t, e.InputSize().IsValid())
}
