package detector

import (
	"fmt"

	"github.com/cyclopcam/livedetect/pkg/engine"
	"github.com/cyclopcam/livedetect/pkg/reconfig"
)

// ApplyCommand is called by the pump between frames
func (d *Detector) ApplyCommand(cmd reconfig.Command) error {
	switch cmd.Kind {
	case reconfig.KindSetDevice:
		if err := d.engine.To(engine.Device(cmd.Device), d.opt.DType); err != nil {
			return err
		}
		d.opt.Device = engine.Device(cmd.Device)
	case reconfig.KindSetDType:
		if err := d.engine.To(d.opt.Device, engine.DType(cmd.DType)); err != nil {
			return err
		}
		d.opt.DType = engine.DType(cmd.DType)
	case reconfig.KindSetThresholds:
		d.setParams(d.post.Params.Merge(cmd.Thresholds))
		d.Log.Infof("Thresholds now conf=%v iou=%v maxDet=%v", d.post.Params.ConfidenceThreshold, d.post.Params.NmsIouThreshold, d.post.Params.MaxDetections)
		if d.render != nil && d.post.Params.MaxDetections > d.render.Capacity() {
			d.Log.Warnf("Overlay can only draw %v objects, but up to %v may be detected", d.render.Capacity(), d.post.Params.MaxDetections)
		}
	case reconfig.KindLoadModel:
		if err := d.loadModel(cmd.ModelPath, cmd.ClassesPath); err != nil {
			return err
		}
		d.opt.ModelPath = cmd.ModelPath
		d.opt.ClassesPath = cmd.ClassesPath
	case reconfig.KindSetAlignCenter:
		d.post.AlignCenter = cmd.AlignCenter
	default:
		return fmt.Errorf("unknown command %v", cmd)
	}
	return nil
}

var _ reconfig.Applier = (*Detector)(nil)
