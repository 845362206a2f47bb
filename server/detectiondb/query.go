package detectiondb

import "time"

// Recent returns the most recently recorded frames, newest first
func (d *DetectionDB) Recent(limit int) ([]DetectionFrame, error) {
	frames := []DetectionFrame{}
	if err := d.db.Order("id DESC").Limit(limit).Find(&frames).Error; err != nil {
		return nil, err
	}
	return frames, nil
}

// LabelCounts returns the number of times each label was detected since the given time
func (d *DetectionDB) LabelCounts(since time.Time) (map[string]int, error) {
	frames := []DetectionFrame{}
	if err := d.db.Where("time >= ? AND num_objects > 0", since.UnixMilli()).Find(&frames).Error; err != nil {
		return nil, err
	}
	counts := map[string]int{}
	for _, f := range frames {
		if f.Objects == nil {
			continue
		}
		for _, obj := range f.Objects.Data {
			counts[obj.Label]++
		}
	}
	return counts, nil
}
