package nn

import (
	flatbush "github.com/bmharper/flatbush-go"
)

// Scan all pairs of detections in 'input', and if they have a high IoU, and their labels are specified in 'mergeMap',
// then merge them into a single detection.
// Returns the indices of the detections that should be retained, in their original order.
func MergeSimilarObjects(input []Detection, mergeMap map[string]string, minIoU float32) []int {
	if len(mergeMap) == 0 || len(input) < 2 {
		retain := make([]int, len(input))
		for i := range input {
			retain[i] = i
		}
		return retain
	}

	// Create spatial index to avoid O(N^2) comparisons
	fb := flatbush.NewFlatbush[float32]()
	fb.Reserve(len(input))
	for _, d := range input {
		fb.Add(d.Box.X, d.Box.Y, d.Box.X2(), d.Box.Y2())
	}
	fb.Finish()

	// The detections that we've already merged
	deleted := map[int]bool{}
	nChanged := 1

	for nChanged != 0 {
		nChanged = 0
		for i, in := range input {
			if deleted[i] {
				continue
			}
			expectOtherLabel, ok := mergeMap[in.Label]
			if !ok {
				continue
			}
			for _, j := range fb.Search(in.Box.X, in.Box.Y, in.Box.X2(), in.Box.Y2()) {
				if i == j || deleted[j] {
					continue
				}
				if input[j].Label != expectOtherLabel {
					continue
				}
				if in.Box.IOU(input[j].Box) >= minIoU {
					// Delete the label on the 'left' of the map. So if the map says {"truck": "car"},
					// then we delete 'truck' and keep 'car'.
					deleted[i] = true
					nChanged++
					break
				}
			}
		}
	}

	retain := make([]int, 0, len(input))
	for i := range input {
		if !deleted[i] {
			retain = append(retain, i)
		}
	}
	return retain
}
