package optical

import (
	"sort"

	"github.com/banshee-data/resofly/internal/lifeform"
)

// SuppressOverlaps performs greedy non-maximum suppression: detections are
// visited by descending confidence and any later box overlapping a kept box
// with IoU >= iouThreshold is dropped. The input slice is not modified.
func SuppressOverlaps(dets []lifeform.Detection, iouThreshold float64) []lifeform.Detection {
	if len(dets) <= 1 {
		return append([]lifeform.Detection(nil), dets...)
	}
	sorted := append([]lifeform.Detection(nil), dets...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})

	keep := make([]lifeform.Detection, 0, len(sorted))
	for _, d := range sorted {
		suppressed := false
		for _, k := range keep {
			if lifeform.IoU(k.BBox, d.BBox) >= iouThreshold {
				suppressed = true
				break
			}
		}
		if !suppressed {
			keep = append(keep, d)
		}
	}
	return keep
}
