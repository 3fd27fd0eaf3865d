package scheduler

import (
	"fmt"
	"strings"
)

// DefaultLayerThreshold is the completion ratio every lower layer must reach
// before a higher layer opens.
const DefaultLayerThreshold = 0.8

// LayerProgress is the completion state of a single layer.
type LayerProgress struct {
	Layer     Layer   `json:"layer"`
	Total     int     `json:"total"`
	Completed int     `json:"completed"`
	Ratio     float64 `json:"ratio"` // 1.0 for an empty layer
}

func (p LayerProgress) String() string {
	return fmt.Sprintf("%s %d/%d (%.0f%%)", p.Layer, p.Completed, p.Total, p.Ratio*100)
}

// LayerValidator gates tasks on the progress of lower architectural layers,
// independent of explicit dependency edges.
type LayerValidator struct {
	threshold float64
	progress  [MaxLayer + 1]LayerProgress
}

// NewLayerValidator computes per-layer progress. A task counts as completed
// if it is in completed or reports IsCompleted itself.
func NewLayerValidator(tasks []Schedulable, completed map[string]bool, threshold float64) *LayerValidator {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultLayerThreshold
	}

	v := &LayerValidator{threshold: threshold}
	for i := range v.progress {
		v.progress[i].Layer = Layer(i)
	}

	for _, t := range tasks {
		p := &v.progress[clampLayer(t.TaskLayer())]
		p.Total++
		if completed[t.TaskID()] || t.IsCompleted() {
			p.Completed++
		}
	}

	for i := range v.progress {
		p := &v.progress[i]
		if p.Total == 0 {
			p.Ratio = 1.0
		} else {
			p.Ratio = float64(p.Completed) / float64(p.Total)
		}
	}
	return v
}

// Threshold returns the completion ratio in effect.
func (v *LayerValidator) Threshold() float64 { return v.threshold }

// Progress returns progress for every layer in ascending order.
func (v *LayerValidator) Progress() []LayerProgress {
	out := make([]LayerProgress, len(v.progress))
	copy(out, v.progress[:])
	return out
}

// BlockingLayers returns the lower layers that have not reached the threshold.
func (v *LayerValidator) BlockingLayers(layer Layer) []LayerProgress {
	var blocking []LayerProgress
	for l := LayerSkeleton; l < clampLayer(layer); l++ {
		if v.progress[l].Ratio < v.threshold {
			blocking = append(blocking, v.progress[l])
		}
	}
	return blocking
}

// CanStart reports whether the task's layer is open.
func (v *LayerValidator) CanStart(t Schedulable) bool {
	return len(v.BlockingLayers(t.TaskLayer())) == 0
}

// FormatBlocking renders blocking layers for warnings.
func FormatBlocking(blocking []LayerProgress) string {
	parts := make([]string, len(blocking))
	for i, p := range blocking {
		parts[i] = p.String()
	}
	return strings.Join(parts, ", ")
}

func clampLayer(l Layer) Layer {
	if l < LayerSkeleton {
		return LayerSkeleton
	}
	if l > MaxLayer {
		return MaxLayer
	}
	return l
}
