package collector

import "github.com/tejusbharadwaj/vuecollect/internal/models"

// Buffer accumulates the points of one account until they are flushed.
type Buffer struct {
	points []models.MeasurementPoint
}

func (b *Buffer) Add(p models.MeasurementPoint) {
	b.points = append(b.points, p)
}

func (b *Buffer) Len() int {
	return len(b.points)
}

// Points returns the buffered points. The slice is only valid until Reset.
func (b *Buffer) Points() []models.MeasurementPoint {
	return b.points
}

func (b *Buffer) Reset() {
	b.points = nil
}
