package datapoint

import (
	"github.com/sirupsen/logrus"

	"github.com/tejusbharadwaj/vuecollect/internal/models"
)

// Dump logs every point as encoded by enc at trace level.
func Dump(logger *logrus.Logger, label string, points []models.MeasurementPoint, enc Encoder) {
	if !logger.IsLevelEnabled(logrus.TraceLevel) {
		return
	}
	logger.WithField("points", len(points)).Trace(label)
	for _, p := range points {
		logger.Trace("  " + enc.Encode(p).String())
	}
}
