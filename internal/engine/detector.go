package engine

import (
	"fmt"
	"math"
	"strconv"

	"hrwatch/internal/config"
	"hrwatch/internal/model"
)

// Detect evaluates r against the window as it was before r is appended.
// Rules are checked low, high, delta; the first match wins.
func Detect(r model.Reading, prior []model.Reading, th config.DetectionConfig) (model.Alert, bool) {
	bpm, ok := r.Value()
	if !ok {
		return model.Alert{}, false
	}
	last, ok := lastValid(prior)
	if !ok {
		return model.Alert{}, false
	}
	switch {
	case bpm < th.LowBPM:
		return model.Alert{
			Kind:    model.AlertBradycardia,
			Message: fmt.Sprintf("Low heart rate detected: %s BPM", formatBPM(bpm)),
			Time:    r.Time,
		}, true
	case bpm > th.HighBPM:
		return model.Alert{
			Kind:    model.AlertTachycardia,
			Message: fmt.Sprintf("High heart rate detected: %s BPM", formatBPM(bpm)),
			Time:    r.Time,
		}, true
	}
	if delta := math.Abs(bpm - last); delta > th.DeltaBPM {
		return model.Alert{
			Kind:    model.AlertSuddenChange,
			Message: fmt.Sprintf("Sudden change: %s → %s (%s BPM)", formatBPM(last), formatBPM(bpm), formatBPM(delta)),
			Time:    r.Time,
		}, true
	}
	return model.Alert{}, false
}

func lastValid(readings []model.Reading) (float64, bool) {
	for i := len(readings) - 1; i >= 0; i-- {
		if v, ok := readings[i].Value(); ok {
			return v, true
		}
	}
	return 0, false
}

func formatBPM(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
