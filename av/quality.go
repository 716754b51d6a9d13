package av

import "fmt"

// QualityLevel represents the overall stream quality assessment.
type QualityLevel int

const (
	// QualityExcellent indicates essentially no audible loss
	QualityExcellent QualityLevel = iota
	// QualityGood indicates occasional concealed packets
	QualityGood
	// QualityFair indicates noticeable dropouts
	QualityFair
	// QualityPoor indicates frequent dropouts
	QualityPoor
	// QualityUnacceptable indicates the stream is mostly concealment
	QualityUnacceptable
)

// String returns the string representation of QualityLevel.
func (q QualityLevel) String() string {
	switch q {
	case QualityExcellent:
		return "Excellent"
	case QualityGood:
		return "Good"
	case QualityFair:
		return "Fair"
	case QualityPoor:
		return "Poor"
	case QualityUnacceptable:
		return "Unacceptable"
	default:
		return fmt.Sprintf("Unknown(%d)", int(q))
	}
}

// QualityThresholds are upper bounds, in percent of emitted frames, on the
// frames that had to be concealed for each level.
type QualityThresholds struct {
	ExcellentLoss float64 // < 1.0%
	GoodLoss      float64 // < 3.0%
	FairLoss      float64 // < 8.0%
	PoorLoss      float64 // < 15.0%
}

// DefaultQualityThresholds returns the VoIP style defaults.
func DefaultQualityThresholds() QualityThresholds {
	return QualityThresholds{
		ExcellentLoss: 1.0,
		GoodLoss:      3.0,
		FairLoss:      8.0,
		PoorLoss:      15.0,
	}
}

// LossPercent returns concealed frames as a percentage of all emitted
// frames, or 0 before anything was emitted.
func (s MetricsSnapshot) LossPercent() float64 {
	total := s.FramesDecoded + s.FramesConcealed
	if total == 0 {
		return 0
	}
	return float64(s.FramesConcealed) / float64(total) * 100.0
}

// Quality grades the snapshot against the thresholds.
func (s MetricsSnapshot) Quality(t QualityThresholds) QualityLevel {
	loss := s.LossPercent()
	switch {
	case loss < t.ExcellentLoss:
		return QualityExcellent
	case loss < t.GoodLoss:
		return QualityGood
	case loss < t.FairLoss:
		return QualityFair
	case loss < t.PoorLoss:
		return QualityPoor
	default:
		return QualityUnacceptable
	}
}
