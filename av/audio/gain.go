package audio

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// MaxGain is the largest accepted linear gain (+12 dB).
const MaxGain = 4.0

// Gain applies a linear volume multiplier to PCM with clipping protection.
// 0.0 is silence, 1.0 is unity.
type Gain struct {
	factor float64
}

// NewGain validates and creates a gain stage.
//
// Parameters:
//   - factor: Linear multiplier in [0, MaxGain]
//
// Returns:
//   - *Gain: The gain stage
//   - error: Validation error for out of range factors
func NewGain(factor float64) (*Gain, error) {
	if factor < 0.0 || factor > MaxGain {
		logrus.WithFields(logrus.Fields{
			"function": "NewGain",
			"gain":     factor,
		}).Error("Gain validation failed")
		return nil, fmt.Errorf("gain must be in [0, %.1f]: %f", MaxGain, factor)
	}
	return &Gain{factor: factor}, nil
}

// Factor returns the multiplier.
func (g *Gain) Factor() float64 {
	return g.factor
}

// Apply scales samples in place and returns how many were clipped.
func (g *Gain) Apply(samples []int16) int {
	if g.factor == 1.0 {
		return 0
	}
	clipped := scaleSamples(samples, g.factor)
	if clipped > 0 {
		logrus.WithFields(logrus.Fields{
			"function":      "Gain.Apply",
			"clipped_count": clipped,
			"total_samples": len(samples),
			"gain":          g.factor,
		}).Debug("Audio clipping during gain processing")
	}
	return clipped
}

func scaleSamples(samples []int16, factor float64) int {
	clipped := 0
	for i, s := range samples {
		v := float64(s) * factor
		switch {
		case v > 32767.0:
			samples[i] = 32767
			clipped++
		case v < -32768.0:
			samples[i] = -32768
			clipped++
		default:
			samples[i] = int16(v)
		}
	}
	return clipped
}
