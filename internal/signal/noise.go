package signal

import "strings"

// NoiseReason explains why the filter rejected a message.
type NoiseReason string

const (
	NoiseEmpty        NoiseReason = "empty"
	NoiseTooShort     NoiseReason = "too_short"
	NoisePatternMatch NoiseReason = "pattern_match"
	NoiseLowWeight    NoiseReason = "low_weight"
)

// MinWeight is the floor below which a classified message is dropped as
// noise. Weights in [MinWeight, 0.6) still pass; the model is the
// tiebreaker for the uncertain band.
const MinWeight = 0.3

// Verdict is the outcome of the noise filter. Weight is populated for
// every non-empty input, including rejected ones, so filtered events can
// still report it.
type Verdict struct {
	Noise  bool
	Reason NoiseReason
	Weight float64
}

// Filter gates an inbound message before classification reaches the loop.
// The acknowledgement pattern is checked before the length gate so short
// greetings report the more specific reason.
func Filter(text string) Verdict {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Verdict{Noise: true, Reason: NoiseEmpty}
	}
	if ackExact.MatchString(trimmed) {
		return Verdict{Noise: true, Reason: NoisePatternMatch, Weight: Weigh(text)}
	}
	if len(trimmed) < 3 {
		return Verdict{Noise: true, Reason: NoiseTooShort, Weight: Weigh(text)}
	}

	w := Weigh(text)
	if w < MinWeight {
		return Verdict{Noise: true, Reason: NoiseLowWeight, Weight: w}
	}
	return Verdict{Weight: w}
}
