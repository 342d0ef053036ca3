package signal

import "testing"

func TestFilterTiers(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		noise  bool
		reason NoiseReason
	}{
		{"empty", "", true, NoiseEmpty},
		{"whitespace only", "   \t\n ", true, NoiseEmpty},
		{"greeting", "hi", true, NoisePatternMatch},
		{"greeting with punctuation", "Hey!", true, NoisePatternMatch},
		{"thanks", "Thanks.", true, NoisePatternMatch},
		{"two letter ack", "no", true, NoisePatternMatch},
		{"too short", "zz", true, NoiseTooShort},
		{"single char", "a", true, NoiseTooShort},
		{"ack phrase", "ok thanks", true, NoiseLowWeight},
		{"real question", "what time is it in Tokyo?", false, ""},
		{"real request", "deploy the latest build to staging", false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Filter(tt.text)
			if v.Noise != tt.noise {
				t.Fatalf("Filter(%q).Noise = %v, want %v", tt.text, v.Noise, tt.noise)
			}
			if v.Reason != tt.reason {
				t.Errorf("Filter(%q).Reason = %q, want %q", tt.text, v.Reason, tt.reason)
			}
		})
	}
}

// The filtered event for "hi" must still carry the classifier weight.
func TestFilterReportsWeight(t *testing.T) {
	v := Filter("hi")
	if !approx(v.Weight, 0.204) {
		t.Errorf("Filter(hi).Weight = %v, want 0.204", v.Weight)
	}

	v = Filter("ok thanks")
	if !approx(v.Weight, 0.218) {
		t.Errorf("Filter(ok thanks).Weight = %v, want 0.218", v.Weight)
	}
}

// Weights in the uncertain band [0.3, 0.6) pass through; the model is the
// tiebreaker, not the filter.
func TestFilterUncertainBandPasses(t *testing.T) {
	text := "maybe later then" // 0.5 + 16/500, scheduling keyword but no bonus
	v := Filter(text)
	if v.Noise {
		t.Fatalf("Filter(%q) = noise %q, want signal", text, v.Reason)
	}
	if v.Weight < MinWeight || v.Weight >= 0.6 {
		t.Fatalf("Filter(%q).Weight = %v, want inside [0.3, 0.6)", text, v.Weight)
	}
}

// The filter contract: noise iff empty, under three characters,
// an exact acknowledgement, or weight below the floor.
func TestFilterIff(t *testing.T) {
	passing := []string{
		"summarize the incident report",
		"why did the deploy fail?",
		"run the migration please",
	}
	for _, text := range passing {
		if v := Filter(text); v.Noise {
			t.Errorf("Filter(%q) = noise %q, want signal", text, v.Reason)
		}
	}
}
