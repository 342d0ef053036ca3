package signal

import (
	"math"
	"testing"
	"time"

	"github.com/miosa-osa/osa/pkg/models"
)

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestClassifyMode(t *testing.T) {
	tests := []struct {
		text string
		want models.Mode
	}{
		{"create a login page", models.ModeBuild},
		{"deploy the service to staging", models.ModeExecute},
		{"check the logs for anomalies", models.ModeAnalyze},
		{"fix the flaky test", models.ModeMaintain},
		{"tell me a story", models.ModeAssist},
		// Families are ordered; build outranks execute.
		{"create and deploy the site", models.ModeBuild},
	}
	for _, tt := range tests {
		if got := classifyMode(tt.text); got != tt.want {
			t.Errorf("classifyMode(%q) = %q, want %q", tt.text, got, tt.want)
		}
	}
}

func TestClassifyGenre(t *testing.T) {
	tests := []struct {
		text string
		want models.Genre
	}{
		{"please restart it", models.GenreDirect},
		{"do it now!", models.GenreDirect},
		{"i will handle it", models.GenreCommit},
		{"approve the request", models.GenreDecide},
		{"thanks for everything", models.GenreExpress},
		{"the sky is blue", models.GenreInform},
	}
	for _, tt := range tests {
		if got := classifyGenre(tt.text); got != tt.want {
			t.Errorf("classifyGenre(%q) = %q, want %q", tt.text, got, tt.want)
		}
	}
}

// Keyword matching is word-boundary aware: "reset" must not fire the
// decide rule through its "set" suffix.
func TestClassifyWordBoundaries(t *testing.T) {
	if got := classifyGenre("reset the server"); got != models.GenreInform {
		t.Errorf("classifyGenre(reset...) = %q, want inform", got)
	}
	if got := classifyMode("reset the server"); got != models.ModeMaintain {
		t.Errorf("classifyMode(reset...) = %q, want maintain", got)
	}
	if got := classifyGenre("preset values look wrong"); got != models.GenreInform {
		t.Errorf("classifyGenre(preset...) = %q, want inform", got)
	}
}

func TestClassifyType(t *testing.T) {
	tests := []struct {
		text string
		want models.SignalType
	}{
		{"what time is it in Tokyo?", models.TypeQuestion},
		{"how does this work", models.TypeQuestion},
		{"the build is broken", models.TypeIssue},
		{"remind me tomorrow", models.TypeScheduling},
		{"summarize this thread", models.TypeSummary},
		{"here is the report", models.TypeGeneral},
		// The question mark outranks issue keywords.
		{"is the error gone?", models.TypeQuestion},
	}
	for _, tt := range tests {
		if got := classifyType(tt.text); got != tt.want {
			t.Errorf("classifyType(%q) = %q, want %q", tt.text, got, tt.want)
		}
	}
}

func TestFormatForChannel(t *testing.T) {
	tests := []struct {
		channel string
		want    models.Format
	}{
		{"cli", models.FormatCommand},
		{"webhook", models.FormatNotification},
		{"filesystem", models.FormatDocument},
		{"telegram", models.FormatMessage},
		{"", models.FormatMessage},
	}
	for _, tt := range tests {
		if got := formatFor(tt.channel); got != tt.want {
			t.Errorf("formatFor(%q) = %q, want %q", tt.channel, got, tt.want)
		}
	}
}

func TestWeigh(t *testing.T) {
	tests := []struct {
		text string
		want float64
	}{
		{"hi", 0.204},                          // 0.5 + 2/500 - 0.3
		{"ok thanks", 0.218},                   // 0.5 + 9/500 - 0.3
		{"what time is it in Tokyo?", 0.7},     // 0.5 + 25/500 + 0.15
		{"urgent: fix the build now", 0.75},    // 0.5 + 25/500 + 0.2
		{"", 0},                                // empty stays zero
		{"is this urgent? reply asap!!", 0.906}, // 0.5 + 28/500 + 0.15 + 0.2
	}
	for _, tt := range tests {
		if got := Weigh(tt.text); !approx(got, tt.want) {
			t.Errorf("Weigh(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestWeighClamped(t *testing.T) {
	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'a'
	}
	text := "urgent? " + string(long)
	if got := Weigh(text); got > 1 {
		t.Errorf("Weigh() = %v, want <= 1", got)
	}
}

// Same input must produce byte-identical output.
func TestClassifyAtDeterministic(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := ClassifyAt("deploy the fix, it's urgent!", "cli", at)
	b := ClassifyAt("deploy the fix, it's urgent!", "cli", at)
	if a != b {
		t.Fatalf("ClassifyAt() not deterministic: %+v vs %+v", a, b)
	}
}

// Every classification lands inside the closed sets with a bounded weight.
func TestClassifyAlwaysValid(t *testing.T) {
	texts := []string{
		"", "hi", "??", "do it now!", "create deploy analyze fix",
		"URGENT!!! everything is broken and crashing",
		"let me summarize tomorrow's schedule",
		"\t  weird   whitespace\n\n", "émoji ünïcode ✓",
	}
	channels := []string{"cli", "webhook", "filesystem", "telegram", "http", ""}
	for _, text := range texts {
		for _, channel := range channels {
			s := Classify(text, channel)
			if err := s.Validate(); err != nil {
				t.Errorf("Classify(%q, %q) invalid: %v", text, channel, err)
			}
		}
	}
}
