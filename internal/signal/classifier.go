// Package signal implements the inbound message pipeline: a pure five-tuple
// classifier and a two-tier noise filter. Classification is deterministic
// and does no I/O; every inbound message passes through here exactly once
// before it can reach an agent loop.
package signal

import (
	"regexp"
	"strings"
	"time"

	"github.com/miosa-osa/osa/pkg/models"
)

// Keyword families are matched case-insensitively on word boundaries so
// that substrings never fire across words ("reset" must not match "set").
func wordSet(words ...string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)\b(` + strings.Join(words, "|") + `)\b`)
}

// Mode families, checked in order; first hit wins, fallthrough is assist.
var modeFamilies = []struct {
	mode models.Mode
	re   *regexp.Regexp
}{
	{models.ModeBuild, wordSet("build", "create", "implement", "develop", "scaffold", "generate", "write")},
	{models.ModeExecute, wordSet("run", "execute", "deploy", "launch", "start", "stop", "restart", "install")},
	{models.ModeAnalyze, wordSet("analyze", "analyse", "check", "review", "investigate", "debug", "inspect", "evaluate", "compare")},
	{models.ModeMaintain, wordSet("fix", "update", "upgrade", "refactor", "clean", "patch", "migrate", "maintain", "reset")},
}

// Genre rules, checked in order; first hit wins, default is inform.
var (
	directWords  = wordSet("please", "run", "make")
	commitWords  = wordSet("i will", "i'll", "let me", "i promise")
	decideWords  = wordSet("approve", "reject", "confirm", "cancel", "set")
	expressWords = wordSet("thanks", "thank you", "love", "great", "terrible", "awesome", "awful")
)

// Type rules. The question mark outranks everything else.
var (
	interrogativeWords = wordSet("what", "how", "why", "when", "where")
	issueWords         = wordSet("error", "errors", "bug", "bugs", "broken", "fail", "fails", "failed", "failing", "crash", "crashes", "crashed", "crashing")
	schedulingWords    = wordSet("remind", "reminder", "schedule", "scheduled", "later", "tomorrow", "tonight")
	summaryWords       = wordSet("summarize", "summarise", "summary", "recap", "tldr")
)

// Urgency keywords add a flat weight bonus.
var urgencyWords = wordSet("urgent", "asap", "critical", "emergency", "immediately")

// Acknowledgement, greeting, and reaction vocabulary. ackExact matches a
// single such token as the whole message (optional trailing punctuation)
// and is the noise filter's pattern tier. ackPhrase matches a message made
// up entirely of these tokens and drives the weight penalty; only whole
// messages penalize, never substrings.
const ackWords = `hi|hiya|hello|hey|yo|sup|thanks|thank you|thx|ty|ok|okay|kk?|yes|no|yep|nope|yeah|nah|sure|cool|nice|great|lol|lmao|haha|hmm|wow|bye|goodbye|good morning|good night|gm|gn`

var (
	ackExact  = regexp.MustCompile(`(?i)^(` + ackWords + `)[.!?]*$`)
	ackPhrase = regexp.MustCompile(`(?i)^(` + ackWords + `)([\s,]+(` + ackWords + `))*[.!?]*$`)
)

// Classify produces the five-tuple signal for an inbound message. It is
// deterministic apart from the timestamp; see ClassifyAt.
func Classify(text, channel string) models.Signal {
	return ClassifyAt(text, channel, time.Now().UTC())
}

// ClassifyAt is Classify with an injected timestamp, for callers that need
// reproducible output.
func ClassifyAt(text, channel string, at time.Time) models.Signal {
	return models.Signal{
		Mode:      classifyMode(text),
		Genre:     classifyGenre(text),
		Type:      classifyType(text),
		Format:    formatFor(channel),
		Weight:    Weigh(text),
		Channel:   channel,
		Timestamp: at.UTC(),
	}
}

func classifyMode(text string) models.Mode {
	for _, fam := range modeFamilies {
		if fam.re.MatchString(text) {
			return fam.mode
		}
	}
	return models.ModeAssist
}

func classifyGenre(text string) models.Genre {
	trimmed := strings.TrimSpace(text)
	switch {
	case directWords.MatchString(trimmed) || strings.HasSuffix(trimmed, "!"):
		return models.GenreDirect
	case commitWords.MatchString(trimmed):
		return models.GenreCommit
	case decideWords.MatchString(trimmed):
		return models.GenreDecide
	case expressWords.MatchString(trimmed):
		return models.GenreExpress
	default:
		return models.GenreInform
	}
}

func classifyType(text string) models.SignalType {
	switch {
	case strings.Contains(text, "?") || interrogativeWords.MatchString(text):
		return models.TypeQuestion
	case issueWords.MatchString(text):
		return models.TypeIssue
	case schedulingWords.MatchString(text):
		return models.TypeScheduling
	case summaryWords.MatchString(text):
		return models.TypeSummary
	default:
		return models.TypeGeneral
	}
}

func formatFor(channel string) models.Format {
	switch channel {
	case "cli":
		return models.FormatCommand
	case "webhook":
		return models.FormatNotification
	case "filesystem":
		return models.FormatDocument
	default:
		return models.FormatMessage
	}
}

// Weigh computes the bounded signal weight:
//
//	base 0.5
//	+ min(len/500, 0.2)        length bonus
//	+ 0.15                     question mark present
//	+ 0.2                      urgency keyword present
//	- 0.3                      exact acknowledgement match
//
// clamped to [0, 1].
func Weigh(text string) float64 {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}

	w := 0.5

	bonus := float64(len(trimmed)) / 500.0
	if bonus > 0.2 {
		bonus = 0.2
	}
	w += bonus

	if strings.Contains(trimmed, "?") {
		w += 0.15
	}
	if urgencyWords.MatchString(trimmed) {
		w += 0.2
	}
	if ackPhrase.MatchString(trimmed) {
		w -= 0.3
	}

	return models.ClampWeight(w)
}
