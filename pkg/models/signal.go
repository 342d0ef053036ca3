package models

import (
	"fmt"
	"time"
)

// Mode captures what kind of work a message is asking for.
type Mode string

const (
	ModeExecute  Mode = "execute"
	ModeAssist   Mode = "assist"
	ModeAnalyze  Mode = "analyze"
	ModeBuild    Mode = "build"
	ModeMaintain Mode = "maintain"
)

// Genre captures the speech act of a message.
type Genre string

const (
	GenreDirect  Genre = "direct"
	GenreInform  Genre = "inform"
	GenreCommit  Genre = "commit"
	GenreDecide  Genre = "decide"
	GenreExpress Genre = "express"
)

// SignalType captures the content category of a message.
type SignalType string

const (
	TypeQuestion   SignalType = "question"
	TypeIssue      SignalType = "issue"
	TypeScheduling SignalType = "scheduling"
	TypeSummary    SignalType = "summary"
	TypeGeneral    SignalType = "general"
)

// Format captures the delivery shape of a message, derived from its channel.
type Format string

const (
	FormatMessage      Format = "message"
	FormatDocument     Format = "document"
	FormatNotification Format = "notification"
	FormatCommand      Format = "command"
	FormatTranscript   Format = "transcript"
)

// Signal is the immutable five-tuple classification produced once per
// inbound message. All four categorical fields are members of closed sets
// and Weight is clamped to [0, 1].
type Signal struct {
	Mode      Mode       `json:"mode"`
	Genre     Genre      `json:"genre"`
	Type      SignalType `json:"type"`
	Format    Format     `json:"format"`
	Weight    float64    `json:"weight"`
	Channel   string     `json:"channel"`
	Timestamp time.Time  `json:"timestamp"`
}

// Validate reports whether every categorical field holds a member of its
// closed set and the weight is within bounds.
func (s Signal) Validate() error {
	switch s.Mode {
	case ModeExecute, ModeAssist, ModeAnalyze, ModeBuild, ModeMaintain:
	default:
		return fmt.Errorf("signal: invalid mode %q", s.Mode)
	}
	switch s.Genre {
	case GenreDirect, GenreInform, GenreCommit, GenreDecide, GenreExpress:
	default:
		return fmt.Errorf("signal: invalid genre %q", s.Genre)
	}
	switch s.Type {
	case TypeQuestion, TypeIssue, TypeScheduling, TypeSummary, TypeGeneral:
	default:
		return fmt.Errorf("signal: invalid type %q", s.Type)
	}
	switch s.Format {
	case FormatMessage, FormatDocument, FormatNotification, FormatCommand, FormatTranscript:
	default:
		return fmt.Errorf("signal: invalid format %q", s.Format)
	}
	if s.Weight < 0 || s.Weight > 1 {
		return fmt.Errorf("signal: weight %v out of range", s.Weight)
	}
	return nil
}

// ClampWeight bounds w to [0, 1].
func ClampWeight(w float64) float64 {
	if w < 0 {
		return 0
	}
	if w > 1 {
		return 1
	}
	return w
}
