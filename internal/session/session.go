// Package session coordinates a live capture session: audio capture,
// streaming recognition with recovery, debounced translation and the final
// upload, all mutated from a single event loop.
package session

import (
	"fmt"
	"time"

	"github.com/sgu731/studycap/internal/transcription"
	"github.com/sgu731/studycap/internal/translation"
)

type State int

const (
	Idle State = iota
	Recording
	Paused
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case Paused:
		return "paused"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Segment is one piece of transcript. Final segments never change.
type Segment struct {
	Text       string    `json:"text"`
	Final      bool      `json:"final"`
	ReceivedAt time.Time `json:"received_at"`
}

// Session is the live session aggregate, owned by the controller loop.
type Session struct {
	ID                  string
	State               State
	StartedAt           time.Time
	ElapsedSeconds      int
	Transcript          []Segment
	Interim             string
	Translation         []string
	RecognitionLanguage string
	TranslationLanguage string
	Failure             error

	// translated counts the transcript segments already handed to translation.
	translated int
}

func (s *Session) appendFinal(text string, at time.Time) Segment {
	seg := Segment{Text: text, Final: true, ReceivedAt: at}
	s.Transcript = append(s.Transcript, seg)
	s.Interim = ""
	return seg
}

// untranslated returns the transcript text not yet dispatched for
// translation and the cursor that covers it.
func (s *Session) untranslated() (string, int) {
	if s.translated >= len(s.Transcript) {
		return "", s.translated
	}
	parts := make([]string, 0, len(s.Transcript)-s.translated)
	for _, seg := range s.Transcript[s.translated:] {
		parts = append(parts, seg.Text)
	}
	return translation.Join(s.RecognitionLanguage, parts), len(s.Transcript)
}

func (s *Session) finalTexts() []string {
	out := make([]string, 0, len(s.Transcript))
	for _, seg := range s.Transcript {
		out = append(out, seg.Text)
	}
	return out
}

func (s *Session) active() bool {
	return s.State == Recording || s.State == Paused
}

// Snapshot is a read-only copy of the observable session state.
type Snapshot struct {
	ID                  string                `json:"id,omitempty"`
	State               string                `json:"state"`
	IsRecording         bool                  `json:"is_recording"`
	IsPaused            bool                  `json:"is_paused"`
	StartedAt           time.Time             `json:"started_at,omitempty"`
	ElapsedSeconds      int                   `json:"elapsed_seconds"`
	Transcript          []Segment             `json:"transcript"`
	InterimText         string                `json:"interim_text,omitempty"`
	Translation         []string              `json:"translation"`
	RecognitionLanguage string                `json:"recognition_language,omitempty"`
	TranslationLanguage string                `json:"translation_language,omitempty"`
	Engine              transcription.Runtime `json:"engine"`
	Failure             string                `json:"failure,omitempty"`
}

func (s *Session) snapshot(engine transcription.Runtime) Snapshot {
	snap := Snapshot{
		ID:                  s.ID,
		State:               s.State.String(),
		IsRecording:         s.active(),
		IsPaused:            s.State == Paused,
		StartedAt:           s.StartedAt,
		ElapsedSeconds:      s.ElapsedSeconds,
		Transcript:          append([]Segment(nil), s.Transcript...),
		InterimText:         s.Interim,
		Translation:         append([]string(nil), s.Translation...),
		RecognitionLanguage: s.RecognitionLanguage,
		TranslationLanguage: s.TranslationLanguage,
		Engine:              engine,
	}
	if s.Failure != nil {
		snap.Failure = s.Failure.Error()
	}
	return snap
}

func defaultTitle(startedAt time.Time) string {
	return "Recording " + startedAt.Local().Format("2006-01-02 15:04")
}
