// Package translation turns finalized transcript text into the session's
// target language through a debounced pipeline and pluggable backends.
package translation

import (
	"context"
	"strings"
)

// Request is a single translation call.
type Request struct {
	Text       string
	SourceLang string
	TargetLang string
}

// Translator is a translation backend.
type Translator interface {
	Translate(ctx context.Context, req Request) (string, error)
}

// SameLanguage reports whether translating from source to target would be a
// no-op: the tags are equal, or target is a regional variant of source (en to
// en-US). The reverse direction is a real translation (zh-TW to zh).
func SameLanguage(source, target string) bool {
	source = normalizeTag(source)
	target = normalizeTag(target)
	if source == "" || target == "" {
		return source == target
	}
	return source == target || strings.HasPrefix(target, source+"-")
}

// Join concatenates transcript segments the way the language writes them:
// scripts without word spacing are joined directly, others with a space.
func Join(lang string, parts []string) string {
	sep := " "
	switch baseLanguage(lang) {
	case "zh", "ja", "th", "lo", "km", "my":
		sep = ""
	}
	trimmed := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			trimmed = append(trimmed, part)
		}
	}
	return strings.Join(trimmed, sep)
}

func normalizeTag(tag string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(tag), "_", "-"))
}

func baseLanguage(tag string) string {
	tag = normalizeTag(tag)
	if i := strings.IndexByte(tag, '-'); i >= 0 {
		return tag[:i]
	}
	return tag
}
