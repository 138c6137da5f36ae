package translation

import (
	"context"
	"strings"
)

type mockTranslator struct{}

// NewMockTranslator returns a backend that tags the text with the target language.
func NewMockTranslator() Translator { return &mockTranslator{} }

func (m *mockTranslator) Translate(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return "[" + req.TargetLang + "] " + strings.TrimSpace(req.Text), nil
}
