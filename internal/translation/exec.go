package translation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
)

type execTranslator struct {
	cmd []string
}

type execRequest struct {
	Text       string `json:"text"`
	SourceLang string `json:"source_lang"`
	TargetLang string `json:"target_lang"`
}

type execResponse struct {
	Translation string `json:"translation"`
	Error       string `json:"error,omitempty"`
}

// NewExecTranslator runs command once per request, writing a JSON request to
// its stdin and reading {"translation": "..."} from stdout.
func NewExecTranslator(command string) (Translator, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse translation command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("translation command empty")
	}
	return &execTranslator{cmd: args}, nil
}

func (t *execTranslator) Translate(ctx context.Context, req Request) (string, error) {
	input, err := json.Marshal(execRequest{Text: req.Text, SourceLang: req.SourceLang, TargetLang: req.TargetLang})
	if err != nil {
		return "", err
	}

	cmd := exec.CommandContext(ctx, t.cmd[0], t.cmd[1:]...)
	cmd.WaitDelay = time.Second
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("translation command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var resp execResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		return "", fmt.Errorf("decode translation response: %w", err)
	}
	if resp.Error != "" {
		return "", fmt.Errorf("translation command: %s", resp.Error)
	}
	return strings.TrimSpace(resp.Translation), nil
}
