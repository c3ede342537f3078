package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"
)

// Exec is a Provider that shells out to a local synthesis command. The
// request is written to the command's stdin as one JSON object and the
// encoded audio is read from stdout. Calls are serialized since local
// engines rarely tolerate concurrent invocations.
type Exec struct {
	cmd []string
	mu  sync.Mutex
}

type execRequest struct {
	Text   string `json:"text"`
	Voice  string `json:"voice,omitempty"`
	Model  string `json:"model,omitempty"`
	Format string `json:"format,omitempty"`
}

// NewExec parses command shell-style and returns the provider.
func NewExec(command string) (*Exec, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse synth command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("synth command empty")
	}
	return &Exec{cmd: args}, nil
}

func (e *Exec) Convert(ctx context.Context, req Request) (io.ReadCloser, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	payload, err := json.Marshal(execRequest{
		Text:   req.Text,
		Voice:  req.Voice,
		Model:  req.Model,
		Format: req.Format,
	})
	if err != nil {
		return nil, err
	}

	base := e.cmd[0]
	args := append([]string{}, e.cmd[1:]...)
	cmd := exec.CommandContext(ctx, base, args...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			return nil, fmt.Errorf("synth command failed: %w: %s", err, detail)
		}
		return nil, fmt.Errorf("synth command failed: %w", err)
	}
	return io.NopCloser(bytes.NewReader(stdout.Bytes())), nil
}
