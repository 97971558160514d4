package util

import (
	"bytes"
	"context"
	"os/exec"
)

// Runner запускает внешний бинарь (envoy --mode validate и т.п.).
type Runner interface {
	Run(ctx context.Context, name string, stdin []byte, args ...string) (string, string, error)
}

type ShellRunner struct{}

func (ShellRunner) Run(ctx context.Context, name string, stdin []byte, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	err := cmd.Run()
	return out.String(), errb.String(), err
}
