package service

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	log "github.com/sirupsen/logrus"

	"example.com/egressgen/internal/util"
)

// Validator проверяет отрендеренный конфиг внешним бинарём
// (envoy --mode validate -c <path>). Путь на входе, pass/fail на
// выходе — больше ядро о нём ничего не знает.
type Validator struct {
	Runner  util.Runner
	Cmd     string
	Timeout time.Duration
}

func NewValidator(runner util.Runner) Validator {
	return Validator{Runner: runner, Cmd: "envoy", Timeout: 30 * time.Second}
}

func (v Validator) Validate(ctx context.Context, path string) error {
	ctx, cancel := context.WithTimeout(ctx, v.Timeout)
	defer cancel()
	_, stderr, err := v.Runner.Run(ctx, v.Cmd, nil, "--mode", "validate", "-c", path)
	if err == nil {
		return nil
	}
	if errors.Is(err, exec.ErrNotFound) {
		// как в проде: без envoy на машине проверку пропускаем
		log.Warnf("%s binary not found, skipping validation", v.Cmd)
		return nil
	}
	if ctx.Err() != nil {
		log.Warn("config validation timed out, skipping")
		return nil
	}
	return fmt.Errorf("config validation failed: %v\n%s", err, stderr)
}
