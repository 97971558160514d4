package service

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"example.com/egressgen/internal/assemble"
	"example.com/egressgen/internal/loader"
	"example.com/egressgen/internal/render"
	"example.com/egressgen/internal/repo"
	"example.com/egressgen/internal/resolve"
	"example.com/egressgen/internal/util"
)

type GenerateOptions struct {
	Env       string
	Allowlist string
	Template  string
	Output    string
	Validate  bool
	Actor     string
}

type Result struct {
	RulesTotal  int
	RulesActive int
	Chains      int
	Warnings    []resolve.Warning
}

// GenerateService ведёт полный прогон: load → filter → resolve →
// assemble → render → (validate) → atomic publish. Любая фатальная
// ошибка возвращается до записи выходного файла.
type GenerateService struct {
	Resolver  *resolve.Resolver
	Validator Validator
	Audit     *AuditService
}

func (s GenerateService) Generate(ctx context.Context, opts GenerateOptions) (*Result, error) {
	res, out, err := s.build(ctx, opts)
	if err != nil {
		s.audit(ctx, opts, res, "failed")
		return res, err
	}

	if opts.Validate {
		if err := s.validateRendered(ctx, out); err != nil {
			s.audit(ctx, opts, res, "failed")
			return res, err
		}
	}

	if err := util.WriteFileAtomic(opts.Output, out, 0644); err != nil {
		s.audit(ctx, opts, res, "failed")
		return res, fmt.Errorf("write output: %w", err)
	}

	for _, w := range res.Warnings {
		log.Warn(w.String())
	}
	log.WithFields(log.Fields{
		"env": opts.Env, "rules": res.RulesActive, "chains": res.Chains, "warnings": len(res.Warnings),
	}).Infof("generated %s", opts.Output)

	s.audit(ctx, opts, res, "ok")
	return res, nil
}

// Lint только загружает и валидирует allowlist.
func (s GenerateService) Lint(path string) (int, error) {
	rules, err := loader.Load(path)
	if err != nil {
		return 0, err
	}
	return len(rules), nil
}

func (s GenerateService) build(ctx context.Context, opts GenerateOptions) (*Result, []byte, error) {
	res := &Result{}
	rules, err := loader.Load(opts.Allowlist)
	if err != nil {
		return res, nil, err
	}
	res.RulesTotal = len(rules)

	active := resolve.FilterEnv(resolve.Entries(rules), opts.Env)
	res.RulesActive = len(active)

	resolutions, warns, err := s.Resolver.Resolve(ctx, active)
	if err != nil {
		return res, nil, err
	}
	res.Warnings = warns

	doc, err := assemble.Build(opts.Env, resolutions)
	if err != nil {
		return res, nil, err
	}
	res.Chains = doc.Chains()

	out, err := render.Render(opts.Template, doc)
	if err != nil {
		return res, nil, err
	}
	return res, out, nil
}

// validateRendered прогоняет валидатор по временной копии, чтобы
// публикация осталась атомарной.
func (s GenerateService) validateRendered(ctx context.Context, out []byte) error {
	tmp, err := os.CreateTemp("", "egressgen-validate-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp for validation: %w", err)
	}
	name := tmp.Name()
	defer os.Remove(name)
	if _, err := tmp.Write(out); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return s.Validator.Validate(ctx, name)
}

func (s GenerateService) audit(ctx context.Context, opts GenerateOptions, res *Result, status string) {
	if s.Audit == nil {
		return
	}
	rec := repo.Run{
		ID: uuid.NewString(), TS: time.Now(), Actor: opts.Actor, Env: opts.Env,
		Output: opts.Output, Status: status,
	}
	if res != nil {
		rec.RulesTotal = res.RulesTotal
		rec.RulesActive = res.RulesActive
		rec.Chains = res.Chains
		rec.Warnings = len(res.Warnings)
	}
	if err := s.Audit.Log(ctx, rec); err != nil {
		log.Warnf("audit log write failed: %v", err)
	}
}
