package testcase

import (
	"context"
	"fmt"
	"os"

	"github.com/lattice-substrate/xlate-check/artifact"
	"github.com/lattice-substrate/xlate-check/compare"
	"github.com/lattice-substrate/xlate-check/harnesserr"
	"github.com/lattice-substrate/xlate-check/runtime/executil"
	"github.com/lattice-substrate/xlate-check/stage"
)

const commandLogPerm = 0o644

// Variant names a test case shape.
type Variant string

const (
	RunWithRuntimeVariant   Variant = "run-with-runtime"
	CompileCheckVariant     Variant = "compile-check"
	TranslateCompareVariant Variant = "translate-compare"
	TranslateRunVariant     Variant = "translate-run"
)

// Variants lists every known variant.
var Variants = []Variant{
	RunWithRuntimeVariant,
	CompileCheckVariant,
	TranslateCompareVariant,
	TranslateRunVariant,
}

// Factory builds a Case for one source file.
type Factory func(cfg Config, source string, opts ...Option) *Case

// FactoryFor returns the factory for a variant name.
func FactoryFor(v Variant) (Factory, error) {
	switch v {
	case RunWithRuntimeVariant:
		return RunWithRuntime, nil
	case CompileCheckVariant:
		return CompileCheck, nil
	case TranslateCompareVariant:
		return TranslateCompare, nil
	case TranslateRunVariant:
		return TranslateRun, nil
	default:
		return nil, harnesserr.New(harnesserr.ConfigInvalid, fmt.Sprintf("unknown variant %q", v))
	}
}

// Invert wraps a factory so its cases are expected to fail. Behaviour is
// unchanged; only the classification of the outcome flips.
func Invert(f Factory) Factory {
	return func(cfg Config, source string, opts ...Option) *Case {
		c := f(cfg, source, opts...)
		c.inverted = true
		return c
	}
}

// RunWithRuntime runs the source directly under the target runtime with the
// compatibility shim loaded, checking library parity without translation.
func RunWithRuntime(cfg Config, source string, opts ...Option) *Case {
	c := newCase(RunWithRuntimeVariant, cfg, source, 1, opts)
	c.body = func(ctx context.Context, c *Case) (compare.Mode, error) {
		t := c.tmpl
		return "", c.runStages(ctx, nil, executil.Command{
			Label:  "target-runtime",
			Argv:   argv(c.cfg.TargetRuntime, c.cfg.ShimEntry, t.Path(artifact.Source)),
			Stdout: t.Path(artifact.SourceOut),
			Stderr: t.Path(artifact.SourceErr),
		})
	}
	return c
}

// CompileCheck runs the source under its own interpreter to confirm the
// fixture is valid before translation is attempted.
func CompileCheck(cfg Config, source string, opts ...Option) *Case {
	c := newCase(CompileCheckVariant, cfg, source, 1, opts)
	c.body = func(ctx context.Context, c *Case) (compare.Mode, error) {
		return "", c.runStages(ctx, nil, c.originCommand())
	}
	return c
}

// TranslateCompare runs the original, translates it and requires the
// hand-written expected translation to appear in the translated source.
func TranslateCompare(cfg Config, source string, opts ...Option) *Case {
	c := newCase(TranslateCompareVariant, cfg, source, 3, opts)
	c.body = func(ctx context.Context, c *Case) (compare.Mode, error) {
		if err := c.runStages(ctx, nil, c.originCommand(), c.translateCommand()); err != nil {
			return "", err
		}
		defer c.report()
		t := c.tmpl
		return compare.ModeStatic, compare.Contained(t.Path(artifact.TranslatedExpected), t.Path(artifact.Translated))
	}
	return c
}

// TranslateRun runs the original, translates it, runs the translation and
// compares its output under the dynamic policy. Every command is appended to
// the command log before it runs.
func TranslateRun(cfg Config, source string, opts ...Option) *Case {
	c := newCase(TranslateRunVariant, cfg, source, 4, opts)
	c.body = func(ctx context.Context, c *Case) (compare.Mode, error) {
		t := c.tmpl
		logPath := t.Path(artifact.CommandLog)
		// #nosec G304 -- command log path is template-derived.
		logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, commandLogPerm)
		if err != nil {
			return "", harnesserr.Wrap(harnesserr.InternalIO, "open command log "+logPath, err)
		}
		runErr := c.runStages(ctx, logFile, c.originCommand(), c.translateCommand(), executil.Command{
			Label:  "target-runtime",
			Argv:   argv(c.cfg.TargetRuntime, c.cfg.includeFlag(), c.cfg.ShimDir, t.Path(artifact.Translated)),
			Stdout: t.Path(artifact.TranslatedOut),
			Stderr: t.Path(artifact.TranslatedErr),
		})
		if closeErr := logFile.Close(); closeErr != nil && runErr == nil {
			runErr = harnesserr.Wrap(harnesserr.InternalIO, "close command log "+logPath, closeErr)
		}
		if runErr != nil {
			return "", runErr
		}
		return compare.Output(compare.OutputPaths{
			Actual:        t.Path(artifact.TranslatedOut),
			ExpectedInOut: t.Path(artifact.TranslatedExpectedInOut),
			ExpectedOut:   t.Path(artifact.TranslatedExpectedOut),
			Reference:     t.Path(artifact.SourceOut),
		}, c.report)
	}
	return c
}

func (c *Case) originCommand() executil.Command {
	t := c.tmpl
	return executil.Command{
		Label:  "origin-runtime",
		Argv:   argv(c.cfg.OriginRuntime, t.Path(artifact.Source)),
		Stdout: t.Path(artifact.SourceOut),
		Stderr: t.Path(artifact.SourceErr),
	}
}

func (c *Case) translateCommand() executil.Command {
	t := c.tmpl
	args := append([]string{"-p", t.Path(artifact.SourceDir), "-r", t.Path(artifact.Source)}, c.cfg.TranslatorFlags...)
	return executil.Command{
		Label:  "translate",
		Argv:   argv(c.cfg.Translator, args...),
		Stderr: t.Path(artifact.CompilerErr),
	}
}

func (c *Case) runStages(ctx context.Context, log *os.File, cmds ...executil.Command) error {
	for i := range cmds {
		cmds[i].Dir = c.cfg.WorkDir
		cmds[i].Env = stageEnv(c.cfg.Env, cmds[i].Label, c.source)
	}
	opts := stage.Options{Report: c.report, StageTimeout: c.timeout}
	if log != nil {
		opts.Log = log
	}
	return stage.Run(ctx, c.runner, cmds, opts)
}

func stageEnv(base map[string]string, label, source string) map[string]string {
	env := make(map[string]string, len(base)+2)
	for k, v := range base {
		env[k] = v
	}
	env["XLATE_STAGE"] = label
	env["XLATE_SOURCE"] = source
	return env
}
