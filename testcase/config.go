package testcase

import (
	"fmt"
	"strings"

	"github.com/lattice-substrate/xlate-check/harnesserr"
)

const defaultIncludeFlag = "-I"

// Config locates the external collaborators of a test case. Argv fields are
// prefixes; the harness appends the per-case arguments.
type Config struct {
	// OriginRuntime runs a program in the source language, e.g. [python].
	OriginRuntime []string `yaml:"origin_runtime" json:"origin_runtime"`
	// Translator converts one source file, e.g. [python, py2rb.py].
	Translator []string `yaml:"translator" json:"translator"`
	// TranslatorFlags are passed after the project and file arguments.
	TranslatorFlags []string `yaml:"translator_flags" json:"translator_flags"`
	// TargetRuntime runs a program in the target language, e.g. [ruby].
	TargetRuntime []string `yaml:"target_runtime" json:"target_runtime"`
	// IncludeFlag adds ShimDir to the target runtime's library path.
	IncludeFlag string `yaml:"include_flag" json:"include_flag"`
	// ShimDir holds the target-language compatibility library.
	ShimDir string `yaml:"shim_dir" json:"shim_dir"`
	// ShimEntry is loaded before a source run directly under the target runtime.
	ShimEntry string `yaml:"shim_entry" json:"shim_entry"`
	// TargetExt is the translated file extension without a dot.
	TargetExt string `yaml:"target_ext" json:"target_ext"`
	// WorkDir is the working directory for every stage.
	WorkDir string `yaml:"work_dir" json:"work_dir"`
	// Env is added to every stage environment.
	Env map[string]string `yaml:"env" json:"env"`
}

// Validate checks the fields a variant needs.
func (c Config) Validate(v Variant) error {
	var missing []string
	need := func(ok bool, name string) {
		if !ok {
			missing = append(missing, name)
		}
	}
	need(strings.TrimPrefix(c.TargetExt, ".") != "", "target_ext")
	switch v {
	case RunWithRuntimeVariant:
		need(len(c.TargetRuntime) != 0, "target_runtime")
		need(c.ShimEntry != "", "shim_entry")
	case CompileCheckVariant:
		need(len(c.OriginRuntime) != 0, "origin_runtime")
	case TranslateCompareVariant:
		need(len(c.OriginRuntime) != 0, "origin_runtime")
		need(len(c.Translator) != 0, "translator")
	case TranslateRunVariant:
		need(len(c.OriginRuntime) != 0, "origin_runtime")
		need(len(c.Translator) != 0, "translator")
		need(len(c.TargetRuntime) != 0, "target_runtime")
		need(c.ShimDir != "", "shim_dir")
	default:
		return harnesserr.New(harnesserr.ConfigInvalid, fmt.Sprintf("unknown variant %q", v))
	}
	if len(missing) != 0 {
		return harnesserr.New(harnesserr.ConfigInvalid,
			fmt.Sprintf("variant %s requires %s", v, strings.Join(missing, ", ")))
	}
	return nil
}

func (c Config) includeFlag() string {
	if c.IncludeFlag == "" {
		return defaultIncludeFlag
	}
	return c.IncludeFlag
}

func argv(prefix []string, args ...string) []string {
	out := make([]string, 0, len(prefix)+len(args))
	out = append(out, prefix...)
	return append(out, args...)
}
