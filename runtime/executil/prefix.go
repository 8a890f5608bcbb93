package executil

import "context"

// PrefixRunner runs every command through an argv prefix, such as a
// container launcher, and adds fixed environment variables.
type PrefixRunner struct {
	Next   CommandRunner
	Prefix []string
	Env    map[string]string
}

// NewPrefixRunner wraps next. A nil next runs on the host.
func NewPrefixRunner(next CommandRunner, prefix []string, env map[string]string) *PrefixRunner {
	if next == nil {
		next = OSRunner{}
	}
	return &PrefixRunner{Next: next, Prefix: append([]string(nil), prefix...), Env: env}
}

// Run prepends the prefix and merges environment; stage env wins on conflict.
func (p *PrefixRunner) Run(ctx context.Context, c Command) (int, error) {
	wrapped := c
	wrapped.Argv = make([]string, 0, len(p.Prefix)+len(c.Argv))
	wrapped.Argv = append(wrapped.Argv, p.Prefix...)
	wrapped.Argv = append(wrapped.Argv, c.Argv...)
	if len(p.Env) != 0 || len(c.Env) != 0 {
		env := make(map[string]string, len(p.Env)+len(c.Env)+2)
		for k, v := range p.Env {
			env[k] = v
		}
		for k, v := range c.Env {
			env[k] = v
		}
		wrapped.Env = env
	}
	return p.Next.Run(ctx, wrapped)
}
