package process

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/gridlink/gridlink/internal/apperr"
)

// Reserved executables name catalog entries that are not real children. They
// skip validation and are never spawned.
const (
	ExecPTY         = "internal:pty"
	ExecPortForward = "internal:port-forward"
	ExecDiscovered  = "internal:discovered"
)

// Reserved reports whether exe is one of the synthetic executables.
func Reserved(exe string) bool {
	switch exe {
	case ExecPTY, ExecPortForward, ExecDiscovered:
		return true
	}
	return false
}

// Config describes a child to spawn.
type Config struct {
	GridID     string            `json:"grid_id"`
	Name       string            `json:"name,omitempty"`
	Executable string            `json:"executable"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Dir        string            `json:"cwd,omitempty"`
}

// Validate checks the executable and working directory before spawn.
func (c Config) Validate() error {
	if c.Executable == "" {
		return apperr.E(apperr.Invalid, "process.validate", "executable is required")
	}
	if Reserved(c.Executable) {
		return nil
	}
	if strings.HasPrefix(c.Executable, "internal:") {
		return apperr.E(apperr.Invalid, "process.validate", "unknown reserved executable %q", c.Executable)
	}
	if _, err := exec.LookPath(c.Executable); err != nil {
		return apperr.Wrap(apperr.Invalid, "process.validate", fmt.Errorf("executable %q: %w", c.Executable, err))
	}
	if c.Dir != "" {
		fi, err := os.Stat(c.Dir)
		if err != nil {
			return apperr.Wrap(apperr.Invalid, "process.validate", fmt.Errorf("cwd: %w", err))
		}
		if !fi.IsDir() {
			return apperr.E(apperr.Invalid, "process.validate", "cwd %q is not a directory", c.Dir)
		}
	}
	for k := range c.Env {
		if k == "" || strings.ContainsAny(k, "=\x00") {
			return apperr.E(apperr.Invalid, "process.validate", "bad env key %q", k)
		}
	}
	return nil
}

func (c Config) displayName() string {
	if c.Name != "" {
		return c.Name
	}
	if i := strings.LastIndexAny(c.Executable, `/\`); i >= 0 {
		return c.Executable[i+1:]
	}
	return c.Executable
}

func (c Config) environ() []string {
	env := os.Environ()
	for k, v := range c.Env {
		env = append(env, k+"="+v)
	}
	return env
}
