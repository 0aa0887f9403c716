package terminal

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	"github.com/gridlink/gridlink/internal/apperr"
)

// Shell is a detected shell and how to start it with our prompt.
type Shell struct {
	Path string
	Kind string // bash, zsh, fish, sh, pwsh, powershell, cmd
	Args []string
	Env  []string
}

const promptHost = "grid"

// DetectShell resolves the shell to run. An explicit override wins, then
// $SHELL, then the first of zsh, bash, fish and sh on PATH.
func DetectShell(override string) (Shell, error) {
	if runtime.GOOS == "windows" {
		return Shell{}, apperr.E(apperr.PlatformUnavailable, "terminal.shell", "pseudoterminals are not supported on windows")
	}
	candidates := []string{override, os.Getenv("SHELL"), "zsh", "bash", "fish", "sh"}
	for _, c := range candidates {
		if c == "" {
			continue
		}
		path, err := exec.LookPath(c)
		if err != nil {
			continue
		}
		return shellFor(path), nil
	}
	return Shell{}, apperr.E(apperr.PlatformUnavailable, "terminal.shell", "no usable shell found")
}

const (
	bashPrompt = `\[\e[1;32m\]\u@` + promptHost + `\[\e[0m\]:\[\e[1;34m\]\w\[\e[0m\]\$ `
	zshPrompt  = "%F{green}%n@" + promptHost + "%f:%F{blue}%~%f%# "

	// userZDOTDIR carries the user's own ZDOTDIR past our override.
	userZDOTDIR = "GRIDLINK_USER_ZDOTDIR"
)

// shellFor builds the interactive invocation with a colored prompt injected
// the way each shell accepts it.
func shellFor(path string) Shell {
	kind := strings.TrimSuffix(filepath.Base(path), ".exe")
	sh := Shell{Path: path, Kind: kind}
	switch kind {
	case "bash":
		sh.Args = []string{"-i"}
		sh.Env = []string{"PS1=" + bashPrompt}
	case "zsh":
		sh.Args = []string{"-i"}
		sh.Env = []string{"PROMPT=" + zshPrompt}
	case "fish":
		// -C runs after config.fish.
		sh.Args = []string{"-i", "-C", `function fish_prompt; set_color green; echo -n (whoami)@` + promptHost + `; set_color normal; echo -n ':'; set_color blue; echo -n (prompt_pwd); set_color normal; echo -n '> '; end`}
	default:
		sh.Kind = "sh"
		sh.Args = []string{"-i"}
		sh.Env = []string{"PS1=" + promptHost + "$ "}
	}
	sh.Env = append(sh.Env, "TERM=xterm-256color")
	return sh
}

// withRC points bash and zsh at the startup files in dir, which load the
// user's own files and then set the prompt. Startup files would otherwise
// overwrite a prompt passed through the environment.
func (sh Shell) withRC(dir string) Shell {
	switch sh.Kind {
	case "bash":
		sh.Args = []string{"--rcfile", filepath.Join(dir, "bashrc"), "-i"}
	case "zsh":
		user := os.Getenv("ZDOTDIR")
		if user == "" {
			user = os.Getenv("HOME")
		}
		sh.Env = append(slices.Clone(sh.Env), "ZDOTDIR="+dir, userZDOTDIR+"="+user)
	}
	return sh
}

const bashRC = `[ -f /etc/bash.bashrc ] && . /etc/bash.bashrc
[ -f "$HOME/.bashrc" ] && . "$HOME/.bashrc"
PS1='` + bashPrompt + `'
`

const zshEnv = `[ -f "$` + userZDOTDIR + `/.zshenv" ] && . "$` + userZDOTDIR + `/.zshenv"
`

const zshRC = `ZDOTDIR="$` + userZDOTDIR + `"
unset ` + userZDOTDIR + `
[ -f "$ZDOTDIR/.zshrc" ] && . "$ZDOTDIR/.zshrc"
PROMPT='` + zshPrompt + `'
`

// writeRC installs the startup files used by withRC.
func writeRC(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("rc dir: %w", err)
	}
	files := map[string]string{"bashrc": bashRC, ".zshenv": zshEnv, ".zshrc": zshRC}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}
