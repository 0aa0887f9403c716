//go:build !windows

package terminal

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithRC(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeRC(dir))

	bash := shellFor("/bin/bash").withRC(dir)
	assert.Equal(t, []string{"--rcfile", filepath.Join(dir, "bashrc"), "-i"}, bash.Args)

	t.Setenv("ZDOTDIR", "")
	t.Setenv("HOME", "/home/someone")
	zsh := shellFor("/usr/bin/zsh").withRC(dir)
	assert.Contains(t, zsh.Env, "ZDOTDIR="+dir)
	assert.Contains(t, zsh.Env, userZDOTDIR+"=/home/someone")

	sh := shellFor("/bin/dash")
	assert.Equal(t, sh, sh.withRC(dir))

	// The prompt is set only after the user's own file has run.
	for name, user := range map[string]string{"bashrc": ".bashrc", ".zshrc": ".zshrc"} {
		b, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		body := string(b)
		assert.Less(t, strings.Index(body, user), strings.LastIndex(body, "@"+promptHost), name)
	}
}

func TestBashPromptSurvivesUserRC(t *testing.T) {
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not installed")
	}
	home := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(home, ".bashrc"), []byte("PS1='clobbered$ '\nexport FROM_RC=yes\n"), 0o600))
	t.Setenv("HOME", home)

	m := newTestManager(t)
	ctx := context.Background()
	info, err := m.Create(ctx, Options{Shell: "bash"})
	require.NoError(t, err)
	ch, _, cancel, err := m.Subscribe(info.ID, 0)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, m.Write(ctx, info.ID, []byte("echo rc-$FROM_RC\n")))
	out := readUntil(t, ch, "rc-yes")
	assert.Contains(t, out, "@"+promptHost)
	assert.NotContains(t, out, "clobbered$")
}
