package probe

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// procInspector reads process details from /proc.
type procInspector struct {
	root string
}

func defaultInspector() Inspector { return &procInspector{root: "/proc"} }

func defaultStrategies(run Runner) []Strategy {
	return []Strategy{
		&ProcNet{},
		&Lsof{Run: run},
		&ConnectScan{},
	}
}

func (p *procInspector) Inspect(_ context.Context, pid int) (ProcessInfo, error) {
	dir := filepath.Join(p.root, strconv.Itoa(pid))
	info := ProcessInfo{PID: pid}
	if _, err := os.Stat(dir); err != nil {
		return info, err
	}
	if comm, err := os.ReadFile(filepath.Join(dir, "comm")); err == nil {
		info.Name = strings.TrimSpace(string(comm))
	}
	if exe, err := os.Readlink(filepath.Join(dir, "exe")); err == nil {
		info.Executable = strings.TrimSuffix(exe, " (deleted)")
	}
	if cmdline, err := os.ReadFile(filepath.Join(dir, "cmdline")); err == nil {
		info.Args = splitCmdline(cmdline)
	}
	if cwd, err := os.Readlink(filepath.Join(dir, "cwd")); err == nil {
		info.Dir = cwd
	}
	if info.Name == "" && info.Executable != "" {
		info.Name = filepath.Base(info.Executable)
	}
	return info, nil
}

func splitCmdline(b []byte) []string {
	s := strings.TrimRight(string(b), "\x00")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\x00")
}
