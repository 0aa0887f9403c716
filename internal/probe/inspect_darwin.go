package probe

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"
)

// psInspector asks ps for the command line and lsof for the working directory.
type psInspector struct {
	run Runner
}

func defaultInspector() Inspector { return &psInspector{run: ExecRunner} }

func defaultStrategies(run Runner) []Strategy {
	return []Strategy{
		&Lsof{Run: run},
		&ConnectScan{},
	}
}

func (p *psInspector) Inspect(ctx context.Context, pid int) (ProcessInfo, error) {
	info := ProcessInfo{PID: pid}
	out, err := p.run(ctx, "ps", "-o", "args=", "-p", strconv.Itoa(pid))
	if err != nil {
		return info, err
	}
	info.Args = strings.Fields(strings.TrimSpace(string(out)))
	if len(info.Args) > 0 {
		info.Executable = info.Args[0]
		info.Name = filepath.Base(info.Args[0])
	}
	if out, err := p.run(ctx, "lsof", "-a", "-p", strconv.Itoa(pid), "-d", "cwd", "-Fn"); err == nil {
		for _, line := range strings.Split(string(out), "\n") {
			if strings.HasPrefix(line, "n") {
				info.Dir = line[1:]
			}
		}
	}
	return info, nil
}
