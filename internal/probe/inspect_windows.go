package probe

import (
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"
)

// tasklistInspector resolves image names with tasklist.
type tasklistInspector struct {
	run Runner
}

func defaultInspector() Inspector { return &tasklistInspector{run: ExecRunner} }

func defaultStrategies(run Runner) []Strategy {
	return []Strategy{
		&Netstat{Run: run},
		&ConnectScan{},
	}
}

func (t *tasklistInspector) Inspect(ctx context.Context, pid int) (ProcessInfo, error) {
	info := ProcessInfo{PID: pid}
	out, err := t.run(ctx, "tasklist", "/FO", "CSV", "/NH", "/FI", fmt.Sprintf("PID eq %d", pid))
	if err != nil {
		return info, err
	}
	rows, err := csv.NewReader(strings.NewReader(string(out))).ReadAll()
	if err != nil {
		return info, err
	}
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		if p, _ := strconv.Atoi(row[1]); p == pid {
			info.Name = strings.TrimSuffix(row[0], ".exe")
			info.Executable = row[0]
		}
	}
	return info, nil
}
