package coordinator

import (
	"context"
	"net/http"

	"github.com/gridlink/gridlink/internal/apperr"
	"github.com/gridlink/gridlink/internal/model"
)

// RegisterProcessRequest is the body of POST /grids/{id}/shared-processes.
type RegisterProcessRequest struct {
	ProcessID string              `json:"process_id"`
	Name      string              `json:"name"`
	Kind      model.ResourceKind  `json:"resource_type"`
	Status    model.ResourceState `json:"status"`
	Port      int                 `json:"port,omitempty"`
}

func (c *Client) RegisterProcess(ctx context.Context, gridID string, req RegisterProcessRequest) (*model.SharedProcess, error) {
	if err := required("coordinator.register_process", "grid_id", gridID, "process_id", req.ProcessID); err != nil {
		return nil, err
	}
	var sp model.SharedProcess
	if err := c.do(ctx, call{method: http.MethodPost, path: path("/grids/%s/shared-processes", gridID), in: req, out: &sp, idempotent: true}); err != nil {
		return nil, err
	}
	return &sp, nil
}

func (c *Client) ListProcesses(ctx context.Context, gridID string) ([]model.SharedProcess, error) {
	var sps []model.SharedProcess
	if err := c.do(ctx, call{method: http.MethodGet, path: path("/grids/%s/shared-processes", gridID), out: &sps}); err != nil {
		return nil, err
	}
	return sps, nil
}

// UpdateProcessStatus also refreshes the entry's heartbeat.
func (c *Client) UpdateProcessStatus(ctx context.Context, gridID, processID string, status model.ResourceState) error {
	if _, ok := knownStates[status]; !ok {
		return apperr.E(apperr.Invalid, "coordinator.update_process_status", "unknown status %q", status)
	}
	return c.do(ctx, call{
		method: http.MethodPut,
		path:   path("/grids/%s/shared-processes/%s/status", gridID, processID),
		in:     map[string]string{"status": string(status)},
	})
}

var knownStates = map[model.ResourceState]struct{}{
	model.StateStarting: {},
	model.StateRunning:  {},
	model.StateStopping: {},
	model.StateStopped:  {},
	model.StateExited:   {},
	model.StateFailed:   {},
}
