package tabs

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/gridlink/gridlink/internal/apperr"
)

// State is the persisted form: window id → window.
type State map[string]Window

// Snapshot returns the whole model as JSON. It does not change anything.
func (m *Manager) Snapshot() ([]byte, error) {
	m.mu.Lock()
	st := make(State, len(m.windows))
	for id, w := range m.windows {
		st[id] = snapshotWindow(w)
	}
	m.mu.Unlock()
	return json.Marshal(st)
}

// Restore replaces the model with a snapshot. The snapshot must hold exactly
// one main window, unique tab ids and content keys, and a valid active tab
// for every non-empty window; otherwise nothing changes.
func (m *Manager) Restore(data []byte) error {
	const op = "tabs.restore"
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return apperr.Wrap(apperr.Invalid, op, fmt.Errorf("decode snapshot: %w", err))
	}
	if err := st.validate(); err != nil {
		return apperr.Wrap(apperr.Invalid, op, err)
	}

	windows := make(map[string]*window, len(st))
	order := []string{MainWindowID}
	var rest []string
	for id, ws := range st {
		w := &window{id: id, label: ws.Label, kind: ws.Kind, active: ws.Active, geometry: ws.Geometry}
		for _, t := range ws.Tabs {
			c := t
			c.Active = false
			w.tabs = append(w.tabs, &c)
		}
		windows[id] = w
		if id != MainWindowID {
			rest = append(rest, id)
		}
	}
	slices.Sort(rest)
	order = append(order, rest...)

	m.mu.Lock()
	m.windows = windows
	m.order = order
	m.focused = MainWindowID
	m.mu.Unlock()
	m.logger.Info("window state restored", "windows", len(windows))
	return nil
}

func (st State) validate() error {
	main, ok := st[MainWindowID]
	if !ok || main.Kind != WindowMain {
		return fmt.Errorf("snapshot has no main window")
	}
	tabIDs := make(map[string]bool)
	keys := make(map[Key]bool)
	for id, w := range st {
		if w.ID != "" && w.ID != id {
			return fmt.Errorf("window %s: id mismatch %s", id, w.ID)
		}
		switch {
		case id == MainWindowID:
		case w.Kind == WindowMain:
			return fmt.Errorf("window %s: second main window", id)
		case w.Kind != WindowDetached && w.Kind != WindowPopup:
			return fmt.Errorf("window %s: unknown kind %q", id, w.Kind)
		}
		activeFound := false
		for _, t := range w.Tabs {
			if t.ID == "" || tabIDs[t.ID] {
				return fmt.Errorf("window %s: missing or duplicate tab id %q", id, t.ID)
			}
			tabIDs[t.ID] = true
			if !t.Key.Valid() {
				return fmt.Errorf("tab %s: bad content key %s", t.ID, t.Key)
			}
			if keys[t.Key] {
				return fmt.Errorf("tab %s: duplicate content key %s", t.ID, t.Key)
			}
			keys[t.Key] = true
			if t.ID == w.Active {
				activeFound = true
			}
		}
		if len(w.Tabs) > 0 && !activeFound {
			return fmt.Errorf("window %s: active tab %q not in window", id, w.Active)
		}
		if len(w.Tabs) == 0 && w.Active != "" {
			return fmt.Errorf("window %s: empty window has an active tab", id)
		}
	}
	return nil
}
