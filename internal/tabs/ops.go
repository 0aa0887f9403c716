package tabs

import (
	"slices"

	"github.com/google/uuid"

	"github.com/gridlink/gridlink/internal/apperr"
)

// Spec describes a tab to open.
type Spec struct {
	Kind  Kind
	Key   Key
	Title string
	// Window is the target window; empty means main.
	Window string
	// Pinned tabs cannot be closed by the user.
	Pinned bool
}

// Create opens a tab for spec.Key, or activates and focuses the existing tab
// with that key. created reports which happened.
func (m *Manager) Create(spec Spec) (t Tab, created bool, err error) {
	const op = "tabs.create"
	if !spec.Key.Valid() {
		return Tab{}, false, apperr.E(apperr.Invalid, op, "bad content key %s", spec.Key)
	}
	m.mu.Lock()
	if w, existing := m.byKey(spec.Key); existing != nil {
		m.activateLocked(w, existing)
		out := *existing
		out.Active = true
		m.mu.Unlock()
		m.publish([]Event{{Type: TabActivated, WindowID: w.id, TabID: existing.ID}})
		return out, false, nil
	}
	w, err := m.window(spec.Window)
	if err != nil {
		m.mu.Unlock()
		return Tab{}, false, err
	}
	now := m.now()
	nt := &Tab{
		ID:           uuid.NewString(),
		Kind:         spec.Kind,
		Key:          spec.Key,
		Title:        spec.Title,
		Closable:     !spec.Pinned,
		CreatedAt:    now,
		LastAccessed: now,
	}
	w.tabs = append(w.tabs, nt)
	m.activateLocked(w, nt)
	out := *nt
	out.Active = true
	m.mu.Unlock()
	m.logger.Debug("tab created", "tab", nt.ID, "key", spec.Key.String(), "window", w.id)
	m.publish([]Event{{Type: TabCreated, WindowID: w.id, TabID: nt.ID}})
	return out, true, nil
}

// Activate makes tabID the active tab of its window and focuses the window.
func (m *Manager) Activate(tabID string) error {
	m.mu.Lock()
	w, i, err := m.locate(tabID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.activateLocked(w, w.tabs[i])
	m.mu.Unlock()
	m.publish([]Event{{Type: TabActivated, WindowID: w.id, TabID: tabID}})
	return nil
}

// SetNotify flags or clears a tab's notification marker.
func (m *Manager) SetNotify(tabID string, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, i, err := m.locate(tabID)
	if err != nil {
		return err
	}
	w.tabs[i].Notify = on
	return nil
}

// Close closes a tab. Pinned tabs are Forbidden. A non-main window left
// empty is closed with it.
func (m *Manager) Close(tabID string) error {
	m.mu.Lock()
	w, i, err := m.locate(tabID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if !w.tabs[i].Closable {
		m.mu.Unlock()
		return apperr.E(apperr.Forbidden, "tabs.close", "tab %s cannot be closed", tabID)
	}
	evs := m.closeLocked(w, i, nil)
	m.mu.Unlock()
	m.publish(evs)
	return nil
}

func (m *Manager) closeLocked(w *window, i int, evs []Event) []Event {
	t := m.removeLocked(w, i)
	evs = append(evs, Event{Type: TabClosed, WindowID: w.id, TabID: t.ID})
	return m.closeIfEmptyLocked(w, evs)
}

// Detach moves a tab into a new detached window where it is the only, active
// tab. Detaching the last tab of the main window is Forbidden.
func (m *Manager) Detach(tabID string, g *Geometry) (Window, error) {
	m.mu.Lock()
	src, i, err := m.locate(tabID)
	if err != nil {
		m.mu.Unlock()
		return Window{}, err
	}
	if src.kind == WindowMain && len(src.tabs) == 1 {
		m.mu.Unlock()
		return Window{}, apperr.E(apperr.Forbidden, "tabs.detach", "the main window cannot be left empty")
	}
	t := m.removeLocked(src, i)
	dst := m.newWindowLocked(WindowDetached, t.Title, g)
	dst.tabs = []*Tab{t}
	m.activateLocked(dst, t)
	evs := []Event{
		{Type: WindowCreated, WindowID: dst.id},
		{Type: TabMoved, WindowID: dst.id, TabID: t.ID, From: src.id},
	}
	evs = m.closeIfEmptyLocked(src, evs)
	out := snapshotWindow(dst)
	m.mu.Unlock()
	m.publish(evs)
	return out, nil
}

// Reattach moves a tab into window target at index idx (append when idx is
// out of range) and activates it there. The source window is closed if it
// is left empty and is not main.
func (m *Manager) Reattach(tabID, target string, idx int) error {
	m.mu.Lock()
	evs, err := m.moveLocked(tabID, target, idx)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.publish(evs)
	return nil
}

// Move is Reattach, except that moving within one window only reorders.
func (m *Manager) Move(tabID, target string, idx int) error {
	return m.Reattach(tabID, target, idx)
}

func (m *Manager) moveLocked(tabID, target string, idx int) ([]Event, error) {
	const op = "tabs.move"
	src, i, err := m.locate(tabID)
	if err != nil {
		return nil, err
	}
	dst, err := m.window(target)
	if err != nil {
		return nil, err
	}
	t := src.tabs[i]
	if src == dst {
		src.tabs = slices.Delete(src.tabs, i, i+1)
		src.tabs = slices.Insert(src.tabs, clampIndex(idx, len(src.tabs)), t)
		m.activateLocked(dst, t)
		return []Event{{Type: TabMoved, WindowID: dst.id, TabID: t.ID, From: src.id}}, nil
	}
	if src.kind == WindowMain && len(src.tabs) == 1 {
		return nil, apperr.E(apperr.Forbidden, op, "the main window cannot be left empty")
	}
	m.removeLocked(src, i)
	dst.tabs = slices.Insert(dst.tabs, clampIndex(idx, len(dst.tabs)), t)
	m.activateLocked(dst, t)
	evs := []Event{{Type: TabMoved, WindowID: dst.id, TabID: t.ID, From: src.id}}
	return m.closeIfEmptyLocked(src, evs), nil
}

func clampIndex(idx, n int) int {
	if idx < 0 || idx > n {
		return n
	}
	return idx
}

// NewWindow opens an empty popup or detached window.
func (m *Manager) NewWindow(kind WindowKind, label string, g *Geometry) (Window, error) {
	if kind != WindowDetached && kind != WindowPopup {
		return Window{}, apperr.E(apperr.Invalid, "tabs.new_window", "cannot create a %q window", kind)
	}
	m.mu.Lock()
	w := m.newWindowLocked(kind, label, g)
	out := snapshotWindow(w)
	m.mu.Unlock()
	m.publish([]Event{{Type: WindowCreated, WindowID: w.id}})
	return out, nil
}

// CloseWindow closes a window and every tab in it. The main window is
// Forbidden.
func (m *Manager) CloseWindow(id string) error {
	m.mu.Lock()
	w, err := m.window(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if w.kind == WindowMain {
		m.mu.Unlock()
		return apperr.E(apperr.Forbidden, "tabs.close_window", "the main window cannot be closed")
	}
	var evs []Event
	for _, t := range w.tabs {
		evs = append(evs, Event{Type: TabClosed, WindowID: w.id, TabID: t.ID})
	}
	w.tabs = nil
	m.closeWindowLocked(w)
	evs = append(evs, Event{Type: WindowClosed, WindowID: w.id})
	m.mu.Unlock()
	m.publish(evs)
	return nil
}

// CloseByGrid closes every tab whose key mentions gridID, pinned or not. It
// returns how many were closed.
func (m *Manager) CloseByGrid(gridID string) int {
	return m.closeWhere(func(k Key) bool { return k.MentionsGrid(gridID) })
}

func (m *Manager) CloseByProcess(processID string) int {
	return m.closeWhere(func(k Key) bool { return k.MentionsProcess(processID) })
}

func (m *Manager) CloseByChannel(channelID string) int {
	return m.closeWhere(func(k Key) bool { return k.MentionsChannel(channelID) })
}

func (m *Manager) closeWhere(match func(Key) bool) int {
	m.mu.Lock()
	var evs []Event
	n := 0
	for _, id := range slices.Clone(m.order) {
		w, ok := m.windows[id]
		if !ok {
			continue
		}
		for i := len(w.tabs) - 1; i >= 0; i-- {
			if match(w.tabs[i].Key) {
				t := m.removeLocked(w, i)
				evs = append(evs, Event{Type: TabClosed, WindowID: w.id, TabID: t.ID})
				n++
			}
		}
		evs = m.closeIfEmptyLocked(w, evs)
	}
	m.mu.Unlock()
	m.publish(evs)
	return n
}

// Get returns a tab and the id of its window.
func (m *Manager) Get(tabID string) (Tab, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, i, err := m.locate(tabID)
	if err != nil {
		return Tab{}, "", err
	}
	t := *w.tabs[i]
	t.Active = t.ID == w.active
	return t, w.id, nil
}

// Find returns the tab holding key, if any.
func (m *Manager) Find(k Key) (Tab, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, t := m.byKey(k)
	if t == nil {
		return Tab{}, false
	}
	out := *t
	out.Active = t.ID == w.active
	return out, true
}

func (m *Manager) Window(id string) (Window, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, err := m.window(id)
	if err != nil {
		return Window{}, err
	}
	return snapshotWindow(w), nil
}

// Windows lists every window, main first.
func (m *Manager) Windows() []Window {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Window, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, snapshotWindow(m.windows[id]))
	}
	return out
}

// Focused is the id of the window that last had a tab activated.
func (m *Manager) Focused() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.focused
}
