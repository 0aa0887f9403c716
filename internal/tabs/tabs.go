package tabs

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gridlink/gridlink/internal/apperr"
	"github.com/gridlink/gridlink/internal/logger"
)

// MainWindowID is the id of the window that always exists.
const MainWindowID = "main"

// Kind is what a tab shows.
type Kind string

const (
	KindTerminal      Kind = "terminal"
	KindTextChannel   Kind = "text_channel"
	KindMediaChannel  Kind = "media_channel"
	KindVoiceChannel  Kind = "voice_channel"
	KindProcess       Kind = "process"
	KindDirectMessage Kind = "direct_message"
	KindGridDashboard Kind = "grid_dashboard"
	KindWelcome       Kind = "welcome"
)

// WindowKind distinguishes the main window from the ones split off it.
type WindowKind string

const (
	WindowMain     WindowKind = "main"
	WindowDetached WindowKind = "detached"
	WindowPopup    WindowKind = "popup"
)

type Tab struct {
	ID           string    `json:"id"`
	Kind         Kind      `json:"kind"`
	Key          Key       `json:"key"`
	Title        string    `json:"title"`
	Notify       bool      `json:"notify,omitempty"`
	Active       bool      `json:"active"`
	Closable     bool      `json:"closable"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
}

type Geometry struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Window is a snapshot of one window. Tabs are in display order.
type Window struct {
	ID       string     `json:"id"`
	Label    string     `json:"label"`
	Kind     WindowKind `json:"kind"`
	Tabs     []Tab      `json:"tabs"`
	Active   string     `json:"active_tab,omitempty"`
	Geometry *Geometry  `json:"geometry,omitempty"`
}

// EventType names a window-model change.
type EventType string

const (
	TabCreated    EventType = "tab_created"
	TabActivated  EventType = "tab_activated"
	TabClosed     EventType = "tab_closed"
	TabMoved      EventType = "tab_moved"
	WindowCreated EventType = "window_created"
	WindowClosed  EventType = "window_closed"
)

type Event struct {
	Type     EventType
	WindowID string
	TabID    string
	// From is the source window of a move.
	From string
}

type window struct {
	id       string
	label    string
	kind     WindowKind
	tabs     []*Tab
	active   string
	geometry *Geometry
}

func (w *window) index(tabID string) int {
	return slices.IndexFunc(w.tabs, func(t *Tab) bool { return t.ID == tabID })
}

// Manager owns every window and tab.
type Manager struct {
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*window
	order   []string // window ids in creation order, main first
	focused string

	subMu sync.Mutex
	subs  map[int]chan Event
	next  int
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// New returns a manager holding only the empty main window.
func New(opts ...Option) *Manager {
	m := &Manager{now: time.Now, subs: make(map[int]chan Event)}
	for _, o := range opts {
		o(m)
	}
	m.logger = logger.For(m.logger, "tabs")
	m.reset()
	return m
}

func (m *Manager) reset() {
	main := &window{id: MainWindowID, label: "Main", kind: WindowMain}
	m.windows = map[string]*window{MainWindowID: main}
	m.order = []string{MainWindowID}
	m.focused = MainWindowID
}

// Subscribe returns a channel of model events. Slow subscribers lose events.
func (m *Manager) Subscribe(buf int) (<-chan Event, func()) {
	ch := make(chan Event, buf)
	m.subMu.Lock()
	id := m.next
	m.next++
	m.subs[id] = ch
	m.subMu.Unlock()
	return ch, func() {
		m.subMu.Lock()
		if _, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(ch)
		}
		m.subMu.Unlock()
	}
}

func (m *Manager) publish(evs []Event) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ev := range evs {
		for _, ch := range m.subs {
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

// locate returns the window holding tabID and its index there.
func (m *Manager) locate(tabID string) (*window, int, error) {
	for _, id := range m.order {
		w := m.windows[id]
		if i := w.index(tabID); i >= 0 {
			return w, i, nil
		}
	}
	return nil, -1, apperr.E(apperr.NotFound, "tabs", "no tab %s", tabID)
}

func (m *Manager) byKey(k Key) (*window, *Tab) {
	for _, id := range m.order {
		w := m.windows[id]
		for _, t := range w.tabs {
			if t.Key == k {
				return w, t
			}
		}
	}
	return nil, nil
}

func (m *Manager) window(id string) (*window, error) {
	if id == "" {
		id = MainWindowID
	}
	w, ok := m.windows[id]
	if !ok {
		return nil, apperr.E(apperr.NotFound, "tabs", "no window %s", id)
	}
	return w, nil
}

func (m *Manager) activateLocked(w *window, t *Tab) {
	w.active = t.ID
	t.LastAccessed = m.now()
	m.focused = w.id
}

// removeLocked takes the tab at i out of w and picks a new active tab if it
// was the active one: the tab that slid into its place, else the one before.
func (m *Manager) removeLocked(w *window, i int) *Tab {
	t := w.tabs[i]
	w.tabs = slices.Delete(w.tabs, i, i+1)
	if w.active == t.ID {
		w.active = ""
		if len(w.tabs) > 0 {
			next := min(i, len(w.tabs)-1)
			m.activateLocked(w, w.tabs[next])
		}
	}
	return t
}

func (m *Manager) newWindowLocked(kind WindowKind, label string, g *Geometry) *window {
	w := &window{id: uuid.NewString(), label: label, kind: kind, geometry: g}
	m.windows[w.id] = w
	m.order = append(m.order, w.id)
	return w
}

func (m *Manager) closeWindowLocked(w *window) {
	delete(m.windows, w.id)
	m.order = slices.DeleteFunc(m.order, func(id string) bool { return id == w.id })
	if m.focused == w.id {
		m.focused = MainWindowID
	}
}

// closeIfEmptyLocked closes a non-main window that has no tabs left.
func (m *Manager) closeIfEmptyLocked(w *window, evs []Event) []Event {
	if len(w.tabs) > 0 || w.kind == WindowMain {
		return evs
	}
	m.closeWindowLocked(w)
	return append(evs, Event{Type: WindowClosed, WindowID: w.id})
}

func snapshotWindow(w *window) Window {
	out := Window{ID: w.id, Label: w.label, Kind: w.kind, Active: w.active, Tabs: make([]Tab, 0, len(w.tabs))}
	if w.geometry != nil {
		g := *w.geometry
		out.Geometry = &g
	}
	for _, t := range w.tabs {
		c := *t
		c.Active = t.ID == w.active
		out.Tabs = append(out.Tabs, c)
	}
	return out
}
