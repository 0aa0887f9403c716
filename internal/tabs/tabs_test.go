package tabs

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridlink/gridlink/internal/apperr"
	"github.com/gridlink/gridlink/internal/logger"
)

func newManager() *Manager { return New(WithLogger(logger.Discard())) }

func mustCreate(t *testing.T, m *Manager, kind Kind, key Key) Tab {
	t.Helper()
	tab, _, err := m.Create(Spec{Kind: kind, Key: key, Title: key.String()})
	require.NoError(t, err)
	return tab
}

// checkInvariants asserts key uniqueness and active-tab exclusivity.
func checkInvariants(t *testing.T, m *Manager) {
	t.Helper()
	keys := make(map[Key]int)
	for _, w := range m.Windows() {
		active := 0
		for _, tab := range w.Tabs {
			keys[tab.Key]++
			if tab.Active {
				active++
			}
		}
		if len(w.Tabs) > 0 {
			require.Equal(t, 1, active, "window %s", w.ID)
		} else {
			require.Zero(t, active)
		}
	}
	for k, n := range keys {
		require.Equal(t, 1, n, "key %s", k)
	}
	_, err := m.Window(MainWindowID)
	require.NoError(t, err, "main window must exist")
}

func TestCreateIsOpenExisting(t *testing.T) {
	m := newManager()
	first := mustCreate(t, m, KindTerminal, TerminalKey("s1"))
	mustCreate(t, m, KindGridDashboard, GridKey("g1"))

	again, created, err := m.Create(Spec{Kind: KindTerminal, Key: TerminalKey("s1")})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.True(t, again.Active)

	main, _ := m.Window(MainWindowID)
	assert.Len(t, main.Tabs, 2)
	assert.Equal(t, first.ID, main.Active)
}

func TestVoiceAndMediaShareKey(t *testing.T) {
	m := newManager()
	media := mustCreate(t, m, KindMediaChannel, MediaChannelKey("g1", "c1"))
	voice, created, err := m.Create(Spec{Kind: KindVoiceChannel, Key: VoiceChannelKey("g1", "c1")})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, media.ID, voice.ID)

	// A text channel with the same ids is a different tab.
	_, created, err = m.Create(Spec{Kind: KindTextChannel, Key: TextChannelKey("g1", "c1")})
	require.NoError(t, err)
	assert.True(t, created)
}

func TestCreateRejectsBadKey(t *testing.T) {
	m := newManager()
	for _, k := range []Key{{Kind: KeyTerminal}, {Kind: KeyText, ID: "c"}, {Kind: "bogus", ID: "x"}, {Kind: KeyWelcome, ID: "x"}} {
		_, _, err := m.Create(Spec{Kind: KindTerminal, Key: k})
		assert.Equal(t, apperr.Invalid, apperr.KindOf(err), k.String())
	}
	_, _, err := m.Create(Spec{Kind: KindWelcome, Key: WelcomeKey(), Window: "nope"})
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestCloseActivatesNeighbour(t *testing.T) {
	m := newManager()
	a := mustCreate(t, m, KindTerminal, TerminalKey("a"))
	b := mustCreate(t, m, KindTerminal, TerminalKey("b"))
	c := mustCreate(t, m, KindTerminal, TerminalKey("c"))
	require.NoError(t, m.Activate(b.ID))
	require.NoError(t, m.Close(b.ID))
	main, _ := m.Window(MainWindowID)
	assert.Equal(t, c.ID, main.Active)
	require.NoError(t, m.Close(c.ID))
	main, _ = m.Window(MainWindowID)
	assert.Equal(t, a.ID, main.Active)
	checkInvariants(t, m)
}

func TestPinnedTabCannotClose(t *testing.T) {
	m := newManager()
	w, _, err := m.Create(Spec{Kind: KindWelcome, Key: WelcomeKey(), Pinned: true})
	require.NoError(t, err)
	assert.Equal(t, apperr.Forbidden, apperr.KindOf(m.Close(w.ID)))
	_, _, err = m.Get(w.ID)
	assert.NoError(t, err)
}

func TestMainWindowProtection(t *testing.T) {
	m := newManager()
	only := mustCreate(t, m, KindTerminal, TerminalKey("s1"))
	before, _ := m.Snapshot()

	_, err := m.Detach(only.ID, nil)
	assert.Equal(t, apperr.Forbidden, apperr.KindOf(err))
	other, err := m.NewWindow(WindowPopup, "p", nil)
	require.NoError(t, err)
	assert.Equal(t, apperr.Forbidden, apperr.KindOf(m.Reattach(only.ID, other.ID, 0)))
	assert.Equal(t, apperr.Forbidden, apperr.KindOf(m.CloseWindow(MainWindowID)))
	require.NoError(t, m.CloseWindow(other.ID))

	after, _ := m.Snapshot()
	assert.JSONEq(t, string(before), string(after), "rejected operations must not change state")
}

func TestDetachReattach(t *testing.T) {
	m := newManager()
	mustCreate(t, m, KindGridDashboard, GridKey("g1"))
	term := mustCreate(t, m, KindTerminal, TerminalKey("s1"))
	events, cancel := m.Subscribe(16)
	defer cancel()

	w, err := m.Detach(term.ID, &Geometry{Width: 800, Height: 600})
	require.NoError(t, err)
	assert.Equal(t, WindowDetached, w.Kind)
	require.Len(t, w.Tabs, 1)
	assert.Equal(t, term.ID, w.Tabs[0].ID)
	assert.True(t, w.Tabs[0].Active)
	assert.Equal(t, w.ID, m.Focused())

	require.NoError(t, m.Reattach(term.ID, MainWindowID, 0))
	main, _ := m.Window(MainWindowID)
	assert.Equal(t, term.ID, main.Tabs[0].ID)
	assert.Equal(t, term.ID, main.Active)
	_, err = m.Window(w.ID)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err), "emptied detached window closes")
	assert.Len(t, m.Windows(), 1)

	var types []EventType
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	assert.Equal(t, []EventType{WindowCreated, TabMoved, TabMoved, WindowClosed}, types)
	checkInvariants(t, m)
}

func TestMoveWithinWindowReorders(t *testing.T) {
	m := newManager()
	a := mustCreate(t, m, KindTerminal, TerminalKey("a"))
	b := mustCreate(t, m, KindTerminal, TerminalKey("b"))
	c := mustCreate(t, m, KindTerminal, TerminalKey("c"))
	require.NoError(t, m.Move(c.ID, MainWindowID, 0))
	main, _ := m.Window(MainWindowID)
	var ids []string
	for _, tab := range main.Tabs {
		ids = append(ids, tab.ID)
	}
	assert.Equal(t, []string{c.ID, a.ID, b.ID}, ids)
	assert.Len(t, m.Windows(), 1)
}

func TestCloseByGridProcessChannel(t *testing.T) {
	m := newManager()
	mustCreate(t, m, KindGridDashboard, GridKey("g1"))
	mustCreate(t, m, KindTextChannel, TextChannelKey("g1", "c1"))
	proc := mustCreate(t, m, KindProcess, ProcessKey("g1", "p1"))
	mustCreate(t, m, KindProcess, ProcessKey("g2", "p2"))
	voice := mustCreate(t, m, KindVoiceChannel, VoiceChannelKey("g2", "c9"))
	mustCreate(t, m, KindTerminal, TerminalKey("s1"))
	_, err := m.Detach(proc.ID, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, m.CloseByChannel("c9"))
	_, _, err = m.Get(voice.ID)
	assert.Error(t, err)

	assert.Equal(t, 3, m.CloseByGrid("g1"))
	for _, w := range m.Windows() {
		for _, tab := range w.Tabs {
			assert.False(t, tab.Key.MentionsGrid("g1"), tab.Key.String())
		}
	}
	assert.Len(t, m.Windows(), 1, "detached window holding only a g1 tab closes")

	assert.Equal(t, 1, m.CloseByProcess("p2"))
	assert.Zero(t, m.CloseByProcess("p2"))
	checkInvariants(t, m)
}

func TestRandomOperationsKeepInvariants(t *testing.T) {
	m := newManager()
	r := rand.New(rand.NewPCG(1, 2))
	keys := []Key{
		TerminalKey("s1"), TerminalKey("s2"), GridKey("g1"), GridKey("g2"),
		TextChannelKey("g1", "c1"), MediaChannelKey("g1", "c2"), VoiceChannelKey("g1", "c2"),
		ProcessKey("g2", "p1"), DirectKey("d1"), WelcomeKey(),
	}
	for i := 0; i < 2000; i++ {
		ws := m.Windows()
		w := ws[r.IntN(len(ws))]
		var tabID string
		if len(w.Tabs) > 0 {
			tabID = w.Tabs[r.IntN(len(w.Tabs))].ID
		}
		switch r.IntN(7) {
		case 0, 1:
			m.Create(Spec{Kind: KindTerminal, Key: keys[r.IntN(len(keys))], Window: w.ID})
		case 2:
			if tabID != "" {
				m.Close(tabID)
			}
		case 3:
			if tabID != "" {
				m.Detach(tabID, nil)
			}
		case 4:
			if tabID != "" {
				target := ws[r.IntN(len(ws))]
				m.Move(tabID, target.ID, r.IntN(4)-1)
			}
		case 5:
			if tabID != "" {
				m.Activate(tabID)
			}
		case 6:
			m.CloseByGrid(fmt.Sprintf("g%d", 1+r.IntN(2)))
		}
		checkInvariants(t, m)
	}
}

func TestSnapshotRestore(t *testing.T) {
	m := newManager()
	mustCreate(t, m, KindGridDashboard, GridKey("g1"))
	term := mustCreate(t, m, KindTerminal, TerminalKey("s1"))
	_, err := m.Detach(term.ID, &Geometry{X: 10, Y: 20, Width: 640, Height: 480})
	require.NoError(t, err)

	data, err := m.Snapshot()
	require.NoError(t, err)
	again, err := m.Snapshot()
	require.NoError(t, err)
	assert.JSONEq(t, string(data), string(again))

	restored := newManager()
	require.NoError(t, restored.Restore(data))
	after, err := restored.Snapshot()
	require.NoError(t, err)
	assert.JSONEq(t, string(data), string(after))
	assert.Len(t, restored.Windows(), 2)

	// Restored keys still collide.
	tab, created, err := restored.Create(Spec{Kind: KindTerminal, Key: TerminalKey("s1")})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, term.ID, tab.ID)
}

func TestRestoreValidates(t *testing.T) {
	good := func() State {
		return State{
			MainWindowID: {ID: MainWindowID, Kind: WindowMain, Active: "t1", Tabs: []Tab{{ID: "t1", Key: GridKey("g1")}}},
		}
	}
	cases := map[string]func(State){
		"no main":        func(s State) { delete(s, MainWindowID) },
		"main not main":  func(s State) { w := s[MainWindowID]; w.Kind = WindowPopup; s[MainWindowID] = w },
		"second main":    func(s State) { s["w2"] = Window{ID: "w2", Kind: WindowMain} },
		"active missing": func(s State) { w := s[MainWindowID]; w.Active = "zz"; s[MainWindowID] = w },
		"duplicate key": func(s State) {
			s["w2"] = Window{ID: "w2", Kind: WindowDetached, Active: "t2", Tabs: []Tab{{ID: "t2", Key: GridKey("g1")}}}
		},
		"duplicate id": func(s State) {
			s["w2"] = Window{ID: "w2", Kind: WindowDetached, Active: "t1", Tabs: []Tab{{ID: "t1", Key: GridKey("g2")}}}
		},
		"bad key": func(s State) {
			w := s[MainWindowID]
			w.Tabs = append(w.Tabs, Tab{ID: "t3", Key: Key{Kind: KeyProcess}})
			s[MainWindowID] = w
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			m := newManager()
			keep := mustCreate(t, m, KindTerminal, TerminalKey("keep"))
			st := good()
			mutate(st)
			data, _ := json.Marshal(st)
			assert.Equal(t, apperr.Invalid, apperr.KindOf(m.Restore(data)))
			_, _, err := m.Get(keep.ID)
			assert.NoError(t, err, "failed restore leaves state alone")
		})
	}

	m := newManager()
	data, _ := json.Marshal(good())
	require.NoError(t, m.Restore(data))
	checkInvariants(t, m)
	assert.Equal(t, apperr.Invalid, apperr.KindOf(m.Restore([]byte("{"))))
}
