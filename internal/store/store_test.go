package store

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTokenSaveLoadClear(t *testing.T) {
	s := openTestStore(t)

	got, err := s.LoadToken()
	if err != nil || got != nil {
		t.Fatalf("empty store: got %+v, err %v", got, err)
	}

	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	if err := s.SaveToken(SavedToken{Raw: "tok-1", Class: "persistent-anonymous", UserID: "u1", ExpiresAt: exp}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.SaveToken(SavedToken{Raw: "tok-2", Class: "persistent-authenticated", UserID: "u1", ExpiresAt: exp}); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err = s.LoadToken()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Raw != "tok-2" || got.Class != "persistent-authenticated" || !got.ExpiresAt.Equal(exp) {
		t.Errorf("loaded %+v", got)
	}

	if err := s.ClearToken(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if got, _ := s.LoadToken(); got != nil {
		t.Errorf("token survived clear: %+v", got)
	}
}

func TestBandwidthAccumulateAndAck(t *testing.T) {
	s := openTestStore(t)
	if err := s.AddBandwidth("g1", 100, 50); err != nil {
		t.Fatal(err)
	}
	if err := s.AddBandwidth("g1", 10, 5); err != nil {
		t.Fatal(err)
	}
	if err := s.AddBandwidth("g2", 0, 0); err != nil {
		t.Fatal(err)
	}

	pending, err := s.PendingBandwidth()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].BytesSent != 110 || pending[0].BytesReceived != 55 {
		t.Fatalf("pending = %+v", pending)
	}

	// More traffic arrives between report and ack.
	if err := s.AddBandwidth("g1", 7, 3); err != nil {
		t.Fatal(err)
	}
	if err := s.AckBandwidth(pending[0]); err != nil {
		t.Fatal(err)
	}
	pending, _ = s.PendingBandwidth()
	if len(pending) != 1 || pending[0].BytesSent != 7 || pending[0].BytesReceived != 3 {
		t.Fatalf("after ack pending = %+v", pending)
	}
}

func TestReopenKeepsToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SaveToken(SavedToken{Raw: "tok", Class: "persistent-anonymous", UserID: "u", ExpiresAt: time.Now().Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	got, err := s2.LoadToken()
	if err != nil || got == nil || got.Raw != "tok" {
		t.Fatalf("reopen: %+v %v", got, err)
	}
}
