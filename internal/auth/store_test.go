package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gridlink/gridlink/internal/apperr"
	"github.com/gridlink/gridlink/internal/store"
)

var testKey = []byte("test-signing-key")

func issue(t *testing.T, sub, accountType string, ephemeral bool, exp time.Time) string {
	t.Helper()
	raw, err := Issue(testKey, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		AccountType: accountType,
		Ephemeral:   ephemeral,
		Handle:      "alice",
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return raw
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestClassification(t *testing.T) {
	exp := time.Now().Add(time.Hour)
	p := &Parser{}
	tests := []struct {
		accountType string
		ephemeral   bool
		want        AccountClass
	}{
		{"guest", false, ClassAnonymous},
		{"authenticated", false, ClassAuthenticated},
		{"guest", true, ClassEphemeral},
		{"", false, ClassEphemeral},
	}
	for _, tt := range tests {
		tok, err := p.Parse(issue(t, "u1", tt.accountType, tt.ephemeral, exp))
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if tok.Class != tt.want {
			t.Errorf("account_type=%q ephemeral=%v: class %q, want %q", tt.accountType, tt.ephemeral, tok.Class, tt.want)
		}
		if tok.UserID != "u1" || tok.Handle != "alice" {
			t.Errorf("decoded identity = %+v", tok)
		}
	}
}

func TestParserVerifiesWithKey(t *testing.T) {
	raw := issue(t, "u1", "guest", false, time.Now().Add(time.Hour))
	good, err := NewParser("dGVzdC1zaWduaW5nLWtleQ==") // base64("test-signing-key")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := good.Parse(raw); err != nil {
		t.Fatalf("verify with right key: %v", err)
	}
	bad, _ := NewParser("b3RoZXIta2V5")
	if _, err := bad.Parse(raw); !errors.Is(err, apperr.ErrInvalid) {
		t.Fatalf("verify with wrong key: err = %v", err)
	}
	if _, err := (&Parser{}).Parse("not-a-jwt"); !errors.Is(err, apperr.ErrInvalid) {
		t.Fatalf("garbage token: err = %v", err)
	}
}

func TestExpiredReadClearsPersisted(t *testing.T) {
	db := openStore(t)
	ts := NewTokenStore(nil, db, nil)
	now := time.Now()
	ts.SetClock(func() time.Time { return now })

	if _, err := ts.Set(issue(t, "u1", "guest", false, now.Add(time.Minute))); err != nil {
		t.Fatalf("set: %v", err)
	}
	if saved, _ := db.LoadToken(); saved == nil {
		t.Fatal("persistent token was not saved")
	}

	now = now.Add(2 * time.Minute)
	tok, err := ts.Get()
	if tok != nil || !errors.Is(err, apperr.ErrNotAuthenticated) {
		t.Fatalf("expired get: tok=%v err=%v", tok, err)
	}
	if saved, _ := db.LoadToken(); saved != nil {
		t.Fatal("expired token still persisted")
	}
}

func TestEphemeralNotPersisted(t *testing.T) {
	db := openStore(t)
	ts := NewTokenStore(nil, db, nil)
	if _, err := ts.Set(issue(t, "u1", "guest", true, time.Now().Add(time.Hour))); err != nil {
		t.Fatal(err)
	}
	if saved, _ := db.LoadToken(); saved != nil {
		t.Fatalf("ephemeral token persisted: %+v", saved)
	}
	if _, err := ts.Get(); err != nil {
		t.Fatalf("ephemeral token should still be current: %v", err)
	}
}

func TestRestoreColdStart(t *testing.T) {
	db := openStore(t)
	first := NewTokenStore(nil, db, nil)
	if _, err := first.Set(issue(t, "u9", "authenticated", false, time.Now().Add(time.Hour))); err != nil {
		t.Fatal(err)
	}

	second := NewTokenStore(nil, db, nil)
	if err := second.Restore(); err != nil {
		t.Fatal(err)
	}
	tok, err := second.Get()
	if err != nil {
		t.Fatalf("restored get: %v", err)
	}
	if tok.UserID != "u9" || tok.Class != ClassAuthenticated {
		t.Errorf("restored %+v", tok)
	}
}

func TestRestoreDropsExpired(t *testing.T) {
	db := openStore(t)
	raw := issue(t, "u1", "guest", false, time.Now().Add(-time.Minute))
	if err := db.SaveToken(store.SavedToken{Raw: raw, Class: string(ClassAnonymous), UserID: "u1", ExpiresAt: time.Now().Add(-time.Minute)}); err != nil {
		t.Fatal(err)
	}
	ts := NewTokenStore(nil, db, nil)
	if err := ts.Restore(); err != nil {
		t.Fatal(err)
	}
	if _, err := ts.Get(); !errors.Is(err, apperr.ErrNotAuthenticated) {
		t.Fatalf("expected not authenticated, got %v", err)
	}
	if saved, _ := db.LoadToken(); saved != nil {
		t.Fatal("expired token not cleared on restore")
	}
}

func TestClear(t *testing.T) {
	ts := NewTokenStore(nil, nil, nil)
	if _, err := ts.Set(issue(t, "u1", "guest", false, time.Now().Add(time.Hour))); err != nil {
		t.Fatal(err)
	}
	ts.Clear()
	if _, err := ts.Bearer(); !errors.Is(err, apperr.ErrNotAuthenticated) {
		t.Fatalf("after clear: %v", err)
	}
}
