// Package coordinatortest is an in-memory coordinator for tests. It serves the
// coordinator HTTP API from an httptest.Server and signs real HS256 tokens.
package coordinatortest

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/gridlink/gridlink/internal/auth"
	"github.com/gridlink/gridlink/internal/model"
)

// IDPPrefix marks identity-provider tokens the fake accepts on promote.
const IDPPrefix = "idp:"

// Server is a fake coordinator.
type Server struct {
	*httptest.Server

	Key      []byte
	TokenTTL time.Duration

	mu       sync.Mutex
	now      func() time.Time
	users    map[string]*model.User
	grids    map[string]*model.Grid
	hosts    map[string]string
	audit    map[string][]model.AuditEntry
	channels map[string]*model.Channel
	messages map[string][]*model.Message
	codes    map[string]*model.AccessCode
	usage    map[string][]model.CodeUsage
	procs    map[string]map[string]*model.SharedProcess
	subs     map[string]*model.RelaySubscription
	tunnels  map[string]*model.Tunnel
	servers  []model.RelayServer
	typing   int
	requests map[string]int
	failures []int
}

// New starts a fake coordinator that is closed when the test ends.
func New(t testing.TB) *Server {
	s := &Server{
		Key:      []byte("coordinatortest-signing-key"),
		TokenTTL: time.Hour,
		now:      time.Now,
		users:    make(map[string]*model.User),
		grids:    make(map[string]*model.Grid),
		hosts:    make(map[string]string),
		audit:    make(map[string][]model.AuditEntry),
		channels: make(map[string]*model.Channel),
		messages: make(map[string][]*model.Message),
		codes:    make(map[string]*model.AccessCode),
		usage:    make(map[string][]model.CodeUsage),
		procs:    make(map[string]map[string]*model.SharedProcess),
		subs:     make(map[string]*model.RelaySubscription),
		tunnels:  make(map[string]*model.Tunnel),
		requests: make(map[string]int),
	}
	s.Server = httptest.NewServer(s.routes())
	t.Cleanup(s.Close)
	return s
}

// VerifyKey is the base64 key for auth.NewParser.
func (s *Server) VerifyKey() string { return base64.StdEncoding.EncodeToString(s.Key) }

// Parser returns a parser that verifies this server's tokens.
func (s *Server) Parser() *auth.Parser {
	p, err := auth.NewParser(s.VerifyKey())
	if err != nil {
		panic(err)
	}
	return p
}

// SetClock replaces the server clock.
func (s *Server) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// FailNext makes the next len(statuses) requests fail with the given codes.
func (s *Server) FailNext(statuses ...int) {
	s.mu.Lock()
	s.failures = append(s.failures, statuses...)
	s.mu.Unlock()
}

// Requests returns how many requests hit "METHOD /path-pattern".
func (s *Server) Requests(pattern string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[pattern]
}

// TypingCount returns how many typing notifications arrived.
func (s *Server) TypingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typing
}

// SetRelayServers seeds the relay server list.
func (s *Server) SetRelayServers(servers ...model.RelayServer) {
	s.mu.Lock()
	s.servers = servers
	s.mu.Unlock()
}

// SetSubscription seeds a grid's relay allocation.
func (s *Server) SetSubscription(gridID string, sub model.RelaySubscription) {
	s.mu.Lock()
	sub.GridID = gridID
	s.subs[gridID] = &sub
	s.mu.Unlock()
}

// Process returns the coordinator's record of a shared process.
func (s *Server) Process(gridID, processID string) (model.SharedProcess, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.procs[gridID][processID]
	if !ok {
		return model.SharedProcess{}, false
	}
	return *sp, true
}

// Host returns the grid's session-host pointer.
func (s *Server) Host(gridID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hosts[gridID]
}

// Token signs a token for a fresh user of the given account type.
func (s *Server) Token(t testing.TB, handle, accountType string) string {
	s.mu.Lock()
	u := s.newUserLocked(handle, handle, accountType == "guest")
	tok, err := s.signLocked(u, accountType)
	s.mu.Unlock()
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func (s *Server) newUserLocked(handle, display string, anonymous bool) *model.User {
	u := &model.User{
		ID:          uuid.NewString(),
		Username:    strings.ToLower(handle),
		DisplayName: display,
		IsAnonymous: anonymous,
		CreatedAt:   s.now(),
	}
	s.users[u.ID] = u
	return u
}

func (s *Server) signLocked(u *model.User, accountType string) (string, error) {
	now := s.now()
	claims := auth.Claims{AccountType: accountType, Handle: u.Username, DisplayName: u.DisplayName}
	claims.Subject = u.ID
	claims.IssuedAt = jwtTime(now)
	claims.ExpiresAt = jwtTime(now.Add(s.TokenTTL))
	return auth.Issue(s.Key, claims)
}

type apiError struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

func writeErr(w http.ResponseWriter, status int, code, format string, args ...any) {
	writeJSON(w, status, apiError{Error: code, Code: code, Message: fmt.Sprintf(format, args...)})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeErr(w, http.StatusBadRequest, "bad_request", "invalid json: %v", err)
		return false
	}
	return true
}
