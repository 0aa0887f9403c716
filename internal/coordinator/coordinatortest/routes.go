package coordinatortest

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/gridlink/gridlink/internal/accesscode"
	"github.com/gridlink/gridlink/internal/auth"
	"github.com/gridlink/gridlink/internal/model"
)

func jwtTime(t time.Time) *jwt.NumericDate { return jwt.NewNumericDate(t) }

type ctxKey struct{}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	handle := func(pattern string, h http.HandlerFunc, authed bool) {
		mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
			s.mu.Lock()
			s.requests[pattern]++
			var fail int
			if len(s.failures) > 0 {
				fail, s.failures = s.failures[0], s.failures[1:]
			}
			s.mu.Unlock()
			if fail != 0 {
				writeErr(w, fail, "injected", "injected failure")
				return
			}
			if authed {
				userID, ok := s.authenticate(r)
				if !ok {
					writeErr(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
					return
				}
				r = r.WithContext(context.WithValue(r.Context(), ctxKey{}, userID))
			}
			h(w, r)
		})
	}
	const p = "/api/v1"

	handle("POST "+p+"/auth/token", s.issueToken, false)
	handle("POST "+p+"/auth/promote", s.promote, false)
	handle("GET "+p+"/users/me", s.me, true)
	handle("PUT "+p+"/users/me/{field}", s.updateMe, true)
	handle("GET "+p+"/users/username/{name}/availability", s.usernameAvailability, true)
	handle("GET "+p+"/users/search", s.searchUsers, true)

	handle("GET "+p+"/grids", s.listGrids, true)
	handle("POST "+p+"/grids", s.createGrid, true)
	handle("GET "+p+"/grids/{id}", s.getGrid, true)
	handle("POST "+p+"/grids/{id}/invite", s.invite, true)
	handle("POST "+p+"/grids/join", s.joinGrid, true)
	handle("POST "+p+"/grids/{id}/accept", s.acceptInvite, true)
	handle("POST "+p+"/grids/{id}/decline", s.declineInvite, true)
	handle("PUT "+p+"/grids/{id}/settings", s.updateSettings, true)
	handle("GET "+p+"/grids/{id}/audit", s.getAudit, true)
	handle("PUT "+p+"/grids/{id}/host", s.claimHost, true)
	handle("DELETE "+p+"/grids/{id}/host", s.releaseHost, true)

	handle("POST "+p+"/grids/{id}/channels", s.createChannel, true)
	handle("GET "+p+"/grids/{id}/channels", s.listChannels, true)
	handle("POST "+p+"/grids/{id}/channels/{kind}", s.createTypedChannel, true)
	handle("GET "+p+"/channels/{id}", s.getChannel, true)
	handle("POST "+p+"/channels/{id}/join", s.channelMembership(true), true)
	handle("POST "+p+"/channels/{id}/leave", s.channelMembership(false), true)
	handle("POST "+p+"/channels/{id}/messages", s.sendMessage, true)
	handle("GET "+p+"/channels/{id}/messages", s.listMessages, true)
	handle("PUT "+p+"/messages/{id}", s.editMessage, true)
	handle("DELETE "+p+"/messages/{id}", s.deleteMessage, true)
	handle("POST "+p+"/messages/{id}/reactions", s.react(true), true)
	handle("DELETE "+p+"/messages/{id}/reactions", s.react(false), true)
	handle("POST "+p+"/channels/{id}/typing", s.typingNotice, true)

	handle("POST "+p+"/grids/{id}/codes", s.createCode, true)
	handle("GET "+p+"/grids/{id}/codes", s.listCodes, true)
	handle("GET "+p+"/grids/{id}/codes/{codeId}", s.getCode, true)
	handle("DELETE "+p+"/grids/{id}/codes/{codeId}", s.revokeCode, true)
	handle("POST "+p+"/grids/{id}/codes/use", s.useCode, true)
	handle("GET "+p+"/grids/{id}/codes/{codeId}/history", s.codeHistory, true)

	handle("POST "+p+"/grids/{id}/shared-processes", s.registerProcess, true)
	handle("GET "+p+"/grids/{id}/shared-processes", s.listProcesses, true)
	handle("PUT "+p+"/grids/{id}/shared-processes/{pid}/status", s.processStatus, true)

	handle("POST "+p+"/relay/trial", s.relayTrial, true)
	handle("GET "+p+"/relay/credentials", s.relayCredentials, true)
	handle("GET "+p+"/relay/subscription", s.relaySubscription, true)
	handle("POST "+p+"/relay/bandwidth", s.relayBandwidth, true)
	handle("POST "+p+"/relay/purchase", s.relayPurchase, true)
	handle("GET "+p+"/relay/servers", s.relayServers, true)
	handle("GET "+p+"/tunnels", s.listTunnels, true)
	handle("POST "+p+"/tunnels", s.createTunnel, true)
	handle("DELETE "+p+"/tunnels", s.deleteTunnel, true)
	handle("GET "+p+"/tunnels/check/{subdomain}", s.checkSubdomain, true)
	return mux
}

func (s *Server) authenticate(r *http.Request) (string, bool) {
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return "", false
	}
	tok, err := s.Parser().Parse(raw)
	if err != nil {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.Expired(s.now()) {
		return "", false
	}
	_, known := s.users[tok.UserID]
	return tok.UserID, known
}

func userID(r *http.Request) string {
	id, _ := r.Context().Value(ctxKey{}).(string)
	return id
}

// --- auth and users ---

func (s *Server) issueToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserHandle  string `json:"user_handle"`
		DisplayName string `json:"display_name"`
		AccountType string `json:"account_type"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.UserHandle == "" || (req.AccountType != "guest" && req.AccountType != "authenticated") {
		writeErr(w, http.StatusBadRequest, "invalid_request", "user_handle and account_type are required")
		return
	}
	s.mu.Lock()
	u := s.newUserLocked(req.UserHandle, req.DisplayName, req.AccountType == "guest")
	tok, err := s.signLocked(u, req.AccountType)
	ttl := int(s.TokenTTL.Seconds())
	s.mu.Unlock()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "internal", "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": tok, "user_id": u.ID, "expires_in": ttl})
}

func (s *Server) promote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccessToken string `json:"access_token"`
		GuestToken  string `json:"guest_token"`
	}
	if !decode(w, r, &req) {
		return
	}
	email, ok := strings.CutPrefix(req.AccessToken, IDPPrefix)
	if !ok || email == "" {
		writeErr(w, http.StatusUnauthorized, "invalid_idp_token", "identity provider rejected the token")
		return
	}
	var guest *auth.Token
	if req.GuestToken != "" {
		if tok, err := s.Parser().Parse(req.GuestToken); err == nil {
			guest = tok
		}
	}
	s.mu.Lock()
	var u *model.User
	if guest != nil {
		u = s.users[guest.UserID]
	}
	if u == nil {
		handle, _, _ := strings.Cut(email, "@")
		u = s.newUserLocked(handle, handle, false)
	}
	u.IsAnonymous = false
	u.Email = email
	tok, err := s.signLocked(u, "authenticated")
	ttl := int(s.TokenTTL.Seconds())
	user := *u
	s.mu.Unlock()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "internal", "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": tok, "user_id": user.ID, "expires_in": ttl, "user": user})
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	u := *s.users[userID(r)]
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) updateMe(w http.ResponseWriter, r *http.Request) {
	field := r.PathValue("field")
	var body map[string]string
	if !decode(w, r, &body) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.users[userID(r)]
	switch field {
	case "username":
		name := body["username"]
		for _, other := range s.users {
			if other.ID != u.ID && other.Username == name {
				writeErr(w, http.StatusConflict, "username_taken", "username %q is taken", name)
				return
			}
		}
		u.Username = name
	case "display_name":
		u.DisplayName = body["display_name"]
	default:
		writeErr(w, http.StatusNotFound, "not_found", "unknown field %q", field)
		return
	}
	writeJSON(w, http.StatusOK, *u)
}

func (s *Server) usernameAvailability(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Username == name {
			writeJSON(w, http.StatusOK, map[string]bool{"available": false})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"available": true})
}

func (s *Server) searchUsers(w http.ResponseWriter, r *http.Request) {
	q := strings.ToLower(r.URL.Query().Get("q"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	s.mu.Lock()
	var out []model.User
	for _, u := range s.users {
		if strings.HasPrefix(u.Username, q) || strings.HasPrefix(strings.ToLower(u.DisplayName), q) {
			out = append(out, *u)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	writeJSON(w, http.StatusOK, out)
}

// --- grids ---

func (s *Server) memberGridLocked(w http.ResponseWriter, r *http.Request) (*model.Grid, model.Member, bool) {
	g, ok := s.grids[r.PathValue("id")]
	if !ok {
		writeErr(w, http.StatusNotFound, "not_found", "no grid %s", r.PathValue("id"))
		return nil, model.Member{}, false
	}
	m, ok := g.Member(userID(r))
	if !ok {
		writeErr(w, http.StatusForbidden, "not_a_member", "not a member of this grid")
		return nil, model.Member{}, false
	}
	return g, m, true
}

func (s *Server) auditLocked(gridID, actor, action, target string) {
	s.audit[gridID] = append(s.audit[gridID], model.AuditEntry{
		ID: uuid.NewString(), GridID: gridID, ActorID: actor, Action: action, Target: target, CreatedAt: s.now(),
	})
}

func (s *Server) listGrids(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	var out []model.Grid
	for _, g := range s.grids {
		if _, ok := g.Member(userID(r)); ok {
			out = append(out, *g)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) createGrid(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string            `json:"name"`
		Description string            `json:"description"`
		RelayPolicy model.RelayPolicy `json:"relay_policy"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	uid := userID(r)
	g := &model.Grid{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Description: req.Description,
		OwnerID:     uid,
		Members:     []model.Member{{UserID: uid, Username: s.users[uid].Username, Role: model.RoleOwner, JoinedAt: s.now()}},
		Permissions: model.Permissions{
			Invite:         []model.Role{model.RoleAdmin},
			Kick:           []model.Role{model.RoleAdmin},
			CreateProcess:  []model.Role{model.RoleAdmin, model.RoleMember},
			ViewProcess:    []model.Role{model.RoleAdmin, model.RoleMember},
			ConnectProcess: []model.Role{model.RoleAdmin, model.RoleMember},
			ReadLogs:       []model.Role{model.RoleAdmin, model.RoleMember},
			SendCommands:   []model.Role{model.RoleAdmin},
			ModifySettings: []model.Role{model.RoleAdmin},
			Audit:          []model.Role{model.RoleAdmin},
		},
		RelayPolicy: req.RelayPolicy.OrDefault(),
		CreatedAt:   s.now(),
	}
	s.grids[g.ID] = g
	s.auditLocked(g.ID, uid, "grid.create", g.ID)
	writeJSON(w, http.StatusCreated, *g)
}

func (s *Server) getGrid(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, _, ok := s.memberGridLocked(w, r)
	if !ok {
		return
	}
	g.SessionHost = s.hosts[g.ID]
	writeJSON(w, http.StatusOK, *g)
}

func (s *Server) invite(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID   string `json:"user_id"`
		Username string `json:"username"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	g, m, ok := s.memberGridLocked(w, r)
	if !ok {
		return
	}
	if !model.Allows(g.Permissions.Invite, m.Role) {
		writeErr(w, http.StatusForbidden, "forbidden", "role %s may not invite", m.Role)
		return
	}
	invitee := req.UserID
	if invitee == "" {
		for _, u := range s.users {
			if u.Username == req.Username {
				invitee = u.ID
			}
		}
	}
	if _, ok := s.users[invitee]; !ok {
		writeErr(w, http.StatusNotFound, "not_found", "no such user")
		return
	}
	code, _ := accesscode.Generate(accesscode.MaxLen)
	ac := &model.AccessCode{
		ID: uuid.NewString(), Code: code, GridID: g.ID, ResourceType: model.CodeGrid,
		CreatedBy: m.UserID, UsageLimit: 1, Permissions: model.CodePermissions{View: true}, CreatedAt: s.now(),
	}
	s.codes[ac.ID] = ac
	s.auditLocked(g.ID, m.UserID, "grid.invite", invitee)
	writeJSON(w, http.StatusCreated, model.Invitation{
		ID: ac.ID, GridID: g.ID, GridName: g.Name, InviterID: m.UserID, InviteeID: invitee,
		Code: accesscode.Format(code), ExpiresAt: s.now().Add(7 * 24 * time.Hour),
	})
}

func (s *Server) joinGrid(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ac := s.findCodeLocked("", req.Code)
	if ac == nil || ac.ResourceType != model.CodeGrid {
		writeErr(w, http.StatusNotFound, "invalid_code", "no such invite code")
		return
	}
	if !s.redeemLocked(w, ac, userID(r)) {
		return
	}
	g := s.grids[ac.GridID]
	s.joinLocked(g, userID(r))
	writeJSON(w, http.StatusOK, *g)
}

func (s *Server) joinLocked(g *model.Grid, uid string) {
	if _, ok := g.Member(uid); ok {
		return
	}
	g.Members = append(g.Members, model.Member{UserID: uid, Username: s.users[uid].Username, Role: model.RoleMember, JoinedAt: s.now()})
	s.auditLocked(g.ID, uid, "grid.join", uid)
}

func (s *Server) acceptInvite(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grids[r.PathValue("id")]
	if !ok {
		writeErr(w, http.StatusNotFound, "not_found", "no grid")
		return
	}
	s.joinLocked(g, userID(r))
	writeJSON(w, http.StatusOK, *g)
}

func (s *Server) declineInvite(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.grids[r.PathValue("id")]; !ok {
		writeErr(w, http.StatusNotFound, "not_found", "no grid")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) updateSettings(w http.ResponseWriter, r *http.Request) {
	var req model.GridSettings
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	g, m, ok := s.memberGridLocked(w, r)
	if !ok {
		return
	}
	if !model.Allows(g.Permissions.ModifySettings, m.Role) {
		writeErr(w, http.StatusForbidden, "forbidden", "role %s may not modify settings", m.Role)
		return
	}
	if req.Name != "" {
		g.Name = req.Name
	}
	if req.Description != "" {
		g.Description = req.Description
	}
	if req.Permissions != nil {
		g.Permissions = *req.Permissions
	}
	if req.RelayPolicy != "" {
		g.RelayPolicy = req.RelayPolicy
	}
	s.auditLocked(g.ID, m.UserID, "grid.settings", g.ID)
	writeJSON(w, http.StatusOK, *g)
}

func (s *Server) getAudit(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, m, ok := s.memberGridLocked(w, r)
	if !ok {
		return
	}
	if !model.Allows(g.Permissions.Audit, m.Role) {
		writeErr(w, http.StatusForbidden, "forbidden", "role %s may not read the audit log", m.Role)
		return
	}
	entries := append([]model.AuditEntry(nil), s.audit[g.ID]...)
	if limit, _ := strconv.Atoi(r.URL.Query().Get("limit")); limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) claimHost(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProcessID string `json:"process_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	g, m, ok := s.memberGridLocked(w, r)
	if !ok {
		return
	}
	if holder, taken := s.hosts[g.ID]; taken && holder != m.UserID {
		writeErr(w, http.StatusConflict, "host_taken", "grid is hosted by %s", holder)
		return
	}
	s.hosts[g.ID] = m.UserID
	s.auditLocked(g.ID, m.UserID, "grid.host.claim", req.ProcessID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) releaseHost(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, m, ok := s.memberGridLocked(w, r)
	if !ok {
		return
	}
	if s.hosts[g.ID] == m.UserID {
		delete(s.hosts, g.ID)
		s.auditLocked(g.ID, m.UserID, "grid.host.release", "")
	}
	w.WriteHeader(http.StatusNoContent)
}
