package coordinatortest

import (
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/gridlink/gridlink/internal/accesscode"
	"github.com/gridlink/gridlink/internal/model"
)

// --- channels and messages ---

func (s *Server) newChannelLocked(w http.ResponseWriter, r *http.Request, name string, kind model.ChannelKind) {
	g, _, ok := s.memberGridLocked(w, r)
	if !ok {
		return
	}
	if name == "" {
		writeErr(w, http.StatusBadRequest, "invalid_request", "name is required")
		return
	}
	ch := &model.Channel{ID: uuid.NewString(), GridID: g.ID, Name: name, Kind: kind, CreatedAt: s.now()}
	s.channels[ch.ID] = ch
	writeJSON(w, http.StatusCreated, *ch)
}

func (s *Server) createChannel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string            `json:"name"`
		Kind model.ChannelKind `json:"channel_type"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Kind == "" {
		req.Kind = model.ChannelText
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.newChannelLocked(w, r, req.Name, req.Kind)
}

func (s *Server) createTypedChannel(w http.ResponseWriter, r *http.Request) {
	kind := model.ChannelKind(r.PathValue("kind"))
	if kind != model.ChannelText && kind != model.ChannelVoice {
		writeErr(w, http.StatusNotFound, "not_found", "unknown channel kind %q", kind)
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.newChannelLocked(w, r, req.Name, kind)
}

func (s *Server) listChannels(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, _, ok := s.memberGridLocked(w, r)
	if !ok {
		return
	}
	out := []model.Channel{}
	for _, ch := range s.channels {
		if ch.GridID == g.ID {
			out = append(out, *ch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	writeJSON(w, http.StatusOK, out)
}

// channelLocked resolves the channel in the path and checks membership of its grid.
func (s *Server) channelLocked(w http.ResponseWriter, r *http.Request) (*model.Channel, bool) {
	ch, ok := s.channels[r.PathValue("id")]
	if !ok {
		writeErr(w, http.StatusNotFound, "not_found", "no channel %s", r.PathValue("id"))
		return nil, false
	}
	if _, member := s.grids[ch.GridID].Member(userID(r)); !member {
		writeErr(w, http.StatusForbidden, "not_a_member", "not a member of this grid")
		return nil, false
	}
	return ch, true
}

func (s *Server) getChannel(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.channelLocked(w, r); ok {
		writeJSON(w, http.StatusOK, *ch)
	}
}

func (s *Server) channelMembership(join bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		ch, ok := s.channelLocked(w, r)
		if !ok {
			return
		}
		uid := userID(r)
		kept := ch.Participants[:0]
		for _, p := range ch.Participants {
			if p != uid {
				kept = append(kept, p)
			}
		}
		ch.Participants = kept
		if join {
			ch.Participants = append(ch.Participants, uid)
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
		ReplyTo string `json:"reply_to"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channelLocked(w, r)
	if !ok {
		return
	}
	if req.Content == "" {
		writeErr(w, http.StatusBadRequest, "invalid_request", "content is required")
		return
	}
	m := &model.Message{
		ID: uuid.NewString(), ChannelID: ch.ID, GridID: ch.GridID, AuthorID: userID(r),
		Content: req.Content, ReplyTo: req.ReplyTo, CreatedAt: s.now(),
	}
	s.messages[ch.ID] = append(s.messages[ch.ID], m)
	writeJSON(w, http.StatusCreated, *m)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channelLocked(w, r)
	if !ok {
		return
	}
	msgs := s.messages[ch.ID]
	if before := r.URL.Query().Get("before"); before != "" {
		for i, m := range msgs {
			if m.ID == before {
				msgs = msgs[:i]
				break
			}
		}
	}
	if limit, _ := strconv.Atoi(r.URL.Query().Get("limit")); limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, *m)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) messageLocked(w http.ResponseWriter, r *http.Request) (*model.Message, int, bool) {
	id := r.PathValue("id")
	for _, msgs := range s.messages {
		for i, m := range msgs {
			if m.ID == id {
				return m, i, true
			}
		}
	}
	writeErr(w, http.StatusNotFound, "not_found", "no message %s", id)
	return nil, 0, false
}

func (s *Server) editMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, _, ok := s.messageLocked(w, r)
	if !ok {
		return
	}
	if m.AuthorID != userID(r) {
		writeErr(w, http.StatusForbidden, "forbidden", "only the author may edit")
		return
	}
	now := s.now()
	m.Content = req.Content
	m.EditedAt = &now
	writeJSON(w, http.StatusOK, *m)
}

func (s *Server) deleteMessage(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, i, ok := s.messageLocked(w, r)
	if !ok {
		return
	}
	if m.AuthorID != userID(r) {
		writeErr(w, http.StatusForbidden, "forbidden", "only the author may delete")
		return
	}
	msgs := s.messages[m.ChannelID]
	s.messages[m.ChannelID] = append(msgs[:i:i], msgs[i+1:]...)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) react(add bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var emoji string
		if add {
			var req struct {
				Emoji string `json:"emoji"`
			}
			if !decode(w, r, &req) {
				return
			}
			emoji = req.Emoji
		} else {
			emoji = r.URL.Query().Get("emoji")
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		m, _, ok := s.messageLocked(w, r)
		if !ok {
			return
		}
		uid := userID(r)
		kept := m.Reactions[:0]
		for _, rc := range m.Reactions {
			if rc.Emoji != emoji || rc.UserID != uid {
				kept = append(kept, rc)
			}
		}
		m.Reactions = kept
		if add {
			m.Reactions = append(m.Reactions, model.Reaction{Emoji: emoji, UserID: uid})
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) typingNotice(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channelLocked(w, r); !ok {
		return
	}
	s.typing++
	w.WriteHeader(http.StatusNoContent)
}

// --- access codes ---

func (s *Server) createCode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ResourceType     model.CodeResourceType `json:"resource_type"`
		ResourceID       string                 `json:"resource_id"`
		UsageLimit       int                    `json:"usage_limit"`
		ExpiresInMinutes int                    `json:"expires_in_minutes"`
		Permissions      model.CodePermissions  `json:"permissions"`
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
		writeErr(w, http.StatusForbidden, "forbidden", "role %s may not create codes", m.Role)
		return
	}
	code, err := accesscode.Generate(7)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "internal", "%v", err)
		return
	}
	ac := &model.AccessCode{
		ID: uuid.NewString(), Code: code, GridID: g.ID, ResourceType: req.ResourceType, ResourceID: req.ResourceID,
		CreatedBy: m.UserID, UsageLimit: req.UsageLimit, Permissions: req.Permissions, CreatedAt: s.now(),
	}
	if req.ExpiresInMinutes > 0 {
		exp := s.now().Add(time.Duration(req.ExpiresInMinutes) * time.Minute)
		ac.ExpiresAt = &exp
	}
	s.codes[ac.ID] = ac
	s.auditLocked(g.ID, m.UserID, "code.create", ac.ID)
	writeJSON(w, http.StatusCreated, *ac)
}

func (s *Server) listCodes(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, _, ok := s.memberGridLocked(w, r)
	if !ok {
		return
	}
	out := []model.AccessCode{}
	for _, ac := range s.codes {
		if ac.GridID == g.ID && !ac.Revoked {
			out = append(out, *ac)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) gridCodeLocked(w http.ResponseWriter, r *http.Request) (*model.AccessCode, bool) {
	g, _, ok := s.memberGridLocked(w, r)
	if !ok {
		return nil, false
	}
	ac, ok := s.codes[r.PathValue("codeId")]
	if !ok || ac.GridID != g.ID {
		writeErr(w, http.StatusNotFound, "not_found", "no code %s", r.PathValue("codeId"))
		return nil, false
	}
	return ac, true
}

func (s *Server) getCode(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ac, ok := s.gridCodeLocked(w, r); ok {
		writeJSON(w, http.StatusOK, *ac)
	}
}

func (s *Server) revokeCode(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ac, ok := s.gridCodeLocked(w, r)
	if !ok {
		return
	}
	ac.Revoked = true
	s.auditLocked(ac.GridID, userID(r), "code.revoke", ac.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) codeHistory(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ac, ok := s.gridCodeLocked(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, append([]model.CodeUsage{}, s.usage[ac.ID]...))
}

// findCodeLocked looks a code up by its value. An empty gridID matches any grid.
func (s *Server) findCodeLocked(gridID, code string) *model.AccessCode {
	n := accesscode.Normalize(code)
	for _, ac := range s.codes {
		if ac.Code == n && (gridID == "" || ac.GridID == gridID) {
			return ac
		}
	}
	return nil
}

// redeemLocked counts one use of ac, or writes the refusal.
func (s *Server) redeemLocked(w http.ResponseWriter, ac *model.AccessCode, uid string) bool {
	switch {
	case ac.Revoked:
		writeErr(w, http.StatusBadRequest, "code_revoked", "code has been revoked")
		return false
	case ac.Expired(s.now()):
		writeErr(w, http.StatusBadRequest, "code_expired", "code has expired")
		return false
	case ac.Exhausted():
		writeErr(w, http.StatusBadRequest, "usage_exhausted", "code has reached its usage limit")
		return false
	}
	ac.UseCount++
	s.usage[ac.ID] = append(s.usage[ac.ID], model.CodeUsage{CodeID: ac.ID, UserID: uid, UsedAt: s.now()})
	return true
}

func (s *Server) useCode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	gridID := r.PathValue("id")
	g, ok := s.grids[gridID]
	if !ok {
		writeErr(w, http.StatusNotFound, "not_found", "no grid %s", gridID)
		return
	}
	ac := s.findCodeLocked(gridID, req.Code)
	if ac == nil {
		writeErr(w, http.StatusNotFound, "invalid_code", "no such code")
		return
	}
	uid := userID(r)
	if !s.redeemLocked(w, ac, uid) {
		return
	}
	if ac.ResourceType == model.CodeGrid {
		s.joinLocked(g, uid)
	}
	s.auditLocked(g.ID, uid, "code.use", ac.ID)
	writeJSON(w, http.StatusOK, map[string]any{
		"code": *ac, "grid_id": g.ID, "resource_type": ac.ResourceType,
		"resource_id": ac.ResourceID, "permissions": ac.Permissions,
	})
}

// --- shared processes ---

func (s *Server) registerProcess(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProcessID string              `json:"process_id"`
		Name      string              `json:"name"`
		Kind      model.ResourceKind  `json:"resource_type"`
		Status    model.ResourceState `json:"status"`
		Port      int                 `json:"port"`
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
	if !model.Allows(g.Permissions.CreateProcess, m.Role) {
		writeErr(w, http.StatusForbidden, "forbidden", "role %s may not share processes", m.Role)
		return
	}
	if s.procs[g.ID] == nil {
		s.procs[g.ID] = make(map[string]*model.SharedProcess)
	}
	sp, exists := s.procs[g.ID][req.ProcessID]
	if !exists {
		sp = &model.SharedProcess{ID: uuid.NewString(), GridID: g.ID, OwnerID: m.UserID, ProcessID: req.ProcessID, CreatedAt: s.now()}
		s.procs[g.ID][req.ProcessID] = sp
	}
	sp.Name, sp.Kind, sp.Status, sp.Port = req.Name, req.Kind, req.Status, req.Port
	sp.LastHeartbeat = s.now()
	status := http.StatusCreated
	if exists {
		status = http.StatusOK
	}
	writeJSON(w, status, *sp)
}

func (s *Server) listProcesses(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, _, ok := s.memberGridLocked(w, r)
	if !ok {
		return
	}
	out := []model.SharedProcess{}
	for _, sp := range s.procs[g.ID] {
		out = append(out, *sp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) processStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status model.ResourceState `json:"status"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	g, _, ok := s.memberGridLocked(w, r)
	if !ok {
		return
	}
	sp, ok := s.procs[g.ID][r.PathValue("pid")]
	if !ok {
		writeErr(w, http.StatusNotFound, "not_found", "no shared process %s", r.PathValue("pid"))
		return
	}
	if sp.OwnerID != userID(r) {
		writeErr(w, http.StatusForbidden, "forbidden", "only the owner may update status")
		return
	}
	sp.Status = req.Status
	sp.LastHeartbeat = s.now()
	w.WriteHeader(http.StatusNoContent)
}

// --- relay and tunnels ---

func (s *Server) relayTrial(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GridID string `json:"grid_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[req.GridID]; ok {
		writeErr(w, http.StatusConflict, "trial_used", "grid already has a relay subscription")
		return
	}
	sub := &model.RelaySubscription{GridID: req.GridID, Tier: "trial", AllocationGB: 1, Months: 1, Trial: true, ExpiresAt: s.now().AddDate(0, 1, 0)}
	s.subs[req.GridID] = sub
	writeJSON(w, http.StatusCreated, *sub)
}

func (s *Server) relayCredentials(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	uid := userID(r)
	writeJSON(w, http.StatusOK, model.TunnelCredential{
		Token: "relay-" + uid, User: uid, TTLSeconds: 3600,
		Servers: append([]model.RelayServer(nil), s.servers...), IssuedAt: s.now(),
	})
}

func (s *Server) relaySubscription(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[r.URL.Query().Get("grid_id")]
	if !ok {
		writeErr(w, http.StatusNotFound, "no_subscription", "grid has no relay subscription")
		return
	}
	writeJSON(w, http.StatusOK, *sub)
}

func (s *Server) relayBandwidth(w http.ResponseWriter, r *http.Request) {
	var req model.BandwidthReport
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[req.GridID]
	if !ok {
		writeErr(w, http.StatusNotFound, "no_subscription", "grid has no relay subscription")
		return
	}
	if sub.RemainingBytes() == 0 {
		writeErr(w, http.StatusPaymentRequired, "allocation_exceeded", "relay allocation used up")
		return
	}
	sub.UsedBytes += req.BytesSent + req.BytesReceived
	writeJSON(w, http.StatusOK, map[string]int64{"used_bytes": sub.UsedBytes, "remaining_bytes": sub.RemainingBytes()})
}

func (s *Server) relayPurchase(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GridID string `json:"grid_id"`
		GB     int    `json:"gb"`
		Months int    `json:"months"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.GB <= 0 || req.Months <= 0 {
		writeErr(w, http.StatusBadRequest, "invalid_request", "gb and months must be positive")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[req.GridID]
	if !ok || sub.Trial {
		sub = &model.RelaySubscription{GridID: req.GridID, Tier: "paid"}
		s.subs[req.GridID] = sub
	}
	sub.AllocationGB += req.GB
	sub.Months += req.Months
	sub.ExpiresAt = s.now().AddDate(0, sub.Months, 0)
	writeJSON(w, http.StatusOK, *sub)
}

func (s *Server) relayServers(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, http.StatusOK, append([]model.RelayServer{}, s.servers...))
}

func (s *Server) listTunnels(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []model.Tunnel{}
	for _, t := range s.tunnels {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Subdomain < out[j].Subdomain })
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) createTunnel(w http.ResponseWriter, r *http.Request) {
	var spec model.TunnelSpec
	if !decode(w, r, &spec) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tunnels {
		if spec.Subdomain != "" && t.Subdomain == spec.Subdomain {
			writeErr(w, http.StatusConflict, "subdomain_taken", "subdomain %q is taken", spec.Subdomain)
			return
		}
	}
	t := &model.Tunnel{ID: uuid.NewString(), Subdomain: spec.Subdomain, LocalPort: spec.LocalPort, Protocol: spec.Protocol, CreatedAt: s.now()}
	if spec.Subdomain != "" {
		t.URL = "https://" + spec.Subdomain + ".relay.test"
	}
	s.tunnels[t.ID] = t
	writeJSON(w, http.StatusCreated, *t)
}

func (s *Server) deleteTunnel(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := r.URL.Query().Get("id")
	if _, ok := s.tunnels[id]; !ok {
		writeErr(w, http.StatusNotFound, "not_found", "no tunnel %s", id)
		return
	}
	delete(s.tunnels, id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) checkSubdomain(w http.ResponseWriter, r *http.Request) {
	sub := r.PathValue("subdomain")
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tunnels {
		if t.Subdomain == sub {
			writeJSON(w, http.StatusOK, map[string]bool{"available": false})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"available": true})
}
