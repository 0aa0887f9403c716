package peer

import (
	"github.com/pion/webrtc/v4"

	"github.com/gridlink/gridlink/internal/apperr"
)

const channelLabel = "grid"

// newPC creates the session's peer connection. ICE failure feeds InFail.
func (m *Manager) newPC(s *Session) (*webrtc.PeerConnection, error) {
	pc, err := m.api.NewPeerConnection(webrtc.Configuration{ICEServers: m.ice})
	if err != nil {
		return nil, apperr.Wrap(apperr.PlatformUnavailable, "peer.negotiate", err)
	}
	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		if st == webrtc.PeerConnectionStateFailed {
			m.apply(s, InFail)
		}
	})
	m.mu.Lock()
	if s.state.Terminal() {
		m.mu.Unlock()
		pc.Close()
		return nil, apperr.E(apperr.TransportClosed, "peer.negotiate", "session ended")
	}
	s.pc = pc
	m.mu.Unlock()
	return pc, nil
}

// watchChannel detaches dc when it opens and hands the stream to the session.
func (m *Manager) watchChannel(s *Session, dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		raw, err := dc.Detach()
		if err != nil {
			m.logger.Warn("detach data channel", "peer", s.key.PeerID, "error", err)
			m.apply(s, InFail)
			return
		}
		conn := newChannelConn(raw, m.self, s.key)
		m.mu.Lock()
		if s.state != Connecting {
			m.mu.Unlock()
			conn.Close()
			return
		}
		s.under = conn
		m.mu.Unlock()
		m.apply(s, InOpen)
	})
	dc.OnClose(func() { m.apply(s, InLeave) })
}

// offer runs the initiator side: one ordered channel, vanilla ICE (all
// candidates gathered into the SDP before it is sent).
func (m *Manager) offer(s *Session) {
	fail := func(step string, err error) {
		m.logger.Warn("offer failed", "peer", s.key.PeerID, "step", step, "error", err)
		m.apply(s, InFail)
	}
	pc, err := m.newPC(s)
	if err != nil {
		fail("peer connection", err)
		return
	}
	ordered := true
	dc, err := pc.CreateDataChannel(channelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		fail("data channel", err)
		return
	}
	m.watchChannel(s, dc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		fail("create offer", err)
		return
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		fail("set local description", err)
		return
	}
	select {
	case <-gathered:
	case <-s.closed:
		return
	}
	if err := m.signal(s, Signal{Type: SignalSDP, Kind: "offer", SDP: pc.LocalDescription().SDP}); err != nil {
		fail("send offer", err)
	}
}

// prepareAnswerer creates the responder's connection before the accept goes
// out, so the offer always finds it.
func (m *Manager) prepareAnswerer(s *Session) error {
	pc, err := m.newPC(s)
	if err != nil {
		return err
	}
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() == channelLabel {
			m.watchChannel(s, dc)
		}
	})
	return nil
}

func (m *Manager) answer(s *Session, sdp string) {
	fail := func(step string, err error) {
		m.logger.Warn("answer failed", "peer", s.key.PeerID, "step", step, "error", err)
		m.apply(s, InFail)
	}
	m.mu.Lock()
	pc := s.pc
	m.mu.Unlock()
	if pc == nil {
		return
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		fail("set remote description", err)
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		fail("create answer", err)
		return
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		fail("set local description", err)
		return
	}
	select {
	case <-gathered:
	case <-s.closed:
		return
	}
	if err := m.signal(s, Signal{Type: SignalSDP, Kind: "answer", SDP: pc.LocalDescription().SDP}); err != nil {
		fail("send answer", err)
	}
}

func (m *Manager) acceptAnswer(s *Session, sdp string) {
	m.mu.Lock()
	pc := s.pc
	m.mu.Unlock()
	if pc == nil {
		return
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		m.logger.Warn("set answer failed", "peer", s.key.PeerID, "error", err)
		m.apply(s, InFail)
	}
}
