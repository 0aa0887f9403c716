// Package nat classifies this node's NAT from the ICE candidates it can gather.
package nat

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/gridlink/gridlink/internal/apperr"
)

// ProbeTimeout bounds candidate gathering.
const ProbeTimeout = 5 * time.Second

// DefaultSTUN is the fixed server list probed at boot.
var DefaultSTUN = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun.cloudflare.com:3478",
}

type CandidateType string

const (
	Host      CandidateType = "host"
	Reflexive CandidateType = "srflx"
	PeerRefl  CandidateType = "prflx"
	Relayed   CandidateType = "relay"
)

// Candidate is one gathered ICE candidate.
type Candidate struct {
	Type CandidateType `json:"type"`
	IP   string        `json:"ip"`
	Port int           `json:"port"`
}

func (c Candidate) addr() string { return net.JoinHostPort(c.IP, strconv.Itoa(c.Port)) }

type Verdict string

const (
	Open      Verdict = "open"
	Moderate  Verdict = "moderate"
	Strict    Verdict = "strict"
	Symmetric Verdict = "symmetric"
	Unknown   Verdict = "unknown"
)

type Confidence string

const (
	High   Confidence = "high"
	Medium Confidence = "medium"
	Low    Confidence = "low"
)

// Result is the outcome of a probe.
type Result struct {
	Verdict     Verdict     `json:"verdict"`
	P2PLikely   bool        `json:"p2p_likely"`
	RelayNeeded bool        `json:"relay_needed"`
	Confidence  Confidence  `json:"confidence"`
	Candidates  []Candidate `json:"candidates,omitempty"`
}

// Classify maps a candidate set to a verdict. Reflexive candidates are
// distinct when their ip:port differ; relayed candidates are ignored.
func Classify(cands []Candidate) Result {
	var hosts, reflexive int
	distinct := make(map[string]struct{})
	for _, c := range cands {
		switch c.Type {
		case Host:
			hosts++
		case Reflexive, PeerRefl:
			reflexive++
			distinct[c.addr()] = struct{}{}
		}
	}

	r := Result{Candidates: cands}
	switch {
	case len(distinct) > 1:
		r.Verdict, r.Confidence = Symmetric, High
	case len(distinct) == 1 && hosts > 0:
		r.Verdict, r.Confidence = Moderate, Medium
		if reflexive >= 2 {
			r.Confidence = High
		}
	case len(distinct) == 1:
		r.Verdict, r.Confidence = Strict, Low
	case hosts > 0:
		r.Verdict, r.Confidence = Open, Medium
	default:
		r.Verdict, r.Confidence = Unknown, Low
	}
	r.P2PLikely = r.Verdict == Open || r.Verdict == Moderate
	r.RelayNeeded = !r.P2PLikely
	return r
}

// Probe gathers candidates against stunURLs for at most ProbeTimeout, closes
// the connection and classifies what it saw.
func Probe(ctx context.Context, stunURLs []string) (Result, error) {
	const op = "nat.probe"
	ctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()

	var cfg webrtc.Configuration
	if len(stunURLs) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: stunURLs}}
	}
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return Result{}, apperr.Wrap(apperr.PlatformUnavailable, op, err)
	}
	defer pc.Close()

	var (
		mu    sync.Mutex
		cands []Candidate
		once  sync.Once
		done  = make(chan struct{})
	)
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(done) })
			return
		}
		mu.Lock()
		cands = append(cands, Candidate{Type: candidateType(c.Typ), IP: c.Address, Port: int(c.Port)})
		mu.Unlock()
	})

	if _, err := pc.CreateDataChannel("nat-probe", nil); err != nil {
		return Result{}, apperr.Wrap(apperr.PlatformUnavailable, op, err)
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return Result{}, apperr.Wrap(apperr.PlatformUnavailable, op, err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return Result{}, apperr.Wrap(apperr.PlatformUnavailable, op, err)
	}

	select {
	case <-done:
	case <-ctx.Done():
	}
	mu.Lock()
	got := append([]Candidate(nil), cands...)
	mu.Unlock()
	return Classify(got), nil
}

func candidateType(t webrtc.ICECandidateType) CandidateType {
	switch t {
	case webrtc.ICECandidateTypeSrflx:
		return Reflexive
	case webrtc.ICECandidateTypePrflx:
		return PeerRefl
	case webrtc.ICECandidateTypeRelay:
		return Relayed
	default:
		return Host
	}
}
