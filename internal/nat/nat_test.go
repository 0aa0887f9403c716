package nat

import (
	"context"
	"testing"
)

func TestClassify(t *testing.T) {
	host := Candidate{Type: Host, IP: "192.168.1.10", Port: 50000}
	srflx := func(port int) Candidate { return Candidate{Type: Reflexive, IP: "203.0.113.7", Port: port} }

	tests := []struct {
		name  string
		cands []Candidate
		want  Verdict
		conf  Confidence
		relay bool
	}{
		{"host only", []Candidate{host}, Open, Medium, false},
		{"host and one reflexive", []Candidate{host, srflx(40000)}, Moderate, Medium, false},
		{"host and agreeing reflexive", []Candidate{host, srflx(40000), srflx(40000)}, Moderate, High, false},
		{"reflexive only", []Candidate{srflx(40000)}, Strict, Low, true},
		{"host and two distinct reflexive", []Candidate{host, srflx(40000), srflx(40001)}, Symmetric, High, true},
		{"relay ignored", []Candidate{{Type: Relayed, IP: "198.51.100.1", Port: 3478}}, Unknown, Low, true},
		{"none", nil, Unknown, Low, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.cands)
			if got.Verdict != tt.want {
				t.Errorf("verdict = %s, want %s", got.Verdict, tt.want)
			}
			if got.Confidence != tt.conf {
				t.Errorf("confidence = %s, want %s", got.Confidence, tt.conf)
			}
			if got.RelayNeeded != tt.relay || got.P2PLikely == tt.relay {
				t.Errorf("relay needed = %v, p2p likely = %v", got.RelayNeeded, got.P2PLikely)
			}
		})
	}
}

func TestProbeHostOnly(t *testing.T) {
	if testing.Short() {
		t.Skip("gathers real candidates")
	}
	res, err := Probe(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Verdict != Open && res.Verdict != Unknown {
		t.Errorf("without STUN the verdict must be open or unknown, got %s", res.Verdict)
	}
	for _, c := range res.Candidates {
		if c.Type != Host {
			t.Errorf("unexpected %s candidate without STUN", c.Type)
		}
	}
}
