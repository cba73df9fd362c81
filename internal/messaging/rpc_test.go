package messaging

import (
	"fmt"
	"testing"

	"github.com/duskmesh/dht/internal/id"
)

func TestPendingCallsResolve(t *testing.T) {
	p := NewPendingCalls()
	req := &Request{ID: p.NextID(), To: mustTestID(t, 30), Method: "ping"}
	p.Register(req)

	if p.Len() != 1 {
		t.Fatalf("expected 1 pending call, got %d", p.Len())
	}
	if !p.Resolve(req.ID, []byte("pong")) {
		t.Fatalf("expected Resolve to find the registered request")
	}

	body, err := p.Await(req)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if string(body) != "pong" {
		t.Fatalf("got body %q, want %q", body, "pong")
	}
	if p.Len() != 0 {
		t.Fatalf("resolved call should be removed from the pending table")
	}
}

func TestPendingCallsResolveUnmatchedIsNoop(t *testing.T) {
	p := NewPendingCalls()
	if p.Resolve(999, []byte("x")) {
		t.Fatalf("resolving an id with no pending request should report false")
	}
}

func TestPendingCallsReject(t *testing.T) {
	p := NewPendingCalls()
	req := &Request{ID: p.NextID(), To: mustTestID(t, 31)}
	p.Register(req)

	wantErr := fmt.Errorf("boom")
	if !p.Reject(req.ID, wantErr) {
		t.Fatalf("expected Reject to find the registered request")
	}
	_, err := p.Await(req)
	if err != wantErr {
		t.Fatalf("got err %v, want %v", err, wantErr)
	}
}

func TestPendingCallsCancelAll(t *testing.T) {
	p := NewPendingCalls()
	var reqs []*Request
	for i := 0; i < 3; i++ {
		req := &Request{ID: p.NextID(), To: id.Id{}}
		p.Register(req)
		reqs = append(reqs, req)
	}

	p.CancelAll(fmt.Errorf("shutdown"))
	if p.Len() != 0 {
		t.Fatalf("CancelAll should empty the pending table")
	}
	for _, req := range reqs {
		if _, err := p.Await(req); err == nil {
			t.Fatalf("expected cancelled request %d to resolve with an error", req.ID)
		}
	}
}
