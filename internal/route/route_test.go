package route

import (
	"errors"
	"testing"

	"github.com/tproxy/tproxy/internal/pipe"
)

type bareScript struct{}

func (bareScript) Decide(data []byte) (Decision, error) { return Decision{Kind: NeedMore}, nil }

type fullScript struct {
	bareScript
	gotExtra any
}

func (s *fullScript) RewriteRequest(p *pipe.Pipe, extra any) error {
	s.gotExtra = extra
	return nil
}

func (s *fullScript) RewriteResponse(p *pipe.Pipe) error { return nil }

func (s *fullScript) ProxyError(connID string, err error) {}

func TestLoadRejectsNonDecider(t *testing.T) {
	if _, err := Load(struct{}{}); err == nil {
		t.Fatal("expected error loading a script without Decide")
	}
}

func TestLoadProbesCapabilities(t *testing.T) {
	a, err := Load(bareScript{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if a.HasRewriteRequest() || a.HasRewriteResponse() || a.HasProxyError() {
		t.Fatalf("bareScript should have no optional capabilities, got %+v", a)
	}

	full, err := Load(&fullScript{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !full.HasRewriteRequest() || !full.HasRewriteResponse() || !full.HasProxyError() {
		t.Fatalf("fullScript should have all optional capabilities, got %+v", full)
	}
}

func TestAdapterDispatchesRewriteArity(t *testing.T) {
	s := &fullScript{}
	a, err := Load(s)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if err := a.RewriteRequest(nil, "extra-value"); err != nil {
		t.Fatalf("RewriteRequest: %v", err)
	}
	if s.gotExtra != "extra-value" {
		t.Errorf("gotExtra = %v, want extra-value", s.gotExtra)
	}

	if err := a.RewriteResponse(nil, "ignored"); err != nil {
		t.Fatalf("RewriteResponse: %v", err)
	}
}

func TestAdapterProxyErrorNoopWhenAbsent(t *testing.T) {
	a, err := Load(bareScript{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	// must not panic even though bareScript has no ProxyError.
	a.ProxyError("conn-1", errors.New("boom"))
}
