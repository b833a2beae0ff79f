package agentcall

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jkaninda/omni/internal/domain"
)

type fakeProvider struct {
	got    []domain.AgentCallRequest
	result *domain.AgentRunResult
	err    error
	closed bool
}

func (f *fakeProvider) Run(_ context.Context, req domain.AgentCallRequest) (*domain.AgentRunResult, error) {
	f.got = append(f.got, req)
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &domain.AgentRunResult{Status: domain.AgentRunCompleted, FullResponse: "ok"}, nil
}

func (f *fakeProvider) Close() error {
	f.closed = true
	return nil
}

func TestRegistry_DefaultProvider(t *testing.T) {
	r := NewRegistry(nil, nil)
	first, second := &fakeProvider{}, &fakeProvider{}
	r.Register("first", first)
	r.Register("second", second)

	if _, err := r.CallAgent(context.Background(), domain.AgentCallRequest{AgentID: "a"}); err != nil {
		t.Fatal(err)
	}
	if len(first.got) != 1 || len(second.got) != 0 {
		t.Errorf("default should be the first registered provider")
	}

	if err := r.SetDefault("second"); err != nil {
		t.Fatal(err)
	}
	_, _ = r.CallAgent(context.Background(), domain.AgentCallRequest{AgentID: "a"})
	if len(second.got) != 1 {
		t.Errorf("SetDefault not applied")
	}

	_, _ = r.CallAgent(context.Background(), domain.AgentCallRequest{ProviderID: "first", AgentID: "a"})
	if len(first.got) != 2 {
		t.Errorf("explicit provider not used")
	}

	if err := r.SetDefault("missing"); !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("got %v, want ErrUnknownProvider", err)
	}
	if got := r.Providers(); len(got) != 2 || got[0] != "first" {
		t.Errorf("got %v", got)
	}
}

func TestRegistry_UnknownProvider(t *testing.T) {
	r := NewRegistry(nil, nil)
	_, err := r.CallAgent(context.Background(), domain.AgentCallRequest{ProviderID: "x"})
	if !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("got %v, want ErrUnknownProvider", err)
	}
}

func TestRegistry_PrefixSenderName(t *testing.T) {
	r := NewRegistry(nil, nil)
	p := &fakeProvider{}
	r.Register("p", p)

	req := domain.AgentCallRequest{
		PrefixSenderName: true,
		SenderName:       "Ada",
		Messages:         []string{"hi", "there"},
	}
	if _, err := r.CallAgent(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	got := p.got[0].Messages
	if got[0] != "Ada: hi" || got[1] != "Ada: there" {
		t.Errorf("got %v", got)
	}
	if req.Messages[0] != "hi" {
		t.Error("caller's slice was modified")
	}
}

func TestRegistry_ErrorsAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRegistry(NewMetrics(reg), nil)
	p := &fakeProvider{err: errors.New("connection refused")}
	r.Register("p", p)

	if _, err := r.CallAgent(context.Background(), domain.AgentCallRequest{AgentID: "a"}); err == nil {
		t.Fatal("expected error")
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, f := range families {
		if f.GetName() != "omni_agentcall_calls_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "status" && lp.GetValue() == "error" && m.GetCounter().GetValue() == 1 {
					found = true
				}
			}
		}
	}
	if !found {
		t.Error("error call not counted")
	}

	if err := r.Close(); err != nil || !p.closed {
		t.Errorf("Close: %v, closed=%v", err, p.closed)
	}
}
