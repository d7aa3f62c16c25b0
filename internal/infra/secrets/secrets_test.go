package secrets

import (
	"context"
	"errors"
	"testing"
)

type countingProvider struct {
	calls  int
	values map[string]string
}

func (p *countingProvider) Get(_ context.Context, name string) (string, error) {
	p.calls++
	v, ok := p.values[name]
	if !ok {
		return "", errors.New("not found")
	}
	return v, nil
}

func TestEnvProvider(t *testing.T) {
	t.Setenv("CONDUCTOR_BACKEND_TOKEN", "sekrit")

	p := &EnvProvider{Prefix: "CONDUCTOR_"}
	v, err := p.Get(context.Background(), "backend-token")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "sekrit" {
		t.Errorf("unexpected value %q", v)
	}

	if _, err := p.Get(context.Background(), "missing"); err == nil {
		t.Error("expected error for unset variable")
	}
}

func TestCached_MemoizesSuccesses(t *testing.T) {
	provider := &countingProvider{values: map[string]string{"token": "abc"}}
	cached := NewCached(provider)

	for i := 0; i < 3; i++ {
		v, err := cached.Get(context.Background(), "token")
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		if v != "abc" {
			t.Errorf("unexpected value %q", v)
		}
	}
	if provider.calls != 1 {
		t.Errorf("expected a single provider call, got %d", provider.calls)
	}
}

func TestCached_DoesNotCacheFailures(t *testing.T) {
	provider := &countingProvider{values: map[string]string{}}
	cached := NewCached(provider)

	if _, err := cached.Get(context.Background(), "token"); err == nil {
		t.Fatal("expected error")
	}
	provider.values["token"] = "late"

	v, err := cached.Get(context.Background(), "token")
	if err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
	if v != "late" {
		t.Errorf("unexpected value %q", v)
	}
	if provider.calls != 2 {
		t.Errorf("expected 2 provider calls, got %d", provider.calls)
	}
}
