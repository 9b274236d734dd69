package connector_test

import (
	"testing"

	_ "github.com/nucleus/collector/internal/connector"
	"github.com/nucleus/collector/internal/core"
	"github.com/nucleus/collector/internal/endpoint"
)

func TestEveryProviderTypeIsRegistered(t *testing.T) {
	reg := endpoint.DefaultRegistry()
	for _, pt := range core.ProviderTypes {
		if _, ok := reg.Get(pt); !ok {
			t.Errorf("no connector registered for %s", pt)
		}
	}
	if got := len(reg.List()); got != len(core.ProviderTypes) {
		t.Errorf("registry has %d types, want %d", got, len(core.ProviderTypes))
	}
}

func TestCreate_UnsupportedProvider(t *testing.T) {
	_, err := endpoint.DefaultRegistry().Create(core.ProviderType("CASSANDRA"), core.Connection{Host: "x"})
	if err == nil {
		t.Fatal("expected error")
	}
	ce, ok := err.(*core.Error)
	if !ok || ce.Code != core.CodeConfig {
		t.Fatalf("expected config error, got %v", err)
	}
}
