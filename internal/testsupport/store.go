package testsupport

import (
	"strings"
	"testing"

	"montage/internal/config"
	"montage/internal/registry"
	"montage/internal/store"
)

// MustOpenStore opens a store.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *store.Store {
	t.Helper()

	st, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() {
		_ = st.Close()
	})
	return st
}

// Stages builds stage definitions from compact specs. Each spec is
// "name[:dep1,dep2][!]" where a trailing "!" marks the stage as requiring
// approval.
func Stages(specs ...string) []registry.StageDefinition {
	out := make([]registry.StageDefinition, 0, len(specs))
	for _, spec := range specs {
		approval := strings.HasSuffix(spec, "!")
		spec = strings.TrimSuffix(spec, "!")
		name, deps, _ := strings.Cut(spec, ":")
		def := registry.StageDefinition{Name: name, Output: name, RequiresApproval: approval}
		if deps != "" {
			def.DependsOn = strings.Split(deps, ",")
			def.Inputs = def.DependsOn
		}
		out = append(out, def)
	}
	return out
}

// NewRegistry returns a frozen registry with the given job types registered.
func NewRegistry(t testing.TB, types map[string][]registry.StageDefinition) *registry.Registry {
	t.Helper()
	reg := registry.New()
	for name, defs := range types {
		if err := reg.Register(name, defs); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	reg.Freeze()
	return reg
}
