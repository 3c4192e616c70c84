package deployplan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tnorth/btcfleet/internal/core/inventory"
)

func hostsNamed(entries ...inventory.Host) []*inventory.Host {
	out := make([]*inventory.Host, len(entries))
	for i := range entries {
		out[i] = &entries[i]
	}
	return out
}

// =============================================================================
// Order Tests
// =============================================================================

func TestOrder_DependenciesFirst(t *testing.T) {
	hosts := hostsNamed(
		inventory.Host{Name: "bitcoin-01", DependsOn: []string{"bmon-server"}},
		inventory.Host{Name: "bitcoin-02", DependsOn: []string{"bmon-server"}},
		inventory.Host{Name: "bmon-server"},
	)

	ordered := Order(hosts)
	require.Len(t, ordered, 3)
	assert.Equal(t, "bmon-server", ordered[0].Name)
}

func TestOrder_NoDependenciesKeepsDeclarationOrder(t *testing.T) {
	hosts := hostsNamed(
		inventory.Host{Name: "a"},
		inventory.Host{Name: "b"},
		inventory.Host{Name: "c"},
	)

	ordered := Order(hosts)
	require.Len(t, ordered, 3)
	assert.Equal(t, "a", ordered[0].Name)
	assert.Equal(t, "b", ordered[1].Name)
	assert.Equal(t, "c", ordered[2].Name)
}

func TestOrder_IgnoresEdgesOutsideSet(t *testing.T) {
	// bmon-server is not in the target set; bitcoin-01 still sorts.
	hosts := hostsNamed(
		inventory.Host{Name: "bitcoin-01", DependsOn: []string{"bmon-server"}},
	)

	ordered := Order(hosts)
	require.Len(t, ordered, 1)
	assert.Equal(t, "bitcoin-01", ordered[0].Name)
}

func TestOrder_Chain(t *testing.T) {
	hosts := hostsNamed(
		inventory.Host{Name: "c", DependsOn: []string{"b"}},
		inventory.Host{Name: "b", DependsOn: []string{"a"}},
		inventory.Host{Name: "a"},
	)

	ordered := Order(hosts)
	names := []string{ordered[0].Name, ordered[1].Name, ordered[2].Name}
	assert.Equal(t, []string{"a", "b", "c"}, names)
}

// =============================================================================
// Report Tests
// =============================================================================

func TestReport_Failed(t *testing.T) {
	r := &Report{Outcomes: []Outcome{
		{Host: "a", Status: StatusSucceeded},
		{Host: "b", Status: StatusSkippedConverged},
	}}
	assert.False(t, r.Failed())
	assert.Equal(t, 0, r.ExitCode())

	r.Outcomes = append(r.Outcomes, Outcome{Host: "c", Status: StatusSkippedDependencyUnmet})
	assert.True(t, r.Failed())
	assert.Equal(t, 1, r.ExitCode())
}

func TestReport_NothingToDo(t *testing.T) {
	r := &Report{}
	assert.True(t, r.NothingToDo())
	assert.False(t, r.Failed())
	assert.Equal(t, 0, r.ExitCode())
}

func TestReport_Counts(t *testing.T) {
	r := &Report{Outcomes: []Outcome{
		{Status: StatusSucceeded},
		{Status: StatusSucceeded},
		{Status: StatusUnreachable},
	}}
	counts := r.Counts()
	assert.Equal(t, 2, counts[StatusSucceeded])
	assert.Equal(t, 1, counts[StatusUnreachable])
}
