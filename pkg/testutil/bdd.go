package testutil

import "testing"

// Scenario names the phases of a test without pulling in a BDD framework.
// Steps run in declaration order as subtests and share the enclosing test's
// state.
type Scenario struct {
	t *testing.T
}

func NewScenario(t *testing.T) *Scenario {
	t.Helper()
	return &Scenario{t: t}
}

func (s *Scenario) Given(desc string, fn func(t *testing.T)) *Scenario {
	s.t.Helper()
	s.t.Run("Given "+desc, fn)
	return s
}

func (s *Scenario) When(desc string, fn func(t *testing.T)) *Scenario {
	s.t.Helper()
	s.t.Run("When "+desc, fn)
	return s
}

func (s *Scenario) Then(desc string, fn func(t *testing.T)) *Scenario {
	s.t.Helper()
	s.t.Run("Then "+desc, fn)
	return s
}
