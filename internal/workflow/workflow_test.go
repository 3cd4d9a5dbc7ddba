package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinsRegistered(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, []string{"feature", "fix", "quick"}, r.Names())

	feature, ok := r.Get("feature")
	require.True(t, ok)
	assert.Equal(t, []string{"plan", "implement", "test", "review"}, feature.StageNames())

	quick, ok := r.Get("quick")
	require.True(t, ok)
	assert.Len(t, quick.Stages, 1)
}

func TestRegisterCustomWorkflow(t *testing.T) {
	r := NewRegistry()
	custom := Workflow{
		Name: "docs",
		Stages: []Stage{
			{Name: "draft", AgentKind: "writer"},
			{Name: "review", AgentKind: "reviewer"},
		},
	}
	require.NoError(t, r.Register(custom))

	got, ok := r.Get("docs")
	require.True(t, ok)
	assert.Equal(t, []string{"draft", "review"}, got.StageNames())
}

func TestRegisterValidation(t *testing.T) {
	r := NewRegistry()

	assert.Error(t, r.Register(Workflow{Stages: []Stage{{Name: "x"}}}))
	assert.Error(t, r.Register(Workflow{Name: "empty"}))
	assert.Error(t, r.Register(Workflow{
		Name:   "dup",
		Stages: []Stage{{Name: "a"}, {Name: "a"}},
	}))
}

func TestRegisterReplacesExisting(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Workflow{
		Name:   "quick",
		Stages: []Stage{{Name: "do-it", AgentKind: "coder"}},
	}))

	got, _ := r.Get("quick")
	assert.Equal(t, []string{"do-it"}, got.StageNames())
}
