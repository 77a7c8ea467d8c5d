package catalog

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strao1986/mixer/internal/fit"
	"github.com/strao1986/mixer/internal/params"
)

func TestDefaultOrder(t *testing.T) {
	got, err := Default().Order(nil)
	require.NoError(t, err)
	want := []int{52, 51, 50, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestExpand(t *testing.T) {
	c := Default()
	tests := []struct {
		name string
		in   []int
		want []int
	}{
		{"single root", []int{3}, []int{3}},
		{"closure of 5", []int{5}, []int{1, 5}},
		{"closure of 9", []int{9}, []int{2, 9}},
		{"mixed", []int{9, 7, 52}, []int{52, 1, 2, 7, 9}},
		{"duplicates collapse", []int{6, 6, 2, 8}, []int{2, 6, 8}},
		{"all annotated", []int{5, 6, 7, 8, 9}, []int{1, 2, 5, 6, 7, 8, 9}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.Expand(tt.in)
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Expand(%v) mismatch (-want +got):\n%s", tt.in, diff)
			}
		})
	}
}

func TestExpandUnknownModel(t *testing.T) {
	_, err := Default().Expand([]int{1, 42})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownModel)

	var unknown *UnknownModelError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, 42, unknown.ID)
}

func TestOrderPrerequisitesFirst(t *testing.T) {
	c := Default()
	order, err := c.Order(nil)
	require.NoError(t, err)
	pos := map[int]int{}
	for i, id := range order {
		pos[id] = i
	}
	for _, id := range order {
		r, err := c.Recipe(id)
		require.NoError(t, err)
		for _, dep := range r.Requires {
			assert.Less(t, pos[dep], pos[id], "model %d must follow %d", id, dep)
		}
	}
}

func stubBuild(Env, Deps) (fit.Spec, error) { return fit.Spec{}, nil }

func TestNewRejectsInvalidGraphs(t *testing.T) {
	tests := []struct {
		name    string
		recipes []Recipe
		kind    error
	}{
		{"empty", nil, ErrInvalidCatalog},
		{"self loop", []Recipe{{ID: 1, Rank: 0, Requires: []int{1}, Build: stubBuild}}, ErrInvalidCatalog},
		{"unknown prerequisite", []Recipe{{ID: 1, Rank: 0, Requires: []int{7}, Build: stubBuild}}, ErrInvalidCatalog},
		{"duplicate id", []Recipe{{ID: 1, Rank: 0, Build: stubBuild}, {ID: 1, Rank: 1, Build: stubBuild}}, ErrInvalidCatalog},
		{"shared rank", []Recipe{{ID: 1, Rank: 0, Build: stubBuild}, {ID: 2, Rank: 0, Build: stubBuild}}, ErrInvalidCatalog},
		{"cycle", []Recipe{
			{ID: 1, Rank: 0, Requires: []int{3}, Build: stubBuild},
			{ID: 2, Rank: 1, Requires: []int{1}, Build: stubBuild},
			{ID: 3, Rank: 2, Requires: []int{2}, Build: stubBuild},
		}, ErrCycle},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.recipes)
			assert.ErrorIs(t, err, tt.kind)
		})
	}
}

func TestCycleWitness(t *testing.T) {
	_, err := New([]Recipe{
		{ID: 10, Rank: 0, Build: stubBuild},
		{ID: 11, Rank: 1, Requires: []int{12}, Build: stubBuild},
		{ID: 12, Rank: 2, Requires: []int{11}, Build: stubBuild},
	})
	require.ErrorIs(t, err, ErrCycle)
	assert.Contains(t, err.Error(), "11 -> 12 -> 11")
}

func testAnnotations() *params.Annotations {
	return &params.Annotations{
		Matrix: [][]float64{{1, 1, 0}, {1, 0, 1}, {1, 0, 0}},
		Names:  []string{"base", "coding", "promoter"},
	}
}

// regressStub returns a fixed regression result, dropping the last column.
func regressStub(calls *[]*params.ModelParams) func(*params.ModelParams) (*params.ModelParams, error) {
	return func(tmp *params.ModelParams) (*params.ModelParams, error) {
		*calls = append(*calls, tmp)
		out := tmp.Clone()
		out.Sig2Zero = params.Fixed(1.1)
		out.Sig2Annot = params.Fixeds(0.9, 2)
		out.Annot = tmp.Annot.Select([]int{0, 1})
		return out, nil
	}
}

func fittedInfinitesimal(s, l float64) *params.ModelParams {
	return &params.ModelParams{
		Pi: params.Fixeds(1), Sig2Beta: params.Fixeds(3e-5), Sig2Zero: params.Fixed(1.02),
		Sig2Annot: params.Fixeds(1), S: params.Fixed(s), L: params.Fixed(l),
	}
}

func TestBuildRootModels(t *testing.T) {
	c := Default()
	env := Env{Annot: testAnnotations()}

	for _, id := range []int{52, 51, 50, 1, 2, 3, 4} {
		spec, err := c.Build(id, env, nil)
		require.NoError(t, err, "model %d", id)
		assert.Equal(t, id, spec.ID)
		assert.NotEmpty(t, spec.Name)
		assert.Equal(t, []string{"base"}, spec.Constraint.Annot.Names, "model %d uses the base column", id)

		pz, err := params.NewParametrization(spec.Constraint)
		require.NoError(t, err)
		_, _, err = pz.BoundsToVec(spec.Lower, spec.Upper)
		require.NoError(t, err, "model %d bounds", id)
	}

	spec, err := c.Build(50, env, nil)
	require.NoError(t, err)
	assert.Equal(t, -1.0, spec.Constraint.S.X)
	assert.True(t, spec.Constraint.IsInfinitesimal())

	spec, err = c.Build(51, env, nil)
	require.NoError(t, err)
	pz, err := params.NewParametrization(spec.Constraint)
	require.NoError(t, err)
	assert.Equal(t, []string{"pi[1]", "sig2_beta[0]", "sig2_beta[1]", "sig2_zero"}, pz.Labels())
}

func TestBuildAnnotatedModels(t *testing.T) {
	c := Default()
	var calls []*params.ModelParams
	env := Env{Annot: testAnnotations(), Regress: regressStub(&calls)}
	fitted := map[int]*params.ModelParams{
		1: fittedInfinitesimal(0, 0),
		2: fittedInfinitesimal(-0.3, 0.1),
	}

	spec5, err := c.Build(5, env, fitted)
	require.NoError(t, err)
	assert.Nil(t, spec5.Lower)
	assert.Nil(t, spec5.Upper)
	assert.True(t, spec5.Constraint.IsPoint())
	assert.Equal(t, []string{"base", "coding"}, spec5.Constraint.Annot.Names)

	spec8, err := c.Build(8, env, fitted)
	require.NoError(t, err)
	assert.Equal(t, -0.3, spec8.Constraint.S.X)
	assert.Equal(t, 0.1, spec8.Constraint.L.X)
	assert.Equal(t, []float64{0.9, 2}, params.Floats(spec8.Constraint.Sig2Annot))
	require.NotNil(t, spec8.Lower)

	spec9, err := c.Build(9, env, fitted)
	require.NoError(t, err)
	assert.False(t, spec9.Constraint.S.Set)
	assert.Equal(t, exponentLow, spec9.Lower.S.X)

	spec7, err := c.Build(7, env, fitted)
	require.NoError(t, err)
	assert.Equal(t, 0.0, spec7.Constraint.S.X)

	require.Len(t, calls, 4)
	for _, tmp := range calls {
		assert.Equal(t, 3, tmp.Annot.NumCols(), "regression sees the full table")
		assert.Equal(t, 3e-5, tmp.Sig2Beta[0].X)
	}
	assert.Equal(t, -0.3, calls[1].S.X)
}

func TestBuildMissingPrerequisite(t *testing.T) {
	var calls []*params.ModelParams
	env := Env{Annot: testAnnotations(), Regress: regressStub(&calls)}

	_, err := Default().Build(6, env, map[int]*params.ModelParams{1: fittedInfinitesimal(0, 0)})
	assert.ErrorIs(t, err, ErrMissingDepValue)
	assert.Empty(t, calls)
}

func TestDepsRejectsUndeclaredReads(t *testing.T) {
	d := Deps{model: 7, allowed: []int{1}, fitted: map[int]*params.ModelParams{
		1: fittedInfinitesimal(0, 0),
		2: fittedInfinitesimal(0, 0),
	}}
	_, err := d.Params(1)
	assert.NoError(t, err)
	_, err = d.Params(2)
	assert.ErrorIs(t, err, ErrUndeclaredDep)
}
