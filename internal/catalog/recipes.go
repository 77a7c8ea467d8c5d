package catalog

import (
	"github.com/strao1986/mixer/internal/fit"
	"github.com/strao1986/mixer/internal/params"
)

var (
	v    = params.Fixed
	vs   = params.Fixeds
	free = params.Free
)

// Shared bounds.
const (
	piLow, piHigh             = 5e-5, 0.5
	sbLow, sbHigh             = 5e-8, 0.05
	sbMixLow                  = 5e-6
	zeroLow, zeroHigh         = 0.9, 2.5
	exponentLow, exponentHigh = -1.0, 0.25
)

// Recipes returns the standard models. Ranks give the fitting order
// 52, 51, 50, 1, 2, ..., 9.
func Recipes() []Recipe {
	return []Recipe{
		{ID: 52, Rank: 0, Name: "two-component mixture", Build: buildTwoComponent},
		{ID: 51, Rank: 1, Name: "infinitesimal plus sparse component", Build: buildInfPlusSparse},
		{ID: 50, Rank: 2, Name: "infinitesimal, s=-1", Build: buildInfinitesimal(-1)},
		{ID: 1, Rank: 3, Name: "infinitesimal", Build: buildInfinitesimal(0)},
		{ID: 2, Rank: 4, Name: "infinitesimal with s and l", Build: buildInfinitesimalSL},
		{ID: 3, Rank: 5, Name: "causal mixture", Build: buildMixture(false)},
		{ID: 4, Rank: 6, Name: "causal mixture with s and l", Build: buildMixture(true)},
		{ID: 5, Rank: 7, Name: "annotated infinitesimal", Requires: []int{1}, Annotated: true,
			Build: buildAnnotatedFixed(1)},
		{ID: 6, Rank: 8, Name: "annotated infinitesimal with s and l", Requires: []int{2}, Annotated: true,
			Build: buildAnnotatedFixed(2)},
		{ID: 7, Rank: 9, Name: "annotated causal mixture", Requires: []int{1}, Annotated: true,
			Build: buildAnnotatedMixture(1, fixSL)},
		{ID: 8, Rank: 10, Name: "annotated causal mixture, s and l from model 2", Requires: []int{2}, Annotated: true,
			Build: buildAnnotatedMixture(2, fixSLFromTemplate)},
		{ID: 9, Rank: 11, Name: "annotated causal mixture with s and l", Requires: []int{2}, Annotated: true,
			Build: buildAnnotatedMixture(2, freeSL)},
	}
}

func buildTwoComponent(env Env, _ Deps) (fit.Spec, error) {
	return fit.Spec{
		Lower: &params.ModelParams{Pi: vs(piLow, piLow), Sig2Beta: vs(sbLow, sbLow), Sig2Zero: v(zeroLow)},
		Upper: &params.ModelParams{Pi: vs(piHigh, piHigh), Sig2Beta: vs(sbHigh, sbHigh), Sig2Zero: v(zeroHigh)},
		Constraint: &params.ModelParams{
			Pi: params.Frees(2), Sig2Beta: params.Frees(2),
			Sig2Annot: vs(1), S: v(0), L: v(0), Annot: env.Annot.Base(),
		},
	}, nil
}

func buildInfPlusSparse(env Env, _ Deps) (fit.Spec, error) {
	return fit.Spec{
		Lower: &params.ModelParams{Pi: []params.Value{free(), v(piLow)}, Sig2Beta: vs(sbLow, sbLow), Sig2Zero: v(zeroLow)},
		Upper: &params.ModelParams{Pi: []params.Value{free(), v(piHigh)}, Sig2Beta: vs(sbHigh, sbHigh), Sig2Zero: v(zeroHigh)},
		Constraint: &params.ModelParams{
			Pi: []params.Value{v(1), free()}, Sig2Beta: params.Frees(2),
			Sig2Annot: vs(1), S: v(0), L: v(0), Annot: env.Annot.Base(),
		},
	}, nil
}

func buildInfinitesimal(s float64) func(Env, Deps) (fit.Spec, error) {
	return func(env Env, _ Deps) (fit.Spec, error) {
		return fit.Spec{
			Lower: &params.ModelParams{Sig2Beta: vs(sbLow), Sig2Zero: v(zeroLow)},
			Upper: &params.ModelParams{Sig2Beta: vs(sbHigh), Sig2Zero: v(zeroHigh)},
			Constraint: &params.ModelParams{
				Pi: vs(1), Sig2Annot: vs(1), S: v(s), L: v(0), Annot: env.Annot.Base(),
			},
		}, nil
	}
}

func buildInfinitesimalSL(env Env, _ Deps) (fit.Spec, error) {
	return fit.Spec{
		Lower: &params.ModelParams{Sig2Beta: vs(sbLow), Sig2Zero: v(zeroLow), S: v(exponentLow), L: v(exponentLow)},
		Upper: &params.ModelParams{Sig2Beta: vs(sbHigh), Sig2Zero: v(zeroHigh), S: v(exponentHigh), L: v(exponentHigh)},
		Constraint: &params.ModelParams{
			Pi: vs(1), Sig2Annot: vs(1), Annot: env.Annot.Base(),
		},
	}, nil
}

// mixtureBounds are the bounds of models 3 and 4; withSL adds s and l.
func mixtureBounds(withSL bool) (lower, upper *params.ModelParams) {
	lower = &params.ModelParams{Pi: vs(piLow), Sig2Beta: vs(sbMixLow), Sig2Zero: v(zeroLow)}
	upper = &params.ModelParams{Pi: vs(piHigh), Sig2Beta: vs(sbHigh), Sig2Zero: v(zeroHigh)}
	if withSL {
		lower.S, lower.L = v(exponentLow), v(exponentLow)
		upper.S, upper.L = v(exponentHigh), v(exponentHigh)
	}
	return lower, upper
}

func buildMixture(withSL bool) func(Env, Deps) (fit.Spec, error) {
	return func(env Env, _ Deps) (fit.Spec, error) {
		lower, upper := mixtureBounds(withSL)
		c := &params.ModelParams{Sig2Annot: vs(1), Annot: env.Annot.Base()}
		if !withSL {
			c.S, c.L = v(0), v(0)
		}
		return fit.Spec{Lower: lower, Upper: upper, Constraint: c}, nil
	}
}

// template returns the regressed annotation params seeded from the
// fitted infinitesimal model dep. Only its sig2_beta, s and l carry over.
func template(env Env, deps Deps, dep int) (*params.ModelParams, error) {
	base, err := deps.Params(dep)
	if err != nil {
		return nil, err
	}
	tmp := &params.ModelParams{
		Pi:       vs(1),
		Sig2Beta: vs(base.Sig2Beta[0].X),
		Sig2Zero: v(0),
		S:        v(base.S.X),
		L:        v(base.L.X),
		Annot:    env.Annot,
	}
	return env.Regress(tmp)
}

// buildAnnotatedFixed is models 5 and 6: the regression result itself,
// with no optimization.
func buildAnnotatedFixed(dep int) func(Env, Deps) (fit.Spec, error) {
	return func(env Env, deps Deps) (fit.Spec, error) {
		tmp, err := template(env, deps, dep)
		if err != nil {
			return fit.Spec{}, err
		}
		return fit.Spec{Constraint: tmp}, nil
	}
}

type slRule int

const (
	fixSL             slRule = iota // s = l = 0
	fixSLFromTemplate               // s and l from the template
	freeSL                          // s and l fitted
)

// buildAnnotatedMixture is models 7, 8 and 9: a causal mixture over the
// regressed annotation columns with their scales fixed.
func buildAnnotatedMixture(dep int, rule slRule) func(Env, Deps) (fit.Spec, error) {
	return func(env Env, deps Deps) (fit.Spec, error) {
		tmp, err := template(env, deps, dep)
		if err != nil {
			return fit.Spec{}, err
		}
		lower, upper := mixtureBounds(rule == freeSL)
		c := &params.ModelParams{Sig2Annot: tmp.Sig2Annot, Annot: tmp.Annot}
		switch rule {
		case fixSL:
			c.S, c.L = v(0), v(0)
		case fixSLFromTemplate:
			c.S, c.L = tmp.S, tmp.L
		}
		return fit.Spec{Lower: lower, Upper: upper, Constraint: c}, nil
	}
}
