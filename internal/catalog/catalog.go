// Package catalog holds the fixed set of univariate models, their
// prerequisites and the order they are fitted in.
//
// A recipe builds the bounds and constraint of its model. Recipes with
// prerequisites read the fitted params of those models through Deps,
// which refuses any model the recipe did not declare.
package catalog

import (
	"fmt"
	"slices"

	"github.com/strao1986/mixer/internal/engine"
	"github.com/strao1986/mixer/internal/fit"
	"github.com/strao1986/mixer/internal/params"
)

// Recipe describes one catalog model.
type Recipe struct {
	ID   int
	Rank int // fitting order among models with no path between them
	Name string
	// Requires lists the models whose fitted params Build reads.
	Requires []int
	// Annotated models use the full annotation table.
	Annotated bool
	Build     func(env Env, deps Deps) (fit.Spec, error)
}

// Env is what recipes need besides their prerequisites.
type Env struct {
	// Annot is the full annotation table; column 0 is the base column.
	Annot *params.Annotations
	// Regress fits per-annotation scales for the template params and
	// drops columns with zero scale.
	Regress func(tmp *params.ModelParams) (*params.ModelParams, error)
}

// NewEnv returns an Env that regresses against e.
func NewEnv(e engine.Engine, full *params.Annotations) Env {
	return Env{
		Annot: full,
		Regress: func(tmp *params.ModelParams) (*params.ModelParams, error) {
			p, err := fit.FitAnnotScale(e, tmp)
			if err != nil {
				return nil, err
			}
			return fit.DropZeroAnnot(p)
		},
	}
}

// Deps gives a recipe read access to its declared prerequisites only.
type Deps struct {
	model   int
	allowed []int
	fitted  map[int]*params.ModelParams
}

// Params returns the fitted params of prerequisite id.
func (d Deps) Params(id int) (*params.ModelParams, error) {
	if !slices.Contains(d.allowed, id) {
		return nil, fmt.Errorf("model %d reading model %d: %w", d.model, id, ErrUndeclaredDep)
	}
	p, ok := d.fitted[id]
	if !ok || p == nil {
		return nil, fmt.Errorf("model %d needs model %d: %w", d.model, id, ErrMissingDepValue)
	}
	return p, nil
}

// Catalog is a validated set of recipes.
type Catalog struct {
	recipes map[int]Recipe
	g       *graph
}

// New validates recipes and builds a catalog.
func New(recipes []Recipe) (*Catalog, error) {
	g, err := newGraph(recipes)
	if err != nil {
		return nil, err
	}
	c := &Catalog{recipes: make(map[int]Recipe, len(recipes)), g: g}
	for _, r := range recipes {
		if r.Build == nil {
			return nil, invalidf("model %d has no builder", r.ID)
		}
		c.recipes[r.ID] = r
	}
	return c, nil
}

// Default returns the standard twelve-model catalog.
func Default() *Catalog {
	c, err := New(Recipes())
	if err != nil {
		panic(fmt.Sprintf("catalog: %v", err))
	}
	return c
}

// IDs returns every model id in fitting order.
func (c *Catalog) IDs() []int {
	return c.g.topo(nil)
}

// Recipe returns the recipe for id.
func (c *Catalog) Recipe(id int) (Recipe, error) {
	r, ok := c.recipes[id]
	if !ok {
		return Recipe{}, &UnknownModelError{ID: id}
	}
	return r, nil
}

// Expand returns the selection closed under prerequisites, without
// duplicates, in fitting order.
func (c *Catalog) Expand(selection []int) ([]int, error) {
	keep := map[int]bool{}
	var visit func(id int) error
	visit = func(id int) error {
		if keep[id] {
			return nil
		}
		r, err := c.Recipe(id)
		if err != nil {
			return err
		}
		keep[id] = true
		for _, dep := range r.Requires {
			if err := visit(dep); err != nil {
				return err
			}
		}
		return nil
	}
	for _, id := range selection {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return c.g.topo(keep), nil
}

// Order is Expand; the closed selection is already in fitting order.
// An empty selection means every model.
func (c *Catalog) Order(selection []int) ([]int, error) {
	if len(selection) == 0 {
		return c.IDs(), nil
	}
	return c.Expand(selection)
}

// Build runs the recipe of id with access to the fitted params of its
// prerequisites.
func (c *Catalog) Build(id int, env Env, fitted map[int]*params.ModelParams) (fit.Spec, error) {
	r, err := c.Recipe(id)
	if err != nil {
		return fit.Spec{}, err
	}
	if env.Annot == nil {
		return fit.Spec{}, &params.ShapeError{Field: "annot", Reason: "catalog needs the annotation table"}
	}
	spec, err := r.Build(env, Deps{model: id, allowed: r.Requires, fitted: fitted})
	if err != nil {
		return fit.Spec{}, fmt.Errorf("build model %d: %w", id, err)
	}
	spec.ID, spec.Name = r.ID, r.Name
	return spec, nil
}
