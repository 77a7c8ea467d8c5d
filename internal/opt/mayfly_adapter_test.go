package opt

import (
	"math"
	"testing"
)

// Sphere function: f(x) = sum(x_i^2), minimum at origin
func sphere(x []float64) float64 {
	var sum float64
	for _, v := range x {
		sum += v * v
	}
	return sum
}

// Shifted sphere with a minimum at (1, -2, 3, ...) to exercise per-dimension boxes
func shiftedSphere(x []float64) float64 {
	var sum float64
	for i, v := range x {
		target := float64(i + 1)
		if i%2 == 1 {
			target = -target
		}
		d := v - target
		sum += d * d
	}
	return sum
}

func TestMayflyAdapterOnSphere(t *testing.T) {
	cfg := DefaultMayflyConfig()
	cfg.Iterations = 100
	cfg.MaxEvaluations = 0
	cfg.Seed = 42
	optimizer := NewMayfly(cfg)

	dim := 3
	lower := make([]float64, dim)
	upper := make([]float64, dim)
	for i := 0; i < dim; i++ {
		lower[i] = -10
		upper[i] = 10
	}

	res, err := optimizer.Run(sphere, lower, upper)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(res.X) != dim {
		t.Fatalf("Expected %d parameters, got %d", dim, len(res.X))
	}

	// Should converge close to zero
	if res.F > 0.1 {
		t.Errorf("Expected cost near 0, got %f", res.F)
	}

	// Check that best params are near origin
	for i, v := range res.X {
		if math.Abs(v) > 1.0 {
			t.Errorf("Parameter %d = %f, expected near 0", i, v)
		}
	}

	if res.Evaluations == 0 {
		t.Error("Expected evaluations to be counted")
	}
}

func TestMayflyAdapterPerDimensionBounds(t *testing.T) {
	cfg := DefaultMayflyConfig()
	cfg.Iterations = 100
	cfg.Seed = 7
	optimizer := NewMayfly(cfg)

	lower := []float64{0, -5, 2.5}
	upper := []float64{2, 0, 4}

	res, err := optimizer.Run(shiftedSphere, lower, upper)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	for i, v := range res.X {
		if v < lower[i] || v > upper[i] {
			t.Errorf("Parameter %d = %f outside [%f, %f]", i, v, lower[i], upper[i])
		}
	}
	if res.F > 0.1 {
		t.Errorf("Expected cost near 0, got %f", res.F)
	}
}

func TestMayflyAdapterDeterministic(t *testing.T) {
	lower := []float64{-5, -5}
	upper := []float64{5, 5}

	cfg := DefaultMayflyConfig()
	cfg.Iterations = 50
	cfg.Seed = 123

	res1, err := NewMayfly(cfg).Run(sphere, lower, upper)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	res2, err := NewMayfly(cfg).Run(sphere, lower, upper)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if res1.F != res2.F {
		t.Errorf("Non-deterministic: cost1=%f, cost2=%f", res1.F, res2.F)
	}
	if res1.Evaluations != res2.Evaluations {
		t.Errorf("Non-deterministic evaluation count: %d vs %d", res1.Evaluations, res2.Evaluations)
	}
}

func TestMayflyAdapterEvaluationBudget(t *testing.T) {
	cfg := DefaultMayflyConfig()
	cfg.MaxEvaluations = 150
	cfg.Convergence = DisabledConvergenceConfig()

	calls := 0
	counting := func(x []float64) float64 {
		calls++
		return sphere(x)
	}

	res, err := NewMayfly(cfg).Run(counting, []float64{-1, -1}, []float64{1, 1})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if calls > 150 {
		t.Errorf("Expected at most 150 evaluations, got %d", calls)
	}
	if res.Evaluations != calls {
		t.Errorf("Reported %d evaluations, objective saw %d", res.Evaluations, calls)
	}
	if res.Status != "FunctionEvaluationLimit" {
		t.Errorf("Expected FunctionEvaluationLimit, got %s", res.Status)
	}
}

func TestMayflyAdapterRejectsBadBox(t *testing.T) {
	optimizer := NewMayfly(DefaultMayflyConfig())

	if _, err := optimizer.Run(sphere, []float64{1}, []float64{0}); err == nil {
		t.Error("Expected error for inverted bounds")
	}
	if _, err := optimizer.Run(sphere, []float64{0, 0}, []float64{1}); err == nil {
		t.Error("Expected error for mismatched bounds")
	}
	if _, err := optimizer.Run(sphere, nil, nil); err == nil {
		t.Error("Expected error for empty search space")
	}
}
