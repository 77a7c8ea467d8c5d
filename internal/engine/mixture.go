package engine

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/strao1986/mixer/internal/params"
)

// The reference engine models each tag's z-score as a zero-mean normal
// mixture. A tag with LD moments tld=Σr² and tld4=Σr⁴ is treated as
// m = tld²/tld4 equivalent SNPs of r² = tld4/tld each. Given c_k causal
// SNPs in component k the z variance is
//
//	sig2_zero + N · Σk c_k · sig2_beta_k · chi
//
// where chi = (tld4/tld) · het · SNPScale. The fidelities differ only in
// how they integrate over c_k ~ Binomial(m, pi_k).

type term struct {
	prob     float64
	variance float64
}

type mixture struct {
	terms []term
	// missing is the probability mass dropped by truncation.
	missing float64
	minVar  float64
}

func (mx mixture) pdf(z float64) float64 {
	var v float64
	for _, t := range mx.terms {
		v += t.prob * normPDF(z, t.variance)
	}
	return v
}

// errBound bounds the pdf contribution of the dropped mass. The normal
// density in z is maximal over variances >= minVar at variance max(z², minVar).
func (mx mixture) errBound(z float64) float64 {
	if mx.missing <= 0 {
		return 0
	}
	return mx.missing * normPDF(z, math.Max(z*z, mx.minVar))
}

func normPDF(z, variance float64) float64 {
	return distuv.Normal{Sigma: math.Sqrt(variance)}.Prob(z)
}

type tagInput struct {
	index int
	chi   float64 // per-SNP r² times the variance scale
	r2    float64 // Σr² times the variance scale
	m     int     // equivalent SNP count
	n     float64 // sample size
}

type mixtureOptions struct {
	fidelity Fidelity
	kmax     int
	seed     int64
	relErr   float64
	maxEvals int
}

func buildMixture(p *params.ModelParams, in tagInput, o mixtureOptions) mixture {
	s0 := p.Sig2Zero.X
	k := len(p.Pi)
	if in.chi == 0 {
		// No causal variance: the z-score is pure inflated noise.
		return mixture{terms: []term{{prob: 1, variance: s0}}, minVar: s0}
	}
	switch o.fidelity {
	case Gaussian:
		return gaussianMixture(p, in, s0, k)
	case Sampling:
		return samplingMixture(p, in, s0, k, o)
	default:
		return convolveMixture(p, in, s0, k, o)
	}
}

// gaussianMixture replaces each component's binomial by a two-point
// distribution that preserves variance and kurtosis, then enumerates
// the 2^K subsets of active components.
func gaussianMixture(p *params.ModelParams, in tagInput, s0 float64, k int) mixture {
	pi1 := make([]float64, k)
	v1 := make([]float64, k)
	for c := 0; c < k; c++ {
		pi := p.Pi[c].X
		eta := pi*in.r2 + (1-pi)*in.chi
		pi1[c] = pi * in.r2 / eta
		v1[c] = in.n * p.Sig2Beta[c].X * eta
	}
	mx := mixture{terms: make([]term, 0, 1<<k), minVar: s0}
	for mask := 0; mask < 1<<k; mask++ {
		prob, variance := 1.0, s0
		for c := 0; c < k; c++ {
			if mask&(1<<c) != 0 {
				prob *= pi1[c]
				variance += v1[c]
			} else {
				prob *= 1 - pi1[c]
			}
		}
		if prob > 0 {
			mx.terms = append(mx.terms, term{prob: prob, variance: variance})
		}
	}
	return mx
}

func samplingMixture(p *params.ModelParams, in tagInput, s0 float64, k int, o mixtureOptions) mixture {
	src := rand.NewPCG(uint64(o.seed), uint64(in.index))
	draws := make([]func() int, k)
	for c := range draws {
		draws[c] = causalSampler(in.m, p.Pi[c].X, src)
	}
	prob := 1 / float64(o.kmax)
	mx := mixture{terms: make([]term, o.kmax), minVar: s0}
	for d := 0; d < o.kmax; d++ {
		variance := s0
		for c := 0; c < k; c++ {
			variance += in.n * p.Sig2Beta[c].X * float64(draws[c]()) * in.chi
		}
		mx.terms[d] = term{prob: prob, variance: variance}
	}
	return mx
}

// causalSampler draws causal counts from Binomial(m, pi) using src.
func causalSampler(m int, pi float64, src rand.Source) func() int {
	switch {
	case pi >= 1:
		return func() int { return m }
	case pi <= 0 || m == 0:
		return func() int { return 0 }
	}
	b := distuv.Binomial{N: float64(m), P: pi, Src: src}
	return func() int { return int(b.Rand()) }
}

// convolveMixture sums the exact binomial over causal counts, keeping the
// most probable counts of each component until the retained mass reaches
// 1-relErr or the per-component evaluation budget is spent.
func convolveMixture(p *params.ModelParams, in tagInput, s0 float64, k int, o mixtureOptions) mixture {
	budget := int(math.Floor(math.Pow(float64(o.maxEvals), 1/float64(k))))
	if budget < 1 {
		budget = 1
	}
	counts := make([][]int, k)
	probs := make([][]float64, k)
	retained := 1.0
	for c := 0; c < k; c++ {
		var mass float64
		counts[c], probs[c], mass = binomialTerms(in.m, p.Pi[c].X, o.relErr, budget)
		retained *= mass
	}

	mx := mixture{missing: math.Max(0, 1-retained), minVar: s0}
	idx := make([]int, k)
	for {
		prob, variance := 1.0, s0
		for c := 0; c < k; c++ {
			prob *= probs[c][idx[c]]
			variance += in.n * p.Sig2Beta[c].X * float64(counts[c][idx[c]]) * in.chi
		}
		mx.terms = append(mx.terms, term{prob: prob, variance: variance})

		c := 0
		for ; c < k; c++ {
			idx[c]++
			if idx[c] < len(counts[c]) {
				break
			}
			idx[c] = 0
		}
		if c == k {
			return mx
		}
	}
}

// binomialTerms walks outwards from the mode of Binomial(n, p), always
// taking the more probable neighbour next.
func binomialTerms(n int, p, relErr float64, budget int) (counts []int, probs []float64, mass float64) {
	if p >= 1 {
		return []int{n}, []float64{1}, 1
	}
	if p <= 0 {
		return []int{0}, []float64{1}, 1
	}
	b := distuv.Binomial{N: float64(n), P: p}
	pmf := func(c int) float64 { return math.Exp(b.LogProb(float64(c))) }
	mode := int(math.Floor(float64(n+1) * p))
	if mode > n {
		mode = n
	}
	add := func(c int) {
		v := pmf(c)
		counts = append(counts, c)
		probs = append(probs, v)
		mass += v
	}
	add(mode)
	lo, hi := mode-1, mode+1
	for mass < 1-relErr && len(counts) < budget && (lo >= 0 || hi <= n) {
		switch {
		case lo < 0:
			add(hi)
			hi++
		case hi > n:
			add(lo)
			lo--
		case pmf(lo) >= pmf(hi):
			add(lo)
			lo--
		default:
			add(hi)
			hi++
		}
	}
	return counts, probs, math.Min(mass, 1)
}
