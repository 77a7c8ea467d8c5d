package store

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/strao1986/mixer/internal/codec"
	"github.com/strao1986/mixer/internal/fit"
)

// AnalysisName tags result documents written by this tool.
const AnalysisName = "mixer-plsa"

// modelKeyPrefix prefixes each model's key in the result document.
const modelKeyPrefix = "params"

// ModelKey returns the document key of model id, e.g. "params3".
func ModelKey(id int) string {
	return modelKeyPrefix + strconv.Itoa(id)
}

// Options is the run metadata recorded under "options".
type Options struct {
	// Settings is the resolved run configuration.
	Settings map[string]any `json:"settings"`

	TotalHet     codec.Float `json:"totalhet"`
	NumSNP       int         `json:"num_snp"`
	NumTag       int         `json:"num_tag"`
	SumWeights   codec.Float `json:"sum_weights"`
	TraitNVal    codec.Float `json:"trait1_nval"` // median sample size
	AnnoNames    []string    `json:"annonames"`
	TimeStarted  time.Time   `json:"time_started"`
	TimeFinished *time.Time  `json:"time_finished,omitempty"`
}

// Results is the document accumulated over a run: metadata plus one
// entry per fitted model. It serializes as a single flat JSON object
// with keys options, analysis, run_id, weights, zvec1 and params<ID>.
type Results struct {
	Options  Options
	Analysis string
	RunID    string
	// Weights and ZVec1 are restricted to tags with positive weight.
	Weights codec.Floats
	ZVec1   codec.Floats
	Models  map[int]*fit.ModelResult
}

// NewResults creates an empty document for a run.
func NewResults(runID string, opts Options) *Results {
	return &Results{
		Options:  opts,
		Analysis: AnalysisName,
		RunID:    runID,
		Models:   map[int]*fit.ModelResult{},
	}
}

// Completed returns the ids of the fitted models in ascending order.
func (r *Results) Completed() []int {
	ids := make([]int, 0, len(r.Models))
	for id := range r.Models {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// MarshalJSON implements json.Marshaler.
func (r *Results) MarshalJSON() ([]byte, error) {
	doc := map[string]any{
		"options":  r.Options,
		"analysis": r.Analysis,
		"run_id":   r.RunID,
		"weights":  r.Weights,
		"zvec1":    r.ZVec1,
	}
	for id, m := range r.Models {
		doc[ModelKey(id)] = m
	}
	return json.Marshal(doc)
}

// UnmarshalJSON implements json.Unmarshaler. Unknown keys are ignored.
func (r *Results) UnmarshalJSON(data []byte) error {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	out := Results{Models: map[int]*fit.ModelResult{}}
	fields := map[string]any{
		"options":  &out.Options,
		"analysis": &out.Analysis,
		"run_id":   &out.RunID,
		"weights":  &out.Weights,
		"zvec1":    &out.ZVec1,
	}
	for key, raw := range doc {
		if dst, ok := fields[key]; ok {
			if err := json.Unmarshal(raw, dst); err != nil {
				return fmt.Errorf("decode %s: %w", key, err)
			}
			continue
		}
		suffix, ok := strings.CutPrefix(key, modelKeyPrefix)
		if !ok {
			continue
		}
		id, err := strconv.Atoi(suffix)
		if err != nil {
			continue
		}
		var m fit.ModelResult
		if err := json.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		out.Models[id] = &m
	}
	*r = out
	return nil
}

// Validate checks that the document is complete enough to resume from.
func (r *Results) Validate() error {
	if r.Analysis != AnalysisName {
		return &ValidationError{Field: "analysis", Reason: fmt.Sprintf("must be %q", AnalysisName)}
	}
	if r.RunID == "" {
		return &ValidationError{Field: "run_id", Reason: "cannot be empty"}
	}
	if r.Options.TimeStarted.IsZero() {
		return &ValidationError{Field: "options.time_started", Reason: "cannot be zero"}
	}
	if len(r.Weights) != len(r.ZVec1) {
		return &ValidationError{Field: "zvec1", Reason: "length differs from weights"}
	}
	for id, m := range r.Models {
		if m == nil || m.Params == nil {
			return &ValidationError{Field: ModelKey(id), Reason: "has no params"}
		}
	}
	return nil
}

// ValidationError represents a malformed result document.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Field + " " + e.Reason
}

// IsCompatible checks that a stored run was produced from the same data
// as opts describes, so its model results can be reused.
func (r *Results) IsCompatible(opts Options) error {
	if r.Options.NumSNP != opts.NumSNP {
		return &CompatibilityError{
			Field:    "num_snp",
			Expected: strconv.Itoa(r.Options.NumSNP),
			Actual:   strconv.Itoa(opts.NumSNP),
		}
	}
	if r.Options.NumTag != opts.NumTag {
		return &CompatibilityError{
			Field:    "num_tag",
			Expected: strconv.Itoa(r.Options.NumTag),
			Actual:   strconv.Itoa(opts.NumTag),
		}
	}
	if !slices.Equal(r.Options.AnnoNames, opts.AnnoNames) {
		return &CompatibilityError{
			Field:    "annonames",
			Expected: strings.Join(r.Options.AnnoNames, ","),
			Actual:   strings.Join(opts.AnnoNames, ","),
		}
	}
	return nil
}

// CompatibilityError represents a stored run that cannot be resumed.
type CompatibilityError struct {
	Field    string
	Expected string
	Actual   string
}

func (e *CompatibilityError) Error() string {
	return "compatibility error: " + e.Field + " mismatch (expected " + e.Expected + ", got " + e.Actual + ")"
}

// RunInfo summarizes a stored run without its model results.
type RunInfo struct {
	Name         string     `json:"name"`
	RunID        string     `json:"run_id"`
	Final        bool       `json:"final"`
	Models       []int      `json:"models"`
	TimeStarted  time.Time  `json:"time_started"`
	TimeFinished *time.Time `json:"time_finished,omitempty"`
	ModTime      time.Time  `json:"mod_time"`
	Size         int64      `json:"size"`
}

// ToInfo summarizes r.
func (r *Results) ToInfo(name string, final bool) RunInfo {
	return RunInfo{
		Name:         name,
		RunID:        r.RunID,
		Final:        final,
		Models:       r.Completed(),
		TimeStarted:  r.Options.TimeStarted,
		TimeFinished: r.Options.TimeFinished,
	}
}
