package gbdt

import (
	"fmt"
	"io"

	"github.com/goccy/go-json"

	"github.com/YuminosukeSato/expkit/pkg/errors"
)

// modelFormatVersion is written to every dump and checked on load.
const modelFormatVersion = "expkit-gbdt/1"

type modelDump struct {
	Version       string                        `json:"version"`
	Objective     string                        `json:"objective"`
	HuberDelta    float64                       `json:"huber_delta,omitempty"`
	InitScore     float64                       `json:"init_score"`
	BestIteration int                           `json:"best_iteration"`
	BestScore     map[string]map[string]float64 `json:"best_score,omitempty"`
	NumFeatures   int                           `json:"num_features"`
	FeatureNames  []string                      `json:"feature_names"`
	Parameters    map[string]any                `json:"parameters,omitempty"`
	Trees         []*Tree                       `json:"trees"`
}

// SaveModel writes the booster as a JSON document.
func (b *Booster) SaveModel(w io.Writer) error {
	dump := modelDump{
		Version:       modelFormatVersion,
		Objective:     b.objective.Name(),
		InitScore:     b.initScore,
		BestIteration: b.bestIteration,
		BestScore:     b.bestScore,
		NumFeatures:   b.numFeatures,
		FeatureNames:  b.featureNames,
		Parameters:    b.params.Map(),
		Trees:         b.trees,
	}
	if dump.Objective == "huber" {
		dump.HuberDelta = b.params.HuberDelta
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(dump); err != nil {
		return errors.Wrap(err, "gbdt: encode model")
	}
	return nil
}

// LoadModel reads a document written by SaveModel.
func LoadModel(r io.Reader) (*Booster, error) {
	var dump modelDump
	if err := json.NewDecoder(r).Decode(&dump); err != nil {
		return nil, errors.NewModelError("gbdt.LoadModel", "decode", err)
	}
	if dump.Version != modelFormatVersion {
		return nil, errors.NewModelError("gbdt.LoadModel", "version",
			fmt.Errorf("unsupported model format %q", dump.Version))
	}

	p := DefaultParams()
	p.Objective = dump.Objective
	if dump.HuberDelta > 0 {
		p.HuberDelta = dump.HuberDelta
	}
	obj, err := newObjective(p.Objective, p)
	if err != nil {
		return nil, errors.NewModelError("gbdt.LoadModel", "objective", err)
	}

	for i, t := range dump.Trees {
		if err := t.validate(dump.NumFeatures); err != nil {
			return nil, errors.NewModelError("gbdt.LoadModel", fmt.Sprintf("tree %d", i), err)
		}
	}
	if dump.FeatureNames == nil {
		dump.FeatureNames = defaultFeatureNames(dump.NumFeatures)
	}

	return &Booster{
		params:        p,
		objective:     obj,
		initScore:     dump.InitScore,
		trees:         dump.Trees,
		bestIteration: dump.BestIteration,
		bestScore:     dump.BestScore,
		history:       make(EvalHistory),
		numFeatures:   dump.NumFeatures,
		featureNames:  dump.FeatureNames,
	}, nil
}

// validate checks that the node arrays describe a well-formed tree.
func (t *Tree) validate(numFeatures int) error {
	if t == nil || t.NumLeaves < 1 {
		return fmt.Errorf("tree has no leaves")
	}
	nodes := t.NumLeaves - 1
	for _, n := range [][]int{t.SplitFeature, t.LeftChild, t.RightChild} {
		if len(n) != nodes {
			return fmt.Errorf("expected %d internal nodes, got %d", nodes, len(n))
		}
	}
	if len(t.Threshold) != nodes || len(t.LeafValue) != t.NumLeaves {
		return fmt.Errorf("threshold or leaf arrays do not match %d leaves", t.NumLeaves)
	}
	for i := 0; i < nodes; i++ {
		if f := t.SplitFeature[i]; f < 0 || f >= numFeatures {
			return fmt.Errorf("node %d splits on feature %d of %d", i, f, numFeatures)
		}
		for _, c := range []int{t.LeftChild[i], t.RightChild[i]} {
			if c >= nodes || (c < 0 && ^c >= t.NumLeaves) || c == 0 {
				return fmt.Errorf("node %d has invalid child %d", i, c)
			}
		}
	}
	if len(t.SplitGain) != nodes {
		t.SplitGain = make([]float64, nodes)
	}
	return nil
}
