package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Checkpoints. Every network is stored as two objects:
//
//   Models/{name}.json                 structure: NetSpec, layer descriptors,
//                                      parameter names and shapes
//   Models/{name}_{index}.safetensors  weights, F64
//
// The structure file is rewritten on every save and is the same for every
// index of a run. Loading rebuilds the network from the stored NetSpec,
// then insists that the rebuilt layers and parameters match the stored
// ones exactly. A checkpoint written by a different architecture fails
// with ErrCheckpointMismatch instead of loading half its weights.
//
// A save writes five networks (sty, gen, dis, genMA, styMA) plus
// Models/manifest_{index}.json carrying the run id, the step and the path
// length running mean, so a resumed run continues with the same penalty
// target.
//
// ===========================================================================

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/pkg/errors"
)

const structureFormat = "local-stylegan/network-v1"

// Checkpoint names of the five networks.
const (
	ckptMapping       = "sty"
	ckptGenerator     = "gen"
	ckptDiscriminator = "dis"
	ckptGeneratorEMA  = "genMA"
	ckptMappingEMA    = "styMA"
)

// NetworkStructure is the JSON structure file of a stored network.
type NetworkStructure struct {
	Format string      `json:"format"`
	Spec   NetSpec     `json:"spec"`
	Layers []LayerSpec `json:"layers"`
	Params []ParamInfo `json:"params"`
}

// ParamInfo names one parameter tensor and its shape.
type ParamInfo struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
}

// Manifest records the trainer state of a checkpoint index.
type Manifest struct {
	RunID     string    `json:"run_id"`
	Index     int       `json:"index"`
	Step      int       `json:"step"`
	PLMean    float64   `json:"pl_mean"`
	PLMeanSet bool      `json:"pl_mean_set"`
	SavedAt   time.Time `json:"saved_at"`

	// Optimizer is nil for checkpoints saved without optimizer state.
	Optimizer *OptimizerState `json:"optimizer,omitempty"`
}

// OptimizerState holds the step counters of both optimizers. The Adam
// moments live in Models/optimizer_{index}.safetensors.
type OptimizerState struct {
	GenSteps   int `json:"gen_steps"`
	DisSteps   int `json:"dis_steps"`
	GenLRSteps int `json:"gen_lr_steps"`
	DisLRSteps int `json:"dis_lr_steps"`
}

func structureKey(name string) string {
	return fmt.Sprintf("Models/%s.json", name)
}

func weightsKey(name string, index int) string {
	return fmt.Sprintf("Models/%s_%d.safetensors", name, index)
}

func manifestKey(index int) string {
	return fmt.Sprintf("Models/manifest_%d.json", index)
}

func optimizerKey(index int) string {
	return fmt.Sprintf("Models/optimizer_%d.safetensors", index)
}

// StructureOf describes n.
func StructureOf(n Network) NetworkStructure {
	s := NetworkStructure{Format: structureFormat, Spec: n.Spec(), Layers: n.Layers()}
	names := n.ParameterNames()
	for i, p := range n.Parameters() {
		s.Params = append(s.Params, ParamInfo{Name: names[i], Shape: p.Shape()})
	}
	return s
}

// SaveNetwork writes n's structure and its weights under index.
func SaveNetwork(ctx context.Context, store Store, name string, index int, n Network) error {
	structure, err := json.MarshalIndent(StructureOf(n), "", "  ")
	if err != nil {
		return errors.Wrapf(err, "checkpoint %s: encode structure", name)
	}
	if err := store.Put(ctx, structureKey(name), structure); err != nil {
		return err
	}
	blob, err := encodeSafetensors(n.ParameterNames(), n.Parameters(), map[string]string{
		"format": structureFormat,
		"kind":   string(n.Spec().Kind),
		"index":  fmt.Sprint(index),
	})
	if err != nil {
		return errors.Wrapf(err, "checkpoint %s", name)
	}
	return store.Put(ctx, weightsKey(name, index), blob)
}

// ReadStructure reads the structure file of a stored network.
func ReadStructure(ctx context.Context, store Store, name string) (NetworkStructure, error) {
	var s NetworkStructure
	data, err := store.Get(ctx, structureKey(name))
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, errors.Wrapf(err, "checkpoint %s: parse structure", name)
	}
	if s.Format != structureFormat {
		return s, errors.Wrapf(ErrCheckpointMismatch, "%s: format %q", name, s.Format)
	}
	return s, nil
}

// LoadNetwork rebuilds a stored network and fills in the weights of index.
func LoadNetwork(ctx context.Context, store Store, name string, index int) (Network, error) {
	stored, err := ReadStructure(ctx, store, name)
	if err != nil {
		return nil, err
	}
	n, err := NewNetwork(stored.Spec, rand.New(rand.NewSource(1)))
	if err != nil {
		return nil, errors.Wrapf(ErrCheckpointMismatch, "%s: %v", name, err)
	}
	if err := sameStructure(StructureOf(n), stored); err != nil {
		return nil, errors.Wrap(err, name)
	}

	blob, err := store.Get(ctx, weightsKey(name, index))
	if err != nil {
		return nil, err
	}
	weights, err := decodeSafetensors(blob)
	if err != nil {
		return nil, errors.Wrapf(err, "checkpoint %s_%d", name, index)
	}
	if len(weights.Meta) != len(n.Parameters()) {
		return nil, errors.Wrapf(ErrCheckpointMismatch, "%s_%d: %d tensors stored, %d expected",
			name, index, len(weights.Meta), len(n.Parameters()))
	}
	names := n.ParameterNames()
	for i, p := range n.Parameters() {
		values, shape, err := weights.Float64(names[i])
		if err != nil {
			return nil, errors.Wrapf(ErrCheckpointMismatch, "%s_%d: %v", name, index, err)
		}
		if !shapeEqual(shape, p.shape) {
			return nil, errors.Wrapf(ErrCheckpointMismatch, "%s_%d: %s is %v, want %v",
				name, index, names[i], shape, p.shape)
		}
		copy(p.data, values)
	}
	return n, nil
}

// sameStructure compares layer descriptors and parameter shapes.
func sameStructure(built, stored NetworkStructure) error {
	a, err := json.Marshal(built.Layers)
	if err != nil {
		return err
	}
	b, err := json.Marshal(stored.Layers)
	if err != nil {
		return err
	}
	if !bytes.Equal(a, b) {
		return errors.Wrap(ErrCheckpointMismatch, "layer descriptors differ")
	}
	if len(built.Params) != len(stored.Params) {
		return errors.Wrapf(ErrCheckpointMismatch, "%d parameters vs %d stored", len(built.Params), len(stored.Params))
	}
	for i, p := range built.Params {
		q := stored.Params[i]
		if p.Name != q.Name || !shapeEqual(p.Shape, q.Shape) {
			return errors.Wrapf(ErrCheckpointMismatch, "parameter %d: %s%v vs stored %s%v", i, p.Name, p.Shape, q.Name, q.Shape)
		}
	}
	return nil
}

// namedNetwork pairs a checkpoint name with a network.
type namedNetwork struct {
	name string
	net  Network
}

func (g *GAN) checkpointSet() []namedNetwork {
	return []namedNetwork{
		{ckptMapping, g.S},
		{ckptGenerator, g.G},
		{ckptDiscriminator, g.D},
		{ckptGeneratorEMA, g.GE},
		{ckptMappingEMA, g.SE},
	}
}

// ConfigFromCheckpoint returns base with the architecture fields replaced
// by those of the stored generator.
func ConfigFromCheckpoint(ctx context.Context, store Store, base GANConfig) (GANConfig, error) {
	gen, err := ReadStructure(ctx, store, ckptGenerator)
	if err != nil {
		return base, err
	}
	base.ImageSize = gen.Spec.ImageSize
	base.LatentSize = gen.Spec.LatentSize
	base.Channels = gen.Spec.Channels
	return base, nil
}

// Save writes all five networks and the manifest under index, and the
// metrics page if anything has been recorded.
func (t *Trainer) Save(ctx context.Context, index int) error {
	for _, c := range t.GAN.checkpointSet() {
		if err := SaveNetwork(ctx, t.Store, c.name, index, c.net); err != nil {
			return errors.Wrapf(err, "save %d", index)
		}
	}
	names, moments := t.GAN.optimizerTensors()
	blob, err := encodeSafetensors(names, moments, map[string]string{"format": "adam"})
	if err != nil {
		return errors.Wrapf(err, "save %d: optimizer", index)
	}
	if err := t.Store.Put(ctx, optimizerKey(index), blob); err != nil {
		return err
	}

	pl, ok := t.PL.Value()
	manifest, err := json.MarshalIndent(Manifest{
		RunID:     t.RunID,
		Index:     index,
		Step:      t.Step,
		PLMean:    pl,
		PLMeanSet: ok,
		SavedAt:   time.Now().UTC(),
		Optimizer: &OptimizerState{
			GenSteps:   t.GAN.genOpt.t,
			DisSteps:   t.GAN.disOpt.t,
			GenLRSteps: t.GAN.genSched.step,
			DisLRSteps: t.GAN.disSched.step,
		},
	}, "", "  ")
	if err != nil {
		return errors.Wrap(err, "save manifest")
	}
	if err := t.Store.Put(ctx, manifestKey(index), manifest); err != nil {
		return err
	}
	if t.Metrics != nil && t.Metrics.Len() > 0 {
		page, err := t.Metrics.RenderHTML()
		if err != nil {
			return err
		}
		return t.Store.Put(ctx, "Results/metrics.html", page)
	}
	return nil
}

// Load replaces the weights of all five networks with checkpoint index.
// Every network is read and checked before any weights are overwritten.
// The manifest, when present, restores the run id, step, path length mean
// and, if it was saved with one, the optimizer state; a nil Manifest
// means none was stored.
func (t *Trainer) Load(ctx context.Context, index int) (*Manifest, error) {
	set := t.GAN.checkpointSet()
	loaded := make([]Network, len(set))
	for i, c := range set {
		n, err := LoadNetwork(ctx, t.Store, c.name, index)
		if err != nil {
			return nil, errors.Wrapf(err, "load %d", index)
		}
		if n.Spec() != c.net.Spec() {
			return nil, errors.Wrapf(ErrCheckpointMismatch, "load %s_%d: stored %+v, configured %+v",
				c.name, index, n.Spec(), c.net.Spec())
		}
		loaded[i] = n
	}

	var m *Manifest
	data, err := t.Store.Get(ctx, manifestKey(index))
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return nil, err
	default:
		m = new(Manifest)
		if err := json.Unmarshal(data, m); err != nil {
			return nil, errors.Wrapf(err, "load manifest %d", index)
		}
	}

	var moments [][]float64
	if m != nil && m.Optimizer != nil {
		if moments, err = t.readOptimizer(ctx, index); err != nil {
			return nil, err
		}
	}

	for i, c := range set {
		if err := CopyParams(c.net, loaded[i]); err != nil {
			return nil, err
		}
	}
	t.centerOfMass = nil
	if m == nil {
		return nil, nil
	}

	if m.RunID != "" {
		t.RunID = m.RunID
		if t.Metrics != nil {
			t.Metrics.RunID = m.RunID
		}
	}
	t.Step = m.Step + 1
	t.PL = PathLengthMean{value: m.PLMean, ok: m.PLMeanSet}
	if moments != nil {
		_, dst := t.GAN.optimizerTensors()
		for i, d := range dst {
			copy(d.data, moments[i])
		}
		st := m.Optimizer
		t.GAN.genOpt.t, t.GAN.disOpt.t = st.GenSteps, st.DisSteps
		t.GAN.genSched.step, t.GAN.disSched.step = st.GenLRSteps, st.DisLRSteps
	}
	return m, nil
}

// readOptimizer reads and checks the Adam moments of index against the
// configured optimizers without touching them.
func (t *Trainer) readOptimizer(ctx context.Context, index int) ([][]float64, error) {
	blob, err := t.Store.Get(ctx, optimizerKey(index))
	if err != nil {
		return nil, errors.Wrapf(err, "load optimizer %d", index)
	}
	f, err := decodeSafetensors(blob)
	if err != nil {
		return nil, errors.Wrapf(err, "load optimizer %d", index)
	}
	names, want := t.GAN.optimizerTensors()
	if len(f.Meta) != len(names) {
		return nil, errors.Wrapf(ErrCheckpointMismatch, "optimizer %d: %d tensors stored, %d expected",
			index, len(f.Meta), len(names))
	}
	out := make([][]float64, len(names))
	for i, name := range names {
		values, shape, err := f.Float64(name)
		if err != nil {
			return nil, errors.Wrapf(ErrCheckpointMismatch, "optimizer %d: %v", index, err)
		}
		if !shapeEqual(shape, want[i].shape) {
			return nil, errors.Wrapf(ErrCheckpointMismatch, "optimizer %d: %s is %v, want %v",
				index, name, shape, want[i].shape)
		}
		out[i] = values
	}
	return out, nil
}
