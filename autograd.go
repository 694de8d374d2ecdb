package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// This file implements automatic differentiation (autograd) for backpropagation.
//
// INTENTION:
// Enable gradient computation through the three networks of a GAN without
// writing a hand-derived backward pass for every architecture. Each
// operation (Dense, Conv2D, ModConv2D, LeakyReLU, etc.) records a forward
// value plus a closure that knows how to push gradients to its inputs.
//
// THE CHAIN RULE:
//
// Given: y = f(x) and z = g(y)
// Want: ∂z/∂x (how z changes with x)
//
// Chain rule: ∂z/∂x = ∂z/∂y · ∂y/∂x
//
// In backpropagation:
//   - Forward: Compute y = f(x), z = g(y), remembering every step on a tape
//   - Backward: Walk the tape in reverse, each step turning ∂L/∂output
//     into ∂L/∂input
//
// WHY A TAPE:
//
// One training step asks for several different derivatives of the same
// forward computation:
//
//   - ∂(D loss)/∂(discriminator weights)
//   - ∂(G loss)/∂(generator + mapping weights), flowing *through* D
//   - ∂(Σ D(real))/∂(real images), the input gradient for R1
//
// Backward(out, wrt...) only visits nodes from which one of the wrt
// nodes is reachable. A discriminator update never computes generator
// weight gradients, and a generator update passes through the
// discriminator's convolutions without computing their weight gradients.
//
// WHAT'S NOT HERE:
//
// Gradients of gradients. The R1 penalty needs ∂/∂θ ||∇x D(x)||², which
// differentiates a backward pass. Instead of taping the backward pass, the
// trainer takes a central finite difference of two first-order gradients
// (see r1Penalty in train.go). In float64 this is accurate to ~1e-6
// relative and costs two extra discriminator passes.
//
// PERFORMANCE:
// Backward pass is typically 2x the cost of forward pass:
//   - Forward: One GEMM per conv per sample
//   - Backward: Two GEMMs (input gradient and weight gradient)
//
// ===========================================================================

import (
	"fmt"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// Var is a node on a Tape: a forward value plus the bookkeeping needed to
// push gradients back to its inputs.
type Var struct {
	Value *Tensor

	grad     []float64
	parents  []*Var
	backward func(out *Var)
	live     bool
	index    int
	tape     *Tape
}

// Tape records operations in creation order.
//
// A Tape is used by one goroutine. Ops may fan out internally but the tape
// itself is not safe for concurrent use.
type Tape struct {
	nodes  []*Var
	params map[*Tensor]*Var
	record bool
	cfg    ComputeConfig
}

// NewTape creates a recording tape.
func NewTape() *Tape {
	return &Tape{
		params: make(map[*Tensor]*Var),
		record: true,
		cfg:    globalComputeConfig,
	}
}

// NewInferenceTape creates a tape that records nothing. Intermediate
// values become garbage as soon as the next op has consumed them.
func NewInferenceTape() *Tape {
	t := NewTape()
	t.record = false
	return t
}

// Len returns the number of recorded nodes.
func (tp *Tape) Len() int {
	return len(tp.nodes)
}

// Param binds a parameter tensor to the tape. Repeated calls with the same
// tensor return the same node, so gradients from every use accumulate.
func (tp *Tape) Param(t *Tensor) *Var {
	if v, ok := tp.params[t]; ok {
		return v
	}
	v := tp.leaf(t)
	tp.params[t] = v
	return v
}

// Input creates a leaf whose gradient may be requested from Backward.
func (tp *Tape) Input(t *Tensor) *Var {
	return tp.leaf(t)
}

// Const creates a leaf that never receives a gradient.
func (tp *Tape) Const(t *Tensor) *Var {
	return &Var{Value: t, tape: tp, index: -1}
}

func (tp *Tape) leaf(t *Tensor) *Var {
	v := &Var{Value: t, tape: tp, index: -1}
	if tp.record {
		v.index = len(tp.nodes)
		tp.nodes = append(tp.nodes, v)
	}
	return v
}

// push records the result of an op. On an inference tape the node keeps no
// references to its inputs.
func (tp *Tape) push(value *Tensor, parents []*Var, backward func(out *Var)) *Var {
	v := &Var{Value: value, tape: tp, index: -1}
	if !tp.record {
		return v
	}
	v.parents = parents
	v.backward = backward
	v.index = len(tp.nodes)
	tp.nodes = append(tp.nodes, v)
	return v
}

// Backward computes the gradient of sum(out) with respect to every node
// from which a wrt node is reachable. Gradients from a previous call are
// discarded.
//
// For a scalar loss this is the usual ∂loss/∂x. For a [N,1] batch of
// discriminator logits it is ∇x Σ_n D(x_n), which for a per-sample network
// is each sample's own input gradient.
func (tp *Tape) Backward(out *Var, wrt ...*Var) error {
	if !tp.record {
		return errors.New("autograd: backward on an inference tape")
	}
	if out.tape != tp || out.index < 0 {
		return errors.New("autograd: output was not recorded on this tape")
	}

	for _, n := range tp.nodes {
		n.live = false
		n.grad = nil
	}
	for _, w := range wrt {
		if w.tape != tp {
			return errors.New("autograd: wrt node belongs to another tape")
		}
		w.live = true
	}

	// Forward sweep: a node is live if any input is live.
	for _, n := range tp.nodes[:out.index+1] {
		if n.live {
			continue
		}
		for _, p := range n.parents {
			if p.live {
				n.live = true
				break
			}
		}
	}
	if !out.live {
		return nil
	}

	seed := make([]float64, out.Value.Size())
	for i := range seed {
		seed[i] = 1
	}
	out.grad = seed

	// Reverse sweep
	for i := out.index; i >= 0; i-- {
		n := tp.nodes[i]
		if !n.live || n.grad == nil || n.backward == nil {
			continue
		}
		n.backward(n)
	}
	return nil
}

// Accumulate adds the tape gradients of the given parameters into their
// Tensor.grad buffers. Parameters the last Backward did not reach are
// left untouched.
func (tp *Tape) Accumulate(params []*Tensor) {
	for _, p := range params {
		v, ok := tp.params[p]
		if !ok || v.grad == nil {
			continue
		}
		floats.Add(p.grad, v.grad)
	}
}

// Grad returns the gradient computed by the last Backward. Nodes the pass
// did not reach have a zero gradient.
func (v *Var) Grad() []float64 {
	if v.grad == nil {
		return make([]float64, v.Value.Size())
	}
	return v.grad
}

// Shape returns the shape of the node's value.
func (v *Var) Shape() []int {
	return v.Value.Shape()
}

// sink returns the gradient buffer an op should add into, or nil when the
// node does not lead to anything Backward was asked about.
func (v *Var) sink() []float64 {
	if !v.live {
		return nil
	}
	if v.grad == nil {
		v.grad = make([]float64, v.Value.Size())
	}
	return v.grad
}

func sameTape(vs ...*Var) *Tape {
	tp := vs[0].tape
	for _, v := range vs[1:] {
		if v.tape != tp {
			panic(fmt.Sprintf("autograd: mixing nodes from different tapes (%v, %v)", vs[0].Shape(), v.Shape()))
		}
	}
	return tp
}
