package main

import (
	"testing"
)

func TestBackwardScalarChain(t *testing.T) {
	tp := NewTape()
	x := tp.Input(NewTensorFrom([]float64{1, -2, 3}, 3))
	// loss = Σ (2x + 1)²
	loss := Sum(Square(AddScalar(Scale(x, 2), 1)))
	if err := tp.Backward(loss, x); err != nil {
		t.Fatal(err)
	}
	// d/dx = 4(2x + 1)
	expected := []float64{12, -12, 28}
	for i, e := range expected {
		if g := x.Grad()[i]; g != e {
			t.Errorf("grad[%d]: expected %f, got %f", i, e, g)
		}
	}
}

func TestBackwardPrunesUnrelatedBranches(t *testing.T) {
	tp := NewTape()
	a := tp.Param(NewTensorFrom([]float64{1, 2}, 2))
	b := tp.Param(NewTensorFrom([]float64{3, 4}, 2))
	out := Add(Square(a), Scale(b, 3))

	if err := tp.Backward(out, b); err != nil {
		t.Fatal(err)
	}
	for i, g := range b.Grad() {
		if g != 3 {
			t.Errorf("b grad[%d]: expected 3, got %f", i, g)
		}
	}
	for i, g := range a.Grad() {
		if g != 0 {
			t.Errorf("a grad[%d]: expected 0 for a pruned branch, got %f", i, g)
		}
	}
}

func TestBackwardResetsBetweenCalls(t *testing.T) {
	tp := NewTape()
	x := tp.Input(NewTensorFrom([]float64{2}, 1))
	y := Square(x)
	for i := 0; i < 2; i++ {
		if err := tp.Backward(y, x); err != nil {
			t.Fatal(err)
		}
		if g := x.Grad()[0]; g != 4 {
			t.Errorf("call %d: expected 4, got %f", i, g)
		}
	}
}

func TestParamIsSharedAcrossUses(t *testing.T) {
	tp := NewTape()
	w := NewTensorFrom([]float64{3}, 1)
	if tp.Param(w) != tp.Param(w) {
		t.Fatal("expected Param to return the same node for the same tensor")
	}
	// y = w·w through two separate Param calls
	y := Mul(tp.Param(w), tp.Param(w))
	if err := tp.Backward(y, tp.Param(w)); err != nil {
		t.Fatal(err)
	}
	tp.Accumulate([]*Tensor{w})
	if g := w.Grad()[0]; g != 6 {
		t.Errorf("expected accumulated grad 6, got %f", g)
	}
	tp.Accumulate([]*Tensor{w})
	if g := w.Grad()[0]; g != 12 {
		t.Errorf("expected Accumulate to add, got %f", g)
	}
}

func TestConstGetsNoGradient(t *testing.T) {
	tp := NewTape()
	c := tp.Const(NewTensorFrom([]float64{5}, 1))
	x := tp.Input(NewTensorFrom([]float64{2}, 1))
	y := Mul(c, x)
	if err := tp.Backward(y, x); err != nil {
		t.Fatal(err)
	}
	if g := x.Grad()[0]; g != 5 {
		t.Errorf("expected 5, got %f", g)
	}
	if g := c.Grad()[0]; g != 0 {
		t.Errorf("expected no gradient on a constant, got %f", g)
	}
}

func TestBackwardErrors(t *testing.T) {
	inf := NewInferenceTape()
	x := inf.Const(NewTensor(2))
	y := Square(x)
	if err := inf.Backward(y); err == nil {
		t.Error("expected an error from an inference tape")
	}
	if inf.Len() != 0 {
		t.Errorf("expected inference tape to record nothing, got %d nodes", inf.Len())
	}

	a, b := NewTape(), NewTape()
	va := a.Input(NewTensor(2))
	vb := b.Input(NewTensor(2))
	if err := a.Backward(Square(va), vb); err == nil {
		t.Error("expected an error for a wrt node on another tape")
	}
	if err := b.Backward(Square(va)); err == nil {
		t.Error("expected an error for an output on another tape")
	}
}

func TestMixingTapesPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected a panic when combining nodes from two tapes")
		}
	}()
	a := NewTape().Input(NewTensor(2))
	b := NewTape().Input(NewTensor(2))
	Add(a, b)
}
