package evo

import (
	"errors"
	"math"
	"testing"
)

func TestWeightPolicyUpdate(t *testing.T) {
	policy := DefaultWeightPolicy()
	cases := []struct {
		name     string
		start    float64
		improved bool
		check    func(got float64) bool
	}{
		{name: "growth", start: 1, improved: true, check: func(got float64) bool { return got > 1 }},
		{name: "decay", start: 1, improved: false, check: func(got float64) bool { return got < 1 && got >= policy.Floor }},
		{name: "floor holds", start: 0.0101, improved: false, check: func(got float64) bool { return got == policy.Floor }},
		{name: "below floor never rises", start: 0.001, improved: false, check: func(got float64) bool { return got == 0.001 }},
		{name: "zero revived on improvement", start: 0, improved: true, check: func(got float64) bool { return got > 0 }},
		{name: "zero stays zero", start: 0, improved: false, check: func(got float64) bool { return got == 0 }},
		{name: "growth capped at ceiling", start: 99, improved: true, check: func(got float64) bool { return got == policy.Ceiling }},
		{name: "above ceiling never lowered", start: 150, improved: true, check: func(got float64) bool { return got == 150 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			weights := Weights{"s": tc.start}
			got := policy.Update(weights, "s", tc.improved)
			if got != weights["s"] {
				t.Fatalf("returned %f but stored %f", got, weights["s"])
			}
			if !tc.check(got) {
				t.Fatalf("unexpected weight %f from start %f improved=%v", got, tc.start, tc.improved)
			}
		})
	}
}

func TestWeightPolicyNeverNegative(t *testing.T) {
	policy := DefaultWeightPolicy()
	weights := Weights{"s": -4}
	if got := policy.Update(weights, "s", false); got < 0 {
		t.Fatalf("negative weight %f", got)
	}
}

func TestWeightPolicyValidate(t *testing.T) {
	if err := DefaultWeightPolicy().Validate(); err != nil {
		t.Fatalf("default policy invalid: %v", err)
	}
	for _, p := range []WeightPolicy{
		{Growth: 1, Decay: 0.9, Floor: 0.01},
		{Growth: 1.1, Decay: 0, Floor: 0.01},
		{Growth: 1.1, Decay: 1.2, Floor: 0.01},
		{Growth: 1.1, Decay: 0.9, Floor: 0},
		{Growth: 1.1, Decay: 0.9, Floor: 0.01, Ceiling: 0.001},
		{Growth: 1.1, Decay: 0.9, Floor: 0.01, Ceiling: math.Inf(1)},
	} {
		if err := p.Validate(); err == nil {
			t.Fatalf("expected invalid policy: %+v", p)
		}
	}
}

func TestWeightPolicyStaysFiniteOverLongImprovementRuns(t *testing.T) {
	policy := WeightPolicy{Growth: 2, Decay: 0.9, Floor: 0.01}
	weights := Weights{"s": 1}
	for i := 0; i < 5000; i++ {
		policy.Update(weights, "s", true)
	}
	if weights["s"] != DefaultWeightCeiling {
		t.Fatalf("expected weight capped at %f, got %f", DefaultWeightCeiling, weights["s"])
	}
}

func TestWeightsValidateFor(t *testing.T) {
	registered := []string{"gaussian", "reset"}
	if err := (Weights{"gaussian": 1, "reset": 0}).ValidateFor(registered); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := (Weights{"gausian": 1}).ValidateFor(registered); !errors.Is(err, ErrStrategyNotFound) {
		t.Fatalf("expected ErrStrategyNotFound, got %v", err)
	}
	if err := (Weights{"gaussian": 1, "gausian": 1}).ValidateFor(registered); !errors.Is(err, ErrStrategyNotFound) {
		t.Fatalf("expected ErrStrategyNotFound for mixed names, got %v", err)
	}
	if err := (Weights{"gaussian": 0, "reset": 0}).ValidateFor(registered); err == nil {
		t.Fatal("expected all-zero weights to be invalid")
	}
	if err := (Weights{"gaussian": math.Inf(1)}).ValidateFor(registered); err == nil {
		t.Fatal("expected infinite weight to be invalid")
	}
}

func TestDefaultStrategyNames(t *testing.T) {
	names := DefaultStrategyNames()
	want := []string{"creep", "gaussian", "multi_gene", "reset"}
	if len(names) != len(want) {
		t.Fatalf("unexpected names: %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("unexpected names: %v", names)
		}
	}
}

func TestWeightsHelpers(t *testing.T) {
	w := UniformWeights([]string{"b", "a"})
	if w["a"] != 1 || w["b"] != 1 {
		t.Fatalf("unexpected uniform weights: %v", w)
	}
	clone := w.Clone()
	clone["a"] = 5
	if w["a"] != 1 {
		t.Fatal("clone shares storage")
	}
	if names := w.Names(); names[0] != "a" || names[1] != "b" {
		t.Fatalf("unexpected names: %v", names)
	}
	if err := w.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := (Weights{"a": 0}).Validate(); err == nil {
		t.Fatal("expected all-zero weights to be invalid")
	}
	if err := (Weights{"a": -1, "b": 1}).Validate(); err == nil {
		t.Fatal("expected negative weight to be invalid")
	}
}
