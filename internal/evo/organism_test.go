package evo

import (
	"math"
	"testing"

	"embryo/internal/model"
)

func TestOrganismDefineClampsAndValidates(t *testing.T) {
	organism := NewOrganism("org", nil, nil)
	if err := organism.Define("x", 50, model.Bounds{Low: 0, High: 10}); err != nil {
		t.Fatalf("define: %v", err)
	}
	if v, _ := organism.Param("x"); v != 10 {
		t.Fatalf("expected initial value clamped to 10, got %f", v)
	}
	if err := organism.Define("bad", 1, model.Bounds{Low: 2, High: 1}); err == nil {
		t.Fatal("expected inverted bounds error")
	}
	if err := organism.Define("", 1, model.Bounds{}); err == nil {
		t.Fatal("expected empty name error")
	}
	if err := organism.Define("nan", 1, model.Bounds{Low: math.NaN(), High: 1}); err == nil {
		t.Fatal("expected NaN bounds error")
	}
}

func TestOrganismSetParamClamps(t *testing.T) {
	organism := NewOrganism("org", nil, nil)
	_ = organism.Define("x", 1, model.Bounds{Low: -1, High: 1})

	cases := []struct{ in, want float64 }{
		{5, 1},
		{-5, -1},
		{0.25, 0.25},
		{math.NaN(), -1},
	}
	for _, tc := range cases {
		if got := organism.SetParam("x", tc.in); got != tc.want {
			t.Fatalf("SetParam(%v)=%v want %v", tc.in, got, tc.want)
		}
	}
	if got := organism.SetParam("free", 1e9); got != 1e9 {
		t.Fatalf("unbounded param should pass through, got %v", got)
	}
	if err := organism.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestOrganismValidateReportsOutOfBounds(t *testing.T) {
	organism := NewOrganism("org", nil, nil)
	_ = organism.Define("x", 1, model.Bounds{Low: 0, High: 2})
	organism.Params["x"] = 3
	if err := organism.Validate(); err == nil {
		t.Fatal("expected out-of-bounds error")
	}
}

func TestOrganismCloneIsDeep(t *testing.T) {
	registry := NewRegistry(nil, DefaultSelectionPolicy())
	organism := NewOrganism("org", registry, nil)
	_ = organism.Define("x", 1, model.Bounds{Low: 0, High: 2})

	clone := organism.Clone()
	clone.Params["x"] = 2
	clone.Bounds["x"] = model.Bounds{Low: 0, High: 100}
	if organism.Params["x"] != 1 || organism.Bounds["x"].High != 2 {
		t.Fatal("clone shares parameter storage")
	}
	if clone.Registry != registry {
		t.Fatal("clone should share the registry")
	}
}

func TestOrganismParamNames(t *testing.T) {
	organism := &Organism{}
	organism.SetParam("b", 1)
	_ = organism.Define("a", 0, model.Bounds{Low: 0, High: 1})
	names := organism.ParamNames()
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Fatalf("unexpected names: %v", names)
	}
	bounded := organism.BoundedParamNames()
	if len(bounded) != 1 || bounded[0] != "a" {
		t.Fatalf("unexpected bounded names: %v", bounded)
	}
}
