// Copyright 2016-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package worker_test

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/sandia-minimega/kfuzz/internal/worker"
)

func TestHavocMutatorDoesNotMutateSeedInPlace(t *testing.T) {
	seed := []byte("the quick brown fox")
	original := append([]byte(nil), seed...)

	m := worker.HavocMutator{}
	r := rand.New(rand.NewSource(1))
	_ = m.Mutate(seed, r)

	if !bytes.Equal(seed, original) {
		t.Fatalf("seed was mutated in place: got %q, want %q", seed, original)
	}
}

func TestHavocMutatorEmptySeed(t *testing.T) {
	m := worker.HavocMutator{}
	r := rand.New(rand.NewSource(2))

	out := m.Mutate(nil, r)
	if len(out) == 0 {
		t.Fatal("expected a non-empty mutation from an empty seed")
	}
}

func TestHavocMutatorIsDeterministicForAGivenSeed(t *testing.T) {
	m := worker.HavocMutator{MaxOps: 4}

	a := m.Mutate([]byte("hello world"), rand.New(rand.NewSource(42)))
	b := m.Mutate([]byte("hello world"), rand.New(rand.NewSource(42)))

	if !bytes.Equal(a, b) {
		t.Fatalf("same rand source should produce same mutation: %q vs %q", a, b)
	}
}

func TestGrimoireMutatorRecombinesTokens(t *testing.T) {
	m := worker.GrimoireMutator{}
	r := rand.New(rand.NewSource(7))

	input := []byte("a=1,b=2,c=3")
	out := m.Mutate(input, r)

	if len(out) == 0 {
		t.Fatal("expected non-empty output")
	}
}

func TestGrimoireMutatorShortInputUnchanged(t *testing.T) {
	m := worker.GrimoireMutator{}
	r := rand.New(rand.NewSource(1))

	out := m.Mutate([]byte("x"), r)
	if !bytes.Equal(out, []byte("x")) {
		t.Fatalf("got %q, want unchanged single-byte input", out)
	}
}

func TestGrimoireMutatorNoDelimitersUnchanged(t *testing.T) {
	m := worker.GrimoireMutator{}
	r := rand.New(rand.NewSource(1))

	out := m.Mutate([]byte("nodlimitershere"), r)
	if !bytes.Equal(out, []byte("nodlimitershere")) {
		t.Fatalf("got %q, want unchanged input with no delimiters", out)
	}
}
