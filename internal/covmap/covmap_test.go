// Copyright 2016-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package covmap_test

import (
	"encoding/binary"
	"testing"

	"github.com/sandia-minimega/kfuzz/internal/covmap"
)

func putWord(region []byte, i int, v uint64) {
	binary.LittleEndian.PutUint64(region[i*8:i*8+8], v)
}

func TestPostExecAllZeroNoNovelty(t *testing.T) {
	region := make([]byte, 64)
	m := covmap.New(region, "kcov", covmap.Bitmap)

	if got := m.PostExec(); len(got) != 0 {
		t.Fatalf("novelties = %v, want none", got)
	}
}

func TestPostExecDominatesShadow(t *testing.T) {
	region := make([]byte, 64)
	m := covmap.New(region, "kcov", covmap.Bitmap)

	putWord(region, 3, 7)
	got := m.PostExec()
	if len(got) != 1 || got[0] != 3 {
		t.Fatalf("novelties = %v, want [3]", got)
	}

	before := append([]uint64(nil), m.Shadow()...)

	// same value again: no new novelty, shadow does not regress
	got = m.PostExec()
	if len(got) != 0 {
		t.Fatalf("novelties = %v, want none (no new max)", got)
	}
	for i, v := range m.Shadow() {
		if v < before[i] {
			t.Fatalf("shadow[%d] regressed: %d < %d", i, v, before[i])
		}
	}
}

func TestNoveltyDisjointAcrossIterations(t *testing.T) {
	region := make([]byte, 64)
	m := covmap.New(region, "kcov", covmap.Bitmap)

	putWord(region, 0, 5)
	first := m.PostExec()

	putWord(region, 0, 5) // no strictly larger value
	putWord(region, 1, 9) // a genuinely new index
	second := m.PostExec()

	seen := map[int]bool{}
	for _, i := range first {
		seen[i] = true
	}
	for _, i := range second {
		if seen[i] {
			t.Fatalf("index %d reported novel twice without a larger value", i)
		}
	}
	if len(second) != 1 || second[0] != 1 {
		t.Fatalf("second novelties = %v, want [1]", second)
	}
}

func TestPreExecZeroesRegion(t *testing.T) {
	region := make([]byte, 16)
	putWord(region, 0, 42)
	m := covmap.New(region, "kcov", covmap.Bitmap)

	m.PreExec()

	for i, b := range region {
		if b != 0 {
			t.Fatalf("region[%d] = %d, want 0 after PreExec", i, b)
		}
	}
}
