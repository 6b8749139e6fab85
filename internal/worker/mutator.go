// Copyright 2016-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package worker

import "math/rand"

// HavocMutator applies a small number of random single-byte edits (overwrite
// a byte, append a byte, delete a byte), a simple general-purpose "havoc"
// stage. It is a default Mutator, not
// a tuned one; swap it for a real mutation engine by implementing Mutator.
type HavocMutator struct {
	// MaxOps bounds how many individual mutation operations are applied
	// per call. Zero selects a default of 8.
	MaxOps int
}

func (m HavocMutator) Mutate(seed []byte, r *rand.Rand) []byte {
	out := append([]byte(nil), seed...)
	if len(out) == 0 {
		out = []byte{0}
	}

	maxOps := m.MaxOps
	if maxOps <= 0 {
		maxOps = 8
	}

	ops := 1 + r.Intn(maxOps)
	for i := 0; i < ops; i++ {
		switch r.Intn(3) {
		case 0:
			out[r.Intn(len(out))] = byte(r.Intn(256))
		case 1:
			out = append(out, byte(r.Intn(256)))
		case 2:
			if len(out) > 1 {
				cut := r.Intn(len(out))
				out = append(out[:cut], out[cut+1:]...)
			}
		}
	}

	return out
}

// GrimoireMutator is a structure-aware token-splice stub: it replaces a
// contiguous run between occurrences of a small set of delimiter bytes
// with a run taken from another position in the input, approximating the
// Grimoire algorithm's generalized-token recombination without attempting
// full dictionary inference. Select it with -use-grimoire.
type GrimoireMutator struct {
	Delimiters []byte
}

func (m GrimoireMutator) Mutate(seed []byte, r *rand.Rand) []byte {
	if len(seed) < 2 {
		return append([]byte(nil), seed...)
	}

	delims := m.Delimiters
	if len(delims) == 0 {
		delims = []byte{',', ' ', '\n', '=', ':'}
	}

	tokens := splitOnAny(seed, delims)
	if len(tokens) < 2 {
		return append([]byte(nil), seed...)
	}

	a := r.Intn(len(tokens))
	b := r.Intn(len(tokens))

	out := append([]byte(nil), tokens[0]...)
	for i := 1; i < len(tokens); i++ {
		if i == a {
			out = append(out, tokens[b]...)
		} else {
			out = append(out, tokens[i]...)
		}
	}

	return out
}

func splitOnAny(data []byte, delims []byte) [][]byte {
	isDelim := func(b byte) bool {
		for _, d := range delims {
			if b == d {
				return true
			}
		}
		return false
	}

	var tokens [][]byte
	start := 0
	for i, b := range data {
		if isDelim(b) {
			tokens = append(tokens, data[start:i+1])
			start = i + 1
		}
	}
	if start < len(data) {
		tokens = append(tokens, data[start:])
	}
	return tokens
}
