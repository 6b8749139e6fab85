// Copyright 2016-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Package covmap interprets a shared-memory region written by the guest
// kernel probe as a coverage map and reports novelty against a host-side
// shadow. It does not reason about coverage semantics; it only records
// "greater than previously observed".
package covmap

import (
	"encoding/binary"
	"sync"
)

// Shape selects how the guest convention for this map should be read.
// Bitmap maps carry hash-modulo edge counters; PCTrace maps carry a
// stack-bounded frame trace written from the high end downward (see
// package trace). The spec historically infers this from whether a symbols
// file was configured; we keep it as an explicit value instead (see
// DESIGN.md Open Question 2).
type Shape int

const (
	Bitmap Shape = iota
	PCTrace
)

// Map is a contiguous region of shared memory interpreted as a sequence of
// 64-bit unsigned words, plus a host-side shadow of the same length used to
// compute novelty.
//
// Concurrency contract: at most one worker accesses a Map's region at a
// time. Guest writes happen while the host is blocked in guestio.Recv;
// the host only calls PostExec after that Recv returns, which is sufficient
// ordering — no additional synchronization is required within the core.
type Map struct {
	region []byte // raw shared-memory bytes, len() is a multiple of 8
	shadow []uint64
	name   string
	shape  Shape

	mu        sync.Mutex
	novelties []int
}

// New wraps region (the shared-memory bytes backing this map) as a
// coverage map named name. len(region) must be a multiple of 8.
func New(region []byte, name string, shape Shape) *Map {
	words := len(region) / 8
	return &Map{
		region: region,
		shadow: make([]uint64, words),
		name:   name,
		shape:  shape,
	}
}

// Name is the stable identifier the outer feedback engine uses for
// persistence keying.
func (m *Map) Name() string { return m.name }

// Shape reports which guest convention this map follows.
func (m *Map) Shape() Shape { return m.shape }

// Len returns the number of 64-bit words in the map.
func (m *Map) Len() int { return len(m.shadow) }

// word reads the i'th 64-bit word of the shared region.
func (m *Map) word(i int) uint64 {
	return binary.LittleEndian.Uint64(m.region[i*8 : i*8+8])
}

// PreExec resets the shared region to zero. The guest probe accumulates
// into it during the iteration that follows.
func (m *Map) PreExec() {
	for i := range m.region {
		m.region[i] = 0
	}
}

// PostExec scans the region; for each word whose current value strictly
// exceeds the shadow's recorded maximum, the shadow is updated and the
// index is recorded as a novelty. It returns the novelty indices found on
// this call (also available afterward via Novelties, until the next
// PostExec).
func (m *Map) PostExec() []int {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.novelties = m.novelties[:0]

	for i := 0; i < len(m.shadow); i++ {
		v := m.word(i)
		if v > m.shadow[i] {
			m.shadow[i] = v
			m.novelties = append(m.novelties, i)
		}
	}

	return append([]int(nil), m.novelties...)
}

// Novelties returns the novelty indices recorded by the most recent
// PostExec call.
func (m *Map) Novelties() []int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]int(nil), m.novelties...)
}

// Shadow returns a copy of the host-side shadow map, word-wise, for
// inspection (tests, debugging dumps).
func (m *Map) Shadow() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]uint64(nil), m.shadow...)
}
