// Copyright 2016-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Package trace reads the PC-trace shape of a coverage map (see package
// covmap) and, with an optional symbols table, resolves each program
// counter to file:function:line for fault-localization mode.
package trace

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	frameEnter = 0xDEADBEEF
	frameExit  = 0xBEEFDEAD
)

// Line is one resolved stack frame entry.
type Line struct {
	PC       uint64
	File     string
	Function string
	LineNo   int
}

func (l Line) String() string {
	if l.File == "" {
		return fmt.Sprintf("0x%x", l.PC)
	}
	return fmt.Sprintf("%s:%s:%d", l.File, l.Function, l.LineNo)
}

// Symbols is a PC to (file, function, line) lookup, loaded from a flat
// text table: one "0xADDR file function line" record per line.
type Symbols struct {
	byPC map[uint64]Line
}

// LoadSymbols parses a symbols file. Malformed lines are skipped rather
// than treated as fatal, since a partially-symbolised trace is still more
// useful than none.
func LoadSymbols(r io.Reader) (*Symbols, error) {
	s := &Symbols{byPC: make(map[uint64]Line)}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 {
			continue
		}

		pc, err := strconv.ParseUint(strings.TrimPrefix(fields[0], "0x"), 16, 64)
		if err != nil {
			continue
		}
		lineNo, err := strconv.Atoi(fields[3])
		if err != nil {
			continue
		}

		s.byPC[pc] = Line{PC: pc, File: fields[1], Function: fields[2], LineNo: lineNo}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return s, nil
}

// Resolve looks up pc, returning an unresolved Line (file/function empty)
// if it is not present in the table.
func (s *Symbols) Resolve(pc uint64) Line {
	if s == nil {
		return Line{PC: pc}
	}
	if l, ok := s.byPC[pc]; ok {
		return l
	}
	return Line{PC: pc}
}

// Reader walks the PC-trace shape of a shared-memory coverage region: a
// stack-bounded frame trace written from the high end downward, where
// frameEnter/frameExit sentinels delimit call frames.
type Reader struct {
	region  []byte // shared-memory bytes, len a multiple of 8
	symbols *Symbols
}

// NewReader wraps region for trace walking. symbols may be nil, in which
// case Walk returns unresolved Lines carrying only the raw PC.
func NewReader(region []byte, symbols *Symbols) *Reader {
	return &Reader{region: region, symbols: symbols}
}

func (r *Reader) word(i int) uint64 {
	return binary.LittleEndian.Uint64(r.region[i*8 : i*8+8])
}

// Walk scans the map from the high end toward the low end, maintaining a
// signed frame-depth counter. On frameEnter it increments, on frameExit it
// decrements. If depth goes negative, the pass aborts, the starting depth
// is raised by one, and the walk restarts from the high end — this
// tolerates traces whose outermost frame exit was never recorded. Words
// observed while depth > 0 and non-zero are emitted as PCs in high-to-low
// order.
func (r *Reader) Walk() []Line {
	words := len(r.region) / 8

	startDepth := 0
	for {
		lines, unbalanced := r.walkOnce(words, startDepth)
		if !unbalanced {
			return lines
		}
		startDepth++
	}
}

// walkOnce performs one high-to-low pass starting at the given frame
// depth. unbalanced is true if depth went negative mid-pass, meaning the
// caller should retry with a higher starting depth.
func (r *Reader) walkOnce(words, startDepth int) (lines []Line, unbalanced bool) {
	depth := startDepth

	for i := 0; i < words; i++ {
		idx := words - 1 - i
		w := r.word(idx)

		switch w {
		case frameEnter:
			depth++
		case frameExit:
			depth--
			if depth < 0 {
				return nil, true
			}
		default:
			if depth > 0 && w != 0 {
				lines = append(lines, r.symbols.Resolve(w))
			}
		}
	}

	return lines, false
}
