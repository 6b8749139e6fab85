// Copyright 2016-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Package worker wires one VM instance's executor and coverage map into a
// fuzzing loop: select an input from the corpus, mutate it, run it, decide
// whether the result earns a spot in the corpus or the objectives
// directory.
package worker

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sandia-minimega/kfuzz/internal/covmap"
	"github.com/sandia-minimega/kfuzz/internal/executor"
	"github.com/sandia-minimega/kfuzz/pkg/minilog"
)

// Mutator produces a new input derived from seed. Implementations are free
// to ignore seed and generate from scratch; the worker treats it as an
// opaque black box, per the out-of-scope mutation-engine boundary.
type Mutator interface {
	Mutate(seed []byte, r *rand.Rand) []byte
}

// Feedback decides whether an iteration's result is interesting enough to
// keep. It composes novelty-acceptance with outcome rejection: a Crash or
// Timeout never earns a corpus slot through Feedback (those are recorded
// as objectives instead), and an Ok run is accepted only if it found new
// coverage.
type Feedback struct{}

// Accept reports whether outcome/novelties together justify adding the
// input that produced them to the corpus.
func (Feedback) Accept(outcome executor.Outcome, novelties []int) bool {
	return outcome == executor.Ok && len(novelties) > 0
}

// ringSize is the number of recent step summaries kept in a Worker's Ring,
// enough to cover the iterations leading up to a crash without growing
// unbounded over a long fuzzing run.
const ringSize = 200

// Worker binds one executor, one coverage map, and on-disk corpus and
// objectives directories into a single fuzzing loop. One Worker's Step is
// driven by exactly one goroutine; corpusMu exists solely to serialize that
// goroutine's corpus reads against worker 0's DirWatcher, which appends
// discovered files from a separate goroutine. No other state here is
// shared across goroutines.
type Worker struct {
	ID        int
	Exec      *executor.Executor
	Cov       *covmap.Map
	Mutator   Mutator
	Feedback  Feedback
	CorpusDir string
	Objective string

	// Ring holds a tail of recent step summaries, dumped alongside a saved
	// crash/timeout objective so a report includes the lead-up without
	// re-reading log files.
	Ring *minilog.Ring

	rand *rand.Rand

	corpusMu sync.Mutex
	corpus   [][]byte
}

// New constructs a Worker rooted at corpusDir/<id> for its own corpus and
// objectiveDir for crash/timeout artifacts, creating both if needed, and
// seeds the corpus from the files in initialCorpus.
func New(id int, exec *executor.Executor, cov *covmap.Map, mutator Mutator, corpusDir, objectiveDir string, seed int64, initialCorpus []string) (*Worker, error) {
	myCorpus := filepath.Join(corpusDir, fmt.Sprintf("%d", id))
	if err := os.MkdirAll(myCorpus, 0755); err != nil {
		return nil, fmt.Errorf("worker %d: creating corpus dir %s: %w", id, myCorpus, err)
	}
	if err := os.MkdirAll(objectiveDir, 0755); err != nil {
		return nil, fmt.Errorf("worker %d: creating objectives dir %s: %w", id, objectiveDir, err)
	}

	w := &Worker{
		ID:        id,
		Exec:      exec,
		Cov:       cov,
		Mutator:   mutator,
		CorpusDir: myCorpus,
		Objective: objectiveDir,
		Ring:      minilog.NewRing(ringSize),
		rand:      rand.New(rand.NewSource(seed)),
	}

	for _, path := range initialCorpus {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("worker %d: reading initial corpus file %s: %w", id, path, err)
		}
		w.corpus = append(w.corpus, data)
	}
	if len(w.corpus) == 0 {
		w.corpus = append(w.corpus, []byte{})
	}

	return w, nil
}

// Step runs one fuzzing iteration: pick a seed, mutate it, run it through
// the executor, observe the coverage map, then restore the snapshot and
// file the result. The coverage map must be read before the snapshot is
// restored, so PostExec runs between Run and Restore, never after. It
// returns the outcome produced, for callers that want to track statistics.
func (w *Worker) Step() (executor.Outcome, error) {
	w.corpusMu.Lock()
	seed := w.corpus[w.rand.Intn(len(w.corpus))]
	w.corpusMu.Unlock()

	input := w.Mutator.Mutate(seed, w.rand)

	w.Cov.PreExec()
	outcome, err := w.Exec.Run(input)
	if err != nil {
		return outcome, fmt.Errorf("worker %d: run: %w", w.ID, err)
	}
	novelties := w.Cov.PostExec()

	if err := w.Exec.Restore(); err != nil {
		return outcome, fmt.Errorf("worker %d: restore: %w", w.ID, err)
	}

	w.Ring.Println(fmt.Sprintf("worker %d: outcome=%v input=%dB novelties=%d", w.ID, outcome, len(input), len(novelties)))

	switch outcome {
	case executor.Crash, executor.Timeout:
		if err := w.saveObjective(input, outcome); err != nil {
			minilog.Error("worker %d: saving objective: %v", w.ID, err)
		}
	default:
		if w.Feedback.Accept(outcome, novelties) {
			if err := w.saveCorpusEntry(input); err != nil {
				minilog.Error("worker %d: saving corpus entry: %v", w.ID, err)
			}
			w.AddToCorpus(input)
		}
	}

	return outcome, nil
}

func (w *Worker) saveCorpusEntry(input []byte) error {
	name := fmt.Sprintf("id-%06d", w.CorpusLen())
	return os.WriteFile(filepath.Join(w.CorpusDir, name), input, 0644)
}

func (w *Worker) saveObjective(input []byte, outcome executor.Outcome) error {
	name := fmt.Sprintf("%s-worker%d-%06d", outcome, w.ID, w.rand.Int31())
	if err := os.WriteFile(filepath.Join(w.Objective, name), input, 0644); err != nil {
		return err
	}

	log := strings.Join(w.Ring.Dump(), "")
	return os.WriteFile(filepath.Join(w.Objective, name+".log"), []byte(log), 0644)
}

// AddToCorpus is exposed for DirWatcher, which feeds worker 0 files
// discovered in its monitored directory.
func (w *Worker) AddToCorpus(input []byte) {
	w.corpusMu.Lock()
	defer w.corpusMu.Unlock()
	w.corpus = append(w.corpus, input)
}

// CorpusLen reports how many inputs are currently in this worker's
// in-memory corpus, for monitoring and tests.
func (w *Worker) CorpusLen() int {
	w.corpusMu.Lock()
	defer w.corpusMu.Unlock()
	return len(w.corpus)
}
