// Package worker defines the worker invocation protocol: the enumerated
// pipeline, what each worker declares it reads and writes, the staging area
// its outputs land in, and the built-in reference workers.
package worker

import (
	"context"
	"fmt"
	"path"
	"slices"
	"sort"
	"strings"

	"github.com/jorge-barreto/docpipe/internal/domain"
	"github.com/jorge-barreto/docpipe/internal/errs"
)

// ID identifies a worker.
type ID string

const (
	RepoScout       ID = "repo_scout"
	FactsBuilder    ID = "facts_builder"
	IAPlanner       ID = "ia_planner"
	SectionWriter   ID = "section_writer"
	ContentReviewer ID = "content_reviewer"
	Publisher       ID = "publisher"
	Fixer           ID = "fixer"
)

// Pipeline is the static execution order.
var Pipeline = []ID{RepoScout, FactsBuilder, IAPlanner, SectionWriter, ContentReviewer, Publisher}

// All returns the pipeline ids followed by the fixer.
func All() []ID {
	return append(slices.Clone(Pipeline), Fixer)
}

// Valid reports whether id is a known worker.
func (id ID) Valid() bool {
	return slices.Contains(All(), id)
}

// Spec declares a worker's inputs and outputs. Inputs are artifact index
// names; a name ending in "/*" selects every artifact under that prefix and
// may match nothing. Outputs are run-relative paths or path.Match patterns;
// every literal output is required.
type Spec struct {
	ID      ID
	Inputs  []string
	Outputs []string
	UsesLLM bool
}

// Declares reports whether rel matches one of the declared outputs.
func (s Spec) Declares(rel string) bool {
	for _, o := range s.Outputs {
		if o == rel {
			return true
		}
		if ok, _ := path.Match(o, rel); ok {
			return true
		}
	}
	return false
}

// Required returns the literal outputs.
func (s Spec) Required() []string {
	var out []string
	for _, o := range s.Outputs {
		if !strings.ContainsAny(o, "*?[") {
			out = append(out, o)
		}
	}
	return out
}

// Output is what a worker reports besides its files. Log is written to
// the attempt's log file after scrubbing.
type Output struct {
	Issues []domain.Issue
	Log    []byte
}

// Worker is one pipeline stage. Run writes only through inv.Stage.
type Worker interface {
	Spec() Spec
	Run(ctx context.Context, inv *Invocation) (*Output, error)
}

// SelectInputs returns the subset of index the spec declares as inputs.
func SelectInputs(spec Spec, index map[string]domain.ArtifactEntry) (map[string]domain.ArtifactEntry, error) {
	out := make(map[string]domain.ArtifactEntry)
	for _, in := range spec.Inputs {
		if prefix, ok := strings.CutSuffix(in, "/*"); ok {
			for name, e := range index {
				if strings.HasPrefix(name, prefix+"/") {
					out[name] = e
				}
			}
			continue
		}
		e, ok := index[in]
		if !ok {
			return nil, errs.New(errs.KindWorker, errs.CodeWorkerInputMissing, "%s: input %q is not in the artifact index", spec.ID, in).
				WithFix("run the workers that produce " + in + " first")
		}
		out[in] = e
	}
	return out, nil
}

// Registry maps every worker id to exactly one handler.
type Registry struct {
	workers map[ID]Worker
}

// NewRegistry validates that ws covers every id in All exactly once and
// names no unknown id.
func NewRegistry(ws ...Worker) (*Registry, error) {
	r := &Registry{workers: make(map[ID]Worker, len(ws))}
	for _, w := range ws {
		id := w.Spec().ID
		if !id.Valid() {
			return nil, errs.New(errs.KindConfig, errs.CodeWorkerUnknown, "unknown worker %q", id)
		}
		if _, dup := r.workers[id]; dup {
			return nil, errs.New(errs.KindInternal, errs.CodeInternal, "worker %q registered twice", id)
		}
		r.workers[id] = w
	}
	var missing []string
	for _, id := range All() {
		if _, ok := r.workers[id]; !ok {
			missing = append(missing, string(id))
		}
	}
	if len(missing) > 0 {
		return nil, errs.New(errs.KindInternal, errs.CodeInternal, "no handler for workers: %s", strings.Join(missing, ", "))
	}
	return r, nil
}

// Get returns the handler for id.
func (r *Registry) Get(id ID) (Worker, error) {
	w, ok := r.workers[id]
	if !ok {
		return nil, errs.New(errs.KindConfig, errs.CodeWorkerUnknown, "unknown worker %q", id)
	}
	return w, nil
}

// Specs returns the specs of every registered worker in All order.
func (r *Registry) Specs() []Spec {
	out := make([]Spec, 0, len(r.workers))
	for _, id := range All() {
		out = append(out, r.workers[id].Spec())
	}
	return out
}

// Builtins returns the reference implementation of every worker.
func Builtins() []Worker {
	return []Worker{
		&repoScout{},
		&factsBuilder{},
		&iaPlanner{},
		&sectionWriter{},
		&contentReviewer{},
		&publisher{},
		&fixer{},
	}
}

// WithOverrides replaces the built-in handlers named in external with
// command workers. Unknown ids are a configuration error.
func WithOverrides(ws []Worker, external map[string]string, run CommandRunner) ([]Worker, error) {
	ids := make([]string, 0, len(external))
	for id := range external {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := slices.Clone(ws)
	for _, id := range ids {
		idx := slices.IndexFunc(out, func(w Worker) bool { return string(w.Spec().ID) == id })
		if idx < 0 {
			return nil, errs.New(errs.KindConfig, errs.CodeWorkerUnknown, "config: workers.external: unknown worker %q", id).
				WithFix(fmt.Sprintf("use one of %v", All()))
		}
		out[idx] = NewExternal(out[idx].Spec(), external[id], run)
	}
	return out, nil
}
