package definition

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/pitabwire/stageflow/model"
)

// snapshot is an immutable view of the loaded definitions.
type snapshot struct {
	workflows  map[model.StagePair]model.StageTransitionWorkflow
	templates  map[string]model.TaskTemplate
	order      []string // template ids in declaration order
	byCategory map[string][]string
	checksum   string
}

// Registry is a read-optimized, thread-safe store of the transition table and
// template catalog. It uses atomic pointer swap for lock-free concurrent reads.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from the given documents.
func NewRegistry(docs []Document) *Registry {
	r := &Registry{}
	r.Replace(docs)
	return r
}

// Replace atomically swaps the registry contents. Later documents override
// earlier ones: a transition replaces the one with the same stage pair and a
// template replaces the one with the same id.
func (r *Registry) Replace(docs []Document) {
	s := &snapshot{
		workflows:  make(map[model.StagePair]model.StageTransitionWorkflow),
		templates:  make(map[string]model.TaskTemplate),
		byCategory: make(map[string][]string),
	}

	var checksumParts []string
	for _, doc := range docs {
		checksumParts = append(checksumParts, doc.Checksum)
		for _, spec := range doc.Transitions {
			s.workflows[spec.Pair()] = spec.Workflow()
		}
		for _, tpl := range doc.Templates {
			if _, exists := s.templates[tpl.ID]; !exists {
				s.order = append(s.order, tpl.ID)
			}
			s.templates[tpl.ID] = tpl
		}
	}
	for _, id := range s.order {
		cat := s.templates[id].Category
		s.byCategory[cat] = append(s.byCategory[cat], id)
	}

	combined := strings.Join(checksumParts, ":")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))

	r.snap.Store(s)
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// Workflow returns the rules for the stage pair. Unknown pairs resolve to an
// empty workflow: no required tasks, no checks, no actions.
func (r *Registry) Workflow(from, to model.PipelineStage) model.StageTransitionWorkflow {
	pair := model.StagePair{From: from, To: to}
	if w, ok := r.current().workflows[pair]; ok {
		return w
	}
	return model.StageTransitionWorkflow{Pair: pair}
}

// Pairs returns every configured stage pair in pipeline order.
func (r *Registry) Pairs() []model.StagePair {
	s := r.current()
	pairs := make([]model.StagePair, 0, len(s.workflows))
	for p := range s.workflows {
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].From != pairs[j].From {
			return pairs[i].From.Index() < pairs[j].From.Index()
		}
		return pairs[i].To.Index() < pairs[j].To.Index()
	})
	return pairs
}

// Template returns the template with the given id.
func (r *Registry) Template(id string) (model.TaskTemplate, bool) {
	t, ok := r.current().templates[id]
	return t, ok
}

// Templates resolves names to templates. A name matches a template id first
// and a category otherwise; unknown names contribute nothing. The result has
// no duplicates and is ordered so every template follows the templates of the
// same result it depends on.
func (r *Registry) Templates(names []string) []model.TaskTemplate {
	s := r.current()
	var ids []string
	seen := make(map[string]bool)
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, name := range names {
		if _, ok := s.templates[name]; ok {
			add(name)
			continue
		}
		for _, id := range s.byCategory[name] {
			add(id)
		}
	}
	return s.orderByDependencies(ids)
}

// TemplatesForStage returns the templates declared for a stage, in dependency order.
func (r *Registry) TemplatesForStage(stage model.PipelineStage) []model.TaskTemplate {
	s := r.current()
	var ids []string
	for _, id := range s.order {
		if s.templates[id].Stage == stage {
			ids = append(ids, id)
		}
	}
	return s.orderByDependencies(ids)
}

// orderByDependencies performs a depth-first topological sort restricted to
// ids. Dependencies outside the set are ignored; cycles are broken at the
// first revisit.
func (s *snapshot) orderByDependencies(ids []string) []model.TaskTemplate {
	inSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		inSet[id] = true
	}
	visited := make(map[string]bool, len(ids))
	out := make([]model.TaskTemplate, 0, len(ids))

	var visit func(id string)
	visit = func(id string) {
		if visited[id] || !inSet[id] {
			return
		}
		visited[id] = true
		tpl := s.templates[id]
		for _, dep := range tpl.DependencyTemplates {
			visit(dep)
		}
		out = append(out, tpl)
	}
	for _, id := range ids {
		visit(id)
	}
	return out
}

// Checksum returns the combined checksum of all loaded documents.
func (r *Registry) Checksum() string {
	return r.current().checksum
}

// Stats returns the number of transitions and templates currently loaded.
func (r *Registry) Stats() (transitions, templates int) {
	s := r.current()
	return len(s.workflows), len(s.templates)
}
