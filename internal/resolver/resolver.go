// Package resolver clusters entity mentions into canonical entities.
//
// Mentions are first grouped by type and normalized text. Groups of the same
// type whose normalized names are similar enough are then merged greedily,
// most similar pair first, through a union-find bounded by a maximum cluster
// size. The result depends only on the set of mentions, not their order.
package resolver

import (
	"fmt"
	"sort"
	"unicode/utf8"

	"github.com/legal-doc-processor/backend/internal/storage/models"
)

const (
	DefaultThreshold      = 0.85
	DefaultMaxClusterSize = 50
)

type Config struct {
	Threshold float64
	Metric    Metric
	// MaxClusterSize caps the mention count of a merged cluster. Zero means unlimited.
	MaxClusterSize int
}

func DefaultConfig() Config {
	return Config{
		Threshold:      DefaultThreshold,
		Metric:         MetricLevenshtein,
		MaxClusterSize: DefaultMaxClusterSize,
	}
}

// Mention is the resolver's view of an entity mention. Ref identifies the
// mention to the caller and is echoed back in the assignment.
type Mention struct {
	Ref        string            `json:"ref"`
	Text       string            `json:"text"`
	Type       models.EntityType `json:"type"`
	Confidence float64           `json:"confidence"`
}

type Entity struct {
	Name    string            `json:"name"`
	Type    models.EntityType `json:"type"`
	Members []string          `json:"members"`
}

type Result struct {
	Entities []Entity `json:"entities"`
	// Assignments maps a mention Ref to its index in Entities.
	Assignments map[string]int `json:"assignments"`
}

type Resolver struct {
	cfg Config
}

func New(cfg Config) (*Resolver, error) {
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		return nil, fmt.Errorf("similarity threshold must be in (0,1], got %v", cfg.Threshold)
	}
	if cfg.MaxClusterSize < 0 {
		return nil, fmt.Errorf("max cluster size must not be negative, got %d", cfg.MaxClusterSize)
	}
	if cfg.Metric == "" {
		cfg.Metric = MetricLevenshtein
	}
	if _, err := ParseMetric(string(cfg.Metric)); err != nil {
		return nil, err
	}
	return &Resolver{cfg: cfg}, nil
}

type group struct {
	typ     models.EntityType
	norm    string
	members []Mention
}

type candidate struct {
	a, b       int
	similarity float64
}

func (r *Resolver) Resolve(mentions []Mention) Result {
	sorted := make([]Mention, len(mentions))
	copy(sorted, mentions)
	norms := make(map[string]string, len(sorted))
	for _, m := range sorted {
		norms[m.Text] = Normalize(m.Text)
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		if na, nb := norms[a.Text], norms[b.Text]; na != nb {
			return na < nb
		}
		if a.Text != b.Text {
			return a.Text < b.Text
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		return a.Ref < b.Ref
	})

	var groups []group
	for _, m := range sorted {
		norm := norms[m.Text]
		if n := len(groups); n > 0 && groups[n-1].typ == m.Type && groups[n-1].norm == norm {
			groups[n-1].members = append(groups[n-1].members, m)
			continue
		}
		groups = append(groups, group{typ: m.Type, norm: norm, members: []Mention{m}})
	}

	uf := newUnionFind(groups)
	for _, c := range r.candidates(groups) {
		uf.union(c.a, c.b, r.cfg.MaxClusterSize)
	}

	clusters := make(map[int][]Mention)
	var roots []int
	for i, g := range groups {
		root := uf.find(i)
		if _, ok := clusters[root]; !ok {
			roots = append(roots, root)
		}
		clusters[root] = append(clusters[root], g.members...)
	}

	entities := make([]Entity, 0, len(roots))
	for _, root := range roots {
		members := clusters[root]
		best := members[0]
		refs := make([]string, 0, len(members))
		for _, m := range members {
			if outranks(m, best) {
				best = m
			}
			refs = append(refs, m.Ref)
		}
		sort.Strings(refs)
		entities = append(entities, Entity{Name: best.Text, Type: best.Type, Members: refs})
	}

	sort.Slice(entities, func(i, j int) bool {
		a, b := entities[i], entities[j]
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.Members[0] < b.Members[0]
	})

	assignments := make(map[string]int, len(mentions))
	for i, e := range entities {
		for _, ref := range e.Members {
			assignments[ref] = i
		}
	}
	return Result{Entities: entities, Assignments: assignments}
}

// candidates lists same-type group pairs at or above the threshold, most
// similar first. Ties keep group order, which is itself sorted.
func (r *Resolver) candidates(groups []group) []candidate {
	var out []candidate
	for i := 0; i < len(groups); i++ {
		for j := i + 1; j < len(groups) && groups[j].typ == groups[i].typ; j++ {
			sim := r.cfg.Metric.Similarity(groups[i].norm, groups[j].norm)
			if sim >= r.cfg.Threshold {
				out = append(out, candidate{a: i, b: j, similarity: sim})
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].similarity > out[j].similarity
	})
	return out
}

// outranks reports whether m is a better canonical name source than cur:
// higher confidence, then longer text, then lexicographically smaller text.
func outranks(m, cur Mention) bool {
	if m.Confidence != cur.Confidence {
		return m.Confidence > cur.Confidence
	}
	lm, lc := utf8.RuneCountInString(m.Text), utf8.RuneCountInString(cur.Text)
	if lm != lc {
		return lm > lc
	}
	return m.Text < cur.Text
}

type unionFind struct {
	parent []int
	size   []int
}

func newUnionFind(groups []group) *unionFind {
	uf := &unionFind{parent: make([]int, len(groups)), size: make([]int, len(groups))}
	for i, g := range groups {
		uf.parent[i] = i
		uf.size[i] = len(g.members)
	}
	return uf
}

func (uf *unionFind) find(i int) int {
	for uf.parent[i] != i {
		uf.parent[i] = uf.parent[uf.parent[i]]
		i = uf.parent[i]
	}
	return i
}

func (uf *unionFind) union(a, b, maxSize int) bool {
	ra, rb := uf.find(a), uf.find(b)
	if ra == rb {
		return false
	}
	if maxSize > 0 && uf.size[ra]+uf.size[rb] > maxSize {
		return false
	}
	// Lower index stays root.
	if rb < ra {
		ra, rb = rb, ra
	}
	uf.parent[rb] = ra
	uf.size[ra] += uf.size[rb]
	return true
}
