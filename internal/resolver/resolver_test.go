package resolver

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legal-doc-processor/backend/internal/storage/models"
)

func newResolver(t *testing.T, cfg Config) *Resolver {
	t.Helper()
	r, err := New(cfg)
	require.NoError(t, err)
	return r
}

func scenarioMentions() []Mention {
	return []Mention{
		{Ref: "m01", Text: "Acme Corp", Type: models.EntityOrganization, Confidence: 0.6},
		{Ref: "m02", Text: "ACME Corp.", Type: models.EntityOrganization, Confidence: 0.9},
		{Ref: "m03", Text: "acme  corp", Type: models.EntityOrganization, Confidence: 0.7},
		{Ref: "m04", Text: "Globex Inc", Type: models.EntityOrganization, Confidence: 0.8},
		{Ref: "m05", Text: "John Smith", Type: models.EntityPerson, Confidence: 0.95},
		{Ref: "m06", Text: "Jane Doe", Type: models.EntityPerson, Confidence: 0.9},
		{Ref: "m07", Text: "Berlin", Type: models.EntityLocation, Confidence: 0.8},
		{Ref: "m08", Text: "Paris", Type: models.EntityLocation, Confidence: 0.85},
		{Ref: "m09", Text: "2023-01-05", Type: models.EntityDate, Confidence: 0.99},
		{Ref: "m10", Text: "January 5, 2023", Type: models.EntityDate, Confidence: 0.7},
	}
}

func TestResolveScenario(t *testing.T) {
	r := newResolver(t, DefaultConfig())

	res := r.Resolve(scenarioMentions())
	require.Len(t, res.Entities, 8)
	require.Len(t, res.Assignments, 10)

	acme := res.Entities[res.Assignments["m01"]]
	assert.Equal(t, "ACME Corp.", acme.Name)
	assert.Equal(t, models.EntityOrganization, acme.Type)
	assert.Equal(t, []string{"m01", "m02", "m03"}, acme.Members)
	assert.Equal(t, res.Assignments["m01"], res.Assignments["m02"])
	assert.Equal(t, res.Assignments["m01"], res.Assignments["m03"])
}

func TestResolveIsOrderIndependent(t *testing.T) {
	r := newResolver(t, DefaultConfig())
	mentions := append(scenarioMentions(),
		Mention{Ref: "m11", Text: "Jon Smith", Type: models.EntityPerson, Confidence: 0.5},
		Mention{Ref: "m12", Text: "Acme Corp", Type: models.EntityOrganization, Confidence: 0.9},
	)
	want := r.Resolve(mentions)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 25; i++ {
		shuffled := append([]Mention(nil), mentions...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		assert.Equal(t, want, r.Resolve(shuffled), "shuffle %d", i)
	}
}

func TestResolveMergesSimilarNames(t *testing.T) {
	r := newResolver(t, DefaultConfig())

	res := r.Resolve([]Mention{
		{Ref: "a", Text: "John Smith", Type: models.EntityPerson, Confidence: 0.8},
		{Ref: "b", Text: "Jon Smith", Type: models.EntityPerson, Confidence: 0.6},
		{Ref: "c", Text: "Jon Smith", Type: models.EntityLocation, Confidence: 0.6},
	})

	require.Len(t, res.Entities, 2)
	assert.Equal(t, res.Assignments["a"], res.Assignments["b"])
	assert.NotEqual(t, res.Assignments["a"], res.Assignments["c"])
	assert.Equal(t, "John Smith", res.Entities[res.Assignments["a"]].Name)
}

func TestResolveRespectsMaxClusterSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxClusterSize = 2
	r := newResolver(t, cfg)

	res := r.Resolve([]Mention{
		{Ref: "a", Text: "John Smith", Type: models.EntityPerson, Confidence: 0.8},
		{Ref: "b", Text: "john smith", Type: models.EntityPerson, Confidence: 0.7},
		{Ref: "c", Text: "Jon Smith", Type: models.EntityPerson, Confidence: 0.6},
	})

	require.Len(t, res.Entities, 2)
	assert.Equal(t, res.Assignments["a"], res.Assignments["b"])
	assert.NotEqual(t, res.Assignments["a"], res.Assignments["c"])
}

func TestCanonicalNameTieBreaks(t *testing.T) {
	r := newResolver(t, DefaultConfig())

	res := r.Resolve([]Mention{
		{Ref: "a", Text: "Acme Corp", Type: models.EntityOrganization, Confidence: 0.8},
		{Ref: "b", Text: "ACME Corp.", Type: models.EntityOrganization, Confidence: 0.8},
	})
	require.Len(t, res.Entities, 1)
	assert.Equal(t, "ACME Corp.", res.Entities[0].Name, "longer text wins on equal confidence")

	res = r.Resolve([]Mention{
		{Ref: "a", Text: "Acme Corp", Type: models.EntityOrganization, Confidence: 0.8},
		{Ref: "b", Text: "ACME CORP", Type: models.EntityOrganization, Confidence: 0.8},
	})
	require.Len(t, res.Entities, 1)
	assert.Equal(t, "ACME CORP", res.Entities[0].Name, "lexicographic order breaks remaining ties")
}

func TestResolveTokenJaccard(t *testing.T) {
	r := newResolver(t, Config{Threshold: 0.9, Metric: MetricTokenJaccard})

	res := r.Resolve([]Mention{
		{Ref: "a", Text: "Smith, John", Type: models.EntityPerson, Confidence: 0.8},
		{Ref: "b", Text: "John Smith", Type: models.EntityPerson, Confidence: 0.9},
		{Ref: "c", Text: "John Smithers", Type: models.EntityPerson, Confidence: 0.9},
	})

	require.Len(t, res.Entities, 2)
	assert.Equal(t, res.Assignments["a"], res.Assignments["b"])
	assert.Equal(t, "John Smith", res.Entities[res.Assignments["a"]].Name)
}

func TestResolveEmpty(t *testing.T) {
	r := newResolver(t, DefaultConfig())
	res := r.Resolve(nil)
	assert.Empty(t, res.Entities)
	assert.Empty(t, res.Assignments)
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{Threshold: 0})
	assert.Error(t, err)
	_, err = New(Config{Threshold: 0.9, MaxClusterSize: -1})
	assert.Error(t, err)
	_, err = New(Config{Threshold: 0.9, Metric: "cosine"})
	assert.Error(t, err)
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"ACME Corp.", "acme corp"},
		{"  Acme\t\tCorp  ", "acme corp"},
		{"O'Brien & Sons, LLC", "o brien sons llc"},
		{"Straße", "straße"},
		{"...", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestSimilarityMetrics(t *testing.T) {
	assert.InDelta(t, 0.9, MetricLevenshtein.Similarity("john smith", "jon smith"), 1e-9)
	assert.Equal(t, 1.0, MetricTokenJaccard.Similarity("smith john", "john smith"))
	assert.Greater(t, MetricJaroWinkler.Similarity("john smith", "jon smith"), 0.9)
	assert.Equal(t, 0.0, MetricLevenshtein.Similarity("", "x"))

	for _, m := range []Metric{MetricLevenshtein, MetricJaroWinkler, MetricTokenJaccard} {
		t.Run(fmt.Sprint(m), func(t *testing.T) {
			assert.Equal(t, 1.0, m.Similarity("acme", "acme"))
		})
	}
}
