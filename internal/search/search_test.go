package search

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knoguchi/syllabus/internal/corpus"
	"github.com/knoguchi/syllabus/internal/vectorstore"
)

type fixture struct {
	store *corpus.Store
	index *vectorstore.FlatIndex
}

// newFixture builds the three-course corpus: A has 3 chunks, B and C one each.
func newFixture(t *testing.T) fixture {
	t.Helper()

	chunks := []corpus.Chunk{
		{Text: "a0", Metadata: corpus.Metadata{"course_id": "A", "department": "Law", "schedule": "月1"}},
		{Text: "a1", Metadata: corpus.Metadata{"course_id": "A", "department": "Law", "schedule": "月1"}},
		{Text: "b0", Metadata: corpus.Metadata{"course_id": "B", "department": "Letters", "schedule": "火2,木3"}},
		{Text: "a2", Metadata: corpus.Metadata{"course_id": "A", "department": "Law", "schedule": "月1"}},
		{Text: "c0", Metadata: corpus.Metadata{"course_id": "C", "department": "Science"}},
	}
	store, err := corpus.NewStore(chunks)
	require.NoError(t, err)

	index, err := vectorstore.Build([][]float32{
		{0, 0}, {0.1, 0}, {0.2, 0}, {5, 5}, {9, 9},
	})
	require.NoError(t, err)

	return fixture{store: store, index: index}
}

func courses(cands []Candidate) []string {
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.Metadata.CourseID()
	}
	return out
}

func TestApply_EmptyFilterReturnsAll(t *testing.T) {
	fx := newFixture(t)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, Apply(Filter{}, fx.store))
}

func TestApply_FieldEquality(t *testing.T) {
	fx := newFixture(t)

	assert.Equal(t, []int{4}, Apply(Filter{Fields: map[string]string{"department": "Science"}}, fx.store))
	assert.Empty(t, Apply(Filter{Fields: map[string]string{"department": "Medicine"}}, fx.store))
	assert.Empty(t, Apply(Filter{Fields: map[string]string{"no_such_key": ""}}, fx.store))
}

func TestApply_SlotsAreSubstringOr(t *testing.T) {
	fx := newFixture(t)

	got := Apply(Filter{Slots: []string{"木3", "金5"}}, fx.store)
	assert.Equal(t, []int{2}, got)

	got = Apply(Filter{Slots: []string{"月1", "火2"}}, fx.store)
	assert.Equal(t, []int{0, 1, 2, 3}, got, "C has no schedule and must not match")
}

func TestApply_SoundAndComplete(t *testing.T) {
	fx := newFixture(t)
	filters := []Filter{
		{},
		{Fields: map[string]string{"department": "Law"}},
		{Fields: map[string]string{"department": "Law"}, Slots: []string{"火2"}},
		{Fields: map[string]string{"department": "Letters"}, Slots: []string{"火2"}},
		{Slots: []string{"1"}},
	}

	for _, f := range filters {
		got := Apply(f, fx.store)
		inResult := make(map[int]bool, len(got))
		for _, id := range got {
			inResult[id] = true
			assert.True(t, f.Matches(fx.store.Metadata(id)), "filter %s: id %d should match", f, id)
		}
		for id := 0; id < fx.store.Len(); id++ {
			if !inResult[id] && !f.IsEmpty() {
				assert.False(t, f.Matches(fx.store.Metadata(id)), "filter %s: id %d missing", f, id)
			}
		}
	}
}

func TestFilter_UnmarshalJSON(t *testing.T) {
	var f Filter
	require.NoError(t, json.Unmarshal([]byte(`{"department":"Science","year":2024,"required":true,"schedule":["月1","火2"]}`), &f))
	assert.Equal(t, map[string]string{"department": "Science", "year": "2024", "required": "true"}, f.Fields)
	assert.Equal(t, []string{"月1", "火2"}, f.Slots)

	require.NoError(t, json.Unmarshal([]byte(`{"schedule":"水3"}`), &f))
	assert.Nil(t, f.Fields)
	assert.Equal(t, []string{"水3"}, f.Slots)

	require.NoError(t, json.Unmarshal([]byte(`null`), &f))
	assert.True(t, f.IsEmpty())
}

func TestFilter_UnmarshalJSON_Invalid(t *testing.T) {
	cases := []string{
		`["department"]`,
		`{"department":{"name":"Science"}}`,
		`{"department":["Science"]}`,
		`{"schedule":[1,2]}`,
		`{"department":null}`,
	}
	for _, c := range cases {
		var f Filter
		err := json.Unmarshal([]byte(c), &f)
		assert.ErrorIs(t, err, ErrInvalidFilter, c)
	}
}

func TestFilter_MarshalJSON(t *testing.T) {
	f := Filter{Fields: map[string]string{"department": "Law"}, Slots: []string{"月1"}}
	data, err := json.Marshal(f)
	require.NoError(t, err)
	assert.JSONEq(t, `{"department":"Law","schedule":["月1"]}`, string(data))
}

func TestRetrieve_NeverTwoFromSameCourse(t *testing.T) {
	fx := newFixture(t)
	s := NewSearcher(fx.store, fx.index)

	got, err := s.Search(context.Background(), []float32{0, 0}, Filter{}, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, []string{"A", "B"}, courses(got))
	assert.Equal(t, 0, got[0].ChunkID, "nearest A chunk")
	assert.Equal(t, 2, got[1].ChunkID)
}

func TestRetrieve_DepartmentScience(t *testing.T) {
	fx := newFixture(t)
	s := NewSearcher(fx.store, fx.index)

	got, err := s.Search(context.Background(), []float32{0, 0}, Filter{Fields: map[string]string{"department": "Science"}}, 5)
	require.NoError(t, err)
	require.LessOrEqual(t, len(got), 1)
	require.Len(t, got, 1)
	assert.Equal(t, 4, got[0].ChunkID)
}

func TestRetrieve_TopKExceedsCourses(t *testing.T) {
	fx := newFixture(t)
	s := NewSearcher(fx.store, fx.index)

	got, err := s.Search(context.Background(), []float32{6, 6}, Filter{}, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.ElementsMatch(t, []string{"A", "B", "C"}, courses(got))
	for i := 1; i < len(got); i++ {
		assert.LessOrEqual(t, got[i-1].Distance, got[i].Distance)
	}
	assert.Equal(t, 3, got[0].ChunkID, "A's nearest chunk to (6,6) is a2")
}

func TestRetrieve_EmptyFilteredSet(t *testing.T) {
	fx := newFixture(t)
	s := NewSearcher(fx.store, fx.index)

	got, err := s.Search(context.Background(), []float32{0, 0}, Filter{Fields: map[string]string{"department": "Medicine"}}, 3)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestRetrieve_InvalidTopK(t *testing.T) {
	fx := newFixture(t)
	s := NewSearcher(fx.store, fx.index)

	_, err := s.Search(context.Background(), []float32{0, 0}, Filter{}, 0)
	assert.ErrorIs(t, err, ErrInvalidTopK)

	r := NewRetriever(fx.store, fx.index)
	_, err = r.Retrieve(context.Background(), []float32{0, 0}, []int{0}, -1)
	assert.ErrorIs(t, err, ErrInvalidTopK)
}

func TestRetrieve_NoCourses(t *testing.T) {
	store, err := corpus.NewStore(nil)
	require.NoError(t, err)

	r := NewRetriever(store, &recordingSource{})
	_, err = r.Retrieve(context.Background(), []float32{0}, []int{0}, 1)
	assert.ErrorIs(t, err, ErrNoCourses)
}

func TestRetrieve_Idempotent(t *testing.T) {
	fx := newFixture(t)
	s := NewSearcher(fx.store, fx.index)

	first, err := s.Search(context.Background(), []float32{0.05, 0}, Filter{}, 3)
	require.NoError(t, err)
	second, err := s.Search(context.Background(), []float32{0.05, 0}, Filter{}, 3)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

type recordingSource struct {
	k    int
	ids  []int
	hits []vectorstore.Hit
	err  error
}

func (s *recordingSource) SearchIDs(_ context.Context, _ []float32, ids []int, k int) ([]vectorstore.Hit, error) {
	s.k = k
	s.ids = ids
	return s.hits, s.err
}

func TestRetrieve_FetchSizeClampedToFilteredSet(t *testing.T) {
	fx := newFixture(t)

	src := &recordingSource{}
	r := NewRetriever(fx.store, src)

	_, err := r.Retrieve(context.Background(), []float32{0, 0}, []int{0, 1, 2, 3, 4}, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, src.k, "top_k * max chunks per course")

	_, err = r.Retrieve(context.Background(), []float32{0, 0}, []int{2, 4}, 5)
	require.NoError(t, err)
	assert.Equal(t, 2, src.k, "never more than the filtered set")
}

func TestRetrieve_SourceErrorPropagates(t *testing.T) {
	fx := newFixture(t)
	boom := errors.New("qdrant unavailable")

	r := NewRetriever(fx.store, &recordingSource{err: boom})
	_, err := r.Retrieve(context.Background(), []float32{0, 0}, []int{0, 1}, 1)
	assert.ErrorIs(t, err, boom)
}

func TestRetrieve_OutOfBoundsHit(t *testing.T) {
	fx := newFixture(t)

	r := NewRetriever(fx.store, &recordingSource{hits: []vectorstore.Hit{{ID: 42}}})
	_, err := r.Retrieve(context.Background(), []float32{0, 0}, []int{0}, 1)
	assert.ErrorIs(t, err, vectorstore.ErrOutOfBounds)
}

func TestRetrieve_MetadataIsACopy(t *testing.T) {
	fx := newFixture(t)
	s := NewSearcher(fx.store, fx.index)

	got, err := s.Search(context.Background(), []float32{0, 0}, Filter{}, 1)
	require.NoError(t, err)
	got[0].Metadata["department"] = "changed"
	assert.Equal(t, "Law", fx.store.Metadata(0)["department"])
}
