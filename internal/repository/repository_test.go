package repository

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knoguchi/syllabus/internal/corpus"
	"github.com/knoguchi/syllabus/internal/vectorstore"
)

func TestRecords(t *testing.T) {
	store, err := corpus.NewStore([]corpus.Chunk{
		{Text: "a", Metadata: corpus.Metadata{corpus.KeyCourseID: "A", "department": "理学部"}},
		{Text: "b", Metadata: corpus.Metadata{corpus.KeyCourseID: "B"}},
	})
	require.NoError(t, err)
	index, err := vectorstore.Build([][]float32{{1, 0}, {0, 1}})
	require.NoError(t, err)

	records, err := Records(store, index)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, ChunkRecord{
		ID:       0,
		CourseID: "A",
		Content:  "a",
		Metadata: map[string]string{corpus.KeyCourseID: "A", "department": "理学部"},
		Vector:   []float32{1, 0},
	}, records[0])
	assert.Equal(t, 1, records[1].ID)
	assert.Equal(t, []float32{0, 1}, records[1].Vector)
}

func TestRecords_LengthMismatch(t *testing.T) {
	store, err := corpus.NewStore([]corpus.Chunk{
		{Text: "a", Metadata: corpus.Metadata{corpus.KeyCourseID: "A"}},
	})
	require.NoError(t, err)
	index, err := vectorstore.Build([][]float32{{1}, {2}})
	require.NoError(t, err)

	_, err = Records(store, index)
	assert.ErrorIs(t, err, corpus.ErrLengthMismatch)
}
