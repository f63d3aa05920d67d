// Package corpus holds the chunked syllabus corpus: chunk text, per-chunk
// metadata, and the per-course bookkeeping the retriever needs.
//
// A Store is built once per corpus snapshot and is read-only afterwards, so
// it is safe for any number of concurrent readers.
package corpus

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// Well-known metadata keys.
const (
	KeyCourseID    = "course_id"
	KeyCourseTitle = "course_title"
	KeyDepartment  = "department"
	KeySection     = "section"
	KeyURL         = "url"
	KeySchedule    = "schedule"
	KeyLanguage    = "language"
	KeyLevel       = "level"
	KeyInstructor  = "instructor"
	KeyClassType   = "class_type"
	KeySemester    = "semester"
	KeyField       = "field"
	KeySummary     = "summary"
)

var (
	// ErrMissingCourseID is returned when a chunk has no course_id.
	ErrMissingCourseID = errors.New("chunk metadata has no course_id")

	// ErrLengthMismatch is returned when the chunk list and the vector index disagree in size.
	ErrLengthMismatch = errors.New("chunk list and vector index length mismatch")

	// ErrSummaryMismatch is returned when the summary list does not line up with the courses.
	ErrSummaryMismatch = errors.New("summary count does not match course count")
)

// Metadata is the descriptive record attached to every chunk.
type Metadata map[string]string

// CourseID returns the course the chunk belongs to.
func (m Metadata) CourseID() string {
	return m[KeyCourseID]
}

// Clone returns a shallow copy safe to hand to callers.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Chunk is one bounded span of a course's syllabus text.
type Chunk struct {
	ID       int
	Text     string
	Metadata Metadata
}

// Store is the ordered, read-only chunk collection.
type Store struct {
	chunks       []Chunk
	courseCounts map[string]int
	courseOrder  []string
	maxPerCourse int
	checksum     string
}

// NewStore validates chunks and precomputes the course frequency table.
// Chunk IDs are reassigned to their positions.
func NewStore(chunks []Chunk) (*Store, error) {
	s := &Store{
		chunks:       make([]Chunk, len(chunks)),
		courseCounts: make(map[string]int),
	}

	for i, c := range chunks {
		courseID := c.Metadata.CourseID()
		if courseID == "" {
			return nil, fmt.Errorf("chunk %d: %w", i, ErrMissingCourseID)
		}
		c.ID = i
		s.chunks[i] = c

		if _, seen := s.courseCounts[courseID]; !seen {
			s.courseOrder = append(s.courseOrder, courseID)
		}
		s.courseCounts[courseID]++
		if s.courseCounts[courseID] > s.maxPerCourse {
			s.maxPerCourse = s.courseCounts[courseID]
		}
	}

	s.checksum = checksumChunks(s.chunks)
	return s, nil
}

// Len returns the number of chunks.
func (s *Store) Len() int {
	return len(s.chunks)
}

// Chunk returns the chunk with the given id.
func (s *Store) Chunk(id int) (Chunk, bool) {
	if id < 0 || id >= len(s.chunks) {
		return Chunk{}, false
	}
	return s.chunks[id], true
}

// Metadata returns the metadata of chunk id, or nil when out of range.
func (s *Store) Metadata(id int) Metadata {
	if id < 0 || id >= len(s.chunks) {
		return nil
	}
	return s.chunks[id].Metadata
}

// Chunks returns the chunks in insertion order. Callers must not modify them.
func (s *Store) Chunks() []Chunk {
	return s.chunks
}

// Texts returns chunk texts in insertion order.
func (s *Store) Texts() []string {
	texts := make([]string, len(s.chunks))
	for i, c := range s.chunks {
		texts[i] = c.Text
	}
	return texts
}

// CourseCounts returns the course_id -> chunk count table.
func (s *Store) CourseCounts() map[string]int {
	return s.courseCounts
}

// MaxChunksPerCourse is the largest number of chunks any course contributes.
func (s *Store) MaxChunksPerCourse() int {
	return s.maxPerCourse
}

// CourseOrder lists distinct course ids by first appearance.
func (s *Store) CourseOrder() []string {
	return s.courseOrder
}

// Checksum identifies this chunk list. Summaries do not change it.
func (s *Store) Checksum() string {
	return s.checksum
}

// AttachSummaries merges one summary per course into every chunk of that
// course under the summary key. summaries[i] belongs to CourseOrder()[i].
// It must be called before the store is shared.
func (s *Store) AttachSummaries(summaries []string) error {
	if len(summaries) != len(s.courseOrder) {
		return fmt.Errorf("%w: %d summaries for %d courses", ErrSummaryMismatch, len(summaries), len(s.courseOrder))
	}

	byCourse := make(map[string]string, len(s.courseOrder))
	for i, courseID := range s.courseOrder {
		byCourse[courseID] = summaries[i]
	}
	for i := range s.chunks {
		md := s.chunks[i].Metadata.Clone()
		md[KeySummary] = byCourse[md.CourseID()]
		s.chunks[i].Metadata = md
	}
	return nil
}

// checksumChunks hashes text and course ids in order. Metadata other than
// course_id is excluded so summary injection keeps the index valid.
func checksumChunks(chunks []Chunk) string {
	h := sha256.New()
	for _, c := range chunks {
		fmt.Fprintf(h, "%d\x00%s\x00%d\x00%s\x00", len(c.Metadata.CourseID()), c.Metadata.CourseID(), len(c.Text), c.Text)
	}
	return hex.EncodeToString(h.Sum(nil))
}
