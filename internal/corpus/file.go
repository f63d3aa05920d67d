package corpus

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// chunkRecord is the on-disk shape of one chunk list entry.
type chunkRecord struct {
	TextChunk string   `json:"text_chunk"`
	Metadata  Metadata `json:"metadata"`
}

// LoadChunks reads a chunk list file and builds a Store from it.
func LoadChunks(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read chunk list: %w", err)
	}

	var records []chunkRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to parse chunk list %s: %w", path, err)
	}

	chunks := make([]Chunk, len(records))
	for i, r := range records {
		chunks[i] = Chunk{ID: i, Text: r.TextChunk, Metadata: r.Metadata}
	}
	return NewStore(chunks)
}

// SaveChunks writes chunks to path as a JSON array, creating parent directories.
func SaveChunks(path string, chunks []Chunk) error {
	records := make([]chunkRecord, len(chunks))
	for i, c := range chunks {
		records[i] = chunkRecord{TextChunk: c.Text, Metadata: c.Metadata}
	}
	return WriteJSON(path, records)
}

// LoadSummaries reads a JSON array of per-course summaries.
func LoadSummaries(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read summaries: %w", err)
	}

	var summaries []string
	if err := json.Unmarshal(data, &summaries); err != nil {
		return nil, fmt.Errorf("failed to parse summaries %s: %w", path, err)
	}
	return summaries, nil
}

// SaveSummaries writes per-course summaries as a JSON array.
func SaveSummaries(path string, summaries []string) error {
	return WriteJSON(path, summaries)
}

// Exists reports whether path names an existing regular file.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// WriteJSON writes v as indented JSON through a temp file and rename.
func WriteJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", path, err)
	}
	return nil
}
