package ingestion

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// CatalogEntry is one course listed on a department index page.
type CatalogEntry struct {
	CourseID    string `json:"course_id"`
	CourseTitle string `json:"course_title"`
	URL         string `json:"url"`
	Section     string `json:"section,omitempty"`
}

// UnmarshalJSON also accepts the lecture_no/lecture_name keys of older catalogs.
func (e *CatalogEntry) UnmarshalJSON(data []byte) error {
	var raw struct {
		CourseID    string `json:"course_id"`
		CourseTitle string `json:"course_title"`
		URL         string `json:"url"`
		Section     string `json:"section"`
		LectureNo   string `json:"lecture_no"`
		LectureName string `json:"lecture_name"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*e = CatalogEntry{
		CourseID:    raw.CourseID,
		CourseTitle: raw.CourseTitle,
		URL:         raw.URL,
		Section:     raw.Section,
	}
	if e.CourseID == "" {
		e.CourseID = raw.LectureNo
	}
	if e.CourseTitle == "" {
		e.CourseTitle = raw.LectureName
	}
	return nil
}

// Catalog maps department names to their courses.
type Catalog map[string][]CatalogEntry

// Departments returns department names sorted, so iteration is stable.
func (c Catalog) Departments() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the total number of courses.
func (c Catalog) Len() int {
	n := 0
	for _, entries := range c {
		n += len(entries)
	}
	return n
}

// LoadCatalog reads a catalog JSON file.
func LoadCatalog(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}

	var c Catalog
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse catalog %s: %w", path, err)
	}
	return c, nil
}

// SaveCatalog writes c to path, creating parent directories.
func SaveCatalog(path string, c Catalog) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode catalog: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write catalog: %w", err)
	}
	return nil
}

// ParseCatalogPage reads the all-departments index page. Each department
// block holds a departmentName div whose text ends with one decoration
// character, and a departmentSection div listing syllabusTitle links.
// Relative links resolve against base and the course id is taken from the
// lectureNo query parameter. When departments is non-empty, other
// departments are skipped.
func ParseCatalogPage(r io.Reader, base string, departments []string) (Catalog, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse catalog page: %w", err)
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid catalog base url: %w", err)
	}

	wanted := make(map[string]bool, len(departments))
	for _, d := range departments {
		wanted[d] = true
	}

	catalog := make(Catalog)
	for _, nameDiv := range findAll(doc, func(n *html.Node) bool { return hasClass(n, "departmentName") }) {
		name := []rune(strings.TrimSpace(innerText(nameDiv)))
		if len(name) < 2 {
			continue
		}
		department := strings.TrimSpace(string(name[:len(name)-1]))
		if len(wanted) > 0 && !wanted[department] {
			continue
		}

		block := nameDiv.Parent
		if block == nil {
			continue
		}
		sections := findAll(block, func(n *html.Node) bool { return hasClass(n, "departmentSection") })
		if len(sections) == 0 {
			continue
		}

		for _, title := range findAll(sections[0], func(n *html.Node) bool { return hasClass(n, "syllabusTitle") }) {
			links := findAll(title, func(n *html.Node) bool { return n.Type == html.ElementNode && n.DataAtom == atom.A })
			if len(links) == 0 {
				continue
			}
			href, ok := attr(links[0], "href")
			if !ok {
				continue
			}
			ref, err := url.Parse(href)
			if err != nil {
				continue
			}
			full := baseURL.ResolveReference(ref)
			catalog[department] = append(catalog[department], CatalogEntry{
				CourseID:    full.Query().Get("lectureNo"),
				CourseTitle: strings.TrimSpace(innerText(links[0])),
				URL:         full.String(),
			})
		}
	}
	return catalog, nil
}
