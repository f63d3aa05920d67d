package ingestion

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/knoguchi/syllabus/internal/config"
	"github.com/knoguchi/syllabus/internal/corpus"
)

const syllabusPage = `<html><body>
<table>
  <tr>
    <td><span class="lesson_plan_subheading">(科目ナンバリング)</span></td>
    <td nowrap>U-LAW00 10101 LJ36</td>
  </tr>
  <tr>
    <td><span class="lesson_plan_subheading">(英 訳)</span></td>
    <td>Civil Law (General Provisions)</td>
  </tr>
</table>
<table>
  <tr>
    <td class="lesson_plan_sell"><span class="lesson_plan_subheading">(所属部局)</span></td>
    <td class="lesson_plan_sell"><span class="lesson_plan_subheading">(職 名)</span></td>
    <td class="lesson_plan_sell"><span class="lesson_plan_subheading">(氏 名)</span></td>
  </tr>
  <tr><td>法学研究科</td><td>教授</td><td>山田 太郎</td></tr>
</table>
<table>
  <tr>
    <td><span class="lesson_plan_subheading">(配当学年)</span></td><td>1回生以上</td>
    <td><span class="lesson_plan_subheading">(単位数)</span></td><td>4単位</td>
    <td><span class="lesson_plan_subheading">(開講年度・開講期)</span></td><td>2024・前期</td>
  </tr>
  <tr>
    <td><span class="lesson_plan_subheading">(曜時限)</span></td><td>月1,木1</td>
    <td><span class="lesson_plan_subheading">(授業形態)</span></td><td>講義</td>
  </tr>
  <tr>
    <td><span class="lesson_plan_subheading">(使用言語)</span></td><td>日本語</td>
  </tr>
</table>
<table>
  <tr><td class="lesson_plan_sell">
    <div class="lesson_plan_subheading">(授業の概要・目的)</div>
    民法の基本原理を学ぶ。
    <div>権利能力と意思表示を中心に扱う。</div>
  </td></tr>
  <tr><td class="lesson_plan_sell">
    <div class="lesson_plan_subheading">(到達目標)</div>
    条文を正確に読めるようになる。
  </td></tr>
  <tr><td class="lesson_plan_sell">
    <div class="lesson_plan_subheading">(授業計画と内容)</div>
    第1回　ガイダンス<br>第2回　権利の主体
  </td></tr>
  <tr><td class="lesson_plan_sell">
    <div class="lesson_plan_subheading">(成績評価の方法・観点)</div>
    期末試験(100点)
  </td></tr>
</table>
</body></html>`

func TestParseSyllabus(t *testing.T) {
	s, err := ParseSyllabus(strings.NewReader(syllabusPage))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := map[string]string{
		"numbering":             "U-LAW00 10101 LJ36",
		"english_title":         "Civil Law (General Provisions)",
		"instructor_department": "法学研究科",
		"instructor_position":   "教授",
		"instructor":            "山田 太郎",
		"level":                 "1回生以上",
		"credits":               "4単位",
		"semester":              "2024・前期",
		"schedule":              "月1,木1",
		"class_type":            "講義",
		"language":              "日本語",
		"overview":              "民法の基本原理を学ぶ。\n権利能力と意思表示を中心に扱う。",
		"goals":                 "条文を正確に読めるようになる。",
		"plan":                  "第1回　ガイダンス\n第2回　権利の主体",
		"grading":               "期末試験(100点)",
	}
	for k, v := range want {
		if s[k] != v {
			t.Errorf("%s: expected %q, got %q", k, v, s[k])
		}
	}
	if _, ok := s["textbooks"]; ok {
		t.Error("absent field should be omitted")
	}
}

func TestPipeline_ProcessSelected(t *testing.T) {
	p := NewPipeline(PipelineConfig{
		Method:    config.PreprocessSelected,
		Normalize: true,
		Chunker:   RuneChunker{Size: 1000},
	})

	entry := CatalogEntry{CourseID: "31001", CourseTitle: "民法総則", URL: "https://example.test/31001"}
	syllabus := Syllabus{
		"overview": "民法の\n基本",
		"grading":  "試験",
		"schedule": "月1",
	}

	chunks := p.Process("法学部", entry, syllabus)
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}

	text := chunks[0].Text
	if text != "民法総則 授業の概要・目的: 民法の 基本" {
		t.Errorf("unexpected text %q", text)
	}

	md := chunks[0].Metadata
	if md[corpus.KeyCourseID] != "31001" || md[corpus.KeyDepartment] != "法学部" {
		t.Errorf("missing catalog metadata: %v", md)
	}
	if md["grading"] != "試験" || md[corpus.KeySchedule] != "月1" {
		t.Errorf("parsed fields should be carried as metadata: %v", md)
	}
}

func TestPipeline_ProcessSimpleKeepsAllFields(t *testing.T) {
	p := NewPipeline(PipelineConfig{Method: config.PreprocessSimple, Chunker: RuneChunker{Size: 1000}})

	chunks := p.Process("法学部", CatalogEntry{CourseID: "1", CourseTitle: "T"}, Syllabus{"grading": "試験"})
	if len(chunks) != 1 || !strings.Contains(chunks[0].Text, "成績評価の方法・観点: 試験") {
		t.Errorf("simple method should include every field, got %v", chunks)
	}
}

func TestPipeline_Build(t *testing.T) {
	dir := t.TempDir()
	lawDir := filepath.Join(dir, "法学部")
	if err := os.MkdirAll(lawDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(lawDir, "31001.html"), []byte(syllabusPage), 0o644); err != nil {
		t.Fatal(err)
	}

	catalog := Catalog{
		"法学部": {
			{CourseID: "31001", CourseTitle: "民法総則"},
			{CourseID: "31002", CourseTitle: "刑法総論"},
		},
	}

	p := NewPipeline(PipelineConfig{Normalize: true, Chunker: RuneChunker{Size: 20}})
	chunks, stats, err := p.Build(context.Background(), catalog, dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if stats.Courses != 1 || stats.Missing != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected several 20-rune chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if c.ID != i {
			t.Errorf("chunk %d has id %d", i, c.ID)
		}
		if c.Metadata.CourseID() != "31001" {
			t.Errorf("chunk %d has course %q", i, c.Metadata.CourseID())
		}
	}

	store, err := corpus.NewStore(chunks)
	if err != nil {
		t.Fatalf("built chunks should form a valid store: %v", err)
	}
	if store.MaxChunksPerCourse() != len(chunks) {
		t.Errorf("expected all chunks in one course")
	}
}

func TestCatalog_LegacyKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lecture_urls.json")
	data := `{"法学部": [{"lecture_name": "民法総則", "url": "u", "lecture_no": "31001"}]}`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	e := c["法学部"][0]
	if e.CourseID != "31001" || e.CourseTitle != "民法総則" {
		t.Errorf("legacy keys not mapped: %+v", e)
	}
	if c.Len() != 1 {
		t.Errorf("expected 1 course, got %d", c.Len())
	}
}

const catalogPage = `<html><body>
<div class="department">
  <div class="departmentName">法学部 ▼</div>
  <div class="departmentSection">
    <div class="syllabusTitle"><a href="la_syllabus?lectureNo=31001&amp;departmentNo=3">民法総則</a></div>
    <div class="syllabusTitle"><a href="la_syllabus?lectureNo=31002&amp;departmentNo=3"> 刑法総論 </a></div>
    <div class="syllabusTitle">no link</div>
  </div>
</div>
<div class="department">
  <div class="departmentName">理学部 ▼</div>
  <div class="departmentSection">
    <div class="syllabusTitle"><a href="la_syllabus?lectureNo=50001">線形代数学</a></div>
  </div>
</div>
</body></html>`

func TestParseCatalogPage(t *testing.T) {
	base := "https://syllabus.example.test/open_syllabus/all"

	c, err := ParseCatalogPage(strings.NewReader(catalogPage), base, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Len() != 3 {
		t.Fatalf("expected 3 courses, got %d: %v", c.Len(), c)
	}

	law := c["法学部"]
	if len(law) != 2 {
		t.Fatalf("expected 2 law courses, got %v", law)
	}
	if law[0].CourseID != "31001" || law[0].CourseTitle != "民法総則" {
		t.Errorf("unexpected entry %+v", law[0])
	}
	if law[0].URL != "https://syllabus.example.test/open_syllabus/la_syllabus?lectureNo=31001&departmentNo=3" {
		t.Errorf("unexpected url %q", law[0].URL)
	}
	if law[1].CourseTitle != "刑法総論" {
		t.Errorf("title should be trimmed, got %q", law[1].CourseTitle)
	}

	only, err := ParseCatalogPage(strings.NewReader(catalogPage), base, []string{"理学部"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(only) != 1 || len(only["理学部"]) != 1 {
		t.Errorf("department filter not applied: %v", only)
	}
}
