package goqueryextract

import (
	"fmt"

	"github.com/JakeFAU/refcrawler/internal/crawler"
)

// ModeSelectors locates records for one extraction mode. Container, when
// set, scopes the search to its first match; a page without it yields no
// records. Title and Link are required per item; the rest are optional and
// an empty selector disables the field.
type ModeSelectors struct {
	Container string `mapstructure:"container" yaml:"container"`
	Item      string `mapstructure:"item" yaml:"item"`
	Title     string `mapstructure:"title" yaml:"title"`
	Link      string `mapstructure:"link" yaml:"link"`
	Byline    string `mapstructure:"byline" yaml:"byline"`
	Summary   string `mapstructure:"summary" yaml:"summary"`
	Thumbnail string `mapstructure:"thumbnail" yaml:"thumbnail"`
}

// SectionSelectors splits a front page into sections. The front column is
// the Full container: its stories followed by its headline lists. Every List
// inside Region is a further section titled by the first Header match in the
// list's parent; its Item matches use the Headlines field selectors.
type SectionSelectors struct {
	FrontTitle string `mapstructure:"front_title" yaml:"front_title"`
	Region     string `mapstructure:"region" yaml:"region"`
	List       string `mapstructure:"list" yaml:"list"`
	Header     string `mapstructure:"header" yaml:"header"`
	Item       string `mapstructure:"item" yaml:"item"`
}

// Selectors holds the per-mode selector sets.
type Selectors struct {
	Full      ModeSelectors    `mapstructure:"full" yaml:"full"`
	Headlines ModeSelectors    `mapstructure:"headlines" yaml:"headlines"`
	Related   ModeSelectors    `mapstructure:"related" yaml:"related"`
	Sections  SectionSelectors `mapstructure:"sections" yaml:"sections"`
}

// DefaultSelectors matches the newspaper page family the crawler was built
// for: story blocks on section fronts, headline lists, and the related
// coverage sidebar on article pages.
func DefaultSelectors() Selectors {
	return Selectors{
		Full: ModeSelectors{
			Container: "div.aColumn",
			Item:      "div.story",
			Title:     "h3",
			Link:      "h3 a",
			Byline:    "h6",
			Summary:   "p.summary",
			Thumbnail: "img",
		},
		Headlines: ModeSelectors{
			Item:   "ul.headlinesOnly li",
			Title:  "h6",
			Link:   "a",
			Byline: "div.byline",
		},
		Related: ModeSelectors{
			Container: "aside.related-combined-coverage-marginalia",
			Item:      "li",
			Title:     "h2",
			Link:      "a",
			Thumbnail: "img",
		},
		Sections: SectionSelectors{
			FrontTitle: "The Front Page",
			Region:     "div#SpanABMiddleRegion",
			List:       "ul.headlinesOnly",
			Header:     "h3.sectionHeader",
			Item:       "li",
		},
	}
}

// For returns the selectors for mode.
func (s Selectors) For(mode crawler.Mode) (ModeSelectors, error) {
	switch mode {
	case crawler.ModeFull, "":
		return s.Full, nil
	case crawler.ModeHeadlines:
		return s.Headlines, nil
	case crawler.ModeRelated:
		return s.Related, nil
	default:
		return ModeSelectors{}, fmt.Errorf("unknown extraction mode %q", mode)
	}
}

// Validate checks that every mode can locate items and their required fields.
func (s Selectors) Validate() error {
	for _, mode := range []crawler.Mode{crawler.ModeFull, crawler.ModeHeadlines, crawler.ModeRelated} {
		sel, _ := s.For(mode)
		switch {
		case sel.Item == "":
			return &crawler.ConfigError{Field: fmt.Sprintf("extract.%s.item", mode), Reason: "selector is required"}
		case sel.Title == "":
			return &crawler.ConfigError{Field: fmt.Sprintf("extract.%s.title", mode), Reason: "selector is required"}
		case sel.Link == "":
			return &crawler.ConfigError{Field: fmt.Sprintf("extract.%s.link", mode), Reason: "selector is required"}
		}
	}
	for _, f := range []struct{ name, value string }{
		{"region", s.Sections.Region},
		{"list", s.Sections.List},
		{"header", s.Sections.Header},
		{"item", s.Sections.Item},
	} {
		if f.value == "" {
			return &crawler.ConfigError{Field: "extract.sections." + f.name, Reason: "selector is required"}
		}
	}
	return nil
}
