// Package goqueryextract implements crawler.Extractor with CSS selectors
// evaluated by goquery.
package goqueryextract

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/refcrawler/internal/crawler"
)

// Extractor pulls records out of HTML pages.
type Extractor struct {
	selectors Selectors
}

// New builds an Extractor after validating the selectors.
func New(selectors Selectors) (*Extractor, error) {
	if err := selectors.Validate(); err != nil {
		return nil, err
	}
	return &Extractor{selectors: selectors}, nil
}

// Extract returns the records found on the page in document order. Each
// record's own URL is its single child reference. In sections mode each
// returned record groups one page section.
func (e *Extractor) Extract(ctx context.Context, pageURL string, content string, mode crawler.Mode) ([]crawler.Extracted, error) {
	if mode != crawler.ModeSections {
		if _, err := e.selectors.For(mode); err != nil {
			return nil, err
		}
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", pageURL, err)
	}
	if mode == crawler.ModeSections {
		return e.extractSections(ctx, pageURL, doc)
	}

	sel, _ := e.selectors.For(mode)
	scope := doc.Selection
	if sel.Container != "" {
		scope = doc.Find(sel.Container).First()
		if scope.Length() == 0 {
			return nil, nil
		}
	}
	return extractItems(ctx, pageURL, scope.Find(sel.Item), sel)
}

func (e *Extractor) extractSections(ctx context.Context, pageURL string, doc *goquery.Document) ([]crawler.Extracted, error) {
	secSel := e.selectors.Sections
	out := []crawler.Extracted{}

	front := doc.Find(e.selectors.Full.Container).First()
	if e.selectors.Full.Container != "" && front.Length() > 0 {
		stories, err := extractItems(ctx, pageURL, front.Find(e.selectors.Full.Item), e.selectors.Full)
		if err != nil {
			return nil, err
		}
		headlines, err := extractItems(ctx, pageURL, front.Find(secSel.List).Find(secSel.Item), e.selectors.Headlines)
		if err != nil {
			return nil, err
		}
		out = append(out, section(pageURL, secSel.FrontTitle, append(stories, headlines...)))
	}

	var parseErr error
	doc.Find(secSel.Region).First().Find(secSel.List).EachWithBreak(func(_ int, list *goquery.Selection) bool {
		header := list.Parent().Find(secSel.Header).First()
		if header.Length() == 0 {
			parseErr = &crawler.ParseError{URL: pageURL, Element: secSel.Header}
			return false
		}
		items, err := extractItems(ctx, pageURL, list.Find(secSel.Item), e.selectors.Headlines)
		if err != nil {
			parseErr = err
			return false
		}
		out = append(out, section(pageURL, strings.TrimSpace(header.Text()), items))
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return out, nil
}

// section builds a grouping record. Its URL is the page URL with a fragment
// naming the section.
func section(pageURL, title string, items []crawler.Extracted) crawler.Extracted {
	if items == nil {
		items = []crawler.Extracted{}
	}
	return crawler.Extracted{
		Record: crawler.Record{Title: title, URL: pageURL + "#" + slug(title)},
		Items:  items,
	}
}

func slug(title string) string {
	return strings.Join(strings.Fields(strings.ToLower(title)), "-")
}

func extractItems(ctx context.Context, pageURL string, nodes *goquery.Selection, sel ModeSelectors) ([]crawler.Extracted, error) {
	var (
		out      []crawler.Extracted
		parseErr error
	)
	nodes.EachWithBreak(func(_ int, item *goquery.Selection) bool {
		if err := ctx.Err(); err != nil {
			parseErr = fmt.Errorf("extract %s: %w", pageURL, err)
			return false
		}
		record, err := extractRecord(pageURL, item, sel)
		if err != nil {
			parseErr = err
			return false
		}
		out = append(out, crawler.Extracted{Record: record, ChildURLs: []string{record.URL}})
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return out, nil
}

func extractRecord(pageURL string, item *goquery.Selection, sel ModeSelectors) (crawler.Record, error) {
	titleNode := item.Find(sel.Title).First()
	if titleNode.Length() == 0 {
		return crawler.Record{}, &crawler.ParseError{URL: pageURL, Element: sel.Title}
	}
	href, _ := item.Find(sel.Link).First().Attr("href")
	link := crawler.ResolveURL(pageURL, href)
	if link == "" {
		return crawler.Record{}, &crawler.ParseError{URL: pageURL, Element: sel.Link + "[href]"}
	}

	record := crawler.Record{
		Title: strings.TrimSpace(titleNode.Text()),
		URL:   link,
	}
	record.Byline = optionalText(item, sel.Byline)
	record.Summary = optionalText(item, sel.Summary)
	if sel.Thumbnail != "" {
		if src, ok := item.Find(sel.Thumbnail).First().Attr("src"); ok {
			if resolved := crawler.ResolveURL(pageURL, src); resolved != "" {
				record.ThumbnailURL = &resolved
			}
		}
	}
	return record, nil
}

// optionalText returns the trimmed text of the first match, or nil when the
// selector is disabled, matches nothing, or the text is blank.
func optionalText(item *goquery.Selection, selector string) *string {
	if selector == "" {
		return nil
	}
	node := item.Find(selector).First()
	if node.Length() == 0 {
		return nil
	}
	text := strings.TrimSpace(node.Text())
	if text == "" {
		return nil
	}
	return &text
}
