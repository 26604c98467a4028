// Package extractor turns rendered page HTML into item URLs, next-page
// locations, and structured product records. Extractors are declarative
// YAML selector sets loaded from a directory and hot-reloaded on change.
package extractor

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"gopkg.in/yaml.v3"

	"github.com/castnet/trawler/internal/types"
)

// PaginationMode says how a listing advances to its next page.
type PaginationMode string

const (
	// PaginateNone treats the start page as the whole listing.
	PaginateNone PaginationMode = "none"
	// PaginateNext follows the href of a next link on each page.
	PaginateNext PaginationMode = "next"
	// PaginatePages substitutes increasing page numbers into a URL
	// template.
	PaginatePages PaginationMode = "pages"
	// PaginateScroll asks the visitor to scroll the page until no new
	// items load; the listing is still committed as one page.
	PaginateScroll PaginationMode = "scroll"
)

// DefaultMaxPages bounds a pagination walk when the definition does not
// say otherwise.
const DefaultMaxPages = 50

// FieldRule selects one value out of a document.
type FieldRule struct {
	Selector  string `yaml:"selector"`
	Attribute string `yaml:"attribute,omitempty"`
	// Contains turns the rule into a predicate: the value is true when
	// the selected text contains this string, case-insensitively.
	Contains string `yaml:"contains,omitempty"`
}

func (r FieldRule) empty() bool { return r.Selector == "" }

// text extracts the rule's value from the document, trimmed.
func (r FieldRule) text(doc *goquery.Document) string {
	node := doc.Find(r.Selector).First()
	if node.Length() == 0 {
		return ""
	}
	if r.Attribute != "" {
		v, _ := node.Attr(r.Attribute)
		return strings.TrimSpace(v)
	}
	return strings.TrimSpace(node.Text())
}

// ItemURLRule selects the listing's item links.
type ItemURLRule struct {
	Selector  string `yaml:"selector"`
	Attribute string `yaml:"attribute,omitempty"` // default href
}

// PaginationRule configures how the paginate engine advances.
type PaginationRule struct {
	Type        PaginationMode `yaml:"type,omitempty"`
	Selector    string         `yaml:"selector,omitempty"`    // next mode
	URLTemplate string         `yaml:"urlTemplate,omitempty"` // pages mode, {page} placeholder
	MaxPages    int            `yaml:"maxPages,omitempty"`
}

// ItemRules configures product record extraction.
type ItemRules struct {
	Required     []string             `yaml:"required,omitempty"` // default [title]
	Title        FieldRule            `yaml:"title,omitempty"`
	Brand        FieldRule            `yaml:"brand,omitempty"`
	Price        FieldRule            `yaml:"price,omitempty"`
	Currency     FieldRule            `yaml:"currency,omitempty"`
	Availability FieldRule            `yaml:"availability,omitempty"`
	Images       FieldRule            `yaml:"images,omitempty"`
	Attributes   map[string]FieldRule `yaml:"attributes,omitempty"`
}

// Definition is one extractor: the selector set for a site family.
type Definition struct {
	ID         string         `yaml:"id,omitempty"`
	Domain     string         `yaml:"domain,omitempty"`
	ItemURLs   ItemURLRule    `yaml:"itemUrls"`
	Pagination PaginationRule `yaml:"pagination,omitempty"`
	Item       ItemRules      `yaml:"item,omitempty"`
}

// Parse decodes and validates a definition. The fallback ID is used when
// the document does not carry one, typically the file stem.
func Parse(data []byte, fallbackID string) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	if def.ID == "" {
		def.ID = fallbackID
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks the definition is usable by both engines.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("extractor has no id")
	}
	if d.ItemURLs.Selector == "" {
		return fmt.Errorf("extractor %s: itemUrls.selector is required", d.ID)
	}

	switch d.Pagination.Type {
	case "", PaginateNone, PaginateScroll:
	case PaginateNext:
		if d.Pagination.Selector == "" {
			return fmt.Errorf("extractor %s: pagination type next needs a selector", d.ID)
		}
	case PaginatePages:
		if !strings.Contains(d.Pagination.URLTemplate, "{page}") {
			return fmt.Errorf("extractor %s: pagination type pages needs a urlTemplate with {page}", d.ID)
		}
	default:
		return fmt.Errorf("extractor %s: unknown pagination type %q", d.ID, d.Pagination.Type)
	}
	return nil
}

// Mode returns the pagination mode, defaulting to none.
func (d *Definition) Mode() PaginationMode {
	if d.Pagination.Type == "" {
		return PaginateNone
	}
	return d.Pagination.Type
}

// MaxPages returns the pagination page bound.
func (d *Definition) MaxPages() int {
	if d.Pagination.MaxPages > 0 {
		return d.Pagination.MaxPages
	}
	return DefaultMaxPages
}

// ExtractItemURLs pulls the item links off a listing page, resolved
// against the page URL, deduplicated, in document order.
func (d *Definition) ExtractItemURLs(pageHTML, pageURL string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(pageHTML))
	if err != nil {
		return nil, fmt.Errorf("failed to parse listing page: %w", err)
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, types.ErrInvalidURL
	}

	attr := d.ItemURLs.Attribute
	if attr == "" {
		attr = "href"
	}

	var urls []string
	seen := make(map[string]struct{})
	doc.Find(d.ItemURLs.Selector).Each(func(_ int, node *goquery.Selection) {
		raw, ok := node.Attr(attr)
		if !ok {
			return
		}
		resolved := resolveURL(base, raw)
		if resolved == "" {
			return
		}
		if _, dup := seen[resolved]; dup {
			return
		}
		seen[resolved] = struct{}{}
		urls = append(urls, resolved)
	})
	return urls, nil
}

// NextPageURL computes where the pagination walk goes after the page at
// pageIndex (zero-based). ok is false when the listing is exhausted.
func (d *Definition) NextPageURL(pageHTML, pageURL string, pageIndex int) (next string, ok bool, err error) {
	if pageIndex+1 >= d.MaxPages() {
		return "", false, nil
	}

	switch d.Mode() {
	case PaginateNext:
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(pageHTML))
		if err != nil {
			return "", false, fmt.Errorf("failed to parse listing page: %w", err)
		}
		href, found := doc.Find(d.Pagination.Selector).First().Attr("href")
		if !found || strings.TrimSpace(href) == "" {
			return "", false, nil
		}
		base, err := url.Parse(pageURL)
		if err != nil {
			return "", false, types.ErrInvalidURL
		}
		resolved := resolveURL(base, href)
		if resolved == "" || resolved == pageURL {
			return "", false, nil
		}
		return resolved, true, nil

	case PaginatePages:
		page := fmt.Sprintf("%d", pageIndex+2) // template pages are 1-based
		return strings.ReplaceAll(d.Pagination.URLTemplate, "{page}", page), true, nil

	default:
		return "", false, nil
	}
}

// ExtractItem builds the product record for an item page. A record with
// a missing required field yields ErrNoItemRecord, which the scrape
// engine treats as a terminal invalid target.
func (d *Definition) ExtractItem(pageHTML, pageURL string) (*types.ItemRecord, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(pageHTML))
	if err != nil {
		return nil, fmt.Errorf("failed to parse item page: %w", err)
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, types.ErrInvalidURL
	}

	rec := &types.ItemRecord{
		SourceURL: pageURL,
		Title:     d.Item.Title.text(doc),
		Brand:     d.Item.Brand.text(doc),
		Price:     d.Item.Price.text(doc),
		Currency:  d.Item.Currency.text(doc),
		Available: d.availability(doc),
	}

	if !d.Item.Images.empty() {
		attr := d.Item.Images.Attribute
		if attr == "" {
			attr = "src"
		}
		seen := make(map[string]struct{})
		doc.Find(d.Item.Images.Selector).Each(func(_ int, node *goquery.Selection) {
			raw, ok := node.Attr(attr)
			if !ok {
				return
			}
			resolved := resolveURL(base, raw)
			if resolved == "" {
				return
			}
			if _, dup := seen[resolved]; dup {
				return
			}
			seen[resolved] = struct{}{}
			rec.ImageURLs = append(rec.ImageURLs, resolved)
		})
	}

	if len(d.Item.Attributes) > 0 {
		rec.Attributes = make(map[string]string, len(d.Item.Attributes))
		for name, rule := range d.Item.Attributes {
			if v := rule.text(doc); v != "" {
				rec.Attributes[name] = v
			}
		}
		if len(rec.Attributes) == 0 {
			rec.Attributes = nil
		}
	}

	for _, field := range d.requiredFields() {
		if d.fieldValue(rec, field) == "" {
			return nil, fmt.Errorf("%w: %s missing %s", types.ErrNoItemRecord, pageURL, field)
		}
	}
	return rec, nil
}

// availability evaluates the availability rule. No rule means available;
// a bare selector means present-is-available; contains matches the
// selected text, or the attribute when one is named.
func (d *Definition) availability(doc *goquery.Document) bool {
	rule := d.Item.Availability
	if rule.empty() {
		return true
	}
	node := doc.Find(rule.Selector).First()
	if node.Length() == 0 {
		return false
	}
	if rule.Contains == "" {
		return true
	}
	value := node.Text()
	if rule.Attribute != "" {
		value, _ = node.Attr(rule.Attribute)
	}
	return strings.Contains(
		strings.ToLower(value),
		strings.ToLower(rule.Contains),
	)
}

func (d *Definition) requiredFields() []string {
	if len(d.Item.Required) > 0 {
		return d.Item.Required
	}
	return []string{"title"}
}

func (d *Definition) fieldValue(rec *types.ItemRecord, field string) string {
	switch field {
	case "title":
		return rec.Title
	case "brand":
		return rec.Brand
	case "price":
		return rec.Price
	case "currency":
		return rec.Currency
	default:
		return rec.Attributes[field]
	}
}

// resolveURL makes raw absolute against base, dropping fragments and
// non-HTTP schemes.
func resolveURL(base *url.URL, raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "javascript:") || strings.HasPrefix(raw, "#") {
		return ""
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return ""
	}
	abs.Fragment = ""
	return abs.String()
}
