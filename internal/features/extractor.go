package features

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Resource is one subresource referenced by a page.
type Resource struct {
	URL string `json:"url"`
	// Tag is the element that referenced it, or "inline-script" for URLs
	// found inside script bodies.
	Tag string `json:"tag"`
}

// Attributes that load a subresource, per element.
var resourceAttrs = []struct {
	selector string
	attr     string
}{
	{"script[src]", "src"},
	{"img[src]", "src"},
	{"iframe[src]", "src"},
	{"link[href]", "href"},
	{"source[src]", "src"},
	{"video[src]", "src"},
	{"audio[src]", "src"},
	{"embed[src]", "src"},
	{"object[data]", "data"},
}

// Absolute URLs in inline scripts, e.g. the loader snippets analytics
// vendors ask sites to paste.
var reScriptURL = regexp.MustCompile(`(?:https?:)?//[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}(?:/[^\s"'<>()\\]*)?`)

// ExtractResources returns every subresource URL found in htmlContent,
// resolved against pageURL, deduplicated and in document order.
func ExtractResources(htmlContent string, pageURL string) ([]Resource, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlContent))
	if err != nil {
		return nil, err
	}

	base, err := url.Parse(pageURL)
	if err != nil {
		base = &url.URL{}
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if b, err := base.Parse(strings.TrimSpace(href)); err == nil {
			base = b
		}
	}

	seen := make(map[string]bool)
	var out []Resource
	add := func(raw, tag string) {
		u := resolve(base, raw)
		if u == "" || seen[u] {
			return
		}
		seen[u] = true
		out = append(out, Resource{URL: u, Tag: tag})
	}

	// Walk the whole tree once so output follows document order.
	doc.Find("*").Each(func(_ int, s *goquery.Selection) {
		for _, ra := range resourceAttrs {
			if !s.Is(ra.selector) {
				continue
			}
			if v, ok := s.Attr(ra.attr); ok {
				add(v, goquery.NodeName(s))
			}
		}
		if goquery.NodeName(s) == "img" {
			if v, ok := s.Attr("srcset"); ok {
				for _, candidate := range strings.Split(v, ",") {
					if fields := strings.Fields(candidate); len(fields) > 0 {
						add(fields[0], "img")
					}
				}
			}
		}
		if goquery.NodeName(s) == "script" {
			if _, hasSrc := s.Attr("src"); !hasSrc {
				for _, m := range reScriptURL.FindAllString(s.Text(), -1) {
					add(m, "inline-script")
				}
			}
		}
	})

	return out, nil
}

// resolve makes raw absolute against base and keeps only http(s) URLs.
func resolve(base *url.URL, raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "#") {
		return ""
	}
	u, err := base.Parse(raw)
	if err != nil {
		return ""
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	if u.Host == "" {
		return ""
	}
	u.Fragment = ""
	return u.String()
}
