package manifest

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rohmanhakim/offline-cache/internal/metadata"
	"github.com/rohmanhakim/offline-cache/pkg/failure"
	"github.com/rohmanhakim/offline-cache/pkg/urlutil"
	"golang.org/x/net/html"
)

/*
Responsibilities
- Parse a page of the controlled site
- Collect the same-origin assets it references
- Split them into required and best-effort lists

Classification
- Stylesheets and scripts are required: the page is broken without them
- Images and icons are best-effort
- Cross-origin references, data: URLs and fragments are skipped

This is a build-time helper. Controllers never discover assets at runtime.
*/
type Discoverer struct {
	metadataSink metadata.MetadataSink
}

func NewDiscoverer(metadataSink metadata.MetadataSink) Discoverer {
	return Discoverer{metadataSink: metadataSink}
}

type assetRef struct {
	selector string
	attr     string
	required bool
}

var assetRefs = []assetRef{
	{selector: `link[rel~="stylesheet"][href]`, attr: "href", required: true},
	{selector: `script[src]`, attr: "src", required: true},
	{selector: `link[rel~="icon"][href]`, attr: "href"},
	{selector: `link[rel="apple-touch-icon"][href]`, attr: "href"},
	{selector: `img[src]`, attr: "src"},
}

func (d *Discoverer) Discover(pageUrl url.URL, htmlByte []byte) (Manifest, failure.ClassifiedError) {
	manifest, err := discover(pageUrl, htmlByte)
	if err != nil {
		d.metadataSink.RecordError(
			time.Now(),
			"manifest",
			"Discoverer.Discover",
			mapManifestErrorToMetadataCause(err),
			err.Error(),
			[]metadata.Attribute{
				metadata.NewAttr(metadata.AttrURL, pageUrl.String()),
			},
		)
		return Manifest{}, err
	}
	return manifest, nil
}

func discover(pageUrl url.URL, htmlByte []byte) (Manifest, *ManifestError) {
	if len(bytes.TrimSpace(htmlByte)) == 0 {
		return Manifest{}, &ManifestError{
			Message: "document is empty",
			Cause:   ErrCauseNotHTML,
		}
	}
	doc, err := html.Parse(bytes.NewReader(htmlByte))
	if err != nil {
		return Manifest{}, &ManifestError{
			Message: fmt.Sprintf("failed to parse HTML: %v", err),
			Cause:   ErrCauseNotHTML,
		}
	}
	gqDoc := goquery.NewDocumentFromNode(doc)

	// <base href> changes how relative references resolve
	base := pageUrl
	if href, ok := gqDoc.Find("base[href]").First().Attr("href"); ok {
		if resolved, err := urlutil.Resolve(pageUrl, href); err == nil {
			base = resolved
		}
	}

	required := newOrderedSet()
	bestEffort := newOrderedSet()
	for _, ref := range assetRefs {
		gqDoc.Find(ref.selector).Each(func(_ int, s *goquery.Selection) {
			value, _ := s.Attr(ref.attr)
			path, ok := sameOriginPath(base, pageUrl, value)
			if !ok {
				return
			}
			if ref.required {
				required.add(path)
			} else {
				bestEffort.add(path)
			}
		})
	}

	// lists are disjoint; required wins
	filtered := []string{}
	for _, path := range bestEffort.items {
		if !required.has(path) {
			filtered = append(filtered, path)
		}
	}

	return Manifest{
		BestEffortAssets: filtered,
		RequiredAssets:   required.items,
	}, nil
}

func sameOriginPath(base url.URL, page url.URL, raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "#") || strings.HasPrefix(strings.ToLower(raw), "data:") {
		return "", false
	}
	resolved, err := urlutil.Resolve(base, raw)
	if err != nil {
		return "", false
	}
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return "", false
	}
	if !urlutil.SameOrigin(resolved, page) {
		return "", false
	}
	path := resolved.EscapedPath()
	if path == "" {
		path = "/"
	}
	if resolved.RawQuery != "" {
		path += "?" + resolved.RawQuery
	}
	return path, true
}

type orderedSet struct {
	items []string
	seen  map[string]struct{}
}

func newOrderedSet() *orderedSet {
	return &orderedSet{items: []string{}, seen: map[string]struct{}{}}
}

func (s *orderedSet) add(item string) {
	if _, ok := s.seen[item]; ok {
		return
	}
	s.seen[item] = struct{}{}
	s.items = append(s.items, item)
}

func (s *orderedSet) has(item string) bool {
	_, ok := s.seen[item]
	return ok
}
