package cards

import (
	"regexp"

	"github.com/microcosm-cc/bluemonday"
)

var pixelLength = regexp.MustCompile(`^\d{1,5}(px|%)?$`)

// contentPolicy is the allow-list applied to clipped and generated HTML
// before it is stored. Script, style and iframe elements are dropped
// together with their content.
var contentPolicy = newContentPolicy()

func newContentPolicy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowElements(
		"p", "br", "span", "div", "h1", "h2", "h3", "h4", "h5", "h6",
		"strong", "em", "u", "s", "blockquote", "code", "pre", "ul", "ol", "li",
		"table", "thead", "tbody", "tr", "th", "td", "figure", "figcaption",
		"mark", "del", "ins", "sub", "sup", "hr", "a", "img",
	)
	p.AllowAttrs("title", "class", "id", "align").Globally()
	p.AllowAttrs("href").OnElements("a")
	p.AllowAttrs("src", "alt").OnElements("img")
	p.AllowAttrs("width", "height").Matching(pixelLength).OnElements("img", "table")
	p.AllowAttrs("colspan", "rowspan").Matching(bluemonday.Integer).OnElements("td", "th")
	p.AllowStyles(
		"color", "background-color", "font-weight", "font-style",
		"text-decoration", "text-align", "white-space",
	).Globally()
	p.AllowURLSchemes("http", "https", "mailto", "tel")
	p.AllowRelativeURLs(true)
	p.AllowDataURIImages()
	p.RequireParseableURLs(true)
	return p
}

// SanitizeHTML strips markup outside the card content allow-list.
func SanitizeHTML(html string) string {
	if html == "" {
		return html
	}
	return contentPolicy.Sanitize(html)
}
