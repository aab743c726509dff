package adapters

import (
	"bytes"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

var alertPattern = regexp.MustCompile(`alert\(\s*['"](.+?)['"]\s*\)`)

// hiddenFields collects every hidden input on the page. ASP.NET pages must
// carry __VIEWSTATE; its absence means the page is not what we expected.
func hiddenFields(body []byte) (url.Values, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, parseError("parse html", err)
	}
	fields := url.Values{}
	walk(doc, func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.Data == "input" && strings.EqualFold(attr(n, "type"), "hidden") {
			if name := attr(n, "name"); name != "" {
				fields.Set(name, attr(n, "value"))
			}
		}
		return false
	})
	if fields.Get("__VIEWSTATE") == "" {
		return nil, parseError("__VIEWSTATE missing", nil)
	}
	return fields, nil
}

// textByID returns the trimmed text content of the element with the given id.
func textByID(body []byte, id string) (string, bool) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return "", false
	}
	var found *html.Node
	walk(doc, func(n *html.Node) bool {
		if n.Type == html.ElementNode && attr(n, "id") == id {
			found = n
			return true
		}
		return false
	})
	if found == nil {
		return "", false
	}
	return nodeText(found), true
}

// accountRow renders the table row that has a cell reading exactly
// username. Search pages list every account sharing the prefix.
func accountRow(body []byte, username string) ([]byte, bool) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, false
	}
	var row *html.Node
	walk(doc, func(n *html.Node) bool {
		if n.Type != html.ElementNode || n.Data != "tr" {
			return false
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && c.Data == "td" && strings.EqualFold(nodeText(c), username) {
				row = n
				return true
			}
		}
		return false
	})
	if row == nil {
		return nil, false
	}
	var buf bytes.Buffer
	if err := html.Render(&buf, row); err != nil {
		return nil, false
	}
	return buf.Bytes(), true
}

func nodeText(n *html.Node) string {
	var sb strings.Builder
	walk(n, func(n *html.Node) bool {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		return false
	})
	return strings.TrimSpace(sb.String())
}

// hasInput reports whether the page has a form input with the given name.
func hasInput(body []byte, name string) bool {
	return bytes.Contains(body, []byte(`name="`+name+`"`)) || bytes.Contains(body, []byte(`name='`+name+`'`))
}

// alertMessage extracts the message of an embedded alert('...') call.
func alertMessage(body []byte) string {
	m := alertPattern.FindSubmatch(body)
	if m == nil {
		return ""
	}
	return string(m[1])
}

// walk visits n and its descendants depth-first until fn returns true.
func walk(n *html.Node, fn func(*html.Node) bool) bool {
	if fn(n) {
		return true
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if walk(c, fn) {
			return true
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
