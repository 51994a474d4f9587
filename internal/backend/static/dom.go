package static

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

func rawAttr(n *html.Node, name string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

func hasAttr(n *html.Node, name string) bool {
	_, ok := rawAttr(n, name)
	return ok
}

func setAttr(n *html.Node, name, val string) {
	for i, a := range n.Attr {
		if a.Key == name {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: name, Val: val})
}

func removeAttr(n *html.Node, name string) {
	for i, a := range n.Attr {
		if a.Key == name {
			n.Attr = append(n.Attr[:i], n.Attr[i+1:]...)
			return
		}
	}
}

func setBoolAttr(n *html.Node, name string, on bool) {
	if on {
		setAttr(n, name, name)
	} else {
		removeAttr(n, name)
	}
}

// attribute mirrors what a live DOM reports: form values, defaulted input
// types and boolean attributes as "true" or "".
func attribute(n *html.Node, name string) string {
	switch name {
	case "value":
		switch n.Data {
		case "textarea":
			return rawText(n)
		case "select":
			for _, o := range options(n) {
				if optionSelected(o) {
					return attribute(o, "value")
				}
			}
			return ""
		case "option":
			if v, ok := rawAttr(n, "value"); ok {
				return v
			}
			return textOf(n)
		}
	case "type":
		v, _ := rawAttr(n, "type")
		if v == "" {
			switch n.Data {
			case "input":
				return "text"
			case "button":
				return "submit"
			}
		}
		return strings.ToLower(v)
	case "checked", "selected", "disabled", "readonly", "multiple":
		if hasAttr(n, name) {
			return "true"
		}
		return ""
	}
	v, _ := rawAttr(n, name)
	return v
}

func setValue(n *html.Node, v string) {
	if n.Data == "textarea" {
		for c := n.FirstChild; c != nil; {
			next := c.NextSibling
			n.RemoveChild(c)
			c = next
		}
		n.AppendChild(&html.Node{Type: html.TextNode, Data: v})
		return
	}
	setAttr(n, "value", v)
}

// rawText is the unnormalized text content of n.
func rawText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(c *html.Node) {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
			return
		}
		if c.Type == html.ElementNode && (c.Data == "script" || c.Data == "style") {
			return
		}
		for k := c.FirstChild; k != nil; k = k.NextSibling {
			walk(k)
		}
	}
	walk(n)
	return sb.String()
}

// textOf approximates rendered text: script/style dropped, whitespace collapsed.
func textOf(n *html.Node) string {
	return normalizeSpace(rawText(n))
}

func isSelected(n *html.Node) bool {
	switch n.Data {
	case "option":
		return optionSelected(n)
	case "input":
		return hasAttr(n, "checked")
	}
	return false
}

func ancestor(n *html.Node, tag string) *html.Node {
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode && p.Data == tag {
			return p
		}
	}
	return nil
}

func options(sel *html.Node) []*html.Node {
	return goquery.NewDocumentFromNode(sel).Find("option").Nodes
}

// optionSelected reports the selectedness a browser shows for opt: a single
// select with no selected option shows its first one.
func optionSelected(opt *html.Node) bool {
	if hasAttr(opt, "selected") {
		return true
	}
	sel := ancestor(opt, "select")
	if sel == nil || hasAttr(sel, "multiple") {
		return false
	}
	opts := options(sel)
	for _, o := range opts {
		if hasAttr(o, "selected") {
			return false
		}
	}
	return len(opts) > 0 && opts[0] == opt
}

func selectOption(opt *html.Node, selected bool) {
	if sel := ancestor(opt, "select"); sel != nil && selected && !hasAttr(sel, "multiple") {
		for _, o := range options(sel) {
			removeAttr(o, "selected")
		}
	}
	setBoolAttr(opt, "selected", selected)
}

func checkRadio(root, n *html.Node) {
	name := attribute(n, "name")
	if name != "" {
		goquery.NewDocumentFromNode(root).Find(`input[type="radio"]`).Each(func(_ int, s *goquery.Selection) {
			if attribute(s.Nodes[0], "name") == name {
				removeAttr(s.Nodes[0], "checked")
			}
		})
	}
	setBoolAttr(n, "checked", true)
}
