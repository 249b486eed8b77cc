package adb

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/beevik/etree"

	"go-droidagent/pkg/models"
)

// parseDump turns uiautomator XML into a node tree. Output without a
// hierarchy (the "null root node" case while windows animate) yields nil.
func parseDump(out []byte) (*models.Node, error) {
	start := bytes.Index(out, []byte("<hierarchy"))
	end := bytes.LastIndex(out, []byte("</hierarchy>"))
	if start < 0 || end < start {
		return nil, nil
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(out[start : end+len("</hierarchy>")]); err != nil {
		return nil, fmt.Errorf("parse ui dump: %w", err)
	}
	h := doc.SelectElement("hierarchy")
	if h == nil {
		return nil, nil
	}

	root := &models.Node{Enabled: true}
	for _, el := range h.SelectElements("node") {
		root.Children = append(root.Children, toNode(el))
	}
	if len(root.Children) == 0 {
		return nil, nil
	}
	if len(root.Children) == 1 {
		return root.Children[0], nil
	}
	for _, c := range root.Children {
		root.Bounds = union(root.Bounds, c.Bounds)
	}
	return root, nil
}

func toNode(el *etree.Element) *models.Node {
	attr := func(k string) string { return el.SelectAttrValue(k, "") }
	flag := func(k string) bool { return attr(k) == "true" }

	n := &models.Node{
		ResourceID:    attr("resource-id"),
		Text:          attr("text"),
		ContentDesc:   attr("content-desc"),
		Hint:          attr("hint"),
		Class:         attr("class"),
		Package:       attr("package"),
		Bounds:        parseBounds(attr("bounds")),
		Enabled:       flag("enabled"),
		Clickable:     flag("clickable"),
		LongClickable: flag("long-clickable"),
		Checkable:     flag("checkable"),
		Checked:       flag("checked"),
		Selected:      flag("selected"),
		Scrollable:    flag("scrollable"),
		Password:      flag("password"),
	}
	n.Editable = strings.Contains(n.Class, "EditText") || strings.Contains(n.Class, "AutoCompleteTextView")
	for _, c := range el.SelectElements("node") {
		n.Children = append(n.Children, toNode(c))
	}
	return n
}

// parseBounds reads "[left,top][right,bottom]".
func parseBounds(s string) models.Rect {
	var r models.Rect
	if _, err := fmt.Sscanf(s, "[%d,%d][%d,%d]", &r.Left, &r.Top, &r.Right, &r.Bottom); err != nil {
		return models.Rect{}
	}
	return r
}

func union(a, b models.Rect) models.Rect {
	if a.Empty() {
		return b
	}
	if b.Empty() {
		return a
	}
	return models.Rect{
		Left:   min(a.Left, b.Left),
		Top:    min(a.Top, b.Top),
		Right:  max(a.Right, b.Right),
		Bottom: max(a.Bottom, b.Bottom),
	}
}

// parseSize reads `wm size` output, preferring an override over the
// physical size.
func parseSize(out []byte) (int, int, bool) {
	var w, h int
	found := false
	for _, line := range strings.Split(string(out), "\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		ws, hs, ok := strings.Cut(strings.TrimSpace(v), "x")
		if !ok {
			continue
		}
		pw, err1 := strconv.Atoi(ws)
		ph, err2 := strconv.Atoi(hs)
		if err1 != nil || err2 != nil {
			continue
		}
		if !found || strings.HasPrefix(k, "Override") {
			w, h, found = pw, ph, true
		}
	}
	return w, h, found
}
