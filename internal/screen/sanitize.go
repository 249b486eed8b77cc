// Package screen turns raw accessibility trees into compact, ranked element
// lists and fingerprints them for stuck-loop detection.
package screen

import (
	"sort"
	"strings"

	"go-droidagent/pkg/models"
)

const DefaultMaxElements = 60

// Sanitize flattens the tree into at most max elements, most relevant first.
// Elements with equal relevance keep their tree order.
func Sanitize(root *models.Node, max int) []models.UIElement {
	if root == nil {
		return nil
	}
	if max <= 0 {
		max = DefaultMaxElements
	}
	var out []models.UIElement
	walk(root, func(n *models.Node) {
		if el, ok := toElement(n); ok {
			out = append(out, el)
		}
	})
	sort.SliceStable(out, func(i, j int) bool {
		return relevance(out[i]) > relevance(out[j])
	})
	if len(out) > max {
		out = out[:max]
	}
	for i := range out {
		out[i].Index = i
	}
	return out
}

// Build sanitizes root and wraps the result in a hashed Screen.
func Build(root *models.Node, max int) models.Screen {
	s := models.Screen{Elements: Sanitize(root, max)}
	if root != nil {
		s.Width, s.Height = root.Bounds.Right, root.Bounds.Bottom
		s.Package = root.Package
		if s.Package == "" && len(root.Children) > 0 {
			s.Package = root.Children[0].Package
		}
	}
	s.Hash = Hash(s.Elements)
	return s
}

// Normalize re-indexes elements a device sanitized itself and recomputes the
// hash so fingerprints never depend on the sender.
func Normalize(s models.Screen, max int) models.Screen {
	if max <= 0 {
		max = DefaultMaxElements
	}
	if len(s.Elements) > max {
		s.Elements = s.Elements[:max]
	}
	els := make([]models.UIElement, len(s.Elements))
	copy(els, s.Elements)
	for i := range els {
		els[i].Index = i
		if els[i].Center == (models.Point{}) && !els[i].Bounds.Empty() {
			els[i].Center = els[i].Bounds.Center()
		}
		if els[i].Kind == "" {
			els[i].Kind = kindOf(els[i].Editable, els[i].Clickable || els[i].LongClickable)
		}
	}
	s.Elements = els
	s.Hash = Hash(els)
	return s
}

func walk(n *models.Node, fn func(*models.Node)) {
	fn(n)
	for _, c := range n.Children {
		if c != nil {
			walk(c, fn)
		}
	}
}

func toElement(n *models.Node) (models.UIElement, bool) {
	if n.Bounds.Empty() {
		return models.UIElement{}, false
	}
	text := strings.TrimSpace(n.Text)
	if text == "" {
		text = strings.TrimSpace(n.ContentDesc)
	}
	if n.Password {
		text = ""
	}
	interactive := n.Clickable || n.LongClickable
	if text == "" && interactive {
		text = descendantLabel(n)
	}
	if !interactive && !n.Editable && !n.Scrollable && !n.Checkable && text == "" {
		return models.UIElement{}, false
	}
	return models.UIElement{
		ID:            shortID(n.ResourceID),
		Text:          text,
		Hint:          strings.TrimSpace(n.Hint),
		Class:         shortClass(n.Class),
		Bounds:        n.Bounds,
		Center:        n.Bounds.Center(),
		Width:         n.Bounds.Width(),
		Height:        n.Bounds.Height(),
		Enabled:       n.Enabled,
		Clickable:     n.Clickable,
		LongClickable: n.LongClickable,
		Editable:      n.Editable,
		Checked:       n.Checked,
		Selected:      n.Selected,
		Scrollable:    n.Scrollable,
		Kind:          kindOf(n.Editable, interactive),
	}, true
}

func kindOf(editable, interactive bool) models.ElementKind {
	switch {
	case editable:
		return models.KindType
	case interactive:
		return models.KindTap
	default:
		return models.KindRead
	}
}

// descendantLabel names an unlabeled button after the first texts below it.
func descendantLabel(n *models.Node) string {
	var parts []string
	for _, c := range n.Children {
		if c == nil {
			continue
		}
		walk(c, func(d *models.Node) {
			if len(parts) >= 2 || d.Password {
				return
			}
			t := strings.TrimSpace(d.Text)
			if t == "" {
				t = strings.TrimSpace(d.ContentDesc)
			}
			if t != "" {
				parts = append(parts, t)
			}
		})
	}
	return strings.Join(parts, " ")
}

func relevance(e models.UIElement) int {
	score := 0
	if e.Editable {
		score += 4
	}
	if e.Clickable {
		score += 3
	}
	if e.LongClickable {
		score++
	}
	if e.Text != "" {
		score += 2
	}
	if e.Scrollable {
		score++
	}
	if !e.Enabled {
		score--
	}
	return score
}

// shortID drops the "package:id/" prefix of Android resource ids.
func shortID(id string) string {
	if i := strings.Index(id, ":id/"); i >= 0 {
		return id[i+4:]
	}
	return id
}

func shortClass(class string) string {
	if i := strings.LastIndexByte(class, '.'); i >= 0 {
		return class[i+1:]
	}
	return class
}
