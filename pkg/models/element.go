package models

// Rect is a bounding box in screen pixels.
type Rect struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
}

func (r Rect) Width() int  { return r.Right - r.Left }
func (r Rect) Height() int { return r.Bottom - r.Top }
func (r Rect) Area() int   { return r.Width() * r.Height() }
func (r Rect) Empty() bool { return r.Width() <= 0 || r.Height() <= 0 }

func (r Rect) Center() Point {
	return Point{X: r.Left + r.Width()/2, Y: r.Top + r.Height()/2}
}

type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Node is one node of the raw accessibility tree as reported by a device.
type Node struct {
	ResourceID    string  `json:"resourceId,omitempty"`
	Text          string  `json:"text,omitempty"`
	ContentDesc   string  `json:"contentDesc,omitempty"`
	Hint          string  `json:"hint,omitempty"`
	Class         string  `json:"class,omitempty"`
	Package       string  `json:"package,omitempty"`
	Bounds        Rect    `json:"bounds"`
	Enabled       bool    `json:"enabled"`
	Clickable     bool    `json:"clickable,omitempty"`
	LongClickable bool    `json:"longClickable,omitempty"`
	Editable      bool    `json:"editable,omitempty"`
	Checkable     bool    `json:"checkable,omitempty"`
	Checked       bool    `json:"checked,omitempty"`
	Selected      bool    `json:"selected,omitempty"`
	Scrollable    bool    `json:"scrollable,omitempty"`
	Password      bool    `json:"password,omitempty"`
	Children      []*Node `json:"children,omitempty"`
}

type ElementKind string

const (
	KindTap  ElementKind = "tap"
	KindRead ElementKind = "read"
	KindType ElementKind = "type"
)

// UIElement is one interactive or readable item of a sanitized snapshot.
type UIElement struct {
	Index         int         `json:"index"`
	ID            string      `json:"id,omitempty"`
	Text          string      `json:"text,omitempty"`
	Hint          string      `json:"hint,omitempty"`
	Class         string      `json:"class,omitempty"`
	Bounds        Rect        `json:"bounds"`
	Center        Point       `json:"center"`
	Width         int         `json:"width"`
	Height        int         `json:"height"`
	Enabled       bool        `json:"enabled"`
	Clickable     bool        `json:"clickable,omitempty"`
	LongClickable bool        `json:"longClickable,omitempty"`
	Editable      bool        `json:"editable,omitempty"`
	Checked       bool        `json:"checked,omitempty"`
	Selected      bool        `json:"selected,omitempty"`
	Scrollable    bool        `json:"scrollable,omitempty"`
	Kind          ElementKind `json:"kind"`
}

// Interactive reports whether the element accepts a tap.
func (e UIElement) Interactive() bool {
	return e.Clickable || e.LongClickable
}

// Screen is one sanitized observation.
type Screen struct {
	Elements []UIElement `json:"elements"`
	Hash     string      `json:"screenHash"`
	Width    int         `json:"width,omitempty"`
	Height   int         `json:"height,omitempty"`
	Package  string      `json:"package,omitempty"`
}

// Texts returns every non-empty element text in snapshot order.
func (s Screen) Texts() []string {
	out := make([]string, 0, len(s.Elements))
	for _, e := range s.Elements {
		if e.Text != "" {
			out = append(out, e.Text)
		}
	}
	return out
}

// Element looks an element up by its snapshot index.
func (s Screen) Element(index int) (UIElement, bool) {
	for _, e := range s.Elements {
		if e.Index == index {
			return e, true
		}
	}
	return UIElement{}, false
}

// Size falls back to the furthest element edge when the device did not report dimensions.
func (s Screen) Size() (int, int) {
	w, h := s.Width, s.Height
	if w > 0 && h > 0 {
		return w, h
	}
	for _, e := range s.Elements {
		if e.Bounds.Right > w {
			w = e.Bounds.Right
		}
		if e.Bounds.Bottom > h {
			h = e.Bounds.Bottom
		}
	}
	return w, h
}
