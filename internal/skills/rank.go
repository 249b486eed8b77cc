package skills

import (
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"go-droidagent/pkg/models"
)

var (
	sendPattern   = regexp.MustCompile(`(?i)send|submit|post|arrow|paper.?plane`)
	likePattern   = regexp.MustCompile(`(?i)like|heart|favou?rite`)
	likedPattern  = regexp.MustCompile(`(?i)unlike|undo|liked|remove like`)
	emailPattern  = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	countPattern  = regexp.MustCompile(`(?i)^(\d+(?:[.,]\d+)?)\s*([km])?(?:\s*likes?)?$`)
	numberPattern = regexp.MustCompile(`\d+`)
	bodyIDPattern = regexp.MustCompile(`(?i)body|message|compose|content`)
	hintPattern   = regexp.MustCompile(`(?i)compose|message|body|write`)
)

var ordinalWords = map[string]int{
	"first": 1, "second": 2, "third": 3, "fourth": 4, "fifth": 5,
	"sixth": 6, "seventh": 7, "eighth": 8, "ninth": 9, "tenth": 10,
}

// RankSendButtons returns enabled clickable elements that look like a send
// control. With no labelled match it falls back to clickables in the bottom
// fifth of the screen, rightmost first.
func RankSendButtons(s models.Screen) []models.UIElement {
	var named, bottom []models.UIElement
	_, h := s.Size()
	for _, e := range s.Elements {
		if !e.Enabled || !e.Clickable {
			continue
		}
		if sendPattern.MatchString(e.Text) || sendPattern.MatchString(e.ID) {
			named = append(named, e)
			continue
		}
		if h > 0 && e.Center.Y >= h*4/5 {
			bottom = append(bottom, e)
		}
	}
	if len(named) > 0 {
		return named
	}
	sort.SliceStable(bottom, func(i, j int) bool {
		return bottom[i].Center.X > bottom[j].Center.X
	})
	return bottom
}

// RankMatches scores elements whose text contains query, best first.
func RankMatches(els []models.UIElement, query string) []models.UIElement {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil
	}
	type scored struct {
		el    models.UIElement
		score int
	}
	var hits []scored
	for _, e := range els {
		text := strings.ToLower(e.Text)
		if !strings.Contains(text, q) {
			continue
		}
		score := 0
		if e.Clickable {
			score += 3
		}
		if e.LongClickable {
			score++
		}
		if e.Enabled {
			score += 2
		}
		if text == q {
			score += 5
		}
		hits = append(hits, scored{e, score})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	out := make([]models.UIElement, len(hits))
	for i, h := range hits {
		out[i] = h.el
	}
	return out
}

// LikeRow is one like control per list row.
type LikeRow struct {
	Element models.UIElement
	X, Y    int
}

// Liked reports whether the control itself says the item is already liked.
func (r LikeRow) Liked() bool {
	e := r.Element
	return e.Selected || e.Checked || likedPattern.MatchString(e.Text) || likedPattern.MatchString(e.ID)
}

// LikeRows finds like controls in the right-hand zone of the screen, outside
// the header and footer bands, keeping the rightmost control per row.
func LikeRows(s models.Screen, cfg Config) []LikeRow {
	w, h := s.Size()
	if w <= 0 || h <= 0 {
		return nil
	}
	minX := int(float64(w) * (1 - cfg.LikeZone))
	top := int(float64(h) * cfg.HeaderBand)
	bottom := int(float64(h) * (1 - cfg.FooterBand))

	var cands []LikeRow
	for _, e := range s.Elements {
		if !e.Interactive() || !e.Enabled {
			continue
		}
		if !likePattern.MatchString(e.Text) && !likePattern.MatchString(e.ID) {
			continue
		}
		c := e.Center
		if c.X < minX || c.Y < top || c.Y > bottom {
			continue
		}
		cands = append(cands, LikeRow{Element: e, X: c.X, Y: c.Y})
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].Y < cands[j].Y })

	var rows []LikeRow
	for _, c := range cands {
		if n := len(rows); n > 0 && abs(rows[n-1].Y-c.Y) <= cfg.RowTolerance {
			if c.X > rows[n-1].X {
				rows[n-1] = c
			}
			continue
		}
		rows = append(rows, c)
	}
	return rows
}

// NearestRow picks the row closest to y, within tolerance.
func NearestRow(rows []LikeRow, y, tolerance int) (LikeRow, bool) {
	best, dist := LikeRow{}, math.MaxInt
	for _, r := range rows {
		if d := abs(r.Y - y); d <= tolerance && d < dist {
			best, dist = r, d
		}
	}
	return best, dist != math.MaxInt
}

// NearbyCount reads the numeric label closest to the control, such as a like
// counter next to or under a heart icon.
func NearbyCount(s models.Screen, row LikeRow, tolerance int) (int, bool) {
	best, found, dist := 0, false, math.MaxInt
	for _, e := range s.Elements {
		if e.Center == row.Element.Center && e.ID == row.Element.ID {
			continue
		}
		n, ok := ParseCount(e.Text)
		if !ok {
			continue
		}
		dy := abs(e.Center.Y - row.Y)
		if dy > tolerance*2 {
			continue
		}
		if d := dy + abs(e.Center.X-row.X); d < dist {
			best, found, dist = n, true, d
		}
	}
	return best, found
}

// ParseCount understands "12", "1,204", "1.204", "3.4K" and "7 likes".
func ParseCount(text string) (int, bool) {
	m := countPattern.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return 0, false
	}
	num := m[1]
	mult := 1.0
	switch strings.ToLower(m[2]) {
	case "k":
		mult = 1e3
		num = strings.ReplaceAll(num, ",", ".")
	case "m":
		mult = 1e6
		num = strings.ReplaceAll(num, ",", ".")
	default:
		// a separator is a thousands mark only in front of exactly three digits
		if i := strings.IndexAny(num, ",."); i >= 0 && len(num)-i-1 == 3 {
			num = num[:i] + num[i+1:]
		} else {
			num = strings.ReplaceAll(num, ",", ".")
		}
	}
	f, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, false
	}
	return int(math.Round(f * mult)), true
}

// ParseOrdinal finds the first ordinal in the texts ("3", "3rd", "third").
// Missing or non-positive ordinals yield def.
func ParseOrdinal(def int, texts ...string) int {
	for _, t := range texts {
		low := strings.ToLower(t)
		if m := numberPattern.FindString(low); m != "" {
			if n, err := strconv.Atoi(m); err == nil && n > 0 {
				return n
			}
			continue
		}
		for _, word := range strings.FieldsFunc(low, func(r rune) bool { return r < 'a' || r > 'z' }) {
			if n, ok := ordinalWords[word]; ok && n > 0 {
				return n
			}
		}
	}
	return def
}

func ExtractEmail(text string) string {
	return emailPattern.FindString(text)
}

// PickBodyField chooses the message body among editable fields: by id, then
// by hint, then the largest field with later fields winning ties.
func PickBodyField(editables []models.UIElement) (models.UIElement, bool) {
	if len(editables) == 0 {
		return models.UIElement{}, false
	}
	for _, e := range editables {
		if bodyIDPattern.MatchString(e.ID) {
			return e, true
		}
	}
	for _, e := range editables {
		if hintPattern.MatchString(e.Hint) {
			return e, true
		}
	}
	best := editables[0]
	for _, e := range editables[1:] {
		if e.Bounds.Area() >= best.Bounds.Area() {
			best = e
		}
	}
	return best, true
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
