package screen

import (
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"go-droidagent/pkg/models"
)

// Hash fingerprints a snapshot from element identities, texts and centers.
// It ignores element order and anything time-dependent.
func Hash(elements []models.UIElement) string {
	lines := make([]string, len(elements))
	for i, e := range elements {
		lines[i] = e.ID + "|" + e.Text + "|" + strconv.Itoa(e.Center.X) + "," + strconv.Itoa(e.Center.Y)
	}
	sort.Strings(lines)
	d := xxhash.New()
	for _, l := range lines {
		_, _ = d.WriteString(l)
		_, _ = d.WriteString("\n")
	}
	return strconv.FormatUint(d.Sum64(), 16)
}
