package handler

import (
	"fmt"
	"strings"

	"go-droidagent/pkg/models"
	"go-droidagent/pkg/prompts"
)

// FormatScreen renders one element per line for the decision prompt.
func FormatScreen(s models.Screen) string {
	if len(s.Elements) == 0 {
		return "(no elements could be read from the screen)"
	}
	var b strings.Builder
	if s.Package != "" {
		fmt.Fprintf(&b, "app: %s\n", s.Package)
	}
	for _, e := range s.Elements {
		fmt.Fprintf(&b, "[%d] %s", e.Index, e.Kind)
		if e.Text != "" {
			fmt.Fprintf(&b, " %q", e.Text)
		}
		if e.Hint != "" {
			fmt.Fprintf(&b, " (%s)", e.Hint)
		}
		if e.ID != "" {
			fmt.Fprintf(&b, " id=%s", e.ID)
		}
		fmt.Fprintf(&b, " @%d,%d", e.Center.X, e.Center.Y)
		if f := flags(e); f != "" {
			b.WriteString(" " + f)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func flags(e models.UIElement) string {
	var f []string
	if !e.Enabled {
		f = append(f, "disabled")
	}
	if e.LongClickable {
		f = append(f, "long")
	}
	if e.Scrollable {
		f = append(f, "scrollable")
	}
	if e.Checked {
		f = append(f, "checked")
	}
	if e.Selected {
		f = append(f, "selected")
	}
	return strings.Join(f, ",")
}

// FormatHistory renders the step window oldest first.
func FormatHistory(steps []models.AgentStep) string {
	if len(steps) == 0 {
		return "(none yet)"
	}
	var b strings.Builder
	for _, s := range steps {
		outcome := "ok"
		if !s.Result.Success {
			outcome = "failed"
		}
		fmt.Fprintf(&b, "%d. %s -> %s: %s", s.Number, FormatDecision(s.Decision), outcome, s.Result.Message)
		if s.Stuck {
			b.WriteString(" (screen unchanged)")
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatDecision renders a decision compactly, e.g. `tap element=3`.
func FormatDecision(d models.ActionDecision) string {
	parts := []string{string(d.Kind)}
	if d.Element != nil {
		parts = append(parts, fmt.Sprintf("element=%d", *d.Element))
	}
	if d.X != nil && d.Y != nil {
		parts = append(parts, fmt.Sprintf("at=%d,%d", *d.X, *d.Y))
	}
	if d.Query != "" {
		parts = append(parts, fmt.Sprintf("query=%q", d.Query))
	}
	if d.Text != "" {
		parts = append(parts, fmt.Sprintf("text=%q", d.Text))
	}
	if d.Package != "" {
		parts = append(parts, "package="+d.Package)
	}
	if d.Direction != "" {
		parts = append(parts, "direction="+d.Direction)
	}
	return strings.Join(parts, " ")
}

func FormatResult(r *models.ActionResult) string {
	if r == nil {
		return ""
	}
	if r.Success {
		return "success, " + r.Message
	}
	return "failure, " + r.Message
}

func FormatActions() string {
	var b strings.Builder
	for _, k := range models.Kinds() {
		fmt.Fprintf(&b, "- %s: %s\n", k, prompts.ActionHelp[string(k)])
	}
	return strings.TrimRight(b.String(), "\n")
}
