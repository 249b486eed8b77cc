package models

import (
	"fmt"
	"strings"
)

type ActionKind string

// primitives understood by the device actuator
const (
	ActionTap          ActionKind = "tap"
	ActionType         ActionKind = "type"
	ActionSwipe        ActionKind = "swipe"
	ActionLongPress    ActionKind = "long_press"
	ActionScroll       ActionKind = "scroll"
	ActionLaunch       ActionKind = "launch"
	ActionBack         ActionKind = "back"
	ActionHome         ActionKind = "home"
	ActionRecents      ActionKind = "recents"
	ActionPaste        ActionKind = "paste"
	ActionSetClipboard ActionKind = "set_clipboard"
	ActionWait         ActionKind = "wait"
)

// loop control
const (
	ActionDone ActionKind = "done"
	ActionFail ActionKind = "fail"
)

// skills
const (
	SkillSubmitMessage   ActionKind = "submit_message"
	SkillCopyVisibleText ActionKind = "copy_visible_text"
	SkillWaitForContent  ActionKind = "wait_for_content"
	SkillFindAndTap      ActionKind = "find_and_tap"
	SkillComposeEmail    ActionKind = "compose_email"
	SkillLikeNthComment  ActionKind = "like_nth_comment"
	SkillVerifyNthLike   ActionKind = "verify_nth_comment_like"
)

type kindClass int

const (
	classPrimitive kindClass = iota
	classControl
	classSkill
)

var kinds = map[ActionKind]kindClass{
	ActionTap:            classPrimitive,
	ActionType:           classPrimitive,
	ActionSwipe:          classPrimitive,
	ActionLongPress:      classPrimitive,
	ActionScroll:         classPrimitive,
	ActionLaunch:         classPrimitive,
	ActionBack:           classPrimitive,
	ActionHome:           classPrimitive,
	ActionRecents:        classPrimitive,
	ActionPaste:          classPrimitive,
	ActionSetClipboard:   classPrimitive,
	ActionWait:           classPrimitive,
	ActionDone:           classControl,
	ActionFail:           classControl,
	SkillSubmitMessage:   classSkill,
	SkillCopyVisibleText: classSkill,
	SkillWaitForContent:  classSkill,
	SkillFindAndTap:      classSkill,
	SkillComposeEmail:    classSkill,
	SkillLikeNthComment:  classSkill,
	SkillVerifyNthLike:   classSkill,
}

// names reasoning services tend to use instead of ours
var aliases = map[string]ActionKind{
	"click":      ActionTap,
	"press":      ActionTap,
	"input":      ActionType,
	"type_text":  ActionType,
	"long_click": ActionLongPress,
	"longpress":  ActionLongPress,
	"open_app":   ActionLaunch,
	"open":       ActionLaunch,
	"go_back":    ActionBack,
	"finish":     ActionDone,
	"complete":   ActionDone,
	"give_up":    ActionFail,
}

type UnknownActionError struct {
	Kind string
}

func (e *UnknownActionError) Error() string {
	return fmt.Sprintf("unknown action %q", e.Kind)
}

// ParseActionKind resolves a name into the closed set of kinds.
func ParseActionKind(name string) (ActionKind, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.ReplaceAll(n, "-", "_")
	if k, ok := aliases[n]; ok {
		return k, nil
	}
	k := ActionKind(n)
	if _, ok := kinds[k]; !ok {
		return "", &UnknownActionError{Kind: name}
	}
	return k, nil
}

func (k ActionKind) IsPrimitive() bool { c, ok := kinds[k]; return ok && c == classPrimitive }
func (k ActionKind) IsControl() bool   { c, ok := kinds[k]; return ok && c == classControl }
func (k ActionKind) IsSkill() bool     { c, ok := kinds[k]; return ok && c == classSkill }

// Kinds lists every known kind, primitives first.
func Kinds() []ActionKind {
	out := make([]ActionKind, 0, len(kinds))
	for _, class := range []kindClass{classPrimitive, classSkill, classControl} {
		for _, k := range orderedKinds {
			if kinds[k] == class {
				out = append(out, k)
			}
		}
	}
	return out
}

var orderedKinds = []ActionKind{
	ActionTap, ActionType, ActionSwipe, ActionLongPress, ActionScroll, ActionLaunch,
	ActionBack, ActionHome, ActionRecents, ActionPaste, ActionSetClipboard, ActionWait,
	SkillSubmitMessage, SkillCopyVisibleText, SkillWaitForContent, SkillFindAndTap,
	SkillComposeEmail, SkillLikeNthComment, SkillVerifyNthLike,
	ActionDone, ActionFail,
}

// ActionDecision is the reasoning service's chosen next step.
type ActionDecision struct {
	Kind      ActionKind `json:"action"`
	Query     string     `json:"query,omitempty"`
	Text      string     `json:"text,omitempty"`
	Element   *int       `json:"element,omitempty"`
	X         *int       `json:"x,omitempty"`
	Y         *int       `json:"y,omitempty"`
	Package   string     `json:"package,omitempty"`
	Direction string     `json:"direction,omitempty"`
}

// Decision pairs an action with the reasoning that produced it.
type Decision struct {
	Action    ActionDecision
	Reasoning string
}

type Direction string

const (
	Up    Direction = "up"
	Down  Direction = "down"
	Left  Direction = "left"
	Right Direction = "right"
)

// Action is a primitive command executed by the device actuator.
type Action struct {
	Kind       ActionKind `json:"kind"`
	X          int        `json:"x,omitempty"`
	Y          int        `json:"y,omitempty"`
	X2         int        `json:"x2,omitempty"`
	Y2         int        `json:"y2,omitempty"`
	DurationMs int        `json:"durationMs,omitempty"`
	Text       string     `json:"text,omitempty"`
	Package    string     `json:"package,omitempty"`
	URI        string     `json:"uri,omitempty"`
	Direction  Direction  `json:"direction,omitempty"`
}

func Tap(p Point) Action { return Action{Kind: ActionTap, X: p.X, Y: p.Y} }

func Scroll(d Direction) Action { return Action{Kind: ActionScroll, Direction: d} }

// ActionResult is the outcome of executing one decision.
type ActionResult struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

func Succeeded(format string, args ...any) ActionResult {
	return ActionResult{Success: true, Message: fmt.Sprintf(format, args...)}
}

func Failure(format string, args ...any) ActionResult {
	return ActionResult{Success: false, Message: fmt.Sprintf(format, args...)}
}

// With returns a copy of the result with one more data field. The receiver's
// map is never written.
func (r ActionResult) With(key string, value any) ActionResult {
	data := make(map[string]any, len(r.Data)+1)
	for k, v := range r.Data {
		data[k] = v
	}
	data[key] = value
	r.Data = data
	return r
}
