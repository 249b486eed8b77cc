package prompts

var (
	DecisionTemplate = `
You are an intelligent AI who operates an Android phone on behalf of a user. Your goal is: "{{.Goal}}"

The phone screen currently shows these elements, one per line as
[index] kind "text" (hint) id=resource-id @x,y flags:
{{.Screen}}

Here is an ordered list of the most recent steps you have taken, oldest first:
{{.History}}
{{if .LastResult}}
The result of your last action was: {{.LastResult}}
{{end}}{{if .Directive}}
IMPORTANT: {{.Directive}}
{{end}}
Pick exactly one next action from only the following list:
{{.Actions}}

Prefer a skill when one matches what you need, skills chain several gestures and verify the outcome.
Refer to elements by their index where possible instead of raw coordinates.
When the goal has been achieved use "done". If the goal cannot be achieved use "fail" and explain why in "text".

Fill in the following json format, escape any invalid characters in the values, return only what is in the json block, e.g. {}:
{
    "action": "{ACTION_NAME}",
    "element": {OPTIONAL_ELEMENT_INDEX},
    "query": "{OPTIONAL_QUERY}",
    "text": "{OPTIONAL_TEXT}",
    "x": {OPTIONAL_X},
    "y": {OPTIONAL_Y},
    "package": "{OPTIONAL_PACKAGE}",
    "direction": "{OPTIONAL_DIRECTION}",
    "reasoning": "{YOUR_REASONING}"
}
`

	// StuckDirective is injected when the screen has not changed for several steps.
	StuckDirective = `The screen has not changed for the last {{.Steps}} steps. Your previous actions are not working. Try a different approach: use another element, scroll, go back, or use a skill.`

	ActionHelp = map[string]string{
		"tap":                     `tap an element ("element") or coordinates ("x","y")`,
		"type":                    `type "text" into the focused field`,
		"swipe":                   `swipe in "direction" (up, down, left, right)`,
		"long_press":              `long press an element ("element") or coordinates ("x","y")`,
		"scroll":                  `scroll the content in "direction" (default down)`,
		"launch":                  `launch the app with "package"`,
		"back":                    `press the system back button`,
		"home":                    `go to the home screen`,
		"recents":                 `open the recent apps list`,
		"paste":                   `paste the clipboard into the focused field`,
		"set_clipboard":           `put "text" on the clipboard`,
		"wait":                    `wait a moment for the screen to settle`,
		"submit_message":          `skill: find and tap the send/submit button, then report any new response text`,
		"copy_visible_text":       `skill: copy visible text to the clipboard, optionally only lines containing "query"`,
		"wait_for_content":        `skill: wait until new text appears on screen (e.g. a generated reply)`,
		"find_and_tap":            `skill: find the element whose text contains "query", scrolling if needed, and tap it`,
		"compose_email":           `skill: start an email to "query" (or the address inside "text") and paste "text" or the clipboard as body`,
		"like_nth_comment":        `skill: tap the like button of the Nth visible comment, N given in "query"`,
		"verify_nth_comment_like": `skill: check whether the Nth comment's like registered, N given in "query"`,
		"done":                    `the goal is complete`,
		"fail":                    `the goal cannot be completed, explain in "text"`,
	}
)
