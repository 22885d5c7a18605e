package action

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	toolCallPattern = regexp.MustCompile(`(?s)<tool_call>(.*?)</tool_call>`)
	thinkingPattern = regexp.MustCompile(`(?s)<thinking>(.*?)</thinking>`)
	typePattern     = regexp.MustCompile(`(?:type|input)\s*\(\s*["'](.+?)["']\s*\)`)
	answerPattern   = regexp.MustCompile(`(?s)answer\s*\(\s*["'](.+?)["']\s*\)`)

	// coordinatePatterns are tried in order; the first that matches anywhere wins.
	coordinatePatterns = []*regexp.Regexp{
		regexp.MustCompile(`click\s*\(\s*(\d+)\s*,\s*(\d+)\s*\)`),
		regexp.MustCompile(`\(\s*(\d+)\s*,\s*(\d+)\s*\)`),
		regexp.MustCompile(`(\d+)\s*,\s*(\d+)`),
	}
)

// Parsed is the result of parsing one model response.
type Parsed struct {
	Action    Action
	Rationale string
}

// Rule selects an action family by keyword and builds the action from the
// tool-call body. A rule whose Match succeeds ends rule evaluation even when
// Build fails; the parser then falls back to Wait.
type Rule struct {
	Kind  Kind
	Match func(lower string) bool
	Build func(body string) (Action, bool)
}

// Rules is the fixed priority order used by Parse.
var Rules = []Rule{
	{
		Kind:  KindClick,
		Match: contains("click"),
		Build: func(body string) (Action, bool) {
			x, y, ok := ParseCoordinates(body)
			return Click(x, y), ok
		},
	},
	{
		Kind:  KindLongPress,
		Match: contains("long_press"),
		Build: func(body string) (Action, bool) {
			x, y, ok := ParseCoordinates(body)
			return LongPress(x, y), ok
		},
	},
	{
		Kind:  KindType,
		Match: func(lower string) bool { return strings.Contains(lower, "type(") || strings.Contains(lower, "input(") },
		Build: func(body string) (Action, bool) {
			m := typePattern.FindStringSubmatch(body)
			if m == nil {
				return Action{}, false
			}
			return TypeText(m[1]), true
		},
	},
	{
		Kind:  KindSwipe,
		Match: contains("swipe"),
		Build: func(body string) (Action, bool) {
			lower := strings.ToLower(body)
			for _, d := range directions {
				if strings.Contains(lower, string(d)) {
					return Swipe(d), true
				}
			}
			// Unrecognized direction: ignored.
			return Action{}, false
		},
	},
	{Kind: KindBack, Match: contains("back"), Build: constant(Back())},
	{Kind: KindHome, Match: contains("home"), Build: constant(Home())},
	{Kind: KindTerminate, Match: contains("terminate"), Build: constant(Terminate())},
	{
		Kind:  KindAnswer,
		Match: contains("answer"),
		Build: func(body string) (Action, bool) {
			m := answerPattern.FindStringSubmatch(body)
			if m == nil {
				return Action{}, false
			}
			return Answer(m[1]), true
		},
	},
}

// Parse converts free-form model output into an action. It never fails:
// text that no rule can resolve yields Wait with the raw text preserved.
func Parse(text string) Parsed {
	body := text
	if m := toolCallPattern.FindStringSubmatch(text); m != nil {
		body = strings.TrimSpace(m[1])
	}

	result := Parsed{Action: fallback(text)}
	lower := strings.ToLower(body)
	for _, r := range Rules {
		if !r.Match(lower) {
			continue
		}
		if a, ok := r.Build(body); ok {
			result.Action = a
		}
		break
	}

	if m := thinkingPattern.FindStringSubmatch(text); m != nil {
		result.Rationale = strings.TrimSpace(m[1])
	}
	return result
}

// ParseCoordinates finds the first coordinate pair in text and normalizes it
// from the 0..999 model scale into [0,1].
func ParseCoordinates(text string) (x, y float64, ok bool) {
	for _, p := range coordinatePatterns {
		m := p.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		// Digits only, so ParseFloat cannot fail; huge values clamp to 1.
		xv, _ := strconv.ParseFloat(m[1], 64)
		yv, _ := strconv.ParseFloat(m[2], 64)
		return clamp01(xv / ScaleFactor), clamp01(yv / ScaleFactor), true
	}
	return 0, 0, false
}

func contains(keyword string) func(string) bool {
	return func(lower string) bool { return strings.Contains(lower, keyword) }
}

func constant(a Action) func(string) (Action, bool) {
	return func(string) (Action, bool) { return a, true }
}
