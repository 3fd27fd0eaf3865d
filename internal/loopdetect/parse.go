package loopdetect

import (
	"regexp"
	"strings"
	"time"
)

// KindError is the action kind for error lines in worker output.
const KindError = "error"

var (
	toolLine    = regexp.MustCompile(`^\s*\[Tool:\s*([^\]]+)\]\s*(.*)$`)
	errorMarker = regexp.MustCompile(`(?i)\b(error|exception|traceback|panic|fatal|failed|failure)\b`)
)

// ParseLine turns a line of worker output into an action.
//
// "[Tool: Edit] src/app.go replace handler" becomes a tool action with kind
// "Edit", target "src/app.go" and the remainder as content. Lines carrying an
// error marker become KindError actions with the line as output. Anything
// else is not an action.
func ParseLine(line string) (Action, bool) {
	line = strings.TrimRight(line, "\r\n")
	if m := toolLine.FindStringSubmatch(line); m != nil {
		rest := strings.TrimSpace(m[2])
		target, _, _ := strings.Cut(rest, " ")
		return Action{
			Kind:      strings.TrimSpace(m[1]),
			Target:    target,
			Content:   rest,
			Timestamp: time.Now(),
		}, true
	}
	if HasErrorMarker(line) {
		trimmed := strings.TrimSpace(line)
		return Action{
			Kind:      KindError,
			Content:   trimmed,
			Output:    trimmed,
			Timestamp: time.Now(),
		}, true
	}
	return Action{}, false
}

// HasErrorMarker reports whether text mentions an error.
func HasErrorMarker(text string) bool {
	return errorMarker.MatchString(text)
}

// firstErrorLine returns the first line of output carrying an error marker.
func firstErrorLine(output string) (string, bool) {
	for _, line := range strings.Split(output, "\n") {
		if HasErrorMarker(line) {
			return strings.TrimSpace(line), true
		}
	}
	return "", false
}
