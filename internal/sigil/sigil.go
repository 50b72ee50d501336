// Package sigil implements spec.md §4.4's narrow out-of-band control
// channel: XML-shaped markers embedded in an agent's free-form text
// output. Parsing is deliberately position-based substring matching, not
// a real XML parser — spec.md §9 asks implementers to resist the urge to
// reach for one, since the sigils are meant to tolerate malformed
// surrounding text.
package sigil

import "strings"

// Set is everything extracted from one block of agent text.
type Set struct {
	TaskDone    string // task id, "" if absent
	TaskFailed  string // task id, "" if absent
	Complete    bool
	Failure     bool
	NextModel   string // "" if absent or not in the whitelist
	Journal     string // "" if absent
	Knowledge   []Knowledge
	VerifyPass  bool
	VerifyFail  string // reason; "" both when absent and when present-but-empty
	hasVerifyFail bool
}

// HasVerifyFail reports whether a <verify-fail> sigil was present at all
// (as opposed to VerifyFail being the empty string because the reason was
// blank).
func (s Set) HasVerifyFail() bool { return s.hasVerifyFail }

// Knowledge is one <knowledge> sigil's payload.
type Knowledge struct {
	Title string
	Tags  []string
	Body  string
}

// validModels is the next-model whitelist (spec.md §4.4, REDESIGN note 4:
// the wire names leak a specific model family; the model package maps
// these onto an internal tier enum at the boundary).
var validModels = map[string]bool{
	"opus":   true,
	"sonnet": true,
	"haiku":  true,
}

// Extract parses every recognized sigil out of text. Absence of any sigil
// is not an error — spec.md is explicit that "all sigils are optional".
// Among duplicate singleton sigils (task-done, task-failed, next-model,
// journal, verify-pass, verify-fail) the first well-formed occurrence
// wins; every well-formed <promise> sets the flag its payload names (so
// COMPLETE and FAILURE can both be reported), and every well-formed
// <knowledge> sigil is kept.
func Extract(text string) Set {
	var s Set

	if id, ok := firstTagContent(text, "task-done"); ok {
		s.TaskDone = strings.TrimSpace(id)
	}
	if id, ok := firstTagContent(text, "task-failed"); ok {
		s.TaskFailed = strings.TrimSpace(id)
	}

	for _, payload := range allTagContents(text, "promise") {
		switch strings.TrimSpace(payload) {
		case "COMPLETE":
			s.Complete = true
		case "FAILURE":
			s.Failure = true
		}
	}

	if name, ok := firstTagContent(text, "next-model"); ok {
		name = strings.TrimSpace(name)
		if validModels[name] {
			s.NextModel = name
		}
		// Invalid names are silently ignored per spec.md §4.4.
	}

	if note, ok := firstTagContent(text, "journal"); ok {
		s.Journal = strings.TrimSpace(note)
	}

	s.Knowledge = extractKnowledge(text)

	if hasSelfClosingTag(text, "verify-pass") {
		s.VerifyPass = true
	}
	if reason, ok := firstTagContent(text, "verify-fail"); ok {
		s.hasVerifyFail = true
		s.VerifyFail = strings.TrimSpace(reason)
	}

	return s
}

// firstTagContent returns the body of the first well-formed <tag>...</tag>
// occurrence (whitespace trimmed), substring-matched without regard to
// what surrounds it.
func firstTagContent(text, tag string) (string, bool) {
	open := "<" + tag + ">"
	close := "</" + tag + ">"
	start := strings.Index(text, open)
	if start == -1 {
		return "", false
	}
	bodyStart := start + len(open)
	end := strings.Index(text[bodyStart:], close)
	if end == -1 {
		return "", false
	}
	return text[bodyStart : bodyStart+end], true
}

// allTagContents returns every well-formed <tag>...</tag> body, in order
// of first appearance.
func allTagContents(text, tag string) []string {
	open := "<" + tag + ">"
	close := "</" + tag + ">"
	var out []string
	pos := 0
	for {
		start := strings.Index(text[pos:], open)
		if start == -1 {
			return out
		}
		start += pos
		bodyStart := start + len(open)
		end := strings.Index(text[bodyStart:], close)
		if end == -1 {
			return out
		}
		out = append(out, text[bodyStart:bodyStart+end])
		pos = bodyStart + end + len(close)
	}
}

func hasSelfClosingTag(text, tag string) bool {
	return strings.Contains(text, "<"+tag+"/>") || strings.Contains(text, "<"+tag+" />")
}

// extractKnowledge finds every <knowledge tags="..." title="...">body
// sigil. Attribute parsing is a simple quoted-value scan, not a real
// attribute grammar: good enough for agent-produced markers, deliberately
// not robust against adversarial input (spec.md §9).
func extractKnowledge(text string) []Knowledge {
	const openPrefix = "<knowledge"
	const closeTag = "</knowledge>"
	var out []Knowledge
	pos := 0
	for {
		start := strings.Index(text[pos:], openPrefix)
		if start == -1 {
			return out
		}
		start += pos
		tagEnd := strings.Index(text[start:], ">")
		if tagEnd == -1 {
			return out
		}
		tagEnd += start
		attrs := text[start+len(openPrefix) : tagEnd]
		bodyStart := tagEnd + 1
		bodyEnd := strings.Index(text[bodyStart:], closeTag)
		if bodyEnd == -1 {
			return out
		}
		body := text[bodyStart : bodyStart+bodyEnd]
		k := Knowledge{
			Title: attrValue(attrs, "title"),
			Tags:  splitTags(attrValue(attrs, "tags")),
			Body:  strings.TrimSpace(body),
		}
		out = append(out, k)
		pos = bodyStart + bodyEnd + len(closeTag)
	}
}

func attrValue(attrs, name string) string {
	marker := name + "=\""
	idx := strings.Index(attrs, marker)
	if idx == -1 {
		return ""
	}
	start := idx + len(marker)
	end := strings.Index(attrs[start:], "\"")
	if end == -1 {
		return ""
	}
	return attrs[start : start+end]
}

func splitTags(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
