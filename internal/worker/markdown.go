package worker

import (
	"regexp"
	"strings"
)

var (
	linkRe       = regexp.MustCompile(`(!?)\[([^\]]*)\]\(([^)\s]+)(?:\s+"[^"]*")?\)`)
	factMarkerRe = regexp.MustCompile(`<!--\s*fact:([A-Za-z0-9_-]+)\s*-->`)
	commentRe    = regexp.MustCompile(`(?s)<!--.*?-->`)
)

// Link is one markdown link or image reference.
type Link struct {
	Text   string
	Target string
	Image  bool
	Line   int
}

// Links returns the links of a markdown body with 1-based line numbers.
// Fenced code is skipped.
func Links(body string) []Link {
	var out []Link
	for i, line := range ProseLines(body) {
		for _, m := range linkRe.FindAllStringSubmatch(line, -1) {
			out = append(out, Link{Image: m[1] == "!", Text: m[2], Target: m[3], Line: i + 1})
		}
	}
	return out
}

// Claim is a list item of a draft, optionally backed by fact markers.
type Claim struct {
	Line  int
	Text  string
	Facts []string
}

// Claims returns the list items that state something. Items made only of a
// link are navigation, not claims.
func Claims(body string) []Claim {
	var out []Claim
	for i, line := range ProseLines(body) {
		t := strings.TrimSpace(line)
		if !strings.HasPrefix(t, "- ") && !strings.HasPrefix(t, "* ") {
			continue
		}
		item := strings.TrimSpace(t[2:])
		if linkRe.ReplaceAllString(commentRe.ReplaceAllString(item, ""), "") == "" {
			continue
		}
		c := Claim{Line: i + 1, Text: item}
		for _, m := range factMarkerRe.FindAllStringSubmatch(item, -1) {
			c.Facts = append(c.Facts, m[1])
		}
		out = append(out, c)
	}
	return out
}

// Words counts the words of a markdown body outside comments and code.
func Words(body string) int {
	n := 0
	for _, line := range ProseLines(body) {
		line = commentRe.ReplaceAllString(line, " ")
		for _, f := range strings.Fields(line) {
			if strings.Trim(f, "#-*>|`") != "" {
				n++
			}
		}
	}
	return n
}

// ProseLines returns the body split into lines with fenced code blocks
// blanked, so line numbers stay aligned with the file.
func ProseLines(body string) []string {
	lines := strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n")
	inFence := false
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inFence = !inFence
			lines[i] = ""
			continue
		}
		if inFence {
			lines[i] = ""
		}
	}
	return lines
}
