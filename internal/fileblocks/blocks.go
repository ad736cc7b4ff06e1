// Package fileblocks encodes and decodes multi-file model responses: fenced
// code blocks annotated with the target path.
//
//	```markdown file=drafts/install.md
//	...
//	```
package fileblocks

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

// Block is one file extracted from a response.
type Block struct {
	Path    string
	Lang    string
	Content string
}

var fenceOpenRe = regexp.MustCompile("^```(\\w*)\\s*file=(\\S+)")

// Parse extracts fenced blocks annotated with file= from text in order of
// appearance. An unterminated block is dropped.
func Parse(text string) []Block {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	var blocks []Block
	var current *Block
	var buf strings.Builder

	for _, line := range lines {
		if current != nil {
			if strings.TrimSpace(line) == "```" {
				current.Content = buf.String()
				blocks = append(blocks, *current)
				current = nil
				buf.Reset()
				continue
			}
			if buf.Len() > 0 {
				buf.WriteByte('\n')
			}
			buf.WriteString(line)
			continue
		}
		if m := fenceOpenRe.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			current = &Block{Lang: m[1], Path: m[2]}
			buf.Reset()
		}
	}
	return blocks
}

// Render encodes blocks so Parse returns them unchanged.
func Render(blocks []Block) string {
	var b strings.Builder
	for i, bl := range blocks {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "```%s file=%s\n%s\n```\n", bl.Lang, bl.Path, strings.TrimSuffix(bl.Content, "\n"))
	}
	return b.String()
}

// Under returns the blocks whose path lies inside dir, rejecting absolute
// paths and ".." segments.
func Under(blocks []Block, dir string) ([]Block, error) {
	dir = strings.TrimSuffix(dir, "/") + "/"
	var out []Block
	for _, bl := range blocks {
		p := bl.Path
		if path.IsAbs(p) || strings.Contains("/"+p+"/", "/../") {
			return nil, fmt.Errorf("fileblocks: path %q escapes %s", p, dir)
		}
		if !strings.HasPrefix(path.Clean(p), dir) {
			return nil, fmt.Errorf("fileblocks: path %q is outside %s", p, dir)
		}
		bl.Path = path.Clean(p)
		out = append(out, bl)
	}
	return out, nil
}
