// Package docs holds the help topics printed by 'docpipe docs'.
package docs

import (
	"fmt"
	"io"
	"strings"

	"github.com/jorge-barreto/docpipe/internal/errs"
)

// Topic is one help article. Content is plain text without ANSI codes.
type Topic struct {
	Name    string
	Title   string
	Summary string
	Content string
}

// All returns every topic in display order.
func All() []Topic {
	return topics
}

// Names returns the topic names in display order.
func Names() []string {
	names := make([]string, len(topics))
	for i, t := range topics {
		names[i] = t.Name
	}
	return names
}

// Get looks a topic up by name. Matching ignores case and accepts any
// unambiguous prefix.
func Get(name string) (Topic, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	var matches []Topic
	for _, t := range topics {
		if t.Name == key {
			return t, nil
		}
		if key != "" && strings.HasPrefix(t.Name, key) {
			matches = append(matches, t)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return Topic{}, errs.New(errs.KindConfig, errs.CodeConfigInvalid,
			"unknown topic %q (available: %s)", name, strings.Join(Names(), ", ")).
			WithFix("run 'docpipe docs' to list the topics")
	}
	candidates := make([]string, len(matches))
	for i, t := range matches {
		candidates[i] = t.Name
	}
	return Topic{}, errs.New(errs.KindConfig, errs.CodeConfigInvalid,
		"topic %q is ambiguous (matches: %s)", name, strings.Join(candidates, ", ")).
		WithFix("type more of the topic name")
}

// WriteIndex lists the topics with their summaries.
func WriteIndex(w io.Writer) {
	fmt.Fprint(w, "\nAvailable topics:\n\n")
	for _, t := range topics {
		fmt.Fprintf(w, "  %-14s %s\n", t.Name, t.Summary)
	}
	fmt.Fprintln(w, "\nRun 'docpipe docs <topic>' to read a topic; a unique prefix is enough.")
}
