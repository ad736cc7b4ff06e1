package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/jorge-barreto/docpipe/internal/state"
)

const (
	maxFacts       = 40
	maxExcerpt     = 240
	maxMakeTargets = 8
)

var (
	goModuleRe   = regexp.MustCompile(`(?m)^module\s+(\S+)`)
	goVersionRe  = regexp.MustCompile(`(?m)^go\s+(\d+\.\d+(?:\.\d+)?)`)
	tomlNameRe   = regexp.MustCompile(`(?m)^name\s*=\s*"([^"]+)"`)
	makeTargetRe = regexp.MustCompile(`^([A-Za-z0-9][A-Za-z0-9_.-]*)\s*:([^=]|$)`)
)

// nonCode languages never count as the primary language.
var nonCode = map[string]bool{"Markdown": true, "YAML": true, "JSON": true, "TOML": true}

// factsBuilder extracts statements about the product from the inventory and
// the repository's well-known files, each backed by an evidence excerpt.
type factsBuilder struct{}

func (factsBuilder) Spec() Spec {
	return Spec{
		ID:      FactsBuilder,
		Inputs:  []string{"repo_inventory"},
		Outputs: []string{ProductFactsPath, EvidenceMapPath},
	}
}

type factSet struct {
	facts    []Fact
	evidence []Evidence
}

func (s *factSet) add(kind, statement, source, excerpt string) {
	if len(s.facts) >= maxFacts {
		return
	}
	id := fmt.Sprintf("F%03d", len(s.facts)+1)
	s.facts = append(s.facts, Fact{ID: id, Kind: kind, Statement: statement, Source: source})
	excerpt = truncate(strings.TrimSpace(excerpt), maxExcerpt)
	s.evidence = append(s.evidence, Evidence{
		FactID:   id,
		Source:   source,
		Excerpt:  excerpt,
		Checksum: state.ChecksumBytes([]byte(excerpt)),
	})
}

func (w factsBuilder) Run(ctx context.Context, inv *Invocation) (*Output, error) {
	var ri RepoInventory
	if err := inv.DecodeInput("repo_inventory", &ri); err != nil {
		return nil, err
	}
	keys := map[string]string{}
	if inv.Source != nil {
		keys = inv.Source.KeyFiles()
	}
	product := inv.Config.Product

	var s factSet
	for _, name := range []string{"README.md", "readme.md", "README"} {
		if para := firstParagraph(keys[name]); para != "" {
			s.add(FactOverview, para, name, para)
			break
		}
	}
	if lang, n, file := primaryLanguage(ri); lang != "" {
		s.add(FactLanguage, fmt.Sprintf("%s is written primarily in %s (%d files).", product, lang, n), file, file)
	}
	if text := keys["LICENSE"]; text != "" {
		line := firstLine(text)
		s.add(FactLicense, fmt.Sprintf("%s is distributed under the terms of: %s.", product, strings.TrimSuffix(line, ".")), "LICENSE", line)
	}
	if m := goModuleRe.FindStringSubmatch(keys["go.mod"]); m != nil {
		s.add(FactModule, fmt.Sprintf("The Go module path is `%s`.", m[1]), "go.mod", m[0])
		if v := goVersionRe.FindStringSubmatch(keys["go.mod"]); v != nil {
			s.add(FactBuild, fmt.Sprintf("Building requires Go %s or later.", v[1]), "go.mod", v[0])
		}
	}
	if name := packageJSONName(keys["package.json"]); name != "" {
		s.add(FactModule, fmt.Sprintf("The npm package name is `%s`.", name), "package.json", `"name": "`+name+`"`)
	}
	for _, f := range []string{"Cargo.toml", "pyproject.toml"} {
		if m := tomlNameRe.FindStringSubmatch(keys[f]); m != nil {
			s.add(FactModule, fmt.Sprintf("The package name declared in %s is `%s`.", f, m[1]), f, m[0])
		}
	}
	if targets := makeTargets(keys["Makefile"]); len(targets) > 0 {
		cmds := make([]string, len(targets))
		for i, t := range targets {
			cmds[i] = "`make " + t + "`"
		}
		s.add(FactBuild, "The Makefile provides "+strings.Join(cmds, ", ")+".", "Makefile", strings.Join(targets, " "))
	}
	counts := dirCounts(ri)
	for _, dir := range ri.TopLevel {
		if !strings.HasSuffix(dir, "/") {
			continue
		}
		n := counts[dir]
		s.add(FactLayout, fmt.Sprintf("The `%s` directory holds %d %s.", dir, n, plural(n, "file", "files")), dir, fmt.Sprintf("%s (%d files)", dir, n))
	}
	if ri.GitSHA != "" && len(ri.Commits) > 0 {
		short, subject, _ := strings.Cut(ri.Commits[0], " ")
		s.add(FactHistory, fmt.Sprintf("This documentation describes revision %s (%s).", short, subject), "git:"+short, ri.Commits[0])
	}

	inv.Logger.Debug(ctx, "extracted facts", zap.Int("facts", len(s.facts)))
	facts := ProductFacts{Product: product, SourceRef: inv.Config.SourceRef, Facts: nonNil(s.facts)}
	if err := inv.Stage.WriteJSON(ProductFactsPath, facts); err != nil {
		return nil, err
	}
	em := EvidenceMap{GitSHA: ri.GitSHA, Evidence: nonNil(s.evidence)}
	if err := inv.Stage.WriteJSON(EvidenceMapPath, em); err != nil {
		return nil, err
	}
	return &Output{}, nil
}

// firstParagraph returns the first prose paragraph of a markdown document,
// joined onto one line.
func firstParagraph(md string) string {
	var para []string
	sc := bufio.NewScanner(strings.NewReader(md))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
			if len(para) > 0 {
				return strings.Join(para, " ")
			}
		case strings.HasPrefix(line, "#"), strings.HasPrefix(line, "!["), strings.HasPrefix(line, "[!["),
			strings.HasPrefix(line, "<"), strings.HasPrefix(line, "```"), strings.HasPrefix(line, "---"):
			if len(para) > 0 {
				return strings.Join(para, " ")
			}
		default:
			para = append(para, line)
		}
	}
	return strings.Join(para, " ")
}

func firstLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if l := strings.TrimSpace(line); l != "" {
			return l
		}
	}
	return ""
}

func primaryLanguage(ri RepoInventory) (lang string, n int, file string) {
	names := make([]string, 0, len(ri.Languages))
	for l := range ri.Languages {
		if !nonCode[l] {
			names = append(names, l)
		}
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := ri.Languages[names[i]], ri.Languages[names[j]]
		if a != b {
			return a > b
		}
		return names[i] < names[j]
	})
	if len(names) == 0 {
		return "", 0, ""
	}
	lang = names[0]
	for _, f := range ri.Files {
		if f.Language == lang {
			file = f.Path
			break
		}
	}
	return lang, ri.Languages[lang], file
}

func packageJSONName(data string) string {
	if data == "" {
		return ""
	}
	var pkg struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal([]byte(data), &pkg); err != nil {
		return ""
	}
	return pkg.Name
}

func makeTargets(makefile string) []string {
	var out []string
	seen := map[string]bool{}
	for _, line := range strings.Split(makefile, "\n") {
		m := makeTargetRe.FindStringSubmatch(line)
		if m == nil || seen[m[1]] {
			continue
		}
		seen[m[1]] = true
		out = append(out, m[1])
		if len(out) == maxMakeTargets {
			break
		}
	}
	return out
}

func dirCounts(ri RepoInventory) map[string]int {
	m := map[string]int{}
	for _, f := range ri.Files {
		if i := strings.IndexByte(f.Path, '/'); i >= 0 {
			m[f.Path[:i+1]]++
		}
	}
	return m
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return strings.TrimSpace(s[:n]) + "..."
}
