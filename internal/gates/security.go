package gates

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"golang.org/x/net/html"

	"github.com/jorge-barreto/docpipe/internal/domain"
	"github.com/jorge-barreto/docpipe/internal/errs"
	"github.com/jorge-barreto/docpipe/internal/worker"
)

// scriptableSchemes run code when followed.
var scriptableSchemes = map[string]bool{"javascript": true, "vbscript": true, "data": true}

// dangerousTags execute or load active content, or rewrite how the page
// resolves and submits.
var dangerousTags = map[string]bool{
	"script": true, "iframe": true, "frame": true, "frameset": true, "object": true,
	"embed": true, "applet": true, "base": true, "form": true, "meta": true,
}

// urlAttrs carry URLs a browser may follow or load.
var urlAttrs = map[string]bool{
	"href": true, "src": true, "action": true, "formaction": true, "xlink:href": true,
	"data": true, "poster": true, "background": true,
}

type htmlTag struct {
	Name  string
	Attrs map[string]string
	Keys  []string
	Line  int
}

// scanHTML tokenizes the prose lines of a page and returns its start tags
// with 1-based line numbers.
func scanHTML(lines []string) []htmlTag {
	var out []htmlTag
	z := html.NewTokenizer(strings.NewReader(strings.Join(lines, "\n")))
	line := 1
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			return out
		}
		start := line
		line += bytes.Count(z.Raw(), []byte("\n"))
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}
		tok := z.Token()
		tag := htmlTag{Name: strings.ToLower(tok.Data), Attrs: map[string]string{}, Line: start}
		for _, a := range tok.Attr {
			key := strings.ToLower(a.Key)
			if a.Namespace != "" {
				key = strings.ToLower(a.Namespace) + ":" + key
			}
			tag.Attrs[key] = a.Val
			tag.Keys = append(tag.Keys, key)
		}
		out = append(out, tag)
	}
}

// unsafeURL reports whether a URL would run script. Whitespace and control
// characters browsers ignore inside the scheme are stripped first.
func unsafeURL(v string) bool {
	cleaned := strings.Map(func(r rune) rune {
		if r <= ' ' {
			return -1
		}
		return r
	}, v)
	return scriptableSchemes[linkScheme(cleaned)]
}

func checkXSS(_ context.Context, c *Context) []domain.Issue {
	var out []domain.Issue
	for _, d := range c.readable() {
		for _, tag := range scanHTML(worker.ProseLines(d.Body)) {
			line := d.Line(tag.Line)
			if dangerousTags[tag.Name] {
				out = append(out, withFix(
					newIssue(XSS, domain.SeverityBlocker, errs.CodeXSS, d.Path(), worker.LinkLocation(line, tag.Name), "<%s> element in page content", tag.Name),
					"remove the element; pages may not embed active content", false))
			}
			if scheme, _, ok := strings.Cut(tag.Name, ":"); ok && scriptableSchemes[scheme] {
				out = append(out, newIssue(XSS, domain.SeverityBlocker, errs.CodeUnsafeLinkScheme, d.Path(), worker.LinkLocation(line, scheme),
					"autolink with a %s: URL", scheme))
			}
			for _, key := range tag.Keys {
				val := tag.Attrs[key]
				switch {
				case strings.HasPrefix(key, "on"):
					out = append(out, withFix(
						newIssue(XSS, domain.SeverityBlocker, errs.CodeXSS, d.Path(), worker.LinkLocation(line, key), "event handler attribute %s on <%s>", key, tag.Name),
						"remove the event handler", false))
				case urlAttrs[key] && unsafeURL(val):
					out = append(out, newIssue(XSS, domain.SeverityBlocker, errs.CodeUnsafeLinkScheme, d.Path(), worker.LinkLocation(line, key),
						"%s of <%s> uses a script-capable URL scheme", key, tag.Name))
				case key == "style" && (strings.Contains(strings.ToLower(val), "expression(") || strings.Contains(strings.ToLower(val), "javascript:")):
					out = append(out, newIssue(XSS, domain.SeverityBlocker, errs.CodeXSS, d.Path(), worker.LinkLocation(line, key),
						"style attribute on <%s> runs script", tag.Name))
				}
			}
		}
		for _, l := range worker.Links(string(d.Raw)) {
			if unsafeURL(l.Target) {
				out = append(out, withFix(
					newIssue(XSS, domain.SeverityBlocker, errs.CodeUnsafeLinkScheme, d.Path(), worker.LinkLocation(l.Line, linkScheme(l.Target)),
						"link uses the %s: scheme", linkScheme(l.Target)),
					"link to an https:// or relative URL", false))
			}
		}
	}
	return out
}

func checkExternalLinks(_ context.Context, c *Context) []domain.Issue {
	var out []domain.Issue
	for _, d := range c.readable() {
		for _, l := range worker.Links(string(d.Raw)) {
			loc := worker.LinkLocation(l.Line, l.Target)
			scheme := linkScheme(l.Target)
			switch {
			case scheme == "http":
				out = append(out, withFix(
					newIssue(ExternalLinks, domain.SeverityError, errs.CodeInsecureLink, d.Path(), loc, "%s is fetched over plain http", l.Target),
					"use https://", !l.Image))
			case scheme == "" && strings.HasPrefix(l.Target, "//"):
				out = append(out, newIssue(ExternalLinks, domain.SeverityWarn, errs.CodeInsecureLink, d.Path(), loc,
					"protocol-relative URL %s inherits the page's scheme", l.Target))
			case scheme == "", scheme == "https", scheme == "mailto", scriptableSchemes[scheme]:
			default:
				out = append(out, withFix(
					newIssue(ExternalLinks, domain.SeverityError, errs.CodeUnsafeLinkScheme, d.Path(), loc, "link uses the unsupported %s: scheme", scheme),
					"link to an https:// URL", false))
			}
		}
	}
	return out
}

func checkSensitiveData(_ context.Context, c *Context) []domain.Issue {
	if !c.Scrubber.IsEnabled() {
		return []domain.Issue{withFix(
			newIssue(SensitiveData, domain.SeverityError, errs.CodeGateNotImplemented, "", "", "secret scanning is disabled"),
			"enable the secret scrubber", false)}
	}
	var out []domain.Issue
	for _, e := range c.Entries() {
		if e.Path == worker.ValidationReportPath {
			continue
		}
		data, err := c.Read(e.Path)
		if err != nil {
			continue
		}
		res := c.Scrubber.Check(string(data))
		for _, f := range res.Findings {
			out = append(out, withFix(
				newIssue(SensitiveData, domain.SeverityBlocker, errs.CodeSecretLeak, e.Path, fmt.Sprintf("%d:%s", f.Line, f.RuleID),
					"%s detected on line %d", f.Description, f.Line),
				"remove the credential from the source or allowlist it in secrets.allowlist_file", false))
		}
	}
	return out
}
