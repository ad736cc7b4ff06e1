package gates

import (
	"context"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/jorge-barreto/docpipe/internal/domain"
	"github.com/jorge-barreto/docpipe/internal/errs"
	"github.com/jorge-barreto/docpipe/internal/state"
	"github.com/jorge-barreto/docpipe/internal/worker"
)

// linkScheme returns the lower-cased URL scheme of target, or "" for
// relative references.
func linkScheme(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		if i := strings.Index(target, ":"); i > 0 && !strings.ContainsAny(target[:i], "/?#") {
			return strings.ToLower(target[:i])
		}
		return ""
	}
	return strings.ToLower(u.Scheme)
}

// splitFragment separates "page.md#section" into its path and fragment.
func splitFragment(target string) (string, string) {
	p, frag, _ := strings.Cut(target, "#")
	p, _, _ = strings.Cut(p, "?")
	return p, frag
}

// resolveLocal resolves a relative link target against the draft that
// contains it. ok is false for pure fragments and targets that leave the run
// directory. A leading "/" is the site root, drafts/.
func resolveLocal(from, target string) (string, bool) {
	p, _ := splitFragment(target)
	if p == "" {
		return "", false
	}
	if u, err := url.PathUnescape(p); err == nil {
		p = u
	}
	var rel string
	if strings.HasPrefix(p, "/") {
		rel = path.Clean(path.Join(state.DraftsDir, p))
	} else {
		rel = path.Clean(path.Join(path.Dir(from), p))
	}
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", false
	}
	return rel, true
}

var (
	headingRe    = regexp.MustCompile(`^(#{1,6})\s+(.+?)\s*#*\s*$`)
	anchorDropRe = regexp.MustCompile(`[^\p{L}\p{N}\s_-]`)
)

// Heading is one ATX heading of a page body.
type Heading struct {
	Level int
	Text  string
	Line  int
}

// Headings returns the ATX headings of body outside fenced code.
func Headings(body string) []Heading {
	var out []Heading
	for i, line := range worker.ProseLines(body) {
		m := headingRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		out = append(out, Heading{Level: len(m[1]), Text: m[2], Line: i + 1})
	}
	return out
}

// Anchor returns the fragment id a heading renders to.
func Anchor(text string) string {
	text = strings.ToLower(strings.TrimSpace(text))
	text = anchorDropRe.ReplaceAllString(text, "")
	return strings.Join(strings.Fields(text), "-")
}

func anchors(d *Doc) map[string]bool {
	out := map[string]bool{}
	for _, h := range Headings(d.Body) {
		out[Anchor(h.Text)] = true
	}
	return out
}

func checkLinks(_ context.Context, c *Context) []domain.Issue {
	var out []domain.Issue
	docs := map[string]*Doc{}
	for _, d := range c.readable() {
		docs[d.Path()] = d
	}
	for _, d := range c.readable() {
		for _, l := range worker.Links(string(d.Raw)) {
			if linkScheme(l.Target) != "" || strings.HasPrefix(l.Target, "//") {
				continue
			}
			loc := worker.LinkLocation(l.Line, l.Target)
			p, frag := splitFragment(l.Target)
			if p == "" {
				if frag != "" && !anchors(d)[frag] {
					out = append(out, newIssue(Links, domain.SeverityWarn, errs.CodeLinkBroken, d.Path(), loc,
						"anchor #%s does not match a heading of %s", frag, d.Path()))
				}
				continue
			}
			rel, ok := resolveLocal(d.Path(), l.Target)
			if !ok {
				out = append(out, withFix(
					newIssue(Links, domain.SeverityBlocker, errs.CodeLinkBroken, d.Path(), loc, "link %s leaves the site", l.Target),
					"point the link at a page of the site", !l.Image))
				continue
			}
			if target, isDraft := docs[rel]; isDraft {
				if frag != "" && !anchors(target)[frag] {
					out = append(out, newIssue(Links, domain.SeverityWarn, errs.CodeLinkBroken, d.Path(), loc,
						"anchor #%s does not match a heading of %s", frag, rel))
				}
				continue
			}
			if _, indexed := c.Entry(rel); indexed || exists(c.RunDir, rel) {
				continue
			}
			if l.Image {
				out = append(out, withFix(
					newIssue(Links, domain.SeverityBlocker, errs.CodeLinkBroken, d.Path(), loc, "image %s does not exist", l.Target),
					"add the image or remove the reference", false))
				continue
			}
			out = append(out, withFix(
				newIssue(Links, domain.SeverityBlocker, errs.CodeLinkBroken, d.Path(), loc, "link target %s does not resolve to a page", l.Target),
				"replace the link with its text or point it at an existing page", true))
		}
	}
	return out
}

func exists(runDir, rel string) bool {
	info, err := os.Stat(filepath.Join(runDir, filepath.FromSlash(rel)))
	return err == nil && !info.IsDir()
}

func checkAccessibility(_ context.Context, c *Context) []domain.Issue {
	var out []domain.Issue
	for _, d := range c.readable() {
		for _, l := range worker.Links(string(d.Raw)) {
			loc := worker.LinkLocation(l.Line, l.Target)
			switch {
			case l.Image && strings.TrimSpace(l.Text) == "":
				out = append(out, withFix(
					newIssue(Accessibility, domain.SeverityError, errs.CodeA11yImageAlt, d.Path(), loc, "image %s has no alt text", l.Target),
					"describe the image between the brackets", false))
			case !l.Image && strings.TrimSpace(l.Text) == "":
				out = append(out, newIssue(Accessibility, domain.SeverityWarn, "", d.Path(), loc, "link to %s has no text", l.Target))
			}
		}
		for _, tag := range scanHTML(worker.ProseLines(d.Body)) {
			if tag.Name != "img" {
				continue
			}
			if _, ok := tag.Attrs["alt"]; !ok {
				out = append(out, withFix(
					newIssue(Accessibility, domain.SeverityError, errs.CodeA11yImageAlt, d.Path(), worker.LinkLocation(d.Line(tag.Line), tag.Attrs["src"]),
						"<img> without an alt attribute"),
					`add alt="..." (or alt="" for decorative images)`, false))
			}
		}

		prev := 0
		h1 := 0
		for _, h := range Headings(d.Body) {
			if h.Level == 1 {
				h1++
			}
			if prev > 0 && h.Level > prev+1 {
				out = append(out, newIssue(Accessibility, domain.SeverityWarn, errs.CodeA11yHeadingSkip, d.Path(), strconv.Itoa(d.Line(h.Line)),
					"heading %q jumps from level %d to %d", h.Text, prev, h.Level))
			}
			prev = h.Level
		}
		if h1 > 1 {
			out = append(out, newIssue(Accessibility, domain.SeverityWarn, "", d.Path(), "", "%s has %d top-level headings", d.Path(), h1))
		}
	}
	return out
}
