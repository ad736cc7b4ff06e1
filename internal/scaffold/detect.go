package scaffold

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-git/go-git/v5"
)

// Detected is what Init can infer about the repository to document.
type Detected struct {
	Product   string
	SourceRef string
}

// readmeFiles are probed in order for a top-level heading.
var readmeFiles = []string{"README.md", "readme.md", "README.markdown", "README"}

// Detect infers the product name and current branch of the repository at
// root. It never fails; missing facts fall back to the directory name and
// "main".
func Detect(root string) Detected {
	d := Detected{Product: productName(root), SourceRef: headBranch(root)}
	if d.Product == "" {
		abs, err := filepath.Abs(root)
		if err != nil {
			abs = root
		}
		d.Product = filepath.Base(abs)
	}
	if d.SourceRef == "" {
		d.SourceRef = "main"
	}
	return d
}

func productName(root string) string {
	for _, probe := range []func(string) string{readmeHeading, packageJSONName, cargoName, pyprojectName, goModuleName} {
		if name := strings.TrimSpace(probe(root)); name != "" {
			return name
		}
	}
	return ""
}

func readmeHeading(root string) string {
	for _, name := range readmeFiles {
		f, err := os.Open(filepath.Join(root, name))
		if err != nil {
			continue
		}
		defer f.Close()
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			if h, ok := strings.CutPrefix(strings.TrimSpace(sc.Text()), "# "); ok {
				return h
			}
		}
	}
	return ""
}

func packageJSONName(root string) string {
	data, err := os.ReadFile(filepath.Join(root, "package.json"))
	if err != nil {
		return ""
	}
	var pkg struct {
		Name string `json:"name"`
	}
	if json.Unmarshal(data, &pkg) != nil {
		return ""
	}
	return pkg.Name
}

func cargoName(root string) string {
	var m struct {
		Package struct {
			Name string `toml:"name"`
		} `toml:"package"`
	}
	if _, err := toml.DecodeFile(filepath.Join(root, "Cargo.toml"), &m); err != nil {
		return ""
	}
	return m.Package.Name
}

func pyprojectName(root string) string {
	var m struct {
		Project struct {
			Name string `toml:"name"`
		} `toml:"project"`
		Tool struct {
			Poetry struct {
				Name string `toml:"name"`
			} `toml:"poetry"`
		} `toml:"tool"`
	}
	if _, err := toml.DecodeFile(filepath.Join(root, "pyproject.toml"), &m); err != nil {
		return ""
	}
	if m.Project.Name != "" {
		return m.Project.Name
	}
	return m.Tool.Poetry.Name
}

func goModuleName(root string) string {
	data, err := os.ReadFile(filepath.Join(root, "go.mod"))
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		if mod, ok := strings.CutPrefix(strings.TrimSpace(line), "module "); ok {
			mod = strings.Trim(strings.TrimSpace(mod), `"`)
			return mod[strings.LastIndex(mod, "/")+1:]
		}
	}
	return ""
}

// headBranch returns the checked-out branch, or "" for a detached head or a
// directory that is not a git repository.
func headBranch(root string) string {
	repo, err := git.PlainOpen(root)
	if err != nil {
		return ""
	}
	head, err := repo.Head()
	if err != nil || !head.Name().IsBranch() {
		return ""
	}
	return head.Name().Short()
}
