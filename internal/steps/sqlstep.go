package steps

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/oilcast/featurepipe/pkg/core"
)

// SQLStep is a feature step defined by a SELECT statement in a file under
// the steps directory. The file starts with a YAML frontmatter block:
//
//	/*---
//	target: features.price_features
//	description: rolling price features
//	sources:
//	  raw.zl_daily: [date, close, volume]
//	---*/
//	SELECT ...
type SQLStep struct {
	Name        string
	Path        string
	Description string
	Target      core.TableRef
	// Sources maps each table the SELECT reads to the columns it needs.
	Sources map[string][]string
	SQL     string
}

// Inputs returns the source tables, sorted.
func (s *SQLStep) Inputs() []string {
	out := make([]string, 0, len(s.Sources))
	for t := range s.Sources {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Outputs returns the target table.
func (s *SQLStep) Outputs() []string {
	return []string{s.Target.String()}
}

// SQLRunner executes a SQL step against the warehouse.
type SQLRunner interface {
	Assemble(ctx context.Context, step *SQLStep) error
}

type boundSQLStep struct {
	*SQLStep
	runner SQLRunner
}

func (b boundSQLStep) Execute(ctx context.Context) error {
	return b.runner.Assemble(ctx, b.SQLStep)
}

// Bind returns s as an executable Step run by runner.
func (s *SQLStep) Bind(runner SQLRunner) Step {
	return boundSQLStep{SQLStep: s, runner: runner}
}

// BindSQL binds every SQL step into reg under its name.
func BindSQL(reg *Registry, sqlSteps []*SQLStep, runner SQLRunner) error {
	for _, s := range sqlSteps {
		if err := reg.Bind(s.Name, s.Bind(runner)); err != nil {
			return fmt.Errorf("%s: %w", s.Path, err)
		}
	}
	return nil
}

type frontmatter struct {
	Target      string              `yaml:"target"`
	Description string              `yaml:"description"`
	Sources     map[string][]string `yaml:"sources"`
}

var frontmatterPattern = regexp.MustCompile(`(?s)^\s*/\*---\s*\n(.*?)\s*---\*/`)

// ParseSQLStep parses a step file's content. name is the entrypoint name.
func ParseSQLStep(name, path, content string) (*SQLStep, error) {
	step := &SQLStep{Name: name, Path: path, Target: core.TableRef{Name: name}}

	body := content
	if m := frontmatterPattern.FindStringSubmatch(content); m != nil {
		dec := yaml.NewDecoder(bytes.NewReader([]byte(m[1])))
		dec.KnownFields(true)

		var fm frontmatter
		if err := dec.Decode(&fm); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: %s: invalid frontmatter: %w", core.ErrInvalidConfig, path, err)
		}
		if fm.Target != "" {
			step.Target = core.ParseTableRef(fm.Target)
		}
		step.Description = fm.Description
		step.Sources = fm.Sources
		body = frontmatterPattern.ReplaceAllString(content, "")
	}

	step.SQL = strings.TrimRight(strings.TrimSpace(body), ";")
	if step.SQL == "" {
		return nil, fmt.Errorf("%w: %s: step has no SQL body", core.ErrInvalidConfig, path)
	}

	head := strings.ToUpper(strings.Fields(step.SQL)[0])
	if head != "SELECT" && head != "WITH" && head != "FROM" {
		return nil, fmt.Errorf("%w: %s: step body must be a query (SELECT/WITH), got %s", core.ErrInvalidConfig, path, head)
	}
	return step, nil
}

// LoadDir loads every *.sql file in dir. A missing directory yields no steps.
func LoadDir(dir string) ([]*SQLStep, error) {
	if dir == "" {
		return nil, nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, nil
	}

	paths, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return nil, fmt.Errorf("list steps in %s: %w", dir, err)
	}
	sort.Strings(paths)

	loaded := make([]*SQLStep, 0, len(paths))
	for _, p := range paths {
		content, err := os.ReadFile(p) //nolint:gosec // step files live in the project directory
		if err != nil {
			return nil, fmt.Errorf("read step %s: %w", p, err)
		}
		name := strings.TrimSuffix(filepath.Base(p), ".sql")
		s, err := ParseSQLStep(name, p, string(content))
		if err != nil {
			return nil, err
		}
		loaded = append(loaded, s)
	}
	return loaded, nil
}
