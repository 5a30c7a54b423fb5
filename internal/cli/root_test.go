package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oilcast/featurepipe/internal/cli/commands"
	"github.com/oilcast/featurepipe/pkg/core"
)

const projectConfig = `
environment: test
target:
  type: duckdb
  database: warehouse.duckdb
contract:
  location: contract/schema_contract.json
  version: v1
  critical: [close_ma5]
manifest:
  location: published/manifest.json
pipeline:
  assembled_table: features.daily
  output_table: published.soy_features
  key_columns: [date]
  target_columns: [target_1w]
  sources: [raw.zl_daily, raw.weather]
steps:
  - name: prices
    order: 10
  - name: features
    order: 20
`

const pricesStep = `/*---
target: stg.prices
sources:
  raw.zl_daily: [date, close, volume]
---*/
SELECT
    date,
    close,
    volume,
    CASE WHEN COUNT(*) OVER w < 5 THEN NULL ELSE AVG(close) OVER w END AS close_ma5,
    LEAD(close, 5) OVER (ORDER BY date) AS target_1w
FROM raw.zl_daily
WINDOW w AS (ORDER BY date ROWS BETWEEN 4 PRECEDING AND CURRENT ROW)
`

const featuresStep = `/*---
target: features.daily
sources:
  stg.prices: [date, close, close_ma5, target_1w]
  raw.weather: [date, precip_mm]
---*/
SELECT p.date, p.close, p.close_ma5, w.precip_mm, p.target_1w
FROM stg.prices p
LEFT JOIN raw.weather w ON w.date = p.date
`

type project struct {
	t   *testing.T
	dir string
}

func newProject(t *testing.T) *project {
	t.Helper()
	dir := t.TempDir()
	p := &project{t: t, dir: dir}
	p.write("featurepipe.yaml", projectConfig)
	p.write("steps/prices.sql", pricesStep)
	p.write("steps/features.sql", featuresStep)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var prices, weather strings.Builder
	prices.WriteString("date,close,volume\n")
	weather.WriteString("date,precip_mm\n")
	for i := range 40 {
		d := start.AddDate(0, 0, i).Format(time.DateOnly)
		fmt.Fprintf(&prices, "%s,%.2f,%d\n", d, 45.0+float64(i)*0.1, 1000+i)
		fmt.Fprintf(&weather, "%s,%d\n", d, i%7)
	}
	p.write("seeds/raw/zl_daily.csv", prices.String())
	p.write("seeds/raw/weather.csv", weather.String())
	return p
}

func (p *project) write(rel, content string) {
	p.t.Helper()
	path := filepath.Join(p.dir, rel)
	require.NoError(p.t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(p.t, os.WriteFile(path, []byte(content), 0o600))
}

type result struct {
	code   int
	stdout string
	stderr string
}

func (p *project) run(args ...string) result {
	p.t.Helper()
	var out, errOut bytes.Buffer
	code := run(context.Background(), append([]string{"--config", filepath.Join(p.dir, "featurepipe.yaml")}, args...), &out, &errOut)
	return result{code: code, stdout: out.String(), stderr: errOut.String()}
}

func TestCLI_EndToEnd(t *testing.T) {
	p := newProject(t)

	res := p.run("seed")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "raw.zl_daily (40 rows)")

	res = p.run("regenerate-schema-contract", "--build")
	require.Equal(t, 0, res.code, res.stderr)
	assert.FileExists(t, filepath.Join(p.dir, "contract", "schema_contract.json"))

	res = p.run("run")
	require.Equal(t, 0, res.code, res.stdout+res.stderr)
	assert.Contains(t, res.stdout, "published.soy_features")

	res = p.run("manifest", "show", "-o", "json")
	require.Equal(t, 0, res.code, res.stderr)
	var m core.Manifest
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &m))
	assert.Equal(t, "published.soy_features", m.Table)
	assert.Equal(t, int64(40), m.Rows)
	assert.Equal(t, "v1", m.ContractVersion)
	assert.Contains(t, m.Columns, "close_ma5")
	require.NotNil(t, m.LatestDate)
	assert.Equal(t, "2024-02-09", m.LatestDate.Format(time.DateOnly))

	res = p.run("runs", "list", "-o", "json")
	require.Equal(t, 0, res.code, res.stderr)
	var runs []map[string]any
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, string(core.RunStatusCompleted), runs[0]["status"])

	res = p.run("contract", "show", "-o", "json")
	require.Equal(t, 0, res.code, res.stderr)
	var c core.SchemaContract
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &c))
	assert.Equal(t, []string{"close", "close_ma5", "date", "precip_mm", "target_1w"}, c.Columns)
}

func TestCLI_RunFailsOnDrift(t *testing.T) {
	p := newProject(t)
	require.Equal(t, 0, p.run("seed").code)
	require.Equal(t, 0, p.run("regenerate-schema-contract", "--build").code)

	p.write("steps/features.sql", strings.Replace(featuresStep,
		"SELECT p.date, p.close,", "SELECT p.date, p.close, p.close * 2 AS close_x2,", 1))

	res := p.run("run")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, string(core.KindSchemaDrift))
	assert.Contains(t, res.stderr, "close_x2")
	assert.NoFileExists(t, filepath.Join(p.dir, "published", "manifest.json"))
}

func TestCLI_RunWithoutContract(t *testing.T) {
	p := newProject(t)
	require.Equal(t, 0, p.run("seed").code)

	res := p.run("run", "--json")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, "schema contract")
}

func TestCLI_RegenerateSourceUnavailable(t *testing.T) {
	p := newProject(t)
	p.write(filepath.Join("contract", "schema_contract.json"), `{"keep":"me"}`)

	res := p.run("regenerate-schema-contract")
	assert.Equal(t, commands.ExitSourceUnavailable, res.code, res.stderr)

	kept, err := os.ReadFile(filepath.Join(p.dir, "contract", "schema_contract.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"keep":"me"}`, string(kept))
}

func TestCLI_StepsList(t *testing.T) {
	p := newProject(t)

	res := p.run("steps", "list", "-o", "json")
	require.Equal(t, 0, res.code, res.stderr)
	var got []map[string]any
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &got))
	require.Len(t, got, 2)
	assert.Equal(t, "prices", got[0]["name"])
	assert.Equal(t, "features", got[1]["name"])
	assert.Equal(t, true, got[1]["resolved"])
}

func TestCLI_StepsListMissingDependency(t *testing.T) {
	p := newProject(t)
	p.write("featurepipe.yaml", strings.Replace(projectConfig, "sources: [raw.zl_daily, raw.weather]", "sources: [raw.zl_daily]", 1))

	res := p.run("steps", "list")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, "raw.weather")
}

func TestCLI_InvalidOutputFormat(t *testing.T) {
	p := newProject(t)
	res := p.run("version", "-o", "yaml")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, "Error: ")
	assert.Contains(t, res.stderr, "unknown output format")
	assert.Empty(t, res.stdout)
}

func TestCLI_Version(t *testing.T) {
	p := newProject(t)
	res := p.run("version")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "featurepipe "+Version)
}
