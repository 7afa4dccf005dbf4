package correlation_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/correlator-io/correlator/internal/correlation"
)

func writeRuleFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

func TestLoadRulesValid(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "open_port_version.yaml", `
id: open_port_version
version: 1
meta:
  name: Open port with version banner
  description: Flags banners that disclose software versions
  risk: LOW
collections:
  - collect:
      - method: exact
        field: type
        value: TCP_PORT_OPEN_BANNER
headline: "Banner {data} identifies server software"
`)

	rules, errs := correlation.LoadRules(dir)
	require.Empty(t, errs)
	require.Len(t, rules, 1)
	assert.Equal(t, "open_port_version", rules[0].ID)
	assert.Equal(t, "LOW", rules[0].Meta.Risk)
}

func TestLoadRulesSkipsBadFileKeepsGoodOnes(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "good.yaml", `
id: good
version: 1
meta:
  name: Good rule
  risk: INFO
collections:
  - collect:
      - method: exact
        field: type
        value: SOMETHING
headline: "ok"
`)
	writeRuleFile(t, dir, "bad.yaml", `
id: bad
version: 1
meta:
  name: Bad rule
  risk: NOT_A_LEVEL
collections:
  - collect:
      - method: exact
        field: type
        value: SOMETHING
headline: "ok"
`)

	rules, errs := correlation.LoadRules(dir)
	require.Len(t, rules, 1)
	require.Len(t, errs, 1)
	assert.Equal(t, "good", rules[0].ID)
}

func TestLoadRulesRejectsUnknownTopLevelKey(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "weird.yaml", `
id: weird
version: 1
meta:
  name: Weird
  risk: INFO
collections:
  - collect:
      - method: exact
        field: type
        value: SOMETHING
headline: "ok"
not_a_real_key: true
`)

	rules, errs := correlation.LoadRules(dir)
	assert.Empty(t, rules)
	require.Len(t, errs, 1)
}

func TestLoadRulesRejectsIDMismatch(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "filename_stem.yaml", `
id: different_id
version: 1
meta:
  name: Mismatched
  risk: INFO
collections:
  - collect:
      - method: exact
        field: type
        value: SOMETHING
headline: "ok"
`)

	rules, errs := correlation.LoadRules(dir)
	assert.Empty(t, rules)
	require.Len(t, errs, 1)
}

func TestLoadRulesHeadlineBlockForm(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "blockheadline.yaml", `
id: blockheadline
version: 1
meta:
  name: Block headline
  risk: INFO
collections:
  - collect:
      - method: exact
        field: type
        value: SOMETHING
headline:
  text: "{data} seen"
  publish_collections: [0]
`)

	rules, errs := correlation.LoadRules(dir)
	require.Empty(t, errs)
	require.Len(t, rules, 1)
	assert.Equal(t, "{data} seen", rules[0].Headline.Text)
	assert.Equal(t, []int{0}, rules[0].Headline.PublishCollections)
}
