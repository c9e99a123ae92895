package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const runFile = `
name: cli
portfolio: {periods: 4, trials: 50}
assets:
  - {name: Company, process: normal_diffusion, params: {mean: 0.02, std: 0.05, initialValue: 100}}
  - {name: Government, process: fixed_income, params: {initialValue: 100, interestRate: 0.01}}
instruments:
  - {name: Stock, asset: Company, payoff: non_derivative, price: 100}
  - {name: Bond, asset: Government, payoff: non_derivative, price: 100}
calibration:
  iterations: 3
`

func writeRunFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--log-format", "json", "--log-level", "error"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestParseSeeds(t *testing.T) {
	got, err := parseSeeds("3-6")
	require.NoError(t, err)
	assert.Equal(t, []uint64{3, 4, 5, 6}, got)

	got, err = parseSeeds("1, 2,9")
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 9}, got)

	for _, bad := range []string{"6-3", "a-b", "1,x", ""} {
		_, err := parseSeeds(bad)
		assert.Error(t, err, bad)
	}
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, appName+" "+version+"\n", out)
}

func TestValidate(t *testing.T) {
	good := writeRunFile(t, runFile)
	out, err := execute(t, "validate", good)
	require.NoError(t, err)
	assert.Contains(t, out, "OK")

	bad := writeRunFile(t, "name: broken\n")
	out, err = execute(t, "validate", good, bad)
	assert.ErrorContains(t, err, "1 of 2 run files invalid")
	assert.Contains(t, out, "FAIL")
}

func TestRunCommand(t *testing.T) {
	path := writeRunFile(t, runFile)
	reports := filepath.Join(t.TempDir(), "reports")
	out, err := execute(t, "run", path, "--iterations", "2", "--seed", "9", "--report-dir", reports)
	require.NoError(t, err)
	assert.Contains(t, out, "seed 9")
	assert.Contains(t, out, "after 2 iterations")
	assert.Contains(t, out, "report "+reports)
}

func TestSweepCommand(t *testing.T) {
	path := writeRunFile(t, runFile)
	out, err := execute(t, "sweep", path, "--seeds", "1-3", "--parallel", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "cli-seed2")
	assert.Contains(t, out, "over 3 runs")
}

func TestBadLogLevel(t *testing.T) {
	_, err := execute(t, "--log-level", "loud", "version")
	assert.Error(t, err)
}
