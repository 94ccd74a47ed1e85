package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"merramax/internal/storage"
)

func TestParseDate(t *testing.T) {
	d, err := parseDate("start_date", "2019-03-01")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2019, 3, 1, 0, 0, 0, 0, time.UTC), d)

	_, err = parseDate("end_date", "03/01/2019")
	assert.ErrorContains(t, err, "--end_date")
}

func TestRunsCommand(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CONFIG_FILE", "")
	dir := t.TempDir()

	store, err := storage.New(dir)
	require.NoError(t, err)
	require.NoError(t, store.SaveRun(storage.RunRecord{
		ID:        "run-1",
		Species:   "Vulpes vulpes",
		State:     "done",
		StartedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Ranking:   []storage.RankEntry{{Name: "T2M_202001", Mean: 41.5}},
	}))
	require.NoError(t, store.SaveTrial(storage.TrialRecord{RunID: "run-1", TrialID: "1", Status: "completed", Predictors: []string{"a", "b"}}))
	require.NoError(t, store.Close())

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"runs", "-o", dir})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "run-1")
	assert.Contains(t, out.String(), "Vulpes vulpes")

	out.Reset()
	rootCmd.SetArgs([]string{"runs", "-o", dir, "run-1"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "T2M_202001")
	assert.Contains(t, out.String(), "completed")
	assert.Equal(t, dir, settings.OutputDir)
}

func TestClimateVariables(t *testing.T) {
	tests := []struct {
		name     string
		flagVars []string
		args     []string
		want     []string
	}{
		{"comma separated", []string{"QV2M", "TS"}, nil, []string{"QV2M", "TS"}},
		{"space separated", []string{"QV2M"}, []string{"TS", "T2M"}, []string{"QV2M", "TS", "T2M"}},
		{"mixed with duplicates", []string{"QV2M"}, []string{"TS,QV2M", " T2M "}, []string{"QV2M", "TS", "T2M"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, climateVariables(tt.flagVars, tt.args))
		})
	}
}

func TestRootAcceptsSpaceSeparatedVars(t *testing.T) {
	require.NoError(t, rootCmd.ParseFlags([]string{"--vars", "QV2M", "TS", "--opr", "avg"}))
	assert.Equal(t, []string{"QV2M"}, variables)
	assert.Equal(t, []string{"TS"}, rootCmd.Flags().Args())
	assert.NoError(t, rootCmd.ValidateArgs(rootCmd.Flags().Args()))
	assert.Equal(t, []string{"QV2M", "TS"}, climateVariables(variables, rootCmd.Flags().Args()))
}
