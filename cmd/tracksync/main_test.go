package main

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mschirtzinger/tracksync/internal/exporter"
)

// TestParseSince tests the accepted --since formats
func TestParseSince(t *testing.T) {
	now := time.Date(2024, 5, 15, 12, 0, 0, 0, time.UTC)

	got, err := parseSince("2024-05-01T00:00:00Z", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), got)

	got, err = parseSince("90m", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-90*time.Minute), got)

	got, err = parseSince("1715774400", now)
	require.NoError(t, err)
	assert.Equal(t, int64(1715774400), got.Unix())

	got, err = parseSince("3 hours ago", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-3*time.Hour), got)

	_, err = parseSince("whenever", now)
	assert.Error(t, err)
}

// TestTableAlignsColumns tests column alignment
func TestTableAlignsColumns(t *testing.T) {
	out := table([]string{"ID", "NAME"}, [][]string{{"1", "gitlab-main"}, {"22", "b"}})
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, strings.Index(lines[1], "gitlab-main"), strings.Index(lines[2], "b"))
}

// TestDescribeResult tests the export summary line
func TestDescribeResult(t *testing.T) {
	msg := describeResult(exporter.Outcome{
		Transition: "create-then-remove",
		IssueIID:   4,
		ProjectID:  6,
		Removed:    &exporter.Outcome{IssueIID: 1, ProjectID: 5},
	})
	assert.Contains(t, msg, "issue #4 in project 6")
	assert.Contains(t, msg, "removed #1 from project 5")
}
