package catalog

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSummaryEncodeParseRoundTrip(t *testing.T) {
	s := Summary{
		Type:         "wq_master",
		Project:      "myproj",
		Hostname:     "manager.example",
		Port:         9123,
		TasksWaiting: 4,
		CoresTotal:   16,
		Lifetime:     60,
	}
	got := ParseSummary(s.Encode())
	require.Equal(t, s.Type, got.Type)
	require.Equal(t, s.Project, got.Project)
	require.Equal(t, s.Hostname, got.Hostname)
	require.Equal(t, s.Port, got.Port)
	require.Equal(t, s.TasksWaiting, got.TasksWaiting)
	require.Equal(t, s.CoresTotal, got.CoresTotal)
}

func TestMarkRefusedRecordsManager(t *testing.T) {
	q, err := NewQuery("catalog.example:9097", ".*")
	require.NoError(t, err)

	s := Summary{Type: "wq_master", Project: "myproj", Hostname: "m1", Port: 1000}
	q.MarkRefused(managerKey(s))

	_, refused := q.badManagers.Get(managerKey(s))
	require.True(t, refused)
}

func TestProjectRegexpFiltering(t *testing.T) {
	q, err := NewQuery("catalog.example:9097", "^prod-.*$")
	require.NoError(t, err)
	require.True(t, q.ProjectRegexp.MatchString("prod-batch"))
	require.False(t, q.ProjectRegexp.MatchString("dev-batch"))
}

func TestResolveAddressPrefersHint(t *testing.T) {
	s := Summary{Hostname: "h1", Port: 5, PreferredConnection: "10.0.0.5"}
	require.Equal(t, "10.0.0.5:5", resolveAddress(s))

	s2 := Summary{Hostname: "h2", Port: 6, PreferredConnection: "by_hostname"}
	require.Equal(t, "h2:6", resolveAddress(s2))

	s3 := Summary{Hostname: "h3", Port: 7}
	require.Equal(t, "h3:7", resolveAddress(s3))
}
