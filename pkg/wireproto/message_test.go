package wireproto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseTask(t *testing.T) {
	m, err := Parse("task 1")
	require.NoError(t, err)
	require.Equal(t, VerbTask, m.Verb)
	require.Equal(t, int64(1), m.TaskID)
}

func TestParseResult(t *testing.T) {
	m, err := Parse("result 0 0 6 100 200 1")
	require.NoError(t, err)
	require.Equal(t, VerbResult, m.Verb)
	require.Equal(t, 0, m.Result)
	require.Equal(t, int64(6), m.StdoutLen)
	require.Equal(t, int64(1), m.TaskID)
}

func TestParseUnknownVerb(t *testing.T) {
	_, err := Parse("frobnicate 1 2 3")
	require.ErrorIs(t, err, ErrUnknownVerb)
}

func TestEncodeRoundTrip(t *testing.T) {
	cases := []string{
		"task 42",
		"kill -1",
		"send_results 3",
		"feature gpu",
		"transfer-address 10.0.0.1 9123",
		"cache-update big 1024 500 100 xfer-1",
		"result 1 0 0 1000 2000 2",
		"check",
		"exit",
	}
	for _, line := range cases {
		m, err := Parse(line)
		require.NoError(t, err, line)
		require.Equal(t, line, m.Encode(), line)
	}
}

func TestNameEncodingRoundTrip(t *testing.T) {
	m, err := Parse("unlink " + encodeName("has space.txt"))
	require.NoError(t, err)
	require.Equal(t, "has space.txt", m.Name)
}
