package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffFor_DoublesAndCaps(t *testing.T) {
	require.Equal(t, 60*time.Second, backoffFor(1), "first retry waits 60s")
	require.Equal(t, 120*time.Second, backoffFor(2), "second retry doubles to 120s")
	require.Equal(t, 240*time.Second, backoffFor(3))
	require.Equal(t, time.Hour, backoffFor(20), "must cap at 3600s regardless of retry count")
}

func TestSanitizeAndTruncate_RedactsSecrets(t *testing.T) {
	in := `request failed: api_key=sk-live-abc123 signature=deadbeef`
	out := sanitizeAndTruncate(in)
	require.NotContains(t, out, "sk-live-abc123")
	require.NotContains(t, out, "deadbeef")
	require.Contains(t, out, "[REDACTED]")
}

func TestSanitizeAndTruncate_CapsLength(t *testing.T) {
	long := make([]byte, 1000)
	for i := range long {
		long[i] = 'x'
	}
	out := sanitizeAndTruncate(string(long))
	require.LessOrEqual(t, len(out), maxSanitizedLen)
}
