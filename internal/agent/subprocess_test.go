package agent

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apexerrors "apex/internal/errors"
)

func shRunner(t *testing.T, script string) *SubprocessRunner {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("sh-based fixture")
	}
	return NewSubprocessRunner(SubprocessConfig{
		Command: "sh",
		Args:    []string{"-c", script},
		Timeout: 10 * time.Second,
	}, nil)
}

func TestRunDecodesResult(t *testing.T) {
	r := shRunner(t, `cat >/dev/null; echo '{"output":"stage done","usage":{"input_tokens":10,"output_tokens":5}}'`)

	res, err := r.Run(context.Background(), Request{TaskID: "t1", Stage: "implement"})
	require.NoError(t, err)
	assert.Equal(t, "stage done", res.Output)
	assert.False(t, res.Failed)
	assert.Equal(t, 15, res.Usage.TotalTokens, "usage is normalized on decode")
}

func TestRunNonZeroExitIsPermanent(t *testing.T) {
	r := shRunner(t, `cat >/dev/null; echo "broken pipe" >&2; exit 3`)

	_, err := r.Run(context.Background(), Request{TaskID: "t1", Stage: "implement"})
	require.Error(t, err)
	assert.True(t, apexerrors.IsPermanent(err))
	assert.Contains(t, err.Error(), "exit code 3")
	assert.Contains(t, err.Error(), "broken pipe")
}

func TestRunMalformedOutputIsPermanent(t *testing.T) {
	r := shRunner(t, `cat >/dev/null; echo "not json at all"`)

	_, err := r.Run(context.Background(), Request{TaskID: "t1", Stage: "implement"})
	require.Error(t, err)
	assert.True(t, apexerrors.IsPermanent(err))
}

func TestRunReportedFailurePassesThrough(t *testing.T) {
	r := shRunner(t, `cat >/dev/null; echo '{"failed":true,"error":"tests did not pass"}'`)

	res, err := r.Run(context.Background(), Request{TaskID: "t1", Stage: "test"})
	require.NoError(t, err)
	assert.True(t, res.Failed)
	assert.Equal(t, "tests did not pass", res.Error)
}

func TestAvailable(t *testing.T) {
	assert.True(t, shRunner(t, "true").Available())
	assert.False(t, NewSubprocessRunner(SubprocessConfig{Command: "definitely-not-a-binary-xyz"}, nil).Available())
}

// The runner hands the request to the agent verbatim on stdin.
func TestRunForwardsRequest(t *testing.T) {
	r := shRunner(t, `if grep -q '"taskId":"t1"' -; then echo '{"output":"seen"}'; else echo '{"output":"missing"}'; fi`)

	res, err := r.Run(context.Background(), Request{TaskID: "t1", Stage: "plan"})
	require.NoError(t, err)
	assert.Equal(t, "seen", res.Output)
}
