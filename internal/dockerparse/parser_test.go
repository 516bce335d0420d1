package dockerparse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRegular(t *testing.T) {
	pc := Parse("echo hello")
	assert.Equal(t, KindRegular, pc.Kind)
}

func TestParseDockerRunPassthrough(t *testing.T) {
	pc := Parse("docker run -it --rm ubuntu bash")
	assert.Equal(t, KindDockerRun, pc.Kind)
}

func TestParseDockerExecWithOptions(t *testing.T) {
	pc := Parse("docker exec -w /srv -u www-data web ls")
	require.Equal(t, KindDockerExec, pc.Kind)
	require.Len(t, pc.ExecSegments, 1)
	seg := pc.ExecSegments[0]
	assert.Equal(t, "/srv", seg.Workdir)
	assert.Equal(t, "www-data", seg.User)
	assert.Equal(t, "web", seg.Container)
	assert.Equal(t, "ls", seg.InnerCommand)
}

func TestParseDockerExecWithEnvAndUnknownFlags(t *testing.T) {
	pc := Parse(`docker exec -it -e FOO=bar api sh -c "echo hi"`)
	require.Equal(t, KindDockerExec, pc.Kind)
	seg := pc.ExecSegments[0]
	assert.Equal(t, "bar", seg.Env["FOO"])
	assert.Contains(t, seg.Flags, "-it")
	assert.Equal(t, "api", seg.Container)
}

func TestParseCompoundNeedsContainerContext(t *testing.T) {
	pc := Parse("docker exec -w /app api pwd && ls")
	require.Equal(t, KindCompound, pc.Kind)
	assert.True(t, pc.NeedsContainerContext)
	require.Len(t, pc.ExecSegments, 1)
	assert.Equal(t, "api", pc.ExecSegments[0].Container)
	require.Len(t, pc.RegularSegments, 1)
	assert.Equal(t, "ls", pc.RegularSegments[0])
}

func TestParseCompoundAllRegularIsNotContainerContext(t *testing.T) {
	pc := Parse("cd /tmp && ls")
	require.Equal(t, KindCompound, pc.Kind)
	assert.False(t, pc.NeedsContainerContext)
}

func TestParseUnclosedQuoteFallsBackToWhitespace(t *testing.T) {
	pc := Parse(`docker exec web echo "unterminated`)
	require.Equal(t, KindDockerExec, pc.Kind)
	assert.Equal(t, "web", pc.ExecSegments[0].Container)
}

func TestParseCompoundRespectsQuotedOperators(t *testing.T) {
	pc := Parse(`echo "a && b"`)
	assert.Equal(t, KindRegular, pc.Kind)
}
