package containerctx

import (
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opstools/ssh-broker/internal/models"
)

func TestSetContextCreatesAndUpdatesSession(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	m := New(clk)

	sess := m.SetContext("conn-1", "web", SetContextOptions{Workdir: "/srv", User: "app"})
	require.NotNil(t, sess)
	assert.Equal(t, "/srv", sess.WorkingDirectory)
	assert.Equal(t, "app", sess.User)
	assert.True(t, sess.IsActive)

	clk.Advance(time.Second)
	sess2 := m.SetContext("conn-1", "web", SetContextOptions{Env: map[string]string{"FOO": "bar"}})
	assert.Equal(t, "/srv", sess2.WorkingDirectory, "unspecified fields are preserved across upserts")
	assert.Equal(t, "bar", sess2.Env["FOO"])
}

func TestGetActiveContainerPicksMostRecentlyActive(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	m := New(clk)

	m.SetContext("conn-1", "web", SetContextOptions{})
	clk.Advance(time.Second)
	m.SetContext("conn-1", "db", SetContextOptions{})

	active, ok := m.GetActiveContainer("conn-1")
	require.True(t, ok)
	assert.Equal(t, "db", active)
}

func TestGetActiveContainerNoneWhenAllInactive(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	m := New(clk)
	m.SetContext("conn-1", "web", SetContextOptions{})
	m.ExitContainer("conn-1")

	_, ok := m.GetActiveContainer("conn-1")
	assert.False(t, ok)
}

func TestSweepMarksIdleSessionsInactiveWithoutForgettingThem(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	m := New(clk)
	m.SetContext("conn-1", "web", SetContextOptions{Workdir: "/srv"})

	clk.Advance(31 * time.Minute)
	m.Sweep(30 * time.Minute)

	_, active := m.GetActiveContainer("conn-1")
	assert.False(t, active)

	sess, ok := m.Get("conn-1", "web")
	require.True(t, ok)
	assert.Equal(t, "/srv", sess.WorkingDirectory, "sweep must not erase session history")
}

func TestCachedContainersExpiresAfterTTL(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	m := New(clk)
	m.StoreContainers("conn-1", []string{"web", "db"})

	names, fresh := m.CachedContainers("conn-1", false)
	require.True(t, fresh)
	assert.Equal(t, []string{"web", "db"}, names)

	clk.Advance(31 * time.Second)
	_, fresh = m.CachedContainers("conn-1", false)
	assert.False(t, fresh)
}

func TestCachedContainersForceBypassesCache(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	m := New(clk)
	m.StoreContainers("conn-1", []string{"web"})

	_, fresh := m.CachedContainers("conn-1", true)
	assert.False(t, fresh)
}

func TestParsePSReturnsSortedNames(t *testing.T) {
	output := "web\ndb\napi\n"
	names := ParsePS(output)
	assert.Equal(t, []string{"api", "db", "web"}, names)
}

func TestBuildExecAssemblesFlagsDeterministically(t *testing.T) {
	sess := &models.ContainerSession{
		WorkingDirectory: "/srv",
		User:             "app",
		Env:              map[string]string{"B": "2", "A": "1"},
	}
	cmd := BuildExec("web", "ls -la", sess, false)
	assert.Equal(t, "docker exec -w /srv -u app -e A=1 -e B=2 web ls -la", cmd)
}

func TestBuildExecInteractiveAndNilSession(t *testing.T) {
	cmd := BuildExec("web", "bash", nil, true)
	assert.Equal(t, "docker exec -it web bash", cmd)
}
