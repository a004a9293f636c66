package session

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"termlink/internal/opt"
)

type recordingReleaser struct {
	released []string
}

func (r *recordingReleaser) Release(id string) {
	r.released = append(r.released, id)
}

func newChildFixture(t *testing.T) (*Registry, *ChildManager, *recordingReleaser) {
	t.Helper()
	reg := NewRegistry(zerolog.Nop())
	rel := &recordingReleaser{}
	_, _, err := reg.Upsert(Patch{ID: "P"})
	require.NoError(t, err)
	return reg, NewChildManager(reg, rel, zerolog.Nop()), rel
}

func title(t *testing.T, reg *Registry, id string) string {
	t.Helper()
	s, ok := reg.Get(id)
	require.True(t, ok, "session %s missing", id)
	return s.Title
}

func TestChildManager_SingleChildIsShell(t *testing.T) {
	reg, m, _ := newChildFixture(t)

	_, err := m.RegisterChild(Patch{ID: "C1", ParentID: opt.Some("P")})
	require.NoError(t, err)
	assert.Equal(t, "Shell", title(t, reg, "C1"))
}

func TestChildManager_TitleStabilization(t *testing.T) {
	reg, m, _ := newChildFixture(t)

	_, err := m.RegisterChild(Patch{ID: "C1", ParentID: opt.Some("P")})
	require.NoError(t, err)
	_, err = m.RegisterChild(Patch{ID: "C2", ParentID: opt.Some("P")})
	require.NoError(t, err)

	assert.Equal(t, "Shell 1", title(t, reg, "C1"))
	assert.Equal(t, "Shell 2", title(t, reg, "C2"))

	require.True(t, m.UnregisterChild("C1"))
	assert.Equal(t, "Shell 2", title(t, reg, "C2"))

	_, err = m.RegisterChild(Patch{ID: "C3", ParentID: opt.Some("P")})
	require.NoError(t, err)
	assert.Equal(t, "Shell 2", title(t, reg, "C2"))
	assert.Equal(t, "Shell 3", title(t, reg, "C3"))
}

func TestChildManager_UserTitleNeverOverwritten(t *testing.T) {
	reg, m, _ := newChildFixture(t)

	_, err := m.RegisterChild(Patch{ID: "C1", ParentID: opt.Some("P"), Title: opt.Some("build")})
	require.NoError(t, err)
	_, err = m.RegisterChild(Patch{ID: "C2", ParentID: opt.Some("P")})
	require.NoError(t, err)

	assert.Equal(t, "build", title(t, reg, "C1"))
	assert.Equal(t, "Shell 1", title(t, reg, "C2"))
}

func TestChildManager_HiddenChildrenNotCounted(t *testing.T) {
	reg, m, _ := newChildFixture(t)

	_, err := m.RegisterChild(Patch{ID: "C1", ParentID: opt.Some("P"), ShowInSidebar: opt.Some(false)})
	require.NoError(t, err)
	_, err = m.RegisterChild(Patch{ID: "C2", ParentID: opt.Some("P")})
	require.NoError(t, err)

	assert.Equal(t, "", title(t, reg, "C1"))
	assert.Equal(t, "Shell", title(t, reg, "C2"))
}

func TestChildManager_RequiresParent(t *testing.T) {
	_, m, _ := newChildFixture(t)
	_, err := m.RegisterChild(Patch{ID: "C1"})
	assert.Error(t, err)
}

func TestChildManager_UnregisterReleasesTransport(t *testing.T) {
	reg, m, rel := newChildFixture(t)
	_, _ = m.RegisterChild(Patch{ID: "C1", ParentID: opt.Some("P")})
	_, _ = m.RegisterChild(Patch{ID: "C2", ParentID: opt.Some("P"), ChildTabType: opt.Some(ChildCommand)})

	require.True(t, m.UnregisterChild("C1"))
	require.True(t, m.UnregisterChild("C2"))

	assert.Equal(t, []string{"C1"}, rel.released, "command children keep their transport")
	assert.Empty(t, reg.Children("P"))
	_, ok := reg.Get("C2")
	assert.False(t, ok)
}

func TestChildManager_UnregisterUnknown(t *testing.T) {
	_, m, _ := newChildFixture(t)
	assert.False(t, m.UnregisterChild("nope"))
	assert.False(t, m.UnregisterChild("P"), "parent is not a child")
}
