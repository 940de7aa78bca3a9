package keygroup_test

import (
	"time"

	"testing"

	"github.com/stretchr/testify/require"

	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/clock"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/keygroup"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/proxyerr"
)

func newGroup(t *testing.T, m *keygroup.Manager, req keygroup.CreateGroup) keygroup.Group {
	t.Helper()
	g, err := m.CreateGroup(req)
	require.NoError(t, err)
	return g
}

func TestCreateGroupValidation(t *testing.T) {
	t.Parallel()
	m := keygroup.New(keygroup.WithClock(clock.NewFake(time.UnixMilli(1_000))))

	_, err := m.CreateGroup(keygroup.CreateGroup{})
	require.ErrorIs(t, err, proxyerr.ErrValidation)

	_, err = m.CreateGroup(keygroup.CreateGroup{
		Name:      "free",
		RateLimit: &keygroup.RateOverride{Limit: 0, WindowMs: 60_000},
	})
	require.ErrorIs(t, err, proxyerr.ErrValidation)

	newGroup(t, m, keygroup.CreateGroup{Name: "free"})
	_, err = m.CreateGroup(keygroup.CreateGroup{Name: "free"})
	require.ErrorIs(t, err, proxyerr.ErrConflict)
}

func TestAssignOneGroupPerKey(t *testing.T) {
	t.Parallel()
	m := keygroup.New(keygroup.WithClock(clock.NewFake(time.UnixMilli(1_000))))
	free := newGroup(t, m, keygroup.CreateGroup{Name: "free"})
	pro := newGroup(t, m, keygroup.CreateGroup{Name: "pro"})

	require.ErrorIs(t, m.AssignKey("pk_a", "ghost"), proxyerr.ErrNotFound)
	require.ErrorIs(t, m.AssignKey("", free.ID), proxyerr.ErrValidation)

	require.NoError(t, m.AssignKey("pk_a", free.ID))
	g, ok := m.GroupOf("pk_a")
	require.True(t, ok)
	require.Equal(t, "free", g.Name)

	// Reassignment moves the key, it does not add a second membership.
	require.NoError(t, m.AssignKey("pk_a", pro.ID))
	g, ok = m.GroupOf("pk_a")
	require.True(t, ok)
	require.Equal(t, "pro", g.Name)
	require.Empty(t, m.Members(free.ID))
	require.Equal(t, []string{"pk_a"}, m.Members(pro.ID))

	require.True(t, m.UnassignKey("pk_a"))
	require.False(t, m.UnassignKey("pk_a"))
	_, ok = m.GroupOf("pk_a")
	require.False(t, ok)
}

func TestEffectiveACLMergesAndDenyWins(t *testing.T) {
	t.Parallel()
	m := keygroup.New(keygroup.WithClock(clock.NewFake(time.UnixMilli(1_000))))
	g := newGroup(t, m, keygroup.CreateGroup{
		Name:         "restricted",
		AllowedTools: []string{"search", "fetch"},
		DeniedTools:  []string{"admin"},
	})
	require.NoError(t, m.AssignKey("pk_a", g.ID))

	acl := m.EffectiveACL("pk_a", keygroup.ACL{Allow: []string{"embed", "search"}, Deny: []string{"delete"}})
	require.Equal(t, []string{"embed", "fetch", "search"}, acl.Allow)
	require.Equal(t, []string{"admin", "delete"}, acl.Deny)

	require.True(t, acl.Allows("search"))
	require.True(t, acl.Allows("fetch"))
	require.False(t, acl.Allows("admin"))
	require.False(t, acl.Allows("delete"))
	require.False(t, acl.Allows("other"))
}

func TestEffectiveACLWithoutGroup(t *testing.T) {
	t.Parallel()
	m := keygroup.New(keygroup.WithClock(clock.NewFake(time.UnixMilli(1_000))))

	acl := m.EffectiveACL("pk_solo", keygroup.ACL{Allow: []string{"b", "a", "b"}})
	require.Equal(t, []string{"a", "b"}, acl.Allow)
	require.Empty(t, acl.Deny)
}

func TestACLSemantics(t *testing.T) {
	t.Parallel()

	// Empty allow admits everything not denied.
	open := keygroup.ACL{Deny: []string{"drop"}}
	require.True(t, open.Allows("anything"))
	require.False(t, open.Allows("drop"))

	// Wildcard deny beats wildcard allow.
	closed := keygroup.ACL{Allow: []string{"*"}, Deny: []string{"*"}}
	require.False(t, closed.Allows("search"))

	wild := keygroup.ACL{Allow: []string{"*"}}
	require.True(t, wild.Allows("search"))
}

func TestGroupRateOverride(t *testing.T) {
	t.Parallel()
	m := keygroup.New(keygroup.WithClock(clock.NewFake(time.UnixMilli(1_000))))
	g := newGroup(t, m, keygroup.CreateGroup{
		Name:      "burst",
		RateLimit: &keygroup.RateOverride{Limit: 100, WindowMs: 60_000},
	})
	plain := newGroup(t, m, keygroup.CreateGroup{Name: "plain"})

	require.NoError(t, m.AssignKey("pk_a", g.ID))
	require.NoError(t, m.AssignKey("pk_b", plain.ID))

	ro, ok := m.RateLimitFor("pk_a")
	require.True(t, ok)
	require.Equal(t, int64(100), ro.Limit)

	_, ok = m.RateLimitFor("pk_b")
	require.False(t, ok)
	_, ok = m.RateLimitFor("pk_unassigned")
	require.False(t, ok)
}

func TestDeleteGroupUnassignsMembers(t *testing.T) {
	t.Parallel()
	m := keygroup.New(keygroup.WithClock(clock.NewFake(time.UnixMilli(1_000))))
	g := newGroup(t, m, keygroup.CreateGroup{Name: "temp"})
	require.NoError(t, m.AssignKey("pk_a", g.ID))
	require.NoError(t, m.AssignKey("pk_b", g.ID))

	require.NoError(t, m.DeleteGroup(g.ID))
	require.ErrorIs(t, m.DeleteGroup(g.ID), proxyerr.ErrNotFound)
	_, ok := m.GroupOf("pk_a")
	require.False(t, ok)
	_, ok = m.GroupOf("pk_b")
	require.False(t, ok)
}

func TestSnapshotRoundTrip(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(time.UnixMilli(1_000))
	m := keygroup.New(keygroup.WithClock(clk))
	free := newGroup(t, m, keygroup.CreateGroup{Name: "free", DeniedTools: []string{"admin"}})
	clk.AdvanceMs(1)
	pro := newGroup(t, m, keygroup.CreateGroup{
		Name:      "pro",
		RateLimit: &keygroup.RateOverride{Limit: 10, WindowMs: 1_000},
		Meta:      map[string]string{"tier": "2"},
	})
	require.NoError(t, m.AssignKey("pk_a", free.ID))
	require.NoError(t, m.AssignKey("pk_b", pro.ID))

	snap := m.Snapshot()
	require.Len(t, snap.Groups, 2)
	require.Equal(t, "free", snap.Groups[0].Name)

	// An assignment referencing a vanished group is dropped on restore.
	snap.Assignments["pk_ghost"] = "gone"

	restored := keygroup.New(keygroup.WithClock(clk))
	restored.Restore(snap)

	g, ok := restored.GroupOf("pk_a")
	require.True(t, ok)
	require.Equal(t, "free", g.Name)
	ro, ok := restored.RateLimitFor("pk_b")
	require.True(t, ok)
	require.Equal(t, int64(10), ro.Limit)
	_, ok = restored.GroupOf("pk_ghost")
	require.False(t, ok)

	require.Len(t, restored.Groups(), 2)
}
