package mongo

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/walker77/paygate-mcp-sub010/features/state"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/keygroup"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/keystore"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/proxyerr"
)

var (
	setupOnce     sync.Once
	testClient    *mongodriver.Client
	testContainer testcontainers.Container
	skipMongo     bool
)

func setupMongoDB() {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForLog("Waiting for connections"),
			Tmpfs:        map[string]string{"/data/db": "rw"},
		}
		testContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()
	if containerErr != nil {
		skipMongo = true
		return
	}

	host, err := testContainer.Host(ctx)
	if err != nil {
		skipMongo = true
		return
	}
	port, err := testContainer.MappedPort(ctx, "27017")
	if err != nil {
		skipMongo = true
		return
	}
	uri := fmt.Sprintf("mongodb://%s:%s", host, port.Port())
	testClient, err = mongodriver.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		skipMongo = true
		return
	}
	if err := testClient.Ping(ctx, nil); err != nil {
		skipMongo = true
	}
}

// getStore skips when Docker is unavailable and returns a store bound to
// collections private to the test.
func getStore(t *testing.T) *Store {
	t.Helper()
	setupOnce.Do(setupMongoDB)
	if skipMongo {
		t.Skip("Docker not available, skipping MongoDB test")
	}
	ctx := context.Background()
	db := testClient.Database("paygate_test")
	keysColl := t.Name() + "_keys"
	groupsColl := t.Name() + "_groups"
	require.NoError(t, db.Collection(keysColl).Drop(ctx))
	require.NoError(t, db.Collection(groupsColl).Drop(ctx))
	store, err := New(Options{
		Client:           testClient,
		Database:         "paygate_test",
		KeysCollection:   keysColl,
		GroupsCollection: groupsColl,
	})
	require.NoError(t, err)
	return store
}

func sampleState() state.State {
	return state.State{
		AdminKey: "ak_77d3b2a1",
		Keys: keystore.Snapshot{
			Keys: []keystore.KeyRecord{
				{Key: "pk_alpha", Name: "alpha", Credits: 500, Active: true, CreatedAtMs: 1_000,
					DailyQuota: 100, DailyResetAtMs: 86_400_000, Metadata: map[string]string{"team": "ml"}},
				{Key: "pk_beta", Name: "beta", Active: false, CreatedAtMs: 2_000, DeniedTools: []string{"delete"}},
			},
			Aliases: []keystore.Alias{{Old: "pk_prev", New: "pk_alpha", ExpiresAt: 60_000}},
		},
		Groups: keygroup.Snapshot{
			Groups: []keygroup.Group{
				{ID: "g1", Name: "readers", AllowedTools: []string{"search"},
					RateLimit: &keygroup.RateOverride{Limit: 10, WindowMs: 1_000}, CreatedAtMs: 500},
			},
			Assignments: map[string]string{"pk_alpha": "g1"},
		},
		SavedAtMs: 9_000,
	}
}

func TestMongoSaveLoadRoundTrip(t *testing.T) {
	store := getStore(t)
	ctx := context.Background()

	want := sampleState()
	require.NoError(t, store.Save(ctx, want))

	got, err := store.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, want.AdminKey, got.AdminKey)
	require.Equal(t, want.Keys.Keys, got.Keys.Keys)
	require.Equal(t, want.Keys.Aliases, got.Keys.Aliases)
	require.Equal(t, want.Groups, got.Groups)
	require.Equal(t, want.SavedAtMs, got.SavedAtMs)
}

func TestMongoSaveReplacesPreviousState(t *testing.T) {
	store := getStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, sampleState()))

	next := sampleState()
	next.Keys.Keys = next.Keys.Keys[:1]
	next.Keys.Keys[0].Credits = 123
	next.Keys.Aliases = nil
	next.Groups.Assignments = map[string]string{}
	next.SavedAtMs = 10_000
	require.NoError(t, store.Save(ctx, next))

	got, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, got.Keys.Keys, 1)
	require.Equal(t, int64(123), got.Keys.Keys[0].Credits)
	require.Empty(t, got.Keys.Aliases)
	require.Equal(t, int64(10_000), got.SavedAtMs)
}

func TestMongoLoadEmptyDatabase(t *testing.T) {
	store := getStore(t)

	got, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Empty(t, got.Keys.Keys)
	require.Empty(t, got.Groups.Groups)
	require.Empty(t, got.AdminKey)
}

func TestMongoPing(t *testing.T) {
	store := getStore(t)
	require.NoError(t, store.Ping(context.Background()))
}

func TestMongoRequiresURIOrClient(t *testing.T) {
	t.Parallel()

	_, err := New(Options{})
	require.ErrorIs(t, err, proxyerr.ErrValidation)
}
