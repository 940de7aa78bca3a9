// Package mongo persists the gateway state in MongoDB: the key snapshot in
// the keys collection, the group snapshot in the groups collection, one
// document each, replaced on every save.
//
// Saves are not transactional across the two collections. State writes are
// best effort and whole-snapshot, so the worst a crash between the two
// replaces can leave behind is one save of drift, repaired by the next.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/walker77/paygate-mcp-sub010/features/state"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/keygroup"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/keystore"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/proxyerr"
)

const (
	defaultDatabase         = "paygate"
	defaultKeysCollection   = "keys"
	defaultGroupsCollection = "groups"
	defaultOpTimeout        = 5 * time.Second

	// snapshotID keys the single state document in each collection.
	snapshotID = "state"
)

type (
	// Options configures the store. Either Client or URI must be set; a
	// client built from URI is owned by the store and closed with it.
	Options struct {
		URI              string
		Client           *mongodriver.Client
		Database         string
		KeysCollection   string
		GroupsCollection string
		Timeout          time.Duration
	}

	// Store is a MongoDB-backed state.Store.
	Store struct {
		client     *mongodriver.Client
		ownsClient bool
		keys       *mongodriver.Collection
		groups     *mongodriver.Collection
		timeout    time.Duration
	}

	keysDocument struct {
		ID        string          `bson:"_id"`
		AdminKey  string          `bson:"admin_key,omitempty"`
		Keys      []keyDocument   `bson:"keys"`
		Aliases   []aliasDocument `bson:"aliases,omitempty"`
		SavedAtMs int64           `bson:"saved_at_ms"`
	}

	groupsDocument struct {
		ID          string            `bson:"_id"`
		Groups      []groupDocument   `bson:"groups"`
		Assignments map[string]string `bson:"assignments,omitempty"`
		SavedAtMs   int64             `bson:"saved_at_ms"`
	}

	keyDocument struct {
		Key              string            `bson:"key"`
		Name             string            `bson:"name"`
		Credits          int64             `bson:"credits"`
		Active           bool              `bson:"active"`
		CreatedAtMs      int64             `bson:"created_at_ms"`
		ExpiresAtMs      int64             `bson:"expires_at_ms,omitempty"`
		AllowedTools     []string          `bson:"allowed_tools,omitempty"`
		DeniedTools      []string          `bson:"denied_tools,omitempty"`
		RateLimit        int               `bson:"rate_limit,omitempty"`
		DailyQuota       int64             `bson:"daily_quota,omitempty"`
		MonthlyQuota     int64             `bson:"monthly_quota,omitempty"`
		TotalSpent       int64             `bson:"total_spent"`
		TotalCalls       int64             `bson:"total_calls"`
		LastUsedAtMs     int64             `bson:"last_used_at_ms,omitempty"`
		DailyUsed        int64             `bson:"daily_used"`
		MonthlyUsed      int64             `bson:"monthly_used"`
		DailyResetAtMs   int64             `bson:"daily_reset_at_ms"`
		MonthlyResetAtMs int64             `bson:"monthly_reset_at_ms"`
		Metadata         map[string]string `bson:"metadata,omitempty"`
	}

	aliasDocument struct {
		Old         string `bson:"old"`
		New         string `bson:"new"`
		ExpiresAtMs int64  `bson:"expires_at_ms"`
	}

	groupDocument struct {
		ID           string            `bson:"_id"`
		Name         string            `bson:"name"`
		AllowedTools []string          `bson:"allowed_tools,omitempty"`
		DeniedTools  []string          `bson:"denied_tools,omitempty"`
		RateLimit    *rateDocument     `bson:"rate_limit,omitempty"`
		Meta         map[string]string `bson:"meta,omitempty"`
		CreatedAtMs  int64             `bson:"created_at_ms"`
	}

	rateDocument struct {
		Limit    int64 `bson:"limit"`
		WindowMs int64 `bson:"window_ms"`
	}
)

var _ state.Store = (*Store)(nil)

// New returns a store bound to the configured database. When no client is
// supplied one is built from the URI and owned by the store.
func New(opts Options) (*Store, error) {
	client := opts.Client
	owns := false
	if client == nil {
		if opts.URI == "" {
			return nil, proxyerr.Validationf("mongo uri or client is required")
		}
		var err error
		client, err = mongodriver.Connect(options.Client().ApplyURI(opts.URI))
		if err != nil {
			return nil, proxyerr.Wrap(proxyerr.KindUpstream, "connect mongo", err)
		}
		owns = true
	}
	db := opts.Database
	if db == "" {
		db = defaultDatabase
	}
	keysColl := opts.KeysCollection
	if keysColl == "" {
		keysColl = defaultKeysCollection
	}
	groupsColl := opts.GroupsCollection
	if groupsColl == "" {
		groupsColl = defaultGroupsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &Store{
		client:     client,
		ownsClient: owns,
		keys:       client.Database(db).Collection(keysColl),
		groups:     client.Database(db).Collection(groupsColl),
		timeout:    timeout,
	}, nil
}

// Save replaces the state documents in both collections.
func (s *Store) Save(ctx context.Context, st state.State) error {
	keysDoc := keysDocument{
		ID:        snapshotID,
		AdminKey:  st.AdminKey,
		Keys:      make([]keyDocument, 0, len(st.Keys.Keys)),
		Aliases:   make([]aliasDocument, 0, len(st.Keys.Aliases)),
		SavedAtMs: st.SavedAtMs,
	}
	for _, rec := range st.Keys.Keys {
		keysDoc.Keys = append(keysDoc.Keys, fromKeyRecord(rec))
	}
	for _, alias := range st.Keys.Aliases {
		keysDoc.Aliases = append(keysDoc.Aliases, aliasDocument{Old: alias.Old, New: alias.New, ExpiresAtMs: alias.ExpiresAt})
	}
	groupsDoc := groupsDocument{
		ID:          snapshotID,
		Groups:      make([]groupDocument, 0, len(st.Groups.Groups)),
		Assignments: st.Groups.Assignments,
		SavedAtMs:   st.SavedAtMs,
	}
	for _, g := range st.Groups.Groups {
		groupsDoc.Groups = append(groupsDoc.Groups, fromGroup(g))
	}

	opCtx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"_id": snapshotID}
	replaceOpts := options.Replace().SetUpsert(true)
	if _, err := s.keys.ReplaceOne(opCtx, filter, keysDoc, replaceOpts); err != nil {
		return proxyerr.Wrap(proxyerr.KindUpstream, "save keys state", err)
	}
	if _, err := s.groups.ReplaceOne(opCtx, filter, groupsDoc, replaceOpts); err != nil {
		return proxyerr.Wrap(proxyerr.KindUpstream, "save groups state", err)
	}
	return nil
}

// Load reads both state documents. Absent documents load as empty parts.
func (s *Store) Load(ctx context.Context) (state.State, error) {
	opCtx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"_id": snapshotID}

	var st state.State
	var keysDoc keysDocument
	err := s.keys.FindOne(opCtx, filter).Decode(&keysDoc)
	switch {
	case err == nil:
		st.AdminKey = keysDoc.AdminKey
		st.SavedAtMs = keysDoc.SavedAtMs
		st.Keys.Keys = make([]keystore.KeyRecord, 0, len(keysDoc.Keys))
		for _, doc := range keysDoc.Keys {
			st.Keys.Keys = append(st.Keys.Keys, doc.toKeyRecord())
		}
		for _, doc := range keysDoc.Aliases {
			st.Keys.Aliases = append(st.Keys.Aliases, keystore.Alias{Old: doc.Old, New: doc.New, ExpiresAt: doc.ExpiresAtMs})
		}
	case errors.Is(err, mongodriver.ErrNoDocuments):
	default:
		return state.State{}, proxyerr.Wrap(proxyerr.KindUpstream, "load keys state", err)
	}

	var groupsDoc groupsDocument
	err = s.groups.FindOne(opCtx, filter).Decode(&groupsDoc)
	switch {
	case err == nil:
		st.Groups.Assignments = groupsDoc.Assignments
		st.Groups.Groups = make([]keygroup.Group, 0, len(groupsDoc.Groups))
		for _, doc := range groupsDoc.Groups {
			st.Groups.Groups = append(st.Groups.Groups, doc.toGroup())
		}
	case errors.Is(err, mongodriver.ErrNoDocuments):
	default:
		return state.State{}, proxyerr.Wrap(proxyerr.KindUpstream, "load groups state", err)
	}
	return st, nil
}

// Name identifies the store in health reports.
func (s *Store) Name() string {
	return "state-mongo"
}

// Ping checks connectivity against the primary.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// Close disconnects the client when the store owns it.
func (s *Store) Close(ctx context.Context) error {
	if !s.ownsClient {
		return nil
	}
	return s.client.Disconnect(ctx)
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func fromKeyRecord(rec keystore.KeyRecord) keyDocument {
	return keyDocument{
		Key:              rec.Key,
		Name:             rec.Name,
		Credits:          rec.Credits,
		Active:           rec.Active,
		CreatedAtMs:      rec.CreatedAtMs,
		ExpiresAtMs:      rec.ExpiresAtMs,
		AllowedTools:     rec.AllowedTools,
		DeniedTools:      rec.DeniedTools,
		RateLimit:        rec.RateLimit,
		DailyQuota:       rec.DailyQuota,
		MonthlyQuota:     rec.MonthlyQuota,
		TotalSpent:       rec.TotalSpent,
		TotalCalls:       rec.TotalCalls,
		LastUsedAtMs:     rec.LastUsedAtMs,
		DailyUsed:        rec.DailyUsed,
		MonthlyUsed:      rec.MonthlyUsed,
		DailyResetAtMs:   rec.DailyResetAtMs,
		MonthlyResetAtMs: rec.MonthlyResetAtMs,
		Metadata:         rec.Metadata,
	}
}

func (doc keyDocument) toKeyRecord() keystore.KeyRecord {
	return keystore.KeyRecord{
		Key:              doc.Key,
		Name:             doc.Name,
		Credits:          doc.Credits,
		Active:           doc.Active,
		CreatedAtMs:      doc.CreatedAtMs,
		ExpiresAtMs:      doc.ExpiresAtMs,
		AllowedTools:     doc.AllowedTools,
		DeniedTools:      doc.DeniedTools,
		RateLimit:        doc.RateLimit,
		DailyQuota:       doc.DailyQuota,
		MonthlyQuota:     doc.MonthlyQuota,
		TotalSpent:       doc.TotalSpent,
		TotalCalls:       doc.TotalCalls,
		LastUsedAtMs:     doc.LastUsedAtMs,
		DailyUsed:        doc.DailyUsed,
		MonthlyUsed:      doc.MonthlyUsed,
		DailyResetAtMs:   doc.DailyResetAtMs,
		MonthlyResetAtMs: doc.MonthlyResetAtMs,
		Metadata:         doc.Metadata,
	}
}

func fromGroup(g keygroup.Group) groupDocument {
	doc := groupDocument{
		ID:           g.ID,
		Name:         g.Name,
		AllowedTools: g.AllowedTools,
		DeniedTools:  g.DeniedTools,
		Meta:         g.Meta,
		CreatedAtMs:  g.CreatedAtMs,
	}
	if g.RateLimit != nil {
		doc.RateLimit = &rateDocument{Limit: g.RateLimit.Limit, WindowMs: g.RateLimit.WindowMs}
	}
	return doc
}

func (doc groupDocument) toGroup() keygroup.Group {
	g := keygroup.Group{
		ID:           doc.ID,
		Name:         doc.Name,
		AllowedTools: doc.AllowedTools,
		DeniedTools:  doc.DeniedTools,
		Meta:         doc.Meta,
		CreatedAtMs:  doc.CreatedAtMs,
	}
	if doc.RateLimit != nil {
		g.RateLimit = &keygroup.RateOverride{Limit: doc.RateLimit.Limit, WindowMs: doc.RateLimit.WindowMs}
	}
	return g
}
