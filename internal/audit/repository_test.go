package audit

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nerrad567/packflow/internal/infrastructure/database"
	"github.com/nerrad567/packflow/migrations"
)

func setupTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(ctx, database.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		t.Fatalf("migrating test db: %v", err)
	}

	repo := NewSQLiteRepository(db.DB)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	repo.now = func() time.Time {
		now = now.Add(time.Second)
		return now
	}
	return repo
}

func TestRecordAndList(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	entries := []*Entry{
		{Action: "emit_event", EntityType: "event", EntityID: "ev-1", ActorID: "user-1", SubjectID: "user-1", Source: "api",
			Details: map[string]any{"event_name": "canvas.updated"}},
		{Action: "start_chain", EntityType: "chain_execution", EntityID: "ce-1", ActorID: "svc", SubjectID: "user-1", Source: "api"},
		{Action: "cancel_chain", EntityType: "chain_execution", EntityID: "ce-1", ActorID: "user-1", SubjectID: "user-1", Source: "api"},
	}
	for _, e := range entries {
		if err := repo.Record(ctx, e); err != nil {
			t.Fatalf("Record(%s): %v", e.Action, err)
		}
		if e.ID == "" || e.CreatedAt.IsZero() {
			t.Errorf("Record did not fill ID and CreatedAt: %+v", e)
		}
	}

	page, err := repo.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if page.Total != 3 || page.Limit != defaultLimit {
		t.Errorf("page total/limit = %d/%d, want 3/%d", page.Total, page.Limit, defaultLimit)
	}
	var actions []string
	for _, e := range page.Entries {
		actions = append(actions, e.Action)
	}
	if diff := cmp.Diff([]string{"cancel_chain", "start_chain", "emit_event"}, actions); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
	if got := page.Entries[2]; got.Details["event_name"] != "canvas.updated" || got.SubjectID != "user-1" {
		t.Errorf("oldest entry = %+v", got)
	}
}

func TestList_Filters(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	for _, e := range []*Entry{
		{Action: "emit_event", EntityType: "event", EntityID: "ev-1", ActorID: "user-1", Source: "api"},
		{Action: "start_chain", EntityType: "chain_execution", EntityID: "ce-1", ActorID: "svc", Source: "api"},
		{Action: "cancel_chain", EntityType: "chain_execution", EntityID: "ce-1", ActorID: "user-1", Source: "api"},
	} {
		if err := repo.Record(ctx, e); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	tests := []struct {
		name   string
		filter Filter
		want   int
		total  int
	}{
		{"by entity", Filter{EntityType: "chain_execution", EntityID: "ce-1"}, 2, 2},
		{"by actor", Filter{ActorID: "user-1"}, 2, 2},
		{"by action", Filter{Action: "emit_event"}, 1, 1},
		{"paged", Filter{Limit: 1, Offset: 1}, 1, 3},
		{"past end", Filter{Offset: 10}, 0, 3},
		{"limit clamped", Filter{Limit: 1000}, 3, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := repo.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(page.Entries) != tt.want || page.Total != tt.total {
				t.Errorf("entries/total = %d/%d, want %d/%d", len(page.Entries), page.Total, tt.want, tt.total)
			}
			if page.Limit > maxLimit {
				t.Errorf("limit = %d, want at most %d", page.Limit, maxLimit)
			}
		})
	}
}

func TestRecord_RequiresActionAndEntity(t *testing.T) {
	repo := setupTestRepo(t)
	if err := repo.Record(context.Background(), &Entry{EntityType: "event"}); err == nil {
		t.Error("Record without action should fail")
	}
	if err := repo.Record(context.Background(), &Entry{Action: "emit_event"}); err == nil {
		t.Error("Record without entity type should fail")
	}
}
