package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/irc-web-terminal/backend/internal/db"
	"github.com/irc-web-terminal/backend/internal/model"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	testDB, err := db.NewTestDB()
	if err != nil {
		t.Fatalf("failed to create test db: %v", err)
	}
	t.Cleanup(func() { testDB.Close() })
	return testDB
}

func TestSessionLifecycleRecordedProperty(t *testing.T) {
	repo := NewSessionRepository(newTestDB(t))
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	statuses := gen.OneConstOf(model.SessionStatusExited, model.SessionStatusKilled, model.SessionStatusFailed)

	properties.Property("a started session can be ended and read back", prop.ForAll(
		func(pid int, code int, status model.SessionStatus) bool {
			rec := &model.SessionRecord{
				ID:        uuid.New().String(),
				Identity:  "alice",
				PID:       pid,
				Status:    model.SessionStatusRunning,
				StartedAt: time.Now(),
			}
			if err := repo.Started(ctx, rec); err != nil {
				t.Logf("Started failed: %v", err)
				return false
			}
			if err := repo.Ended(ctx, rec.ID, status, &code); err != nil {
				t.Logf("Ended failed: %v", err)
				return false
			}

			got, err := repo.GetByID(ctx, rec.ID)
			if err != nil {
				t.Logf("GetByID failed: %v", err)
				return false
			}
			return got.PID == pid &&
				got.Status == status &&
				got.ExitCode != nil && *got.ExitCode == code &&
				got.EndedAt != nil
		},
		gen.IntRange(1, 1<<22),
		gen.IntRange(-1, 255),
		statuses,
	))

	properties.TestingRun(t)
}

func TestSessionRepository(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown id", func(t *testing.T) {
		repo := NewSessionRepository(newTestDB(t))
		if _, err := repo.GetByID(ctx, "missing"); !errors.Is(err, model.ErrSessionNotFound) {
			t.Errorf("GetByID error = %v, want ErrSessionNotFound", err)
		}
		code := 0
		if err := repo.Ended(ctx, "missing", model.SessionStatusExited, &code); !errors.Is(err, model.ErrSessionNotFound) {
			t.Errorf("Ended error = %v, want ErrSessionNotFound", err)
		}
	})

	t.Run("list newest first", func(t *testing.T) {
		repo := NewSessionRepository(newTestDB(t))
		base := time.Now().Add(-time.Hour)
		for i := 0; i < 3; i++ {
			repo.Started(ctx, &model.SessionRecord{
				ID:        fmt.Sprintf("alice-%d", i),
				Identity:  "alice",
				PID:       100 + i,
				Status:    model.SessionStatusRunning,
				StartedAt: base.Add(time.Duration(i) * time.Minute),
			})
		}
		repo.Started(ctx, &model.SessionRecord{ID: "bob-0", Identity: "bob", Status: model.SessionStatusRunning, StartedAt: base})

		records, err := repo.ListByIdentity(ctx, "alice", 2)
		if err != nil {
			t.Fatalf("ListByIdentity failed: %v", err)
		}
		if len(records) != 2 {
			t.Fatalf("got %d records, want 2", len(records))
		}
		if records[0].ID != "alice-2" || records[1].ID != "alice-1" {
			t.Errorf("order = %s, %s", records[0].ID, records[1].ID)
		}
		if records[0].ExitCode != nil || records[0].EndedAt != nil {
			t.Error("running record should have no exit code or end time")
		}
	})

	t.Run("mark orphaned", func(t *testing.T) {
		repo := NewSessionRepository(newTestDB(t))
		repo.Started(ctx, &model.SessionRecord{ID: "a", Identity: "alice", Status: model.SessionStatusRunning, StartedAt: time.Now()})
		repo.Started(ctx, &model.SessionRecord{ID: "b", Identity: "bob", Status: model.SessionStatusRunning, StartedAt: time.Now()})
		code := 0
		repo.Ended(ctx, "b", model.SessionStatusExited, &code)

		n, err := repo.MarkOrphaned(ctx)
		if err != nil {
			t.Fatalf("MarkOrphaned failed: %v", err)
		}
		if n != 1 {
			t.Errorf("marked %d, want 1", n)
		}
		got, _ := repo.GetByID(ctx, "a")
		if got.Status != model.SessionStatusFailed {
			t.Errorf("status = %s, want failed", got.Status)
		}
		got, _ = repo.GetByID(ctx, "b")
		if got.Status != model.SessionStatusExited {
			t.Errorf("ended record changed to %s", got.Status)
		}
	})
}

func TestTokenRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewTokenRepository(newTestDB(t))

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return now }

	admin, err := repo.Issue(ctx, "root_admin", true, 0)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	short, err := repo.Issue(ctx, "alice", false, time.Hour)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if len(admin) != 2*tokenBytes || admin == short {
		t.Errorf("unexpected tokens %q, %q", admin, short)
	}

	id, err := repo.Lookup(ctx, admin)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if id != (model.Identity{Name: "root_admin", IsAdmin: true}) {
		t.Errorf("Lookup = %+v", id)
	}

	id, err = repo.Lookup(ctx, short)
	if err != nil || id.Name != "alice" || id.IsAdmin {
		t.Errorf("Lookup = %+v, %v", id, err)
	}

	now = now.Add(2 * time.Hour)
	if _, err := repo.Lookup(ctx, short); !errors.Is(err, model.ErrUnauthorized) {
		t.Errorf("expired Lookup error = %v, want ErrUnauthorized", err)
	}
	if _, err := repo.Lookup(ctx, "nope"); !errors.Is(err, model.ErrUnauthorized) {
		t.Errorf("unknown Lookup error = %v, want ErrUnauthorized", err)
	}

	if _, err := repo.Issue(ctx, "Bad Name", false, 0); !errors.Is(err, model.ErrInvalidIdentity) {
		t.Errorf("Issue with invalid identity error = %v", err)
	}

	n, err := repo.RevokeIdentity(ctx, "root_admin")
	if err != nil || n != 1 {
		t.Errorf("RevokeIdentity = %d, %v", n, err)
	}
	if _, err := repo.Lookup(ctx, admin); !errors.Is(err, model.ErrUnauthorized) {
		t.Error("revoked token still resolves")
	}
}

func TestSettingsRepository(t *testing.T) {
	ctx := context.Background()
	testDB := newTestDB(t)
	repo := NewSettingsRepository(testDB)

	n, err := repo.MaxUsers(ctx)
	if err != nil || n != 10 {
		t.Errorf("seeded MaxUsers = %d, %v, want 10", n, err)
	}

	if err := repo.Set(ctx, keyMaxUsers, "42"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if n, _ := repo.MaxUsers(ctx); n != 42 {
		t.Errorf("MaxUsers = %d, want 42", n)
	}

	repo.Set(ctx, keyMaxUsers, "many")
	if _, err := repo.MaxUsers(ctx); err == nil {
		t.Error("non-numeric max_users should fail")
	}

	testDB.Exec(`DELETE FROM settings`)
	if n, err := repo.MaxUsers(ctx); err != nil || n != defaultMaxUsers {
		t.Errorf("unset MaxUsers = %d, %v, want default", n, err)
	}

	if _, ok, _ := repo.Get(ctx, "missing"); ok {
		t.Error("Get reported an unset key")
	}
}
