package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BTreeMap/MemeryBot/internal/models"
	"go.mongodb.org/mongo-driver/bson"
)

// newTestSQLiteStore creates a SQLite store in a temp directory for testing.
func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "memery_store_test_")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	s, err := NewSQLiteStore(WithSQLiteDSN(filepath.Join(tempDir, "test.db")))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// storeFactories returns every backend available in this environment.
func storeFactories(t *testing.T) map[string]func(t *testing.T) Store {
	factories := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewInMemoryStore() },
		"sqlite": func(t *testing.T) Store { return newTestSQLiteStore(t) },
	}
	if dsn := os.Getenv("TEST_POSTGRES_DSN"); dsn != "" {
		factories["postgres"] = func(t *testing.T) Store {
			s, err := NewPostgresStore(WithPostgresDSN(dsn))
			if err != nil {
				t.Skipf("Postgres not available: %v", err)
			}
			s.db.Exec("DELETE FROM processed_mentions")
			s.db.Exec("DELETE FROM bot_state")
			t.Cleanup(func() { s.Close() })
			return s
		}
	}
	if uri := os.Getenv("TEST_MONGODB_URI"); uri != "" {
		factories["mongodb"] = func(t *testing.T) Store {
			ctx := context.Background()
			s, err := NewMongoStore(ctx, WithMongoURI(uri), WithMongoDatabase("memery_test"))
			if err != nil {
				t.Skipf("MongoDB not available: %v", err)
			}
			s.mentions.DeleteMany(ctx, bson.M{})
			s.state.DeleteMany(ctx, bson.M{})
			t.Cleanup(func() { s.Close() })
			return s
		}
	}
	return factories
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, factory := range storeFactories(t) {
		factory := factory
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func TestClaimIsInsertIfAbsent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		ok, err := s.Claim(ctx, "100", "alice", "@memery make a cat")
		if err != nil {
			t.Fatalf("Claim failed: %v", err)
		}
		if !ok {
			t.Fatal("first claim should succeed")
		}

		ok, err = s.Claim(ctx, "100", "bob", "other text")
		if err != nil {
			t.Fatalf("second Claim failed: %v", err)
		}
		if ok {
			t.Fatal("second claim of the same mention must return false")
		}

		rec, err := s.GetMention(ctx, "100")
		if err != nil {
			t.Fatalf("GetMention failed: %v", err)
		}
		if rec == nil {
			t.Fatal("expected record after claim")
		}
		if rec.Username != "alice" || rec.Status != models.MentionStatusProcessing || rec.ImagePath != nil {
			t.Errorf("unexpected record after claim: %+v", rec)
		}
	})
}

func TestSQLiteClaimReportsConstraintViolations(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	// Same table with an extra CHECK so a claim can fail on something other than its id.
	if _, err := s.db.ExecContext(ctx, `DROP TABLE processed_mentions`); err != nil {
		t.Fatalf("drop table: %v", err)
	}
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE processed_mentions (
		mention_id   TEXT PRIMARY KEY,
		username     TEXT NOT NULL DEFAULT '',
		tweet_text   TEXT NOT NULL DEFAULT '' CHECK (length(tweet_text) <= 10),
		image_path   TEXT,
		processed_at DATETIME NOT NULL,
		status       TEXT NOT NULL
	)`); err != nil {
		t.Fatalf("create table: %v", err)
	}

	if _, err := s.Claim(ctx, "1", "alice", "far too long for the column"); err == nil {
		t.Fatal("expected constraint violation to surface as an error")
	}
	if ok, err := s.Claim(ctx, "2", "alice", "short"); err != nil || !ok {
		t.Fatalf("first claim = %v, %v; want true, nil", ok, err)
	}
	if ok, err := s.Claim(ctx, "2", "bob", "short"); err != nil || ok {
		t.Fatalf("duplicate claim = %v, %v; want false, nil", ok, err)
	}
}

func TestClaimRejectsEmptyID(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		if _, err := s.Claim(context.Background(), "", "alice", "hi"); !errors.Is(err, models.ErrEmptyMentionID) {
			t.Errorf("expected ErrEmptyMentionID, got %v", err)
		}
	})
}

func TestConcurrentClaimsExactlyOneWins(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		const workers = 16
		var wins int32
		var wg sync.WaitGroup
		errs := make(chan error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ok, err := s.Claim(ctx, "777", fmt.Sprintf("user%d", i), "race")
				if err != nil {
					errs <- err
					return
				}
				if ok {
					atomic.AddInt32(&wins, 1)
				}
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Fatalf("Claim failed: %v", err)
		}
		if wins != 1 {
			t.Fatalf("expected exactly one winning claim, got %d", wins)
		}
	})
}

func TestCompleteTransitions(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		path := "/out/meme_1.png"

		if err := s.Complete(ctx, "missing", &path); !errors.Is(err, ErrMentionNotFound) {
			t.Errorf("expected ErrMentionNotFound, got %v", err)
		}

		if _, err := s.Claim(ctx, "1", "alice", "hi"); err != nil {
			t.Fatalf("Claim failed: %v", err)
		}
		if err := s.Complete(ctx, "1", &path); err != nil {
			t.Fatalf("Complete failed: %v", err)
		}
		rec, err := s.GetMention(ctx, "1")
		if err != nil {
			t.Fatalf("GetMention failed: %v", err)
		}
		if rec.Status != models.MentionStatusCompleted || rec.ImagePath == nil || *rec.ImagePath != path {
			t.Fatalf("unexpected record after completion: %+v", rec)
		}

		// Same completion again is a no-op.
		if err := s.Complete(ctx, "1", &path); err != nil {
			t.Errorf("repeated identical completion should succeed, got %v", err)
		}
		// A different terminal outcome is rejected.
		if err := s.Complete(ctx, "1", nil); !errors.Is(err, ErrTerminalStatus) {
			t.Errorf("expected ErrTerminalStatus, got %v", err)
		}
		other := "/out/other.png"
		if err := s.Complete(ctx, "1", &other); !errors.Is(err, ErrTerminalStatus) {
			t.Errorf("expected ErrTerminalStatus for a different path, got %v", err)
		}
		rec, _ = s.GetMention(ctx, "1")
		if rec.Status != models.MentionStatusCompleted || *rec.ImagePath != path {
			t.Errorf("terminal record changed: %+v", rec)
		}
	})
}

func TestFailedMentionStaysClaimed(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if _, err := s.Claim(ctx, "2", "bob", "hi"); err != nil {
			t.Fatalf("Claim failed: %v", err)
		}
		if err := s.Complete(ctx, "2", nil); err != nil {
			t.Fatalf("Complete(nil) failed: %v", err)
		}
		rec, err := s.GetMention(ctx, "2")
		if err != nil {
			t.Fatalf("GetMention failed: %v", err)
		}
		if rec.Status != models.MentionStatusFailed || rec.ImagePath != nil {
			t.Errorf("expected failed record with nil path, got %+v", rec)
		}
		claimed, err := s.IsClaimed(ctx, "2")
		if err != nil || !claimed {
			t.Errorf("failed mention must remain claimed, claimed=%v err=%v", claimed, err)
		}
		ok, err := s.Claim(ctx, "2", "bob", "hi")
		if err != nil || ok {
			t.Errorf("failed mention must not be reclaimable, ok=%v err=%v", ok, err)
		}
	})
}

func TestCursorIsMonotonic(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		cur, err := s.GetCursor(ctx)
		if err != nil {
			t.Fatalf("GetCursor failed: %v", err)
		}
		if cur != "" {
			t.Fatalf("expected empty cursor, got %q", cur)
		}

		steps := []struct {
			set  string
			want string
		}{
			{"9", "9"},
			{"10", "10"},
			{"5", "10"},
			{"10", "10"},
			{"1934567890123456789", "1934567890123456789"},
			{"999999999999999999", "1934567890123456789"},
		}
		for _, step := range steps {
			if err := s.SetCursor(ctx, step.set); err != nil {
				t.Fatalf("SetCursor(%q) failed: %v", step.set, err)
			}
			got, err := s.GetCursor(ctx)
			if err != nil {
				t.Fatalf("GetCursor failed: %v", err)
			}
			if got != step.want {
				t.Errorf("after SetCursor(%q) cursor = %q, want %q", step.set, got, step.want)
			}
		}
	})
}

func TestIncrementCount(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			if err := s.IncrementCount(ctx); err != nil {
				t.Fatalf("IncrementCount failed: %v", err)
			}
		}
		st, err := s.GetStats(ctx)
		if err != nil {
			t.Fatalf("GetStats failed: %v", err)
		}
		if st.TotalProcessedCount != 3 {
			t.Errorf("TotalProcessedCount = %d, want 3", st.TotalProcessedCount)
		}
		if st.UptimeStart == nil || st.UpdatedAt == nil {
			t.Errorf("expected uptime_start and updated_at to be set, got %+v", st)
		}
		// Counter writes leave the cursor alone.
		if st.LastMentionID != "" {
			t.Errorf("cursor should be empty, got %q", st.LastMentionID)
		}
	})
}

func TestFailStaleClaims(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		path := "/out/done.png"
		s.Claim(ctx, "10", "a", "x")
		s.Claim(ctx, "11", "b", "y")
		s.Complete(ctx, "11", &path)

		n, err := s.FailStaleClaims(ctx, time.Now().Add(-time.Hour))
		if err != nil {
			t.Fatalf("FailStaleClaims failed: %v", err)
		}
		if n != 0 {
			t.Errorf("fresh claims must not be failed, got %d", n)
		}

		n, err = s.FailStaleClaims(ctx, time.Now().Add(time.Hour))
		if err != nil {
			t.Fatalf("FailStaleClaims failed: %v", err)
		}
		if n != 1 {
			t.Errorf("expected 1 stale claim, got %d", n)
		}
		rec, _ := s.GetMention(ctx, "10")
		if rec == nil || rec.Status != models.MentionStatusFailed {
			t.Errorf("stale claim should be failed, got %+v", rec)
		}
		rec, _ = s.GetMention(ctx, "11")
		if rec == nil || rec.Status != models.MentionStatusCompleted {
			t.Errorf("completed mention must be untouched, got %+v", rec)
		}
	})
}

func TestListMentions(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			if _, err := s.Claim(ctx, fmt.Sprintf("%d", 200+i), "u", "t"); err != nil {
				t.Fatalf("Claim failed: %v", err)
			}
			time.Sleep(2 * time.Millisecond)
		}
		recs, err := s.ListMentions(ctx, 3)
		if err != nil {
			t.Fatalf("ListMentions failed: %v", err)
		}
		if len(recs) != 3 {
			t.Fatalf("expected 3 records, got %d", len(recs))
		}
		if recs[0].MentionID != "204" {
			t.Errorf("expected newest record first, got %s", recs[0].MentionID)
		}
	})
}

func TestSQLiteStatePersistsAcrossReopen(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "memery_reopen_test_")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)
	dbPath := filepath.Join(tempDir, "state", "bot.db")
	ctx := context.Background()

	s1, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 1) failed: %v", err)
	}
	s1.Claim(ctx, "6", "alice", "hi")
	s1.SetCursor(ctx, "6")
	s1.Close()

	s2, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 2) failed: %v", err)
	}
	defer s2.Close()

	claimed, err := s2.IsClaimed(ctx, "6")
	if err != nil || !claimed {
		t.Errorf("claim lost across reopen, claimed=%v err=%v", claimed, err)
	}
	cur, err := s2.GetCursor(ctx)
	if err != nil || cur != "6" {
		t.Errorf("cursor lost across reopen, cursor=%q err=%v", cur, err)
	}
}

func TestDetectDSNType(t *testing.T) {
	tests := map[string]string{
		"/var/lib/memery/bot.db":                     DSNTypeSQLite,
		"file:bot.db?cache=shared":                   DSNTypeSQLite,
		"postgres://u:p@localhost/db":                DSNTypePostgres,
		"postgresql://localhost/db":                  DSNTypePostgres,
		"host=localhost user=bot dbname=memery":      DSNTypePostgres,
		"mongodb://localhost:27017":                  DSNTypeMongo,
		"mongodb+srv://cluster.example.net/?retry=1": DSNTypeMongo,
	}
	for dsn, want := range tests {
		if got := DetectDSNType(dsn); got != want {
			t.Errorf("DetectDSNType(%q) = %q, want %q", dsn, got, want)
		}
	}
}

func TestDatabaseNameForEnvironment(t *testing.T) {
	if got := DatabaseNameForEnvironment("production"); got != "twitter_bot_prod" {
		t.Errorf("production db = %q", got)
	}
	if got := DatabaseNameForEnvironment("development"); got != "twitter_bot_dev" {
		t.Errorf("development db = %q", got)
	}
}

func TestOpenWithoutDSNUsesMemory(t *testing.T) {
	s, err := Open(context.Background())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, ok := s.(*InMemoryStore); !ok {
		t.Errorf("expected *InMemoryStore, got %T", s)
	}
}
