package repo

import (
	"context"
	"path/filepath"
	"testing"

	"gorm.io/gorm"

	"github.com/tbourn/go-relay-backend/internal/domain"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func TestUpsertMessage_InsertThenUpdateInPlace(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if _, err := UpsertMessage(ctx, db, "r1", "m1", domain.RoleUser, "Me", "hi"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := UpsertMessage(ctx, db, "r1", "m2", domain.RoleUser, "Me", "second"); err != nil {
		t.Fatalf("insert m2: %v", err)
	}
	// Rewrite m1: same key, new content. Must not duplicate or reorder.
	if _, err := UpsertMessage(ctx, db, "r1", "m1", domain.RoleUser, "Me", "hi (edited)"); err != nil {
		t.Fatalf("update: %v", err)
	}

	msgs, err := ListMessages(ctx, db, "r1")
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len = %d, want 2 (upsert must not append)", len(msgs))
	}
	if msgs[0].MsgID != "m1" || msgs[0].Content != "hi (edited)" {
		t.Fatalf("msgs[0] = %q/%q, want m1 with edited content", msgs[0].MsgID, msgs[0].Content)
	}
	if msgs[1].MsgID != "m2" {
		t.Fatalf("msgs[1] = %q, want m2", msgs[1].MsgID)
	}
}

func TestUpsertMessage_LastWriteWins(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	for _, content := range []string{"a", "b", "c"} {
		if _, err := UpsertMessage(ctx, db, "r1", "m1", domain.RoleUser, "Me", content); err != nil {
			t.Fatalf("upsert %q: %v", content, err)
		}
	}

	total, err := CountMessages(ctx, db, "r1")
	if err != nil {
		t.Fatalf("CountMessages: %v", err)
	}
	if total != 1 {
		t.Fatalf("count = %d, want exactly one row per id", total)
	}
	msgs, _ := ListMessages(ctx, db, "r1")
	if msgs[0].Content != "c" {
		t.Fatalf("content = %q, want last applied write", msgs[0].Content)
	}
}

func TestListMessages_IsolatedPerRoom(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	_, _ = UpsertMessage(ctx, db, "r1", "m1", domain.RoleUser, "Me", "one")
	_, _ = UpsertMessage(ctx, db, "r2", "m1", domain.RoleUser, "You", "other room, same id")

	msgs, err := ListMessages(ctx, db, "r1")
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Author != "Me" {
		t.Fatalf("room isolation broken: %+v", msgs)
	}

	empty, err := ListMessages(ctx, db, "never-used")
	if err != nil {
		t.Fatalf("ListMessages empty room: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected empty replay set, got %d", len(empty))
	}
}

func TestListMessagesPage_And_Count(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	ids := []string{"m1", "m2", "m3", "m4", "m5"}
	for _, id := range ids {
		if _, err := UpsertMessage(ctx, db, "r1", id, domain.RoleUser, "Me", "content "+id); err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}

	total, err := CountMessages(ctx, db, "r1")
	if err != nil || total != 5 {
		t.Fatalf("count = %d err=%v, want 5", total, err)
	}

	page, err := ListMessagesPage(ctx, db, "r1", 2, 2)
	if err != nil {
		t.Fatalf("ListMessagesPage: %v", err)
	}
	if len(page) != 2 || page[0].MsgID != "m3" || page[1].MsgID != "m4" {
		t.Fatalf("page = %+v, want [m3 m4]", page)
	}
}
