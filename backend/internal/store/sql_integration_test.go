package store

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"
)

// 需要真实数据库：COLLAB_TEST_MYSQL_DSN / COLLAB_TEST_POSTGRES_URL 未设置时跳过
func exerciseStore(t *testing.T, s DocumentStore) {
	t.Helper()
	ctx := context.Background()
	id := uuid.NewString()
	ref := Ref{Kind: KindFile, ID: id}

	if _, err := s.FetchDocument(ctx, ref); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Fetch missing error = %v, want ErrNotFound", err)
	}
	if err := s.CreateDocument(ctx, &Document{ID: id, Kind: KindFile, Title: "it"}); err != nil {
		t.Fatalf("Create error = %v", err)
	}
	if err := s.CreateDocument(ctx, &Document{ID: id, Kind: KindFile}); !errors.Is(err, ErrDocumentExists) {
		t.Fatalf("Create duplicate error = %v, want ErrDocumentExists", err)
	}
	data := `{"ops":[{"insert":"hi\n"}]}`
	for i := 0; i < 2; i++ {
		if err := s.WriteDocument(ctx, ref, Patch{Data: &data}); err != nil {
			t.Fatalf("Write #%d error = %v", i, err)
		}
	}
	doc, err := s.FetchDocument(ctx, ref)
	if err != nil {
		t.Fatalf("Fetch error = %v", err)
	}
	if doc.Data != data || doc.Title != "it" {
		t.Fatalf("Fetch = %+v", doc)
	}
	if err := s.WriteDocument(ctx, Ref{Kind: KindFile, ID: uuid.NewString()}, Patch{Data: &data}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Write missing error = %v, want ErrNotFound", err)
	}
}

func TestGormStore_MySQL(t *testing.T) {
	dsn := os.Getenv("COLLAB_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("skip: COLLAB_TEST_MYSQL_DSN not set")
	}
	db, err := InitMySQL(dsn)
	if err != nil {
		t.Fatalf("InitMySQL error = %v", err)
	}
	s := NewGormStore(db)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate error = %v", err)
	}
	exerciseStore(t, s)
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("COLLAB_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("skip: COLLAB_TEST_POSTGRES_URL not set")
	}
	s, err := OpenPostgres(context.Background(), url)
	if err != nil {
		t.Fatalf("OpenPostgres error = %v", err)
	}
	defer s.Close()
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate error = %v", err)
	}
	exerciseStore(t, s)
}
