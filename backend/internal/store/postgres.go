package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS %s (
	id           TEXT PRIMARY KEY,
	title        TEXT NOT NULL DEFAULT '',
	icon_id      TEXT NOT NULL DEFAULT '',
	data         TEXT,
	banner_url   TEXT,
	in_trash     TEXT,
	workspace_id TEXT,
	folder_id    TEXT,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
)`

type PostgresStore struct {
	pool *pgxpool.Pool
}

func OpenPostgres(ctx context.Context, url string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() { s.pool.Close() }

func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, k := range []Kind{KindWorkspace, KindFolder, KindFile} {
		if _, err := s.pool.Exec(ctx, fmt.Sprintf(pgSchema, k.table())); err != nil {
			return fmt.Errorf("migrate %s: %w", k.table(), err)
		}
	}
	return nil
}

func (s *PostgresStore) FetchDocument(ctx context.Context, ref Ref) (*Document, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	// 表名来自 Kind 白名单，不是用户输入
	q := fmt.Sprintf(`SELECT id, title, icon_id, COALESCE(data, ''), COALESCE(banner_url, ''),
		COALESCE(in_trash, ''), COALESCE(workspace_id, ''), COALESCE(folder_id, ''), created_at, updated_at
		FROM %s WHERE id = $1`, ref.Kind.table())

	doc := &Document{Kind: ref.Kind}
	err := s.pool.QueryRow(ctx, q, ref.ID).Scan(
		&doc.ID, &doc.Title, &doc.IconID, &doc.Data, &doc.BannerURL,
		&doc.InTrash, &doc.WorkspaceID, &doc.FolderID, &doc.CreatedAt, &doc.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", ref, err)
	}
	return doc, nil
}

func (s *PostgresStore) WriteDocument(ctx context.Context, ref Ref, patch Patch) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	cols := patch.columns()
	if len(cols) == 0 {
		return nil
	}
	names := make([]string, 0, len(cols))
	for name := range cols {
		names = append(names, name)
	}
	sort.Strings(names)

	sets := make([]string, 0, len(names)+1)
	args := make([]any, 0, len(names)+2)
	for i, name := range names {
		sets = append(sets, fmt.Sprintf("%s = $%d", name, i+1))
		args = append(args, cols[name])
	}
	sets = append(sets, fmt.Sprintf("updated_at = $%d", len(args)+1))
	args = append(args, time.Now())
	args = append(args, ref.ID)

	q := fmt.Sprintf(`UPDATE %s SET %s WHERE id = $%d`, ref.Kind.table(), strings.Join(sets, ", "), len(args))
	tag, err := s.pool.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("write %s: %w", ref, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CreateDocument(ctx context.Context, doc *Document) error {
	if err := doc.Ref().Validate(); err != nil {
		return err
	}
	q := fmt.Sprintf(`INSERT INTO %s (id, title, icon_id, data, banner_url, in_trash, workspace_id, folder_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING created_at, updated_at`, doc.Kind.table())
	err := s.pool.QueryRow(ctx, q,
		doc.ID, doc.Title, doc.IconID, doc.Data, doc.BannerURL, doc.InTrash, doc.WorkspaceID, doc.FolderID,
	).Scan(&doc.CreatedAt, &doc.UpdatedAt)
	if isPgDuplicate(err) {
		return ErrDocumentExists
	}
	if err != nil {
		return fmt.Errorf("create %s: %w", doc.Ref(), err)
	}
	return nil
}
