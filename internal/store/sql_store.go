package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"forge/api/internal/markdown"
	"forge/api/internal/proposal"
	"forge/api/internal/settings"
	"forge/api/internal/util"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Dialect selects placeholder style and error classification.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (d Dialect) rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// SQLStore persists proposals, pages with their blocks, and settings
// documents. It runs against PostgreSQL or SQLite with the same schema.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, now: time.Now}
}

func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) Dialect() Dialect { return s.dialect }

func (s *SQLStore) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM proposals LIMIT 1`).Scan(&one); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("probe proposals: %w", err)
	}
	return nil
}

func (s *SQLStore) isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		if code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
			return true
		}
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

const proposalColumns = `proposal_id, editor_target, loop_id, domain, scope_roots, scope_override_token,
	thread_id, turn_id, kind, summary, files, diff, metadata, status, approval_token, created_at_iso, resolved_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProposal(row rowScanner) (proposal.Input, error) {
	var (
		in                proposal.Input
		scopeRoots, files string
		metadata          sql.NullString
		resolvedAt        sql.NullString
	)
	err := row.Scan(&in.ID, &in.AssistantTarget, &in.LoopID, &in.Domain, &scopeRoots, &in.ScopeOverrideToken,
		&in.ThreadID, &in.TurnID, &in.Kind, &in.Summary, &files, &in.Diff, &metadata, &in.Status,
		&in.ApprovalToken, &in.CreatedAt, &resolvedAt)
	if err != nil {
		return proposal.Input{}, err
	}
	if err := json.Unmarshal([]byte(scopeRoots), &in.ScopeRoots); err != nil {
		return proposal.Input{}, fmt.Errorf("decode scope_roots for %s: %w", in.ID, err)
	}
	if err := json.Unmarshal([]byte(files), &in.Files); err != nil {
		return proposal.Input{}, fmt.Errorf("decode files for %s: %w", in.ID, err)
	}
	if metadata.Valid && metadata.String != "" && metadata.String != "null" {
		if err := json.Unmarshal([]byte(metadata.String), &in.Metadata); err != nil {
			return proposal.Input{}, fmt.Errorf("decode metadata for %s: %w", in.ID, err)
		}
	}
	in.ResolvedAt = resolvedAt.String
	return in, nil
}

func proposalArgs(p proposal.Proposal) ([]any, error) {
	scopeRoots, err := json.Marshal(nonNil(p.ScopeRoots))
	if err != nil {
		return nil, err
	}
	files, err := json.Marshal(nonNil(p.Files))
	if err != nil {
		return nil, err
	}
	var metadata any
	if p.Metadata != nil {
		raw, err := json.Marshal(p.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encode metadata: %w", err)
		}
		metadata = string(raw)
	}
	var resolvedAt any
	if p.ResolvedAt != "" {
		resolvedAt = p.ResolvedAt
	}
	return []any{
		p.AssistantTarget, p.LoopID, p.Domain, string(scopeRoots), p.ScopeOverrideToken,
		p.ThreadID, p.TurnID, p.Kind, p.Summary, string(files), p.Diff, metadata,
		string(p.Status), p.ApprovalToken, p.CreatedAt, resolvedAt,
	}, nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func (s *SQLStore) ListProposals(ctx context.Context, filter proposal.Filter) ([]proposal.Input, error) {
	query := `SELECT ` + proposalColumns + ` FROM proposals WHERE 1=1`
	var args []any
	if filter.LoopID != "" {
		query += ` AND loop_id = ?`
		args = append(args, strings.ToLower(filter.LoopID))
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at_iso DESC, proposal_id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	return s.queryProposals(ctx, query, args...)
}

// SearchProposals matches q case-insensitively against id, summary and files.
func (s *SQLStore) SearchProposals(ctx context.Context, q string, limit int) ([]proposal.Input, error) {
	pattern := "%" + strings.ToLower(strings.TrimSpace(q)) + "%"
	query := `SELECT ` + proposalColumns + ` FROM proposals
		WHERE LOWER(proposal_id) LIKE ? OR LOWER(summary) LIKE ? OR LOWER(files) LIKE ?
		ORDER BY created_at_iso DESC, proposal_id DESC`
	args := []any{pattern, pattern, pattern}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryProposals(ctx, query, args...)
}

func (s *SQLStore) queryProposals(ctx context.Context, query string, args ...any) ([]proposal.Input, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query proposals: %w", err)
	}
	defer rows.Close()

	out := []proposal.Input{}
	for rows.Next() {
		in, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate proposals: %w", err)
	}
	return out, nil
}

func (s *SQLStore) GetProposal(ctx context.Context, id string) (proposal.Input, error) {
	return s.getProposal(ctx, `proposal_id = ?`, id)
}

func (s *SQLStore) GetProposalByApprovalToken(ctx context.Context, token string) (proposal.Input, error) {
	if strings.TrimSpace(token) == "" {
		return proposal.Input{}, ErrNotFound
	}
	return s.getProposal(ctx, `approval_token = ?`, token)
}

func (s *SQLStore) getProposal(ctx context.Context, where string, arg string) (proposal.Input, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT `+proposalColumns+` FROM proposals WHERE `+where), arg)
	in, err := scanProposal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return proposal.Input{}, ErrNotFound
	}
	if err != nil {
		return proposal.Input{}, fmt.Errorf("get proposal: %w", err)
	}
	return in, nil
}

// InsertProposal returns ErrConflict when the id or a non-empty approval
// token is already taken.
func (s *SQLStore) InsertProposal(ctx context.Context, p proposal.Proposal) error {
	args, err := proposalArgs(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO proposals (`+proposalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), append([]any{p.ID}, args...)...)
	if s.isUniqueViolation(err) {
		return fmt.Errorf("insert proposal %s: %w", p.ID, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("insert proposal %s: %w", p.ID, err)
	}
	return nil
}

func (s *SQLStore) UpdateProposal(ctx context.Context, p proposal.Proposal) error {
	args, err := proposalArgs(p)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		UPDATE proposals SET
			editor_target = ?, loop_id = ?, domain = ?, scope_roots = ?, scope_override_token = ?,
			thread_id = ?, turn_id = ?, kind = ?, summary = ?, files = ?, diff = ?, metadata = ?,
			status = ?, approval_token = ?, created_at_iso = ?, resolved_at = ?
		WHERE proposal_id = ?
	`), append(args, p.ID)...)
	if s.isUniqueViolation(err) {
		return fmt.Errorf("update proposal %s: %w", p.ID, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("update proposal %s: %w", p.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func pageID(sourcePath string) string {
	return "page_" + util.ShortHash(util.HashHex(sourcePath), 24)
}

const pageColumns = `id, source_path, loop_id, domain, title, slug, metadata, content_hash, block_count, created_at, updated_at`

func scanPage(row rowScanner) (Page, error) {
	var (
		p                    Page
		metadata             string
		createdAt, updatedAt string
	)
	if err := row.Scan(&p.ID, &p.SourcePath, &p.LoopID, &p.Domain, &p.Title, &p.Slug, &metadata,
		&p.ContentHash, &p.BlockCount, &createdAt, &updatedAt); err != nil {
		return Page{}, err
	}
	p.Metadata = map[string]any{}
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &p.Metadata); err != nil {
			return Page{}, fmt.Errorf("decode page metadata: %w", err)
		}
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return p, nil
}

// FindPageBySourcePath returns nil when no page exists for the path.
func (s *SQLStore) FindPageBySourcePath(ctx context.Context, sourcePath string) (*Page, error) {
	return s.findPage(ctx, s.db, sourcePath)
}

func (s *SQLStore) findPage(ctx context.Context, q queryRower, sourcePath string) (*Page, error) {
	row := q.QueryRowContext(ctx, s.dialect.rebind(`SELECT `+pageColumns+` FROM pages WHERE source_path = ?`), sourcePath)
	page, err := scanPage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find page %s: %w", sourcePath, err)
	}
	return &page, nil
}

func (s *SQLStore) ListBlocksForPage(ctx context.Context, pageID string) ([]markdown.Block, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`
		SELECT id, type, position, payload, source_hash
		FROM blocks WHERE page_id = ? ORDER BY position
	`), pageID)
	if err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	defer rows.Close()

	blocks := []markdown.Block{}
	for rows.Next() {
		var (
			b       markdown.Block
			payload string
		)
		if err := rows.Scan(&b.ID, &b.Type, &b.Position, &payload, &b.SourceHash); err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		b.Payload = map[string]string{}
		if err := json.Unmarshal([]byte(payload), &b.Payload); err != nil {
			return nil, fmt.Errorf("decode block payload: %w", err)
		}
		blocks = append(blocks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate blocks: %w", err)
	}
	return blocks, nil
}

// UpsertPage inserts or updates the page for in.SourcePath, keeping the
// original created_at.
func (s *SQLStore) UpsertPage(ctx context.Context, in PageInput) (Page, error) {
	return s.upsertPage(ctx, s.db, in)
}

// ReplaceBlocksForPage swaps the whole block set in one transaction.
func (s *SQLStore) ReplaceBlocksForPage(ctx context.Context, pageID string, blocks []markdown.Block) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace blocks: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.replaceBlocks(ctx, tx, pageID, blocks); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace blocks: %w", err)
	}
	return nil
}

// PublishPage upserts the page and replaces its blocks in one transaction.
// Either both land or neither does, so the stored content hash never
// describes blocks that were not written.
func (s *SQLStore) PublishPage(ctx context.Context, in PageInput, blocks []markdown.Block) (Page, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Page{}, fmt.Errorf("begin publish page: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	page, err := s.upsertPage(ctx, tx, in)
	if err != nil {
		return Page{}, err
	}
	if err := s.replaceBlocks(ctx, tx, page.ID, blocks); err != nil {
		return Page{}, err
	}
	if err := tx.Commit(); err != nil {
		return Page{}, fmt.Errorf("commit publish page %s: %w", in.SourcePath, err)
	}
	return page, nil
}

type execQuerier interface {
	queryRower
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLStore) upsertPage(ctx context.Context, q execQuerier, in PageInput) (Page, error) {
	if strings.TrimSpace(in.SourcePath) == "" {
		return Page{}, errors.New("upsert page: source path is required")
	}
	metadata := in.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	rawMetadata, err := json.Marshal(metadata)
	if err != nil {
		return Page{}, fmt.Errorf("encode page metadata: %w", err)
	}
	now := proposal.FormatTime(s.now())

	_, err = q.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO pages (`+pageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (source_path) DO UPDATE SET
			loop_id = excluded.loop_id,
			domain = excluded.domain,
			title = excluded.title,
			slug = excluded.slug,
			metadata = excluded.metadata,
			content_hash = excluded.content_hash,
			block_count = excluded.block_count,
			updated_at = excluded.updated_at
	`), pageID(in.SourcePath), in.SourcePath, in.LoopID, in.Domain, in.Title, in.Slug, string(rawMetadata),
		in.ContentHash, in.BlockCount, now, now)
	if err != nil {
		return Page{}, fmt.Errorf("upsert page %s: %w", in.SourcePath, err)
	}

	page, err := s.findPage(ctx, q, in.SourcePath)
	if err != nil {
		return Page{}, err
	}
	if page == nil {
		return Page{}, fmt.Errorf("upsert page %s: %w", in.SourcePath, ErrNotFound)
	}
	return *page, nil
}

func (s *SQLStore) replaceBlocks(ctx context.Context, tx *sql.Tx, pageID string, blocks []markdown.Block) error {
	if _, err := tx.ExecContext(ctx, s.dialect.rebind(`DELETE FROM blocks WHERE page_id = ?`), pageID); err != nil {
		return fmt.Errorf("delete blocks: %w", err)
	}

	insert := s.dialect.rebind(`INSERT INTO blocks (page_id, position, id, type, payload, source_hash) VALUES (?, ?, ?, ?, ?, ?)`)
	for _, b := range blocks {
		payload := b.Payload
		if payload == nil {
			payload = map[string]string{}
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode block payload: %w", err)
		}
		if _, err := tx.ExecContext(ctx, insert, pageID, b.Position, b.ID, string(b.Type), string(raw), b.SourceHash); err != nil {
			return fmt.Errorf("insert block %d: %w", b.Position, err)
		}
	}
	return nil
}

// GetSnapshot merges the workspace settings row and then the loop row.
func (s *SQLStore) GetSnapshot(ctx context.Context, q settings.SnapshotQuery) (map[string]any, error) {
	snapshot := map[string]any{}
	layers := []struct {
		scope settings.Scope
		id    string
	}{
		{settings.ScopeWorkspace, q.WorkspaceID},
		{settings.ScopeLoop, strings.ToLower(q.LoopID)},
	}
	for _, layer := range layers {
		if layer.id == "" {
			continue
		}
		doc, err := s.readSettings(ctx, s.db, layer.scope, layer.id)
		if err != nil {
			return nil, err
		}
		snapshot = settings.Merge(snapshot, doc)
	}
	return snapshot, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) readSettings(ctx context.Context, q queryRower, scope settings.Scope, id string) (map[string]any, error) {
	var raw string
	err := q.QueryRowContext(ctx, s.dialect.rebind(`SELECT settings FROM settings WHERE scope = ? AND scope_id = ?`), string(scope), id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s settings: %w", scope, err)
	}
	doc := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("decode %s settings: %w", scope, err)
	}
	return doc, nil
}

// Upsert deep-merges u.Settings into the stored document for the scope.
func (s *SQLStore) Upsert(ctx context.Context, u settings.Update) error {
	u, err := u.Normalize()
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin settings upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := s.readSettings(ctx, tx, u.Scope, u.ScopeID)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(settings.Merge(current, u.Settings))
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}

	_, err = tx.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO settings (scope, scope_id, workspace_id, loop_id, settings, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (scope, scope_id) DO UPDATE SET
			workspace_id = excluded.workspace_id,
			loop_id = excluded.loop_id,
			settings = excluded.settings,
			updated_at = excluded.updated_at
	`), string(u.Scope), u.ScopeID, u.WorkspaceID, u.LoopID, string(raw), proposal.FormatTime(s.now()))
	if err != nil {
		return fmt.Errorf("upsert settings: %w", err)
	}
	return tx.Commit()
}
