/*
Package sqlite provides the SQLite-backed implementation of the
reading-log storage interfaces.

INTERFACES IMPLEMENTED:
  readinglog.Store:   records, profiles, reward ledger, classes,
                      notifications, decision log
  readinglog.TxStore: WithTx for the approval transaction

SCHEMA NOTES:
  - status/role/notification type are CHECK-constrained so a bad string
    can never be persisted.
  - reward_credits.idempotency_key is UNIQUE: the database itself
    refuses a second credit for the same record.
  - a partial unique index pins each student to at most one class.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety on top of WAL mode. In production
  with PostgreSQL (store/postgres), database-level concurrency control
  handles this instead.

USAGE:
  store, err := sqlite.New("./data/readingtree.db")   // or ":memory:"
  if err != nil { ... }
  defer store.Close()

SEE ALSO:
  - readinglog/store.go: interface definitions
  - store/postgres: the lib/pq twin of this package
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/sprout/reading-tree/readinglog"
)

// Store implements readinglog.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ readinglog.TxStore = (*Store)(nil)

// New opens (and migrates) a SQLite store. Use ":memory:" for tests.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Reading records (one row per submission)
	CREATE TABLE IF NOT EXISTS records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		book_title TEXT,
		book_author TEXT,
		book_publisher TEXT,
		book_isbn TEXT,
		book_cover_url TEXT,
		book_total_pages INTEGER NOT NULL DEFAULT 0,
		book_publication_year INTEGER NOT NULL DEFAULT 0,
		reflection TEXT,
		image_url TEXT,
		rating INTEGER NOT NULL DEFAULT 0 CHECK (rating BETWEEN 0 AND 5),
		status TEXT NOT NULL DEFAULT 'pending'
			CHECK (status IN ('pending', 'approved', 'rejected')),
		teacher_comment TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		approved_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_records_user
		ON records(user_id, id DESC);
	CREATE INDEX IF NOT EXISTS idx_records_status
		ON records(status, id DESC);

	-- Per-user reward profiles
	CREATE TABLE IF NOT EXISTS profiles (
		user_id TEXT PRIMARY KEY,
		nickname TEXT NOT NULL,
		role TEXT NOT NULL CHECK (role IN ('student', 'teacher', 'admin')),
		gold TEXT NOT NULL DEFAULT '0',
		level INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	-- Append-only reward ledger
	-- CRITICAL: the unique idempotency key is the double-credit guard.
	CREATE TABLE IF NOT EXISTS reward_credits (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		record_id INTEGER NOT NULL,
		gold TEXT NOT NULL,
		reason TEXT,
		idempotency_key TEXT NOT NULL UNIQUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_reward_credits_user
		ON reward_credits(user_id, created_at ASC);

	-- Class trees (one aggregate row per class)
	CREATE TABLE IF NOT EXISTS class_trees (
		class_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		current_level INTEGER NOT NULL DEFAULT 1,
		current_leaves INTEGER NOT NULL DEFAULT 0,
		level_up_target INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Class membership (students and teachers)
	CREATE TABLE IF NOT EXISTS class_members (
		class_id TEXT NOT NULL REFERENCES class_trees(class_id),
		user_id TEXT NOT NULL,
		role TEXT NOT NULL CHECK (role IN ('student', 'teacher', 'admin')),
		created_at TEXT NOT NULL,
		PRIMARY KEY (class_id, user_id)
	);

	-- A student belongs to at most one class.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_members_single_class
		ON class_members(user_id) WHERE role = 'student';

	-- Notification outbox (append-only; only the read flag mutates)
	CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		type TEXT NOT NULL CHECK (type IN ('approval', 'rejection', 'level_up')),
		title TEXT NOT NULL,
		message TEXT NOT NULL,
		read INTEGER NOT NULL DEFAULT 0,
		related_record_id INTEGER,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_notifications_user
		ON notifications(user_id, created_at DESC);

	-- Append-only decision log
	CREATE TABLE IF NOT EXISTS record_decisions (
		id TEXT PRIMARY KEY,
		record_id INTEGER NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('approved', 'rejected')),
		comment TEXT,
		actor_id TEXT NOT NULL,
		decided_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_decisions_record
		ON record_decisions(record_id, decided_at ASC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// dbtx is the subset of *sql.DB / *sql.Tx the query helpers need.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// TRANSACTIONS (readinglog.TxStore)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(readinglog.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx, parent: s}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// txStore routes every Store method through the open transaction.
// WithTx already holds the write lock, so no locking here.
type txStore struct {
	tx     *sql.Tx
	parent *Store
}

var _ readinglog.Store = (*txStore)(nil)

// =============================================================================
// RECORD STORE
// =============================================================================

func (s *Store) CreateRecord(ctx context.Context, rec *readinglog.Record) (readinglog.RecordID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createRecord(ctx, s.db, rec)
}

func (ts *txStore) CreateRecord(ctx context.Context, rec *readinglog.Record) (readinglog.RecordID, error) {
	return createRecord(ctx, ts.tx, rec)
}

func createRecord(ctx context.Context, q dbtx, rec *readinglog.Record) (readinglog.RecordID, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO records
		(user_id, book_title, book_author, book_publisher, book_isbn, book_cover_url,
		 book_total_pages, book_publication_year, reflection, image_url, rating,
		 status, teacher_comment, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)`,
		rec.UserID,
		nullString(rec.Book.Title), nullString(rec.Book.Author),
		nullString(rec.Book.Publisher), nullString(rec.Book.ISBN),
		nullString(rec.Book.CoverURL),
		rec.Book.TotalPages, rec.Book.PublicationYear,
		nullString(rec.Reflection), nullString(rec.ImageURL), rec.Rating,
		string(readinglog.StatusPending),
		formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return readinglog.RecordID(id), nil
}

const recordColumns = `
	id, user_id, book_title, book_author, book_publisher, book_isbn, book_cover_url,
	book_total_pages, book_publication_year, reflection, image_url, rating,
	status, teacher_comment, created_at, updated_at, approved_at`

func (s *Store) GetRecord(ctx context.Context, id readinglog.RecordID) (*readinglog.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getRecord(ctx, s.db, id)
}

func (ts *txStore) GetRecord(ctx context.Context, id readinglog.RecordID) (*readinglog.Record, error) {
	return getRecord(ctx, ts.tx, id)
}

func getRecord(ctx context.Context, q dbtx, id readinglog.RecordID) (*readinglog.Record, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query record: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, readinglog.ErrRecordNotFound
	}
	rec, err := scanRecord(rows)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) ResubmitRecord(ctx context.Context, id readinglog.RecordID, owner readinglog.UserID, in readinglog.RecordInput, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return resubmitRecord(ctx, s.db, id, owner, in, at)
}

func (ts *txStore) ResubmitRecord(ctx context.Context, id readinglog.RecordID, owner readinglog.UserID, in readinglog.RecordInput, at time.Time) (bool, error) {
	return resubmitRecord(ctx, ts.tx, id, owner, in, at)
}

// resubmitRecord only touches rows that are still editable: an approved
// record never matches the WHERE clause.
func resubmitRecord(ctx context.Context, q dbtx, id readinglog.RecordID, owner readinglog.UserID, in readinglog.RecordInput, at time.Time) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE records SET
			book_title = ?, book_author = ?, book_publisher = ?, book_isbn = ?,
			book_cover_url = ?, book_total_pages = ?, book_publication_year = ?,
			reflection = ?, image_url = ?, rating = ?,
			status = 'pending', teacher_comment = NULL, approved_at = NULL,
			updated_at = ?
		WHERE id = ? AND user_id = ? AND status IN ('pending', 'rejected')`,
		nullString(in.Book.Title), nullString(in.Book.Author),
		nullString(in.Book.Publisher), nullString(in.Book.ISBN),
		nullString(in.Book.CoverURL), in.Book.TotalPages, in.Book.PublicationYear,
		nullString(in.Reflection), nullString(in.ImageURL), in.Rating,
		formatTime(at), id, owner,
	)
	if err != nil {
		return false, fmt.Errorf("failed to resubmit record: %w", err)
	}
	return oneRowChanged(res)
}

func (s *Store) MarkApproved(ctx context.Context, id readinglog.RecordID, comment string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return markDecided(ctx, s.db, id, readinglog.StatusApproved, comment, at)
}

func (ts *txStore) MarkApproved(ctx context.Context, id readinglog.RecordID, comment string, at time.Time) (bool, error) {
	return markDecided(ctx, ts.tx, id, readinglog.StatusApproved, comment, at)
}

func (s *Store) MarkRejected(ctx context.Context, id readinglog.RecordID, comment string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return markDecided(ctx, s.db, id, readinglog.StatusRejected, comment, at)
}

func (ts *txStore) MarkRejected(ctx context.Context, id readinglog.RecordID, comment string, at time.Time) (bool, error) {
	return markDecided(ctx, ts.tx, id, readinglog.StatusRejected, comment, at)
}

// markDecided is the status compare-and-set: the WHERE clause on
// status = 'pending' makes exactly one of two concurrent decisions win.
func markDecided(ctx context.Context, q dbtx, id readinglog.RecordID, to readinglog.RecordStatus, comment string, at time.Time) (bool, error) {
	var approvedAt any
	if to == readinglog.StatusApproved {
		approvedAt = formatTime(at)
	}
	res, err := q.ExecContext(ctx, `
		UPDATE records SET status = ?, teacher_comment = ?, approved_at = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'`,
		string(to), nullString(comment), approvedAt, formatTime(at), id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update record status: %w", err)
	}
	return oneRowChanged(res)
}

func (s *Store) ListRecordsByStatus(ctx context.Context, status readinglog.RecordStatus, limit int) ([]readinglog.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listRecordsByStatus(ctx, s.db, status, limit)
}

func (ts *txStore) ListRecordsByStatus(ctx context.Context, status readinglog.RecordStatus, limit int) ([]readinglog.Record, error) {
	return listRecordsByStatus(ctx, ts.tx, status, limit)
}

func listRecordsByStatus(ctx context.Context, q dbtx, status readinglog.RecordStatus, limit int) ([]readinglog.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM records WHERE status = ? ORDER BY id DESC`
	args := []any{string(status)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return queryRecords(ctx, q, query, args...)
}

func (s *Store) ListRecordsByUser(ctx context.Context, userID readinglog.UserID) ([]readinglog.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listRecordsByUser(ctx, s.db, userID)
}

func (ts *txStore) ListRecordsByUser(ctx context.Context, userID readinglog.UserID) ([]readinglog.Record, error) {
	return listRecordsByUser(ctx, ts.tx, userID)
}

func listRecordsByUser(ctx context.Context, q dbtx, userID readinglog.UserID) ([]readinglog.Record, error) {
	return queryRecords(ctx, q,
		`SELECT `+recordColumns+` FROM records WHERE user_id = ? ORDER BY id DESC`, userID)
}

func (s *Store) CountApprovedRecords(ctx context.Context, userID readinglog.UserID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return countApproved(ctx, s.db, userID)
}

func (ts *txStore) CountApprovedRecords(ctx context.Context, userID readinglog.UserID) (int, error) {
	return countApproved(ctx, ts.tx, userID)
}

func countApproved(ctx context.Context, q dbtx, userID readinglog.UserID) (int, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE user_id = ? AND status = 'approved'`, userID,
	).Scan(&n)
	return n, err
}

func queryRecords(ctx context.Context, q dbtx, query string, args ...any) ([]readinglog.Record, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var records []readinglog.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func scanRecord(rows *sql.Rows) (readinglog.Record, error) {
	var (
		rec                                   readinglog.Record
		title, author, publisher, isbn, cover sql.NullString
		reflection, imageURL, comment         sql.NullString
		createdAt, updatedAt                  string
		approvedAt                            sql.NullString
	)

	err := rows.Scan(
		&rec.ID, &rec.UserID, &title, &author, &publisher, &isbn, &cover,
		&rec.Book.TotalPages, &rec.Book.PublicationYear,
		&reflection, &imageURL, &rec.Rating,
		&rec.Status, &comment, &createdAt, &updatedAt, &approvedAt,
	)
	if err != nil {
		return rec, fmt.Errorf("failed to scan record: %w", err)
	}

	rec.Book.Title = title.String
	rec.Book.Author = author.String
	rec.Book.Publisher = publisher.String
	rec.Book.ISBN = isbn.String
	rec.Book.CoverURL = cover.String
	rec.Reflection = reflection.String
	rec.ImageURL = imageURL.String
	rec.TeacherComment = comment.String
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	if approvedAt.Valid {
		t := parseTime(approvedAt.String)
		rec.ApprovedAt = &t
	}
	return rec, nil
}

// =============================================================================
// PROFILE STORE
// =============================================================================

func (s *Store) CreateProfile(ctx context.Context, p *readinglog.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createProfile(ctx, s.db, p)
}

func (ts *txStore) CreateProfile(ctx context.Context, p *readinglog.Profile) error {
	return createProfile(ctx, ts.tx, p)
}

func createProfile(ctx context.Context, q dbtx, p *readinglog.Profile) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO profiles (user_id, nickname, role, gold, level, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.UserID, p.Nickname, string(p.Role), p.Gold.String(), p.Level, formatTime(p.CreatedAt),
	)
	if isUniqueConstraintError(err) {
		return readinglog.ErrProfileExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert profile: %w", err)
	}
	return nil
}

func (s *Store) GetProfile(ctx context.Context, id readinglog.UserID) (*readinglog.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getProfile(ctx, s.db, id)
}

func (ts *txStore) GetProfile(ctx context.Context, id readinglog.UserID) (*readinglog.Profile, error) {
	return getProfile(ctx, ts.tx, id)
}

func getProfile(ctx context.Context, q dbtx, id readinglog.UserID) (*readinglog.Profile, error) {
	var (
		p         readinglog.Profile
		gold      string
		role      string
		createdAt string
	)
	err := q.QueryRowContext(ctx,
		`SELECT user_id, nickname, role, gold, level, created_at FROM profiles WHERE user_id = ?`, id,
	).Scan(&p.UserID, &p.Nickname, &role, &gold, &p.Level, &createdAt)
	if err == sql.ErrNoRows {
		return nil, readinglog.ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query profile: %w", err)
	}

	p.Role = readinglog.Role(role)
	p.Gold = mustDecimal(gold)
	p.CreatedAt = parseTime(createdAt)
	return &p, nil
}

func (s *Store) AddGold(ctx context.Context, id readinglog.UserID, delta decimal.Decimal, newLevel int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return addGold(ctx, s.db, id, delta, newLevel)
}

func (ts *txStore) AddGold(ctx context.Context, id readinglog.UserID, delta decimal.Decimal, newLevel int) error {
	return addGold(ctx, ts.tx, id, delta, newLevel)
}

func addGold(ctx context.Context, q dbtx, id readinglog.UserID, delta decimal.Decimal, newLevel int) error {
	// Gold is stored as decimal text, so the addition happens here
	// rather than in SQL.
	p, err := getProfile(ctx, q, id)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx,
		`UPDATE profiles SET gold = ?, level = ? WHERE user_id = ?`,
		p.Gold.Add(delta).String(), newLevel, id,
	)
	if err != nil {
		return fmt.Errorf("failed to credit gold: %w", err)
	}
	ok, err := oneRowChanged(res)
	if err != nil {
		return err
	}
	if !ok {
		return readinglog.ErrProfileNotFound
	}
	return nil
}

// =============================================================================
// REWARD LEDGER
// =============================================================================

func (s *Store) AppendRewardCredit(ctx context.Context, entry readinglog.RewardCredit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendRewardCredit(ctx, s.db, entry)
}

func (ts *txStore) AppendRewardCredit(ctx context.Context, entry readinglog.RewardCredit) error {
	return appendRewardCredit(ctx, ts.tx, entry)
}

func appendRewardCredit(ctx context.Context, q dbtx, entry readinglog.RewardCredit) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO reward_credits (id, user_id, record_id, gold, reason, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.UserID, entry.RecordID, entry.Gold.String(),
		nullString(entry.Reason), entry.IdempotencyKey, formatTime(entry.CreatedAt),
	)
	if isUniqueConstraintError(err) {
		return readinglog.ErrDuplicateCredit
	}
	if err != nil {
		return fmt.Errorf("failed to append reward credit: %w", err)
	}
	return nil
}

func (s *Store) RewardCredits(ctx context.Context, userID readinglog.UserID) ([]readinglog.RewardCredit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return rewardCredits(ctx, s.db, userID)
}

func (ts *txStore) RewardCredits(ctx context.Context, userID readinglog.UserID) ([]readinglog.RewardCredit, error) {
	return rewardCredits(ctx, ts.tx, userID)
}

func rewardCredits(ctx context.Context, q dbtx, userID readinglog.UserID) ([]readinglog.RewardCredit, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, user_id, record_id, gold, reason, idempotency_key, created_at
		FROM reward_credits WHERE user_id = ? ORDER BY created_at ASC, id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query reward credits: %w", err)
	}
	defer rows.Close()

	var credits []readinglog.RewardCredit
	for rows.Next() {
		var (
			c         readinglog.RewardCredit
			gold      string
			reason    sql.NullString
			createdAt string
		)
		if err := rows.Scan(&c.ID, &c.UserID, &c.RecordID, &gold, &reason, &c.IdempotencyKey, &createdAt); err != nil {
			return nil, err
		}
		c.Gold = mustDecimal(gold)
		c.Reason = reason.String
		c.CreatedAt = parseTime(createdAt)
		credits = append(credits, c)
	}
	return credits, rows.Err()
}

// =============================================================================
// CLASS STORE
// =============================================================================

func (s *Store) CreateClass(ctx context.Context, tree *readinglog.ClassTree) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createClass(ctx, s.db, tree)
}

func (ts *txStore) CreateClass(ctx context.Context, tree *readinglog.ClassTree) error {
	return createClass(ctx, ts.tx, tree)
}

func createClass(ctx context.Context, q dbtx, tree *readinglog.ClassTree) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO class_trees (class_id, name, current_level, current_leaves, level_up_target, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tree.ClassID, tree.Name, tree.CurrentLevel, tree.CurrentLeaves,
		tree.LevelUpTarget, formatTime(tree.CreatedAt), formatTime(tree.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return readinglog.ErrClassExists
		}
		return fmt.Errorf("failed to insert class: %w", err)
	}
	return nil
}

func (s *Store) GetTree(ctx context.Context, classID readinglog.ClassID) (*readinglog.ClassTree, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getTree(ctx, s.db, classID)
}

func (ts *txStore) GetTree(ctx context.Context, classID readinglog.ClassID) (*readinglog.ClassTree, error) {
	return getTree(ctx, ts.tx, classID)
}

func getTree(ctx context.Context, q dbtx, classID readinglog.ClassID) (*readinglog.ClassTree, error) {
	var (
		tree                 readinglog.ClassTree
		createdAt, updatedAt string
	)
	err := q.QueryRowContext(ctx, `
		SELECT class_id, name, current_level, current_leaves, level_up_target, created_at, updated_at
		FROM class_trees WHERE class_id = ?`, classID,
	).Scan(&tree.ClassID, &tree.Name, &tree.CurrentLevel, &tree.CurrentLeaves,
		&tree.LevelUpTarget, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, readinglog.ErrClassNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query class tree: %w", err)
	}
	tree.CreatedAt = parseTime(createdAt)
	tree.UpdatedAt = parseTime(updatedAt)
	return &tree, nil
}

func (s *Store) IncrementLeaves(ctx context.Context, classID readinglog.ClassID) (*readinglog.ClassTree, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return incrementLeaves(ctx, s.db, classID)
}

func (ts *txStore) IncrementLeaves(ctx context.Context, classID readinglog.ClassID) (*readinglog.ClassTree, error) {
	return incrementLeaves(ctx, ts.tx, classID)
}

func incrementLeaves(ctx context.Context, q dbtx, classID readinglog.ClassID) (*readinglog.ClassTree, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE class_trees SET current_leaves = current_leaves + 1, updated_at = ?
		WHERE class_id = ?`,
		formatTime(time.Now().UTC()), classID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to increment leaves: %w", err)
	}
	ok, err := oneRowChanged(res)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, readinglog.ErrClassNotFound
	}
	return getTree(ctx, q, classID)
}

func (s *Store) SetTreeLevel(ctx context.Context, classID readinglog.ClassID, level int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return setTreeLevel(ctx, s.db, classID, level)
}

func (ts *txStore) SetTreeLevel(ctx context.Context, classID readinglog.ClassID, level int) error {
	return setTreeLevel(ctx, ts.tx, classID, level)
}

func setTreeLevel(ctx context.Context, q dbtx, classID readinglog.ClassID, level int) error {
	res, err := q.ExecContext(ctx,
		`UPDATE class_trees SET current_level = ?, updated_at = ? WHERE class_id = ?`,
		level, formatTime(time.Now().UTC()), classID,
	)
	if err != nil {
		return fmt.Errorf("failed to set tree level: %w", err)
	}
	ok, err := oneRowChanged(res)
	if err != nil {
		return err
	}
	if !ok {
		return readinglog.ErrClassNotFound
	}
	return nil
}

func (s *Store) UpdateTreeSettings(ctx context.Context, classID readinglog.ClassID, settings readinglog.TreeSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateTreeSettings(ctx, s.db, classID, settings)
}

func (ts *txStore) UpdateTreeSettings(ctx context.Context, classID readinglog.ClassID, settings readinglog.TreeSettings) error {
	return updateTreeSettings(ctx, ts.tx, classID, settings)
}

func updateTreeSettings(ctx context.Context, q dbtx, classID readinglog.ClassID, settings readinglog.TreeSettings) error {
	res, err := q.ExecContext(ctx,
		`UPDATE class_trees SET name = ?, level_up_target = ?, updated_at = ? WHERE class_id = ?`,
		settings.Name, settings.LevelUpTarget, formatTime(time.Now().UTC()), classID,
	)
	if err != nil {
		return fmt.Errorf("failed to update tree settings: %w", err)
	}
	ok, err := oneRowChanged(res)
	if err != nil {
		return err
	}
	if !ok {
		return readinglog.ErrClassNotFound
	}
	return nil
}

func (s *Store) Enroll(ctx context.Context, classID readinglog.ClassID, userID readinglog.UserID, role readinglog.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return enroll(ctx, s.db, classID, userID, role)
}

func (ts *txStore) Enroll(ctx context.Context, classID readinglog.ClassID, userID readinglog.UserID, role readinglog.Role) error {
	return enroll(ctx, ts.tx, classID, userID, role)
}

func enroll(ctx context.Context, q dbtx, classID readinglog.ClassID, userID readinglog.UserID, role readinglog.Role) error {
	if _, err := getTree(ctx, q, classID); err != nil {
		return err
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO class_members (class_id, user_id, role, created_at) VALUES (?, ?, ?, ?)`,
		classID, userID, string(role), formatTime(time.Now().UTC()),
	)
	if isUniqueConstraintError(err) {
		return readinglog.ErrAlreadyEnrolled
	}
	if err != nil {
		return fmt.Errorf("failed to enroll member: %w", err)
	}
	return nil
}

func (s *Store) ClassOf(ctx context.Context, userID readinglog.UserID) (readinglog.ClassID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return classOf(ctx, s.db, userID)
}

func (ts *txStore) ClassOf(ctx context.Context, userID readinglog.UserID) (readinglog.ClassID, error) {
	return classOf(ctx, ts.tx, userID)
}

func classOf(ctx context.Context, q dbtx, userID readinglog.UserID) (readinglog.ClassID, error) {
	var classID readinglog.ClassID
	err := q.QueryRowContext(ctx,
		`SELECT class_id FROM class_members WHERE user_id = ? AND role = 'student'`, userID,
	).Scan(&classID)
	if err == sql.ErrNoRows {
		return "", readinglog.ErrNotEnrolled
	}
	if err != nil {
		return "", fmt.Errorf("failed to query class membership: %w", err)
	}
	return classID, nil
}

func (s *Store) IsTeacherOf(ctx context.Context, userID readinglog.UserID, classID readinglog.ClassID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return isTeacherOf(ctx, s.db, userID, classID)
}

func (ts *txStore) IsTeacherOf(ctx context.Context, userID readinglog.UserID, classID readinglog.ClassID) (bool, error) {
	return isTeacherOf(ctx, ts.tx, userID, classID)
}

func isTeacherOf(ctx context.Context, q dbtx, userID readinglog.UserID, classID readinglog.ClassID) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM class_members WHERE class_id = ? AND user_id = ? AND role = 'teacher'`,
		classID, userID,
	).Scan(&n)
	return n > 0, err
}

func (s *Store) ListStudents(ctx context.Context, classID readinglog.ClassID) ([]readinglog.UserID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listStudents(ctx, s.db, classID)
}

func (ts *txStore) ListStudents(ctx context.Context, classID readinglog.ClassID) ([]readinglog.UserID, error) {
	return listStudents(ctx, ts.tx, classID)
}

func listStudents(ctx context.Context, q dbtx, classID readinglog.ClassID) ([]readinglog.UserID, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT user_id FROM class_members WHERE class_id = ? AND role = 'student' ORDER BY user_id`,
		classID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query students: %w", err)
	}
	defer rows.Close()

	var students []readinglog.UserID
	for rows.Next() {
		var id readinglog.UserID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		students = append(students, id)
	}
	return students, rows.Err()
}

// =============================================================================
// NOTIFICATION STORE
// =============================================================================

func (s *Store) EnqueueNotification(ctx context.Context, n *readinglog.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return enqueueNotification(ctx, s.db, n)
}

func (ts *txStore) EnqueueNotification(ctx context.Context, n *readinglog.Notification) error {
	return enqueueNotification(ctx, ts.tx, n)
}

func enqueueNotification(ctx context.Context, q dbtx, n *readinglog.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	var related any
	if n.RelatedRecordID != nil {
		related = int64(*n.RelatedRecordID)
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, type, title, message, read, related_record_id, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		n.ID, n.UserID, string(n.Type), n.Title, n.Message, related, formatTime(n.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue notification: %w", err)
	}
	return nil
}

func (s *Store) ListNotifications(ctx context.Context, userID readinglog.UserID, limit int) ([]readinglog.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listNotifications(ctx, s.db, userID, limit)
}

func (ts *txStore) ListNotifications(ctx context.Context, userID readinglog.UserID, limit int) ([]readinglog.Notification, error) {
	return listNotifications(ctx, ts.tx, userID, limit)
}

func listNotifications(ctx context.Context, q dbtx, userID readinglog.UserID, limit int) ([]readinglog.Notification, error) {
	query := `
		SELECT id, user_id, type, title, message, read, related_record_id, created_at
		FROM notifications WHERE user_id = ? ORDER BY created_at DESC, id DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	var notifications []readinglog.Notification
	for rows.Next() {
		var (
			n         readinglog.Notification
			read      int
			related   sql.NullInt64
			createdAt string
		)
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Message, &read, &related, &createdAt); err != nil {
			return nil, err
		}
		n.Read = read != 0
		if related.Valid {
			id := readinglog.RecordID(related.Int64)
			n.RelatedRecordID = &id
		}
		n.CreatedAt = parseTime(createdAt)
		notifications = append(notifications, n)
	}
	return notifications, rows.Err()
}

func (s *Store) UnreadCount(ctx context.Context, userID readinglog.UserID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return unreadCount(ctx, s.db, userID)
}

func (ts *txStore) UnreadCount(ctx context.Context, userID readinglog.UserID) (int, error) {
	return unreadCount(ctx, ts.tx, userID)
}

func unreadCount(ctx context.Context, q dbtx, userID readinglog.UserID) (int, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE user_id = ? AND read = 0`, userID,
	).Scan(&n)
	return n, err
}

func (s *Store) MarkNotificationRead(ctx context.Context, id string, userID readinglog.UserID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return markNotificationRead(ctx, s.db, id, userID)
}

func (ts *txStore) MarkNotificationRead(ctx context.Context, id string, userID readinglog.UserID) (bool, error) {
	return markNotificationRead(ctx, ts.tx, id, userID)
}

func markNotificationRead(ctx context.Context, q dbtx, id string, userID readinglog.UserID) (bool, error) {
	res, err := q.ExecContext(ctx,
		`UPDATE notifications SET read = 1 WHERE id = ? AND user_id = ?`, id, userID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark notification read: %w", err)
	}
	return oneRowChanged(res)
}

// =============================================================================
// DECISION LOG
// =============================================================================

func (s *Store) AppendDecision(ctx context.Context, d *readinglog.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendDecision(ctx, s.db, d)
}

func (ts *txStore) AppendDecision(ctx context.Context, d *readinglog.Decision) error {
	return appendDecision(ctx, ts.tx, d)
}

func appendDecision(ctx context.Context, q dbtx, d *readinglog.Decision) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO record_decisions (id, record_id, status, comment, actor_id, decided_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		d.ID, d.RecordID, string(d.Status), nullString(d.Comment), d.ActorID, formatTime(d.DecidedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append decision: %w", err)
	}
	return nil
}

func (s *Store) ListDecisions(ctx context.Context, recordID readinglog.RecordID) ([]readinglog.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listDecisions(ctx, s.db, recordID)
}

func (ts *txStore) ListDecisions(ctx context.Context, recordID readinglog.RecordID) ([]readinglog.Decision, error) {
	return listDecisions(ctx, ts.tx, recordID)
}

func listDecisions(ctx context.Context, q dbtx, recordID readinglog.RecordID) ([]readinglog.Decision, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, record_id, status, comment, actor_id, decided_at
		FROM record_decisions WHERE record_id = ? ORDER BY decided_at ASC, id ASC`, recordID)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	var decisions []readinglog.Decision
	for rows.Next() {
		var (
			d         readinglog.Decision
			comment   sql.NullString
			decidedAt string
		)
		if err := rows.Scan(&d.ID, &d.RecordID, &d.Status, &comment, &d.ActorID, &decidedAt); err != nil {
			return nil, err
		}
		d.Comment = comment.String
		d.DecidedAt = parseTime(decidedAt)
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func oneRowChanged(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339, s)
	}
	return t
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
