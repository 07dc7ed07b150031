/*
Package postgres provides the PostgreSQL-backed implementation of the
reading-log storage interfaces.

Same interfaces and semantics as store/sqlite, with the dialect
differences that matter in production:
  - BIGSERIAL record ids and TIMESTAMPTZ columns
  - SELECT ... FOR UPDATE on the profile row inside the approval
    transaction instead of a process-wide mutex
  - unique violations detected via pq error code 23505

USAGE:
  store, err := postgres.New(cfg.DatabaseURL)
  if err != nil { ... }
  defer store.Close()
*/
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/sprout/reading-tree/readinglog"
)

// Store implements readinglog.TxStore using PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ readinglog.TxStore = (*Store)(nil)

// New opens a connection pool and migrates the schema.
func New(connString string) (*Store, error) {
	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
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
	CREATE TABLE IF NOT EXISTS records (
		id BIGSERIAL PRIMARY KEY,
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
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		approved_at TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_records_user ON records(user_id, id DESC);
	CREATE INDEX IF NOT EXISTS idx_records_status ON records(status, id DESC);

	CREATE TABLE IF NOT EXISTS profiles (
		user_id TEXT PRIMARY KEY,
		nickname TEXT NOT NULL,
		role TEXT NOT NULL CHECK (role IN ('student', 'teacher', 'admin')),
		gold NUMERIC NOT NULL DEFAULT 0,
		level INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS reward_credits (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		record_id BIGINT NOT NULL,
		gold NUMERIC NOT NULL,
		reason TEXT,
		idempotency_key TEXT NOT NULL UNIQUE,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_reward_credits_user
		ON reward_credits(user_id, created_at ASC);

	CREATE TABLE IF NOT EXISTS class_trees (
		class_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		current_level INTEGER NOT NULL DEFAULT 1,
		current_leaves INTEGER NOT NULL DEFAULT 0,
		level_up_target INTEGER NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS class_members (
		class_id TEXT NOT NULL REFERENCES class_trees(class_id),
		user_id TEXT NOT NULL,
		role TEXT NOT NULL CHECK (role IN ('student', 'teacher', 'admin')),
		created_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (class_id, user_id)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_members_single_class
		ON class_members(user_id) WHERE role = 'student';

	CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		type TEXT NOT NULL CHECK (type IN ('approval', 'rejection', 'level_up')),
		title TEXT NOT NULL,
		message TEXT NOT NULL,
		read BOOLEAN NOT NULL DEFAULT FALSE,
		related_record_id BIGINT,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_notifications_user
		ON notifications(user_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS record_decisions (
		id TEXT PRIMARY KEY,
		record_id BIGINT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('approved', 'rejected')),
		comment TEXT,
		actor_id TEXT NOT NULL,
		decided_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_decisions_record
		ON record_decisions(record_id, decided_at ASC);
	`

	_, err := s.db.Exec(schema)
	return err
}

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func (s *Store) WithTx(ctx context.Context, fn func(readinglog.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

type txStore struct {
	tx *sql.Tx
}

var _ readinglog.Store = (*txStore)(nil)

// =============================================================================
// RECORD STORE
// =============================================================================

func (s *Store) CreateRecord(ctx context.Context, rec *readinglog.Record) (readinglog.RecordID, error) {
	return createRecord(ctx, s.db, rec)
}

func (ts *txStore) CreateRecord(ctx context.Context, rec *readinglog.Record) (readinglog.RecordID, error) {
	return createRecord(ctx, ts.tx, rec)
}

func createRecord(ctx context.Context, q dbtx, rec *readinglog.Record) (readinglog.RecordID, error) {
	var id int64
	err := q.QueryRowContext(ctx, `
		INSERT INTO records
		(user_id, book_title, book_author, book_publisher, book_isbn, book_cover_url,
		 book_total_pages, book_publication_year, reflection, image_url, rating,
		 status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id`,
		rec.UserID,
		nullString(rec.Book.Title), nullString(rec.Book.Author),
		nullString(rec.Book.Publisher), nullString(rec.Book.ISBN),
		nullString(rec.Book.CoverURL),
		rec.Book.TotalPages, rec.Book.PublicationYear,
		nullString(rec.Reflection), nullString(rec.ImageURL), rec.Rating,
		string(readinglog.StatusPending),
		rec.CreatedAt.UTC(), rec.UpdatedAt.UTC(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert record: %w", err)
	}
	return readinglog.RecordID(id), nil
}

const recordColumns = `
	id, user_id, book_title, book_author, book_publisher, book_isbn, book_cover_url,
	book_total_pages, book_publication_year, reflection, image_url, rating,
	status, teacher_comment, created_at, updated_at, approved_at`

func (s *Store) GetRecord(ctx context.Context, id readinglog.RecordID) (*readinglog.Record, error) {
	return getRecord(ctx, s.db, id)
}

func (ts *txStore) GetRecord(ctx context.Context, id readinglog.RecordID) (*readinglog.Record, error) {
	return getRecord(ctx, ts.tx, id)
}

func getRecord(ctx context.Context, q dbtx, id readinglog.RecordID) (*readinglog.Record, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = $1`, id)
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
	return resubmitRecord(ctx, s.db, id, owner, in, at)
}

func (ts *txStore) ResubmitRecord(ctx context.Context, id readinglog.RecordID, owner readinglog.UserID, in readinglog.RecordInput, at time.Time) (bool, error) {
	return resubmitRecord(ctx, ts.tx, id, owner, in, at)
}

func resubmitRecord(ctx context.Context, q dbtx, id readinglog.RecordID, owner readinglog.UserID, in readinglog.RecordInput, at time.Time) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE records SET
			book_title = $1, book_author = $2, book_publisher = $3, book_isbn = $4,
			book_cover_url = $5, book_total_pages = $6, book_publication_year = $7,
			reflection = $8, image_url = $9, rating = $10,
			status = 'pending', teacher_comment = NULL, approved_at = NULL,
			updated_at = $11
		WHERE id = $12 AND user_id = $13 AND status IN ('pending', 'rejected')`,
		nullString(in.Book.Title), nullString(in.Book.Author),
		nullString(in.Book.Publisher), nullString(in.Book.ISBN),
		nullString(in.Book.CoverURL), in.Book.TotalPages, in.Book.PublicationYear,
		nullString(in.Reflection), nullString(in.ImageURL), in.Rating,
		at.UTC(), id, owner,
	)
	if err != nil {
		return false, fmt.Errorf("failed to resubmit record: %w", err)
	}
	return oneRowChanged(res)
}

func (s *Store) MarkApproved(ctx context.Context, id readinglog.RecordID, comment string, at time.Time) (bool, error) {
	return markDecided(ctx, s.db, id, readinglog.StatusApproved, comment, at)
}

func (ts *txStore) MarkApproved(ctx context.Context, id readinglog.RecordID, comment string, at time.Time) (bool, error) {
	return markDecided(ctx, ts.tx, id, readinglog.StatusApproved, comment, at)
}

func (s *Store) MarkRejected(ctx context.Context, id readinglog.RecordID, comment string, at time.Time) (bool, error) {
	return markDecided(ctx, s.db, id, readinglog.StatusRejected, comment, at)
}

func (ts *txStore) MarkRejected(ctx context.Context, id readinglog.RecordID, comment string, at time.Time) (bool, error) {
	return markDecided(ctx, ts.tx, id, readinglog.StatusRejected, comment, at)
}

func markDecided(ctx context.Context, q dbtx, id readinglog.RecordID, to readinglog.RecordStatus, comment string, at time.Time) (bool, error) {
	var approvedAt any
	if to == readinglog.StatusApproved {
		approvedAt = at.UTC()
	}
	res, err := q.ExecContext(ctx, `
		UPDATE records SET status = $1, teacher_comment = $2, approved_at = $3, updated_at = $4
		WHERE id = $5 AND status = 'pending'`,
		string(to), nullString(comment), approvedAt, at.UTC(), id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update record status: %w", err)
	}
	return oneRowChanged(res)
}

func (s *Store) ListRecordsByStatus(ctx context.Context, status readinglog.RecordStatus, limit int) ([]readinglog.Record, error) {
	return listRecordsByStatus(ctx, s.db, status, limit)
}

func (ts *txStore) ListRecordsByStatus(ctx context.Context, status readinglog.RecordStatus, limit int) ([]readinglog.Record, error) {
	return listRecordsByStatus(ctx, ts.tx, status, limit)
}

func listRecordsByStatus(ctx context.Context, q dbtx, status readinglog.RecordStatus, limit int) ([]readinglog.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM records WHERE status = $1 ORDER BY id DESC`
	args := []any{string(status)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	return queryRecords(ctx, q, query, args...)
}

func (s *Store) ListRecordsByUser(ctx context.Context, userID readinglog.UserID) ([]readinglog.Record, error) {
	return listRecordsByUser(ctx, s.db, userID)
}

func (ts *txStore) ListRecordsByUser(ctx context.Context, userID readinglog.UserID) ([]readinglog.Record, error) {
	return listRecordsByUser(ctx, ts.tx, userID)
}

func listRecordsByUser(ctx context.Context, q dbtx, userID readinglog.UserID) ([]readinglog.Record, error) {
	return queryRecords(ctx, q,
		`SELECT `+recordColumns+` FROM records WHERE user_id = $1 ORDER BY id DESC`, userID)
}

func (s *Store) CountApprovedRecords(ctx context.Context, userID readinglog.UserID) (int, error) {
	return countApproved(ctx, s.db, userID)
}

func (ts *txStore) CountApprovedRecords(ctx context.Context, userID readinglog.UserID) (int, error) {
	return countApproved(ctx, ts.tx, userID)
}

func countApproved(ctx context.Context, q dbtx, userID readinglog.UserID) (int, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE user_id = $1 AND status = 'approved'`, userID,
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
		approvedAt                            sql.NullTime
	)

	err := rows.Scan(
		&rec.ID, &rec.UserID, &title, &author, &publisher, &isbn, &cover,
		&rec.Book.TotalPages, &rec.Book.PublicationYear,
		&reflection, &imageURL, &rec.Rating,
		&rec.Status, &comment, &rec.CreatedAt, &rec.UpdatedAt, &approvedAt,
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
	if approvedAt.Valid {
		t := approvedAt.Time
		rec.ApprovedAt = &t
	}
	return rec, nil
}

// =============================================================================
// PROFILE STORE
// =============================================================================

func (s *Store) CreateProfile(ctx context.Context, p *readinglog.Profile) error {
	return createProfile(ctx, s.db, p)
}

func (ts *txStore) CreateProfile(ctx context.Context, p *readinglog.Profile) error {
	return createProfile(ctx, ts.tx, p)
}

func createProfile(ctx context.Context, q dbtx, p *readinglog.Profile) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO profiles (user_id, nickname, role, gold, level, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		p.UserID, p.Nickname, string(p.Role), p.Gold.String(), p.Level, p.CreatedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return readinglog.ErrProfileExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert profile: %w", err)
	}
	return nil
}

func (s *Store) GetProfile(ctx context.Context, id readinglog.UserID) (*readinglog.Profile, error) {
	return getProfile(ctx, s.db, id, false)
}

func (ts *txStore) GetProfile(ctx context.Context, id readinglog.UserID) (*readinglog.Profile, error) {
	// Inside the approval transaction the profile row is locked so two
	// concurrent approvals serialize on the gold update.
	return getProfile(ctx, ts.tx, id, true)
}

func getProfile(ctx context.Context, q dbtx, id readinglog.UserID, forUpdate bool) (*readinglog.Profile, error) {
	query := `SELECT user_id, nickname, role, gold, level, created_at FROM profiles WHERE user_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var (
		p    readinglog.Profile
		gold string
		role string
	)
	err := q.QueryRowContext(ctx, query, id).
		Scan(&p.UserID, &p.Nickname, &role, &gold, &p.Level, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, readinglog.ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query profile: %w", err)
	}

	p.Role = readinglog.Role(role)
	p.Gold = mustDecimal(gold)
	return &p, nil
}

func (s *Store) AddGold(ctx context.Context, id readinglog.UserID, delta decimal.Decimal, newLevel int) error {
	return addGold(ctx, s.db, id, delta, newLevel)
}

func (ts *txStore) AddGold(ctx context.Context, id readinglog.UserID, delta decimal.Decimal, newLevel int) error {
	return addGold(ctx, ts.tx, id, delta, newLevel)
}

func addGold(ctx context.Context, q dbtx, id readinglog.UserID, delta decimal.Decimal, newLevel int) error {
	res, err := q.ExecContext(ctx,
		`UPDATE profiles SET gold = gold + $1, level = $2 WHERE user_id = $3`,
		delta.String(), newLevel, id,
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
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, entry.UserID, entry.RecordID, entry.Gold.String(),
		nullString(entry.Reason), entry.IdempotencyKey, entry.CreatedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return readinglog.ErrDuplicateCredit
	}
	if err != nil {
		return fmt.Errorf("failed to append reward credit: %w", err)
	}
	return nil
}

func (s *Store) RewardCredits(ctx context.Context, userID readinglog.UserID) ([]readinglog.RewardCredit, error) {
	return rewardCredits(ctx, s.db, userID)
}

func (ts *txStore) RewardCredits(ctx context.Context, userID readinglog.UserID) ([]readinglog.RewardCredit, error) {
	return rewardCredits(ctx, ts.tx, userID)
}

func rewardCredits(ctx context.Context, q dbtx, userID readinglog.UserID) ([]readinglog.RewardCredit, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, user_id, record_id, gold, reason, idempotency_key, created_at
		FROM reward_credits WHERE user_id = $1 ORDER BY created_at ASC, id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query reward credits: %w", err)
	}
	defer rows.Close()

	var credits []readinglog.RewardCredit
	for rows.Next() {
		var (
			c      readinglog.RewardCredit
			gold   string
			reason sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.UserID, &c.RecordID, &gold, &reason, &c.IdempotencyKey, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Gold = mustDecimal(gold)
		c.Reason = reason.String
		credits = append(credits, c)
	}
	return credits, rows.Err()
}

// =============================================================================
// CLASS STORE
// =============================================================================

func (s *Store) CreateClass(ctx context.Context, tree *readinglog.ClassTree) error {
	return createClass(ctx, s.db, tree)
}

func (ts *txStore) CreateClass(ctx context.Context, tree *readinglog.ClassTree) error {
	return createClass(ctx, ts.tx, tree)
}

func createClass(ctx context.Context, q dbtx, tree *readinglog.ClassTree) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO class_trees (class_id, name, current_level, current_leaves, level_up_target, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		tree.ClassID, tree.Name, tree.CurrentLevel, tree.CurrentLeaves,
		tree.LevelUpTarget, tree.CreatedAt.UTC(), tree.UpdatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return readinglog.ErrClassExists
		}
		return fmt.Errorf("failed to insert class: %w", err)
	}
	return nil
}

func (s *Store) GetTree(ctx context.Context, classID readinglog.ClassID) (*readinglog.ClassTree, error) {
	return getTree(ctx, s.db, classID)
}

func (ts *txStore) GetTree(ctx context.Context, classID readinglog.ClassID) (*readinglog.ClassTree, error) {
	return getTree(ctx, ts.tx, classID)
}

func getTree(ctx context.Context, q dbtx, classID readinglog.ClassID) (*readinglog.ClassTree, error) {
	var tree readinglog.ClassTree
	err := q.QueryRowContext(ctx, `
		SELECT class_id, name, current_level, current_leaves, level_up_target, created_at, updated_at
		FROM class_trees WHERE class_id = $1`, classID,
	).Scan(&tree.ClassID, &tree.Name, &tree.CurrentLevel, &tree.CurrentLeaves,
		&tree.LevelUpTarget, &tree.CreatedAt, &tree.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, readinglog.ErrClassNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query class tree: %w", err)
	}
	return &tree, nil
}

func (s *Store) IncrementLeaves(ctx context.Context, classID readinglog.ClassID) (*readinglog.ClassTree, error) {
	return incrementLeaves(ctx, s.db, classID)
}

func (ts *txStore) IncrementLeaves(ctx context.Context, classID readinglog.ClassID) (*readinglog.ClassTree, error) {
	return incrementLeaves(ctx, ts.tx, classID)
}

func incrementLeaves(ctx context.Context, q dbtx, classID readinglog.ClassID) (*readinglog.ClassTree, error) {
	var tree readinglog.ClassTree
	err := q.QueryRowContext(ctx, `
		UPDATE class_trees SET current_leaves = current_leaves + 1, updated_at = NOW()
		WHERE class_id = $1
		RETURNING class_id, name, current_level, current_leaves, level_up_target, created_at, updated_at`,
		classID,
	).Scan(&tree.ClassID, &tree.Name, &tree.CurrentLevel, &tree.CurrentLeaves,
		&tree.LevelUpTarget, &tree.CreatedAt, &tree.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, readinglog.ErrClassNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to increment leaves: %w", err)
	}
	return &tree, nil
}

func (s *Store) SetTreeLevel(ctx context.Context, classID readinglog.ClassID, level int) error {
	return setTreeLevel(ctx, s.db, classID, level)
}

func (ts *txStore) SetTreeLevel(ctx context.Context, classID readinglog.ClassID, level int) error {
	return setTreeLevel(ctx, ts.tx, classID, level)
}

func setTreeLevel(ctx context.Context, q dbtx, classID readinglog.ClassID, level int) error {
	res, err := q.ExecContext(ctx,
		`UPDATE class_trees SET current_level = $1, updated_at = NOW() WHERE class_id = $2`,
		level, classID,
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
	return updateTreeSettings(ctx, s.db, classID, settings)
}

func (ts *txStore) UpdateTreeSettings(ctx context.Context, classID readinglog.ClassID, settings readinglog.TreeSettings) error {
	return updateTreeSettings(ctx, ts.tx, classID, settings)
}

func updateTreeSettings(ctx context.Context, q dbtx, classID readinglog.ClassID, settings readinglog.TreeSettings) error {
	res, err := q.ExecContext(ctx,
		`UPDATE class_trees SET name = $1, level_up_target = $2, updated_at = NOW() WHERE class_id = $3`,
		settings.Name, settings.LevelUpTarget, classID,
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
		`INSERT INTO class_members (class_id, user_id, role, created_at) VALUES ($1, $2, $3, NOW())`,
		classID, userID, string(role),
	)
	if isUniqueViolation(err) {
		return readinglog.ErrAlreadyEnrolled
	}
	if err != nil {
		return fmt.Errorf("failed to enroll member: %w", err)
	}
	return nil
}

func (s *Store) ClassOf(ctx context.Context, userID readinglog.UserID) (readinglog.ClassID, error) {
	return classOf(ctx, s.db, userID)
}

func (ts *txStore) ClassOf(ctx context.Context, userID readinglog.UserID) (readinglog.ClassID, error) {
	return classOf(ctx, ts.tx, userID)
}

func classOf(ctx context.Context, q dbtx, userID readinglog.UserID) (readinglog.ClassID, error) {
	var classID readinglog.ClassID
	err := q.QueryRowContext(ctx,
		`SELECT class_id FROM class_members WHERE user_id = $1 AND role = 'student'`, userID,
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
	return isTeacherOf(ctx, s.db, userID, classID)
}

func (ts *txStore) IsTeacherOf(ctx context.Context, userID readinglog.UserID, classID readinglog.ClassID) (bool, error) {
	return isTeacherOf(ctx, ts.tx, userID, classID)
}

func isTeacherOf(ctx context.Context, q dbtx, userID readinglog.UserID, classID readinglog.ClassID) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM class_members WHERE class_id = $1 AND user_id = $2 AND role = 'teacher'`,
		classID, userID,
	).Scan(&n)
	return n > 0, err
}

func (s *Store) ListStudents(ctx context.Context, classID readinglog.ClassID) ([]readinglog.UserID, error) {
	return listStudents(ctx, s.db, classID)
}

func (ts *txStore) ListStudents(ctx context.Context, classID readinglog.ClassID) ([]readinglog.UserID, error) {
	return listStudents(ctx, ts.tx, classID)
}

func listStudents(ctx context.Context, q dbtx, classID readinglog.ClassID) ([]readinglog.UserID, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT user_id FROM class_members WHERE class_id = $1 AND role = 'student' ORDER BY user_id`,
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
		VALUES ($1, $2, $3, $4, $5, FALSE, $6, $7)`,
		n.ID, n.UserID, string(n.Type), n.Title, n.Message, related, n.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue notification: %w", err)
	}
	return nil
}

func (s *Store) ListNotifications(ctx context.Context, userID readinglog.UserID, limit int) ([]readinglog.Notification, error) {
	return listNotifications(ctx, s.db, userID, limit)
}

func (ts *txStore) ListNotifications(ctx context.Context, userID readinglog.UserID, limit int) ([]readinglog.Notification, error) {
	return listNotifications(ctx, ts.tx, userID, limit)
}

func listNotifications(ctx context.Context, q dbtx, userID readinglog.UserID, limit int) ([]readinglog.Notification, error) {
	query := `
		SELECT id, user_id, type, title, message, read, related_record_id, created_at
		FROM notifications WHERE user_id = $1 ORDER BY created_at DESC, id DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT $2`
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
			n       readinglog.Notification
			related sql.NullInt64
		)
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Message, &n.Read, &related, &n.CreatedAt); err != nil {
			return nil, err
		}
		if related.Valid {
			id := readinglog.RecordID(related.Int64)
			n.RelatedRecordID = &id
		}
		notifications = append(notifications, n)
	}
	return notifications, rows.Err()
}

func (s *Store) UnreadCount(ctx context.Context, userID readinglog.UserID) (int, error) {
	return unreadCount(ctx, s.db, userID)
}

func (ts *txStore) UnreadCount(ctx context.Context, userID readinglog.UserID) (int, error) {
	return unreadCount(ctx, ts.tx, userID)
}

func unreadCount(ctx context.Context, q dbtx, userID readinglog.UserID) (int, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND read = FALSE`, userID,
	).Scan(&n)
	return n, err
}

func (s *Store) MarkNotificationRead(ctx context.Context, id string, userID readinglog.UserID) (bool, error) {
	return markNotificationRead(ctx, s.db, id, userID)
}

func (ts *txStore) MarkNotificationRead(ctx context.Context, id string, userID readinglog.UserID) (bool, error) {
	return markNotificationRead(ctx, ts.tx, id, userID)
}

func markNotificationRead(ctx context.Context, q dbtx, id string, userID readinglog.UserID) (bool, error) {
	res, err := q.ExecContext(ctx,
		`UPDATE notifications SET read = TRUE WHERE id = $1 AND user_id = $2`, id, userID,
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
		VALUES ($1, $2, $3, $4, $5, $6)`,
		d.ID, d.RecordID, string(d.Status), nullString(d.Comment), d.ActorID, d.DecidedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append decision: %w", err)
	}
	return nil
}

func (s *Store) ListDecisions(ctx context.Context, recordID readinglog.RecordID) ([]readinglog.Decision, error) {
	return listDecisions(ctx, s.db, recordID)
}

func (ts *txStore) ListDecisions(ctx context.Context, recordID readinglog.RecordID) ([]readinglog.Decision, error) {
	return listDecisions(ctx, ts.tx, recordID)
}

func listDecisions(ctx context.Context, q dbtx, recordID readinglog.RecordID) ([]readinglog.Decision, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, record_id, status, comment, actor_id, decided_at
		FROM record_decisions WHERE record_id = $1 ORDER BY decided_at ASC, id ASC`, recordID)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	var decisions []readinglog.Decision
	for rows.Next() {
		var (
			d       readinglog.Decision
			comment sql.NullString
		)
		if err := rows.Scan(&d.ID, &d.RecordID, &d.Status, &comment, &d.ActorID, &d.DecidedAt); err != nil {
			return nil, err
		}
		d.Comment = comment.String
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

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
