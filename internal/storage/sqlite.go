package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"remindd/internal/channel"
	"remindd/internal/todo"
	logx "remindd/pkg/logx"
)

// sqliteStore keeps instants as unix milliseconds.
type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")

	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := migrate(ctx, db, goose.DialectSQLite3, "migrations/sqlite", log); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("sqlite store opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log, pruneEvery: 500}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const sqliteItemCols = `id, user_id, title, description, due_date, is_completed, column_name, column_order, created_at, notification_queued, notification_sent`

func scanSQLiteItem(sc interface{ Scan(...any) error }) (todo.Item, error) {
	var (
		it      todo.Item
		due     sql.NullInt64
		col     string
		created int64
	)
	err := sc.Scan(&it.ID, &it.UserID, &it.Title, &it.Description, &due, &it.IsCompleted,
		&col, &it.ColumnOrder, &created, &it.NotificationQueued, &it.NotificationSent)
	if err != nil {
		return todo.Item{}, err
	}
	if due.Valid {
		t := time.UnixMilli(due.Int64).UTC()
		it.DueDate = &t
	}
	it.Column = todo.Column(col)
	it.CreatedAt = time.UnixMilli(created).UTC()
	return it, nil
}

func msOrNil(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func boolOrNil(b *bool) any {
	if b == nil {
		return nil
	}
	return *b
}

func (s *sqliteStore) GetItem(ctx context.Context, id int64) (todo.Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteItemCols+` FROM todo_items WHERE id = ?`, id)
	it, err := scanSQLiteItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return todo.Item{}, fmt.Errorf("%w: id=%d", todo.ErrNotFound, id)
	}
	return it, err
}

func (s *sqliteStore) InsertItem(ctx context.Context, it todo.Item) (todo.Item, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO todo_items(user_id, title, description, due_date, is_completed, column_name, column_order, created_at, notification_queued, notification_sent)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		it.UserID, it.Title, it.Description, msOrNil(it.DueDate), it.IsCompleted, string(it.Column),
		it.ColumnOrder, it.CreatedAt.UnixMilli(), it.NotificationQueued, it.NotificationSent,
	)
	if err != nil {
		return todo.Item{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return todo.Item{}, err
	}
	it.ID = id
	return it, nil
}

// UpdateItem compares against the pre-update due_date; SET expressions see the old row.
func (s *sqliteStore) UpdateItem(ctx context.Context, it todo.Item) error {
	due := msOrNil(it.DueDate)
	res, err := s.db.ExecContext(ctx,
		`UPDATE todo_items SET user_id=?, title=?, description=?, due_date=?, is_completed=?, column_name=?,
		 column_order=?,
		 notification_queued = CASE WHEN due_date IS ? THEN notification_queued ELSE 0 END,
		 notification_sent   = CASE WHEN due_date IS ? THEN notification_sent ELSE 0 END
		 WHERE id=?`,
		it.UserID, it.Title, it.Description, due, it.IsCompleted, string(it.Column),
		it.ColumnOrder, due, due, it.ID,
	)
	return affectedOne(res, err, it.ID)
}

func (s *sqliteStore) PatchItemState(ctx context.Context, id int64, p todo.StatePatch) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE todo_items SET
		   notification_queued = COALESCE(?, notification_queued),
		   notification_sent   = COALESCE(?, notification_sent)
		 WHERE id = ?`,
		boolOrNil(p.Queued), boolOrNil(p.Sent), id,
	)
	return affectedOne(res, err, id)
}

func (s *sqliteStore) ItemsDueBetween(ctx context.Context, start, end time.Time) ([]todo.Item, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteItemCols+` FROM todo_items
		 WHERE due_date IS NOT NULL AND due_date >= ? AND due_date < ?
		 ORDER BY due_date, id`,
		start.UnixMilli(), end.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []todo.Item
	for rows.Next() {
		it, err := scanSQLiteItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteItem(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM todo_items WHERE id = ?`, id)
	return affectedOne(res, err, id)
}

func (s *sqliteStore) CreateChannel(ctx context.Context, ch channel.Channel) (channel.Channel, error) {
	if err := ch.Validate(); err != nil {
		return channel.Channel{}, err
	}
	cfg, err := encodeChannelConfig(ch)
	if err != nil {
		return channel.Channel{}, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO notification_channels(user_id, name, kind, config, created_at) VALUES(?,?,?,?,?)`,
		ch.UserID, ch.Name, string(ch.Kind), string(cfg), time.Now().UnixMilli(),
	)
	if err != nil {
		return channel.Channel{}, err
	}
	if ch.ID, err = res.LastInsertId(); err != nil {
		return channel.Channel{}, err
	}
	return ch, nil
}

func (s *sqliteStore) SetUserChannels(ctx context.Context, userID int64, channelIDs []int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO notificator_settings(user_id, updated_at) VALUES(?,?)
		 ON CONFLICT(user_id) DO UPDATE SET updated_at=excluded.updated_at`,
		userID, time.Now().UnixMilli(),
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM notificator_channels WHERE user_id = ?`, userID); err != nil {
		return err
	}
	for i, id := range channelIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO notificator_channels(user_id, channel_id, position) VALUES(?,?,?)`,
			userID, id, i,
		); err != nil {
			return fmt.Errorf("link channel %d: %w", id, err)
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) ResolveUserChannels(ctx context.Context, userID int64) ([]channel.Channel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.user_id, c.name, c.kind, c.config
		 FROM notificator_channels nc
		 JOIN notification_channels c ON c.id = nc.channel_id
		 WHERE nc.user_id = ?
		 ORDER BY nc.position, c.id`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []channel.Channel
	for rows.Next() {
		var (
			id, uid    int64
			name, kind string
			raw        string
		)
		if err := rows.Scan(&id, &uid, &name, &kind, &raw); err != nil {
			return nil, err
		}
		ch, err := decodeChannel(id, uid, name, kind, []byte(raw))
		if err != nil {
			s.log.Warn("skipping unreadable channel", logx.Int64("channel_id", id), logx.Err(err))
			continue
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpired(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
	return err
}

func affectedOne(res sql.Result, err error, id int64) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: id=%d", todo.ErrNotFound, id)
	}
	return nil
}
