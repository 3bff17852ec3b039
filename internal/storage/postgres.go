package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"remindd/internal/channel"
	"remindd/internal/todo"
	logx "remindd/pkg/logx"
)

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}

	// goose runs on database/sql; the pool is used for everything else.
	mdb, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	err = migrate(ctx, mdb, goose.DialectPostgres, "migrations/postgres", log)
	_ = mdb.Close()
	if err != nil {
		return nil, err
	}

	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = int32(cfg.MaxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return nil, err
	}
	log.Info("postgres store opened", logx.String("host", pcfg.ConnConfig.Host), logx.String("db", pcfg.ConnConfig.Database))
	return &postgresStore{pool: pool, log: log}, nil
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}

const pgItemCols = `id, user_id, title, description, due_date, is_completed, column_name, column_order, created_at, notification_queued, notification_sent`

func scanPgItem(row pgx.Row) (todo.Item, error) {
	var (
		it  todo.Item
		due *time.Time
		col string
	)
	err := row.Scan(&it.ID, &it.UserID, &it.Title, &it.Description, &due, &it.IsCompleted,
		&col, &it.ColumnOrder, &it.CreatedAt, &it.NotificationQueued, &it.NotificationSent)
	if err != nil {
		return todo.Item{}, err
	}
	if due != nil {
		t := due.UTC()
		it.DueDate = &t
	}
	it.Column = todo.Column(col)
	return it, nil
}

func dueOrNil(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	return t
}

func (s *postgresStore) GetItem(ctx context.Context, id int64) (todo.Item, error) {
	it, err := scanPgItem(s.pool.QueryRow(ctx, `SELECT `+pgItemCols+` FROM todo_items WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return todo.Item{}, fmt.Errorf("%w: id=%d", todo.ErrNotFound, id)
	}
	return it, err
}

func (s *postgresStore) InsertItem(ctx context.Context, it todo.Item) (todo.Item, error) {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO todo_items(user_id, title, description, due_date, is_completed, column_name, column_order, created_at, notification_queued, notification_sent)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10) RETURNING id`,
		it.UserID, it.Title, it.Description, dueOrNil(it.DueDate), it.IsCompleted, string(it.Column),
		it.ColumnOrder, it.CreatedAt, it.NotificationQueued, it.NotificationSent,
	).Scan(&it.ID)
	if err != nil {
		return todo.Item{}, err
	}
	return it, nil
}

func (s *postgresStore) UpdateItem(ctx context.Context, it todo.Item) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE todo_items SET user_id=$1, title=$2, description=$3, due_date=$4::timestamptz, is_completed=$5, column_name=$6,
		 column_order=$7,
		 notification_queued = CASE WHEN due_date IS NOT DISTINCT FROM $4::timestamptz THEN notification_queued ELSE false END,
		 notification_sent   = CASE WHEN due_date IS NOT DISTINCT FROM $4::timestamptz THEN notification_sent ELSE false END
		 WHERE id=$8`,
		it.UserID, it.Title, it.Description, dueOrNil(it.DueDate), it.IsCompleted, string(it.Column),
		it.ColumnOrder, it.ID,
	)
	return pgAffectedOne(tag.RowsAffected(), err, it.ID)
}

func (s *postgresStore) PatchItemState(ctx context.Context, id int64, p todo.StatePatch) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE todo_items SET
		   notification_queued = COALESCE($2::boolean, notification_queued),
		   notification_sent   = COALESCE($3::boolean, notification_sent)
		 WHERE id = $1`,
		id, p.Queued, p.Sent,
	)
	return pgAffectedOne(tag.RowsAffected(), err, id)
}

func (s *postgresStore) ItemsDueBetween(ctx context.Context, start, end time.Time) ([]todo.Item, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgItemCols+` FROM todo_items
		 WHERE due_date >= $1 AND due_date < $2
		 ORDER BY due_date, id`,
		start, end,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []todo.Item
	for rows.Next() {
		it, err := scanPgItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *postgresStore) DeleteItem(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM todo_items WHERE id = $1`, id)
	return pgAffectedOne(tag.RowsAffected(), err, id)
}

func (s *postgresStore) CreateChannel(ctx context.Context, ch channel.Channel) (channel.Channel, error) {
	if err := ch.Validate(); err != nil {
		return channel.Channel{}, err
	}
	cfg, err := encodeChannelConfig(ch)
	if err != nil {
		return channel.Channel{}, err
	}
	err = s.pool.QueryRow(ctx,
		`INSERT INTO notification_channels(user_id, name, kind, config) VALUES($1,$2,$3,$4) RETURNING id`,
		ch.UserID, ch.Name, string(ch.Kind), cfg,
	).Scan(&ch.ID)
	if err != nil {
		return channel.Channel{}, err
	}
	return ch, nil
}

func (s *postgresStore) SetUserChannels(ctx context.Context, userID int64, channelIDs []int64) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO notificator_settings(user_id, updated_at) VALUES($1, now())
			 ON CONFLICT(user_id) DO UPDATE SET updated_at = now()`,
			userID,
		); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM notificator_channels WHERE user_id = $1`, userID); err != nil {
			return err
		}
		for i, id := range channelIDs {
			if _, err := tx.Exec(ctx,
				`INSERT INTO notificator_channels(user_id, channel_id, position) VALUES($1,$2,$3)`,
				userID, id, i,
			); err != nil {
				return fmt.Errorf("link channel %d: %w", id, err)
			}
		}
		return nil
	})
}

func (s *postgresStore) ResolveUserChannels(ctx context.Context, userID int64) ([]channel.Channel, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT c.id, c.user_id, c.name, c.kind, c.config
		 FROM notificator_channels nc
		 JOIN notification_channels c ON c.id = nc.channel_id
		 WHERE nc.user_id = $1
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
			raw        []byte
		)
		if err := rows.Scan(&id, &uid, &name, &kind, &raw); err != nil {
			return nil, err
		}
		ch, err := decodeChannel(id, uid, name, kind, raw)
		if err != nil {
			s.log.Warn("skipping unreadable channel", logx.Int64("channel_id", id), logx.Err(err))
			continue
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (s *postgresStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dedup(key, until) VALUES($1,$2)
		 ON CONFLICT(key) DO UPDATE SET until = excluded.until`,
		key, until,
	)
	return err
}

func (s *postgresStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var until time.Time
	err := s.pool.QueryRow(ctx, `SELECT until FROM dedup WHERE key = $1`, key).Scan(&until)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return until, true, nil
}

func pgAffectedOne(n int64, err error, id int64) error {
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: id=%d", todo.ErrNotFound, id)
	}
	return nil
}
