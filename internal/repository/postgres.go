// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/pitchpoints/pitchpoints-system/internal/ledger"
	"github.com/pitchpoints/pitchpoints-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrAccountExists возвращается при попытке создать счёт с уже существующим логином.
var (
	ErrAccountExists = errors.New("account already exists")
	// ErrRewardNotFound возвращается, если награда не найдена.
	ErrRewardNotFound = errors.New("reward not found")
	// ErrMatchNotFound возвращается, если матч не найден.
	ErrMatchNotFound = errors.New("match not found")
	// ErrSeatCategoryNotFound возвращается, если категория мест не найдена у матча.
	ErrSeatCategoryNotFound = errors.New("seat category not found")
	// ErrSoldOut возвращается, если свободных мест меньше запрошенного количества.
	ErrSoldOut = errors.New("not enough seats available")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
// Реализует контракты service.Repository и ledger.Store.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateAccount создаёт новый счёт с нулевым балансом.
func (r *PostgresRepository) CreateAccount(ctx context.Context, login string, passwordHash []byte) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO accounts (login, password_hash) VALUES ($1, $2) RETURNING id`,
		login, passwordHash,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrAccountExists, login)
		}
		return 0, fmt.Errorf("create account: %w", err)
	}
	return id, nil
}

// GetAccountByLogin возвращает счёт по логину.
func (r *PostgresRepository) GetAccountByLogin(ctx context.Context, login string) (*model.Account, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, points, created_at FROM accounts WHERE login = $1`,
		login,
	)

	var a model.Account
	err := row.Scan(&a.ID, &a.Login, &a.PasswordHash, &a.Points, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ledger.ErrAccountNotFound
		}
		return nil, fmt.Errorf("get account: %w", err)
	}

	return &a, nil
}

// AccountPoints возвращает текущий баланс счёта.
func (r *PostgresRepository) AccountPoints(ctx context.Context, accountID int64) (int64, error) {
	var points int64
	err := r.pool.QueryRow(ctx,
		`SELECT points FROM accounts WHERE id = $1`,
		accountID,
	).Scan(&points)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ledger.ErrAccountNotFound
		}
		return 0, fmt.Errorf("get points: %w", err)
	}
	return points, nil
}

// EntryByCause возвращает проводку журнала по основанию, либо nil, если её нет.
func (r *PostgresRepository) EntryByCause(ctx context.Context, kind ledger.CauseKind, causeID string) (*ledger.Entry, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT account_id, delta, cause_kind, cause_id, balance_after, created_at
		 FROM ledger_entries
		 WHERE cause_kind = $1 AND cause_id = $2`,
		string(kind), causeID,
	)

	var e ledger.Entry
	var entryKind string
	err := row.Scan(&e.AccountID, &e.Delta, &entryKind, &e.CauseID, &e.BalanceAfter, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get ledger entry: %w", err)
	}
	e.CauseKind = ledger.CauseKind(entryKind)

	return &e, nil
}

// CompareAndSwapPoints условно записывает новый баланс и фиксирует проводку
// журнала в одной короткой транзакции. Возвращает false, если баланс уже
// изменился относительно expected.
func (r *PostgresRepository) CompareAndSwapPoints(ctx context.Context, accountID int64, expected, next int64, e ledger.Entry) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cmdTag, err := tx.Exec(ctx,
		`UPDATE accounts SET points = $3 WHERE id = $1 AND points = $2`,
		accountID, expected, next,
	)
	if err != nil {
		return false, fmt.Errorf("conditional update points: %w", err)
	}

	if cmdTag.RowsAffected() == 0 {
		// Баланс устарел либо счёт удалён: вызывающая сторона перечитает баланс.
		return false, nil
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO ledger_entries (account_id, delta, cause_kind, cause_id, balance_after)
		 VALUES ($1, $2, $3, $4, $5)`,
		e.AccountID, e.Delta, string(e.CauseKind), e.CauseID, e.BalanceAfter,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return false, fmt.Errorf("%w: %s/%s", ledger.ErrDuplicateCause, e.CauseKind, e.CauseID)
		}
		return false, fmt.Errorf("insert ledger entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit tx: %w", err)
	}

	return true, nil
}

// GetReward возвращает награду по идентификатору.
func (r *PostgresRepository) GetReward(ctx context.Context, rewardID int64) (*model.Reward, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, name, description, category, image, points_required, available, created_at
		 FROM rewards
		 WHERE id = $1`,
		rewardID,
	)

	var rw model.Reward
	err := row.Scan(&rw.ID, &rw.Name, &rw.Description, &rw.Category, &rw.Image, &rw.PointsRequired, &rw.Available, &rw.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRewardNotFound
		}
		return nil, fmt.Errorf("get reward: %w", err)
	}

	return &rw, nil
}

// ListRewards возвращает каталог наград по возрастанию стоимости в баллах.
func (r *PostgresRepository) ListRewards(ctx context.Context) ([]model.Reward, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, description, category, image, points_required, available, created_at
		 FROM rewards
		 ORDER BY points_required`,
	)
	if err != nil {
		return nil, fmt.Errorf("select rewards: %w", err)
	}
	defer rows.Close()

	var rewards []model.Reward
	for rows.Next() {
		var rw model.Reward
		if err := rows.Scan(&rw.ID, &rw.Name, &rw.Description, &rw.Category, &rw.Image, &rw.PointsRequired, &rw.Available, &rw.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reward: %w", err)
		}
		rewards = append(rewards, rw)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return rewards, nil
}

// InsertRedemption сохраняет запись об обмене баллов на награду.
func (r *PostgresRepository) InsertRedemption(ctx context.Context, red *model.Redemption) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO redemptions (id, account_id, reward_id, points_spent, status)
		 VALUES ($1, $2, $3, $4, $5)`,
		red.ID, red.AccountID, red.RewardID, red.PointsSpent, string(red.Status),
	)
	if err != nil {
		return fmt.Errorf("insert redemption: %w", err)
	}
	return nil
}

// RedemptionsByAccount возвращает историю обменов счёта вместе с названиями наград.
func (r *PostgresRepository) RedemptionsByAccount(ctx context.Context, accountID int64) ([]model.Redemption, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT rd.id, rd.account_id, rd.reward_id, rw.name, rd.points_spent, rd.status, rd.created_at
		 FROM redemptions rd
		 JOIN rewards rw ON rw.id = rd.reward_id
		 WHERE rd.account_id = $1
		 ORDER BY rd.created_at DESC`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("select redemptions: %w", err)
	}
	defer rows.Close()

	var res []model.Redemption
	for rows.Next() {
		var (
			rd     model.Redemption
			status string
		)
		if err := rows.Scan(&rd.ID, &rd.AccountID, &rd.RewardID, &rd.RewardName, &rd.PointsSpent, &status, &rd.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan redemption: %w", err)
		}
		rd.Status = model.RedemptionStatus(status)
		res = append(res, rd)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ListMatches возвращает список матчей без категорий мест.
func (r *PostgresRepository) ListMatches(ctx context.Context) ([]model.Match, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, home_team, away_team, venue, starts_at
		 FROM matches
		 ORDER BY starts_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("select matches: %w", err)
	}
	defer rows.Close()

	var matches []model.Match
	for rows.Next() {
		var m model.Match
		if err := rows.Scan(&m.ID, &m.HomeTeam, &m.AwayTeam, &m.Venue, &m.StartsAt); err != nil {
			return nil, fmt.Errorf("scan match: %w", err)
		}
		matches = append(matches, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return matches, nil
}

// GetMatch возвращает матч вместе с категориями мест.
func (r *PostgresRepository) GetMatch(ctx context.Context, matchID int64) (*model.Match, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, home_team, away_team, venue, starts_at FROM matches WHERE id = $1`,
		matchID,
	)

	var m model.Match
	if err := row.Scan(&m.ID, &m.HomeTeam, &m.AwayTeam, &m.Venue, &m.StartsAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMatchNotFound
		}
		return nil, fmt.Errorf("get match: %w", err)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, match_id, name, price_cents, points_per_seat, available_seats
		 FROM seat_categories
		 WHERE match_id = $1
		 ORDER BY price_cents`,
		matchID,
	)
	if err != nil {
		return nil, fmt.Errorf("select seat categories: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var c model.SeatCategory
		if err := rows.Scan(&c.ID, &c.MatchID, &c.Name, &c.PriceCents, &c.PointsPerSeat, &c.AvailableSeats); err != nil {
			return nil, fmt.Errorf("scan seat category: %w", err)
		}
		m.SeatCategories = append(m.SeatCategories, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return &m, nil
}

// GetSeatCategory возвращает категорию мест указанного матча.
func (r *PostgresRepository) GetSeatCategory(ctx context.Context, matchID, categoryID int64) (*model.SeatCategory, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, match_id, name, price_cents, points_per_seat, available_seats
		 FROM seat_categories
		 WHERE id = $1 AND match_id = $2`,
		categoryID, matchID,
	)

	var c model.SeatCategory
	err := row.Scan(&c.ID, &c.MatchID, &c.Name, &c.PriceCents, &c.PointsPerSeat, &c.AvailableSeats)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSeatCategoryNotFound
		}
		return nil, fmt.Errorf("get seat category: %w", err)
	}

	return &c, nil
}

// ReserveSeats уменьшает количество свободных мест категории, если их достаточно.
// Защитное условие в самом запросе исключает гонку двух покупателей.
func (r *PostgresRepository) ReserveSeats(ctx context.Context, categoryID int64, count int) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE seat_categories
		 SET available_seats = available_seats - $2
		 WHERE id = $1 AND available_seats >= $2`,
		categoryID, count,
	)
	if err != nil {
		return fmt.Errorf("reserve seats: %w", err)
	}

	if cmdTag.RowsAffected() == 0 {
		var exists bool
		err := r.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM seat_categories WHERE id = $1)`,
			categoryID,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check seat category: %w", err)
		}
		if !exists {
			return ErrSeatCategoryNotFound
		}
		return ErrSoldOut
	}

	return nil
}

// ReleaseSeats возвращает места категории при неудачном оформлении покупки.
func (r *PostgresRepository) ReleaseSeats(ctx context.Context, categoryID int64, count int) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE seat_categories SET available_seats = available_seats + $2 WHERE id = $1`,
		categoryID, count,
	)
	if err != nil {
		return fmt.Errorf("release seats: %w", err)
	}
	return nil
}

// InsertBooking сохраняет запись о покупке мест.
func (r *PostgresRepository) InsertBooking(ctx context.Context, b *model.Booking) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO bookings (id, account_id, match_id, seat_category_id, seat_count, total_amount_cents, points_earned)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		b.ID, b.AccountID, b.MatchID, b.SeatCategoryID, b.SeatCount, b.TotalAmountCents, b.PointsEarned,
	)
	if err != nil {
		return fmt.Errorf("insert booking: %w", err)
	}
	return nil
}

// BookingsByAccount возвращает историю покупок счёта.
func (r *PostgresRepository) BookingsByAccount(ctx context.Context, accountID int64) ([]model.Booking, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, account_id, match_id, seat_category_id, seat_count, total_amount_cents, points_earned, created_at
		 FROM bookings
		 WHERE account_id = $1
		 ORDER BY created_at DESC`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("select bookings: %w", err)
	}
	defer rows.Close()

	var res []model.Booking
	for rows.Next() {
		var b model.Booking
		if err := rows.Scan(&b.ID, &b.AccountID, &b.MatchID, &b.SeatCategoryID, &b.SeatCount, &b.TotalAmountCents, &b.PointsEarned, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan booking: %w", err)
		}
		res = append(res, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// OrphanRedemptionDebits возвращает проводки списания, по которым нет ни
// записи истории обмена, ни отменяющей проводки. Такие списания оставил
// сбой между фиксацией списания и записью истории; фоновый процесс их
// отменяет. Свежие проводки (created_at после cutoff) не затрагиваются:
// их запись истории может ещё выполняться.
func (r *PostgresRepository) OrphanRedemptionDebits(ctx context.Context, cutoff time.Time, limit int) ([]ledger.Entry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT le.account_id, le.delta, le.cause_kind, le.cause_id, le.balance_after, le.created_at
		 FROM ledger_entries le
		 LEFT JOIN redemptions rd ON rd.id::text = le.cause_id
		 LEFT JOIN ledger_entries rev ON rev.cause_kind = 'reversal' AND rev.cause_id = le.cause_id
		 WHERE le.cause_kind = 'redemption'
		   AND rd.id IS NULL
		   AND rev.id IS NULL
		   AND le.created_at < $1
		 ORDER BY le.created_at
		 LIMIT $2`,
		cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select orphan debits: %w", err)
	}
	defer rows.Close()

	var res []ledger.Entry
	for rows.Next() {
		var (
			e    ledger.Entry
			kind string
		)
		if err := rows.Scan(&e.AccountID, &e.Delta, &kind, &e.CauseID, &e.BalanceAfter, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.CauseKind = ledger.CauseKind(kind)
		res = append(res, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// UncreditedBookings возвращает покупки, по которым ещё нет проводки
// начисления баллов. Используется фоновым процессом довосстановления.
func (r *PostgresRepository) UncreditedBookings(ctx context.Context, limit int) ([]model.Booking, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT b.id, b.account_id, b.match_id, b.seat_category_id, b.seat_count, b.total_amount_cents, b.points_earned, b.created_at
		 FROM bookings b
		 LEFT JOIN ledger_entries le ON le.cause_kind = 'booking' AND le.cause_id = b.id::text
		 WHERE le.id IS NULL AND b.points_earned > 0
		 ORDER BY b.created_at
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select uncredited bookings: %w", err)
	}
	defer rows.Close()

	var res []model.Booking
	for rows.Next() {
		var b model.Booking
		if err := rows.Scan(&b.ID, &b.AccountID, &b.MatchID, &b.SeatCategoryID, &b.SeatCount, &b.TotalAmountCents, &b.PointsEarned, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan booking: %w", err)
		}
		res = append(res, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
