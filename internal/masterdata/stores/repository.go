package stores

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/purchasing/internal/platform/db"
)

// Repository is the persistence port for stores.
type Repository interface {
	List(ctx context.Context, filters ListFilters) ([]Store, error)
	Get(ctx context.Context, id int64) (Store, error)
	Create(ctx context.Context, st Store) (Store, error)
	CountActive(ctx context.Context) (int, error)
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository returns a PostgreSQL backed Repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool}
}

const storeColumns = `id, code, name, address, active, created_at, updated_at`

func (r *repository) List(ctx context.Context, filters ListFilters) ([]Store, error) {
	var (
		where []string
		args  []any
	)
	if filters.ActiveOnly {
		where = append(where, "active = TRUE")
	}
	if filters.Search != "" {
		args = append(args, "%"+filters.Search+"%")
		n := strconv.Itoa(len(args))
		where = append(where, "(code ILIKE $"+n+" OR name ILIKE $"+n+")")
	}
	query := `SELECT ` + storeColumns + ` FROM stores`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY code ASC"

	rows, err := db.Conn(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanStore)
}

func (r *repository) Get(ctx context.Context, id int64) (Store, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+storeColumns+` FROM stores WHERE id = $1`, id)
	if err != nil {
		return Store{}, err
	}
	st, err := pgx.CollectExactlyOneRow(rows, scanStore)
	if errors.Is(err, pgx.ErrNoRows) {
		return Store{}, ErrNotFound
	}
	return st, err
}

func (r *repository) Create(ctx context.Context, st Store) (Store, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `INSERT INTO stores (code, name, address, active, created_at, updated_at)
VALUES ($1, $2, $3, $4, NOW(), NOW()) RETURNING `+storeColumns, st.Code, st.Name, st.Address, st.Active)
	if err != nil {
		return Store{}, err
	}
	created, err := pgx.CollectExactlyOneRow(rows, scanStore)
	if db.IsUniqueViolation(err) {
		return Store{}, ErrDuplicate
	}
	return created, err
}

func (r *repository) CountActive(ctx context.Context) (int, error) {
	var n int
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT COUNT(*) FROM stores WHERE active = TRUE`).Scan(&n)
	return n, err
}

func scanStore(row pgx.CollectableRow) (Store, error) {
	var st Store
	err := row.Scan(&st.ID, &st.Code, &st.Name, &st.Address, &st.Active, &st.CreatedAt, &st.UpdatedAt)
	return st, err
}
