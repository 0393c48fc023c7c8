package repo

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"topshot-backend/internal/domain"
)

// BookRepo is the catalog boundary: current price/stock lookup and the
// atomic per-item stock decrement invoked at settlement time.
type BookRepo interface {
	FindByID(ctx context.Context, id uuid.UUID) (*domain.Book, error)
	DecrementStock(ctx context.Context, id uuid.UUID, qty int) (bool, error)
	Upsert(ctx context.Context, book *domain.Book) error
}

type bookRepo struct {
	db *sql.DB
}

func NewBookRepo(db *sql.DB) BookRepo {
	return &bookRepo{db: db}
}

func (r *bookRepo) FindByID(ctx context.Context, id uuid.UUID) (*domain.Book, error) {
	var b domain.Book
	err := r.db.QueryRowContext(ctx,
		"SELECT id, title, price, stock FROM books WHERE id = $1", id,
	).Scan(&b.ID, &b.Title, &b.Price, &b.Stock)
	if err == sql.ErrNoRows {
		return nil, nil // not found
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// DecrementStock is a single atomic decrement, not a read-then-write. The
// stock >= qty predicate means an oversell shows up as ok == false instead
// of a negative stock row.
func (r *bookRepo) DecrementStock(ctx context.Context, id uuid.UUID, qty int) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		"UPDATE books SET stock = stock - $2 WHERE id = $1 AND stock >= $2",
		id, qty,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *bookRepo) Upsert(ctx context.Context, book *domain.Book) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO books (id, title, price, stock) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET title = $2, price = $3, stock = $4`,
		book.ID, book.Title, book.Price, book.Stock,
	)
	return err
}
