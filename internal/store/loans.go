package store

import (
	"context"
	"fmt"
	"time"

	"circulation-service/internal/models"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // dialect registration
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"  // dialect registration
)

const (
	loansTable   = "loans"
	loanColumns  = `id, stock_id, book_id, user_id, status, loan_date, due_date, return_date, fine_cents, created_at`
	maxListLimit = 500
)

// LoanFilter narrows ListLoans. Zero values are ignored.
type LoanFilter struct {
	UserID    int64
	BookID    int64
	Status    string
	OverdueAt time.Time
	Limit     int
	Offset    int
}

// InsertLoan records an open loan and fills in its ID. A unique violation means
// the stock unit already has an open loan.
func (t *Tx) InsertLoan(ctx context.Context, loan *models.Loan) error {
	query := `
		INSERT INTO loans (stock_id, book_id, user_id, status, loan_date, due_date, fine_cents, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)
		RETURNING id`

	err := t.get(ctx, &loan.ID, query,
		loan.StockID, loan.BookID, loan.UserID, loan.Status, loan.LoanDate, loan.DueDate, loan.CreatedAt)
	if isUniqueViolation(err) {
		return ErrUniqueViolation
	}
	return err
}

// GetLoan reads a loan inside a transaction without locking it
func (t *Tx) GetLoan(ctx context.Context, loanID int64) (*models.Loan, error) {
	var loan models.Loan
	if err := t.get(ctx, &loan, `SELECT `+loanColumns+` FROM loans WHERE id = ?`, loanID); err != nil {
		return nil, notFound(err)
	}
	return &loan, nil
}

// GetLoanForUpdate loads a loan inside a transaction, locking it on Postgres
func (t *Tx) GetLoanForUpdate(ctx context.Context, loanID int64) (*models.Loan, error) {
	var loan models.Loan
	if err := t.get(ctx, &loan, `SELECT `+loanColumns+` FROM loans WHERE id = ?`+t.forUpdate(), loanID); err != nil {
		return nil, notFound(err)
	}
	return &loan, nil
}

// CloseLoan moves an open loan to CLOSED. ErrStaleState means it was already closed.
func (t *Tx) CloseLoan(ctx context.Context, loanID int64, returnedAt time.Time, fineCents int64) error {
	return t.execOne(ctx, `
		UPDATE loans
		SET status = ?, return_date = ?, fine_cents = ?
		WHERE id = ? AND status = ?`,
		models.LoanStatusClosed, returnedAt, fineCents, loanID, models.LoanStatusOpen)
}

// GetLoan retrieves a loan by ID
func (s *Store) GetLoan(ctx context.Context, loanID int64) (*models.Loan, error) {
	var loan models.Loan
	if err := s.get(ctx, &loan, `SELECT `+loanColumns+` FROM loans WHERE id = ?`, loanID); err != nil {
		return nil, notFound(err)
	}
	return &loan, nil
}

// ListLoans returns loans matching filter, newest first
func (s *Store) ListLoans(ctx context.Context, filter LoanFilter) ([]models.Loan, error) {
	query, args, err := s.buildListLoansQuery(filter)
	if err != nil {
		return nil, err
	}

	loans := make([]models.Loan, 0)
	if err := s.db.SelectContext(ctx, &loans, query, args...); err != nil {
		return nil, err
	}
	return loans, nil
}

func (s *Store) buildListLoansQuery(filter LoanFilter) (string, []interface{}, error) {
	where := make([]goqu.Expression, 0, 4)
	if filter.UserID > 0 {
		where = append(where, goqu.C("user_id").Eq(filter.UserID))
	}
	if filter.BookID > 0 {
		where = append(where, goqu.C("book_id").Eq(filter.BookID))
	}
	if filter.Status != "" {
		where = append(where, goqu.C("status").Eq(filter.Status))
	}
	if !filter.OverdueAt.IsZero() {
		where = append(where,
			goqu.C("status").Eq(models.LoanStatusOpen),
			goqu.C("due_date").Lt(filter.OverdueAt.UTC()))
	}

	limit := filter.Limit
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}

	stmt := goqu.Dialect(s.dialect).
		From(loansTable).
		Select(goqu.L(loanColumns)).
		Where(where...).
		Order(goqu.I("loan_date").Desc(), goqu.I("id").Desc()).
		Limit(uint(limit)).
		Prepared(true)
	if filter.Offset > 0 {
		stmt = stmt.Offset(uint(filter.Offset))
	}

	query, args, err := stmt.ToSQL()
	if err != nil {
		return "", nil, fmt.Errorf("failed to build loan list query: %w", err)
	}
	return query, args, nil
}
