package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"stagecraft/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict signals an optimistic-concurrency mismatch; callers may retry.
	ErrConflict = errors.New("concurrent modification")
)

func (r Repo) InsertCompany(ctx context.Context, c domain.Company) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO companies(id,name,status,created_at) VALUES (?,?,?,?)`,
		c.ID, c.Name, c.Status, c.CreatedAt)
	return err
}

func (r Repo) GetCompany(ctx context.Context, id string) (domain.Company, error) {
	var c domain.Company
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,status,created_at FROM companies WHERE id=?`, id).
		Scan(&c.ID, &c.Name, &c.Status, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) ListCompanies(ctx context.Context) ([]domain.Company, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,status,created_at FROM companies ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Company
	for rows.Next() {
		var c domain.Company
		if err := rows.Scan(&c.ID, &c.Name, &c.Status, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// SingleCompany returns the only company in the workspace, or an error when
// zero or several exist. Used by the CLI when --company is omitted.
func (r Repo) SingleCompany(ctx context.Context) (domain.Company, error) {
	companies, err := r.ListCompanies(ctx)
	if err != nil {
		return domain.Company{}, err
	}
	if len(companies) == 0 {
		return domain.Company{}, ErrNotFound
	}
	if len(companies) > 1 {
		return domain.Company{}, fmt.Errorf("multiple companies exist; specify --company")
	}
	return companies[0], nil
}

// --- scan helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
