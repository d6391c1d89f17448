package repo

import (
	"context"
	"database/sql"

	"stagecraft/internal/domain"
)

const eventColumns = `id,ts,type,company_id,entity_kind,entity_id,actor_id,payload_json`

func scanEvent(scan func(dest ...any) error) (domain.Event, error) {
	var ev domain.Event
	var companyID, entityID sql.NullString
	err := scan(&ev.ID, &ev.TS, &ev.Type, &companyID, &ev.EntityKind, &entityID, &ev.ActorID, &ev.Payload)
	if err != nil {
		return ev, err
	}
	if companyID.Valid {
		ev.CompanyID = companyID.String
	}
	if entityID.Valid {
		ev.EntityID = entityID.String
	}
	return ev, nil
}

// LatestEvents returns up to limit events, newest first, optionally scoped to
// a company.
func (r Repo) LatestEvents(ctx context.Context, companyID string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + eventColumns + ` FROM events`
	var args []any
	if companyID != "" {
		query += ` WHERE company_id=?`
		args = append(args, companyID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with id strictly greater than afterID in
// ascending order, for cursor-style tailing.
func (r Repo) EventsAfter(ctx context.Context, companyID string, afterID int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + eventColumns + ` FROM events WHERE id>?`
	args := []any{afterID}
	if companyID != "" {
		query += ` AND company_id=?`
		args = append(args, companyID)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		ev, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}
