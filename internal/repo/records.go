package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"scamprobe/internal/domain"
)

// UpsertScamRecord adds a record or folds its reports into an existing one.
func (r Repo) UpsertScamRecord(ctx context.Context, rec domain.ScamRecord, now time.Time) error {
	if rec.Value == "" || !validEntityType(rec.EntityType) {
		return fmt.Errorf("scam record needs a type and a value")
	}
	if rec.Reports <= 0 {
		rec.Reports = 1
	}
	ts := formatTime(now)
	_, err := r.DB.ExecContext(ctx, `INSERT INTO scam_records(entity_type,entity_value,category,reports,source,notes,first_seen,last_seen) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(entity_type,entity_value) DO UPDATE SET
  reports=scam_records.reports+excluded.reports,
  category=CASE WHEN excluded.category<>'' THEN excluded.category ELSE scam_records.category END,
  source=CASE WHEN excluded.source<>'' THEN excluded.source ELSE scam_records.source END,
  notes=COALESCE(excluded.notes,scam_records.notes),
  last_seen=excluded.last_seen`,
		rec.EntityType, rec.Value, rec.Category, rec.Reports, rec.Source, nullable(rec.Notes), ts, ts)
	return err
}

func validEntityType(t domain.EntityType) bool {
	switch t {
	case domain.EntityPhone, domain.EntityURL, domain.EntityEmail, domain.EntityPayment:
		return true
	}
	return false
}

const scamRecordColumns = `entity_type,entity_value,category,reports,source,COALESCE(notes,''),first_seen,last_seen`

func scanScamRecord(row rowScanner) (domain.ScamRecord, error) {
	var rec domain.ScamRecord
	var first, last string
	err := row.Scan(&rec.EntityType, &rec.Value, &rec.Category, &rec.Reports, &rec.Source, &rec.Notes, &first, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, ErrNotFound
	}
	rec.FirstSeen, rec.LastSeen = parseTime(first), parseTime(last)
	return rec, err
}

func (r Repo) LookupScamRecord(ctx context.Context, t domain.EntityType, value string) (domain.ScamRecord, error) {
	return scanScamRecord(r.DB.QueryRowContext(ctx, `SELECT `+scamRecordColumns+` FROM scam_records WHERE entity_type=? AND entity_value=?`, t, value))
}

func (r Repo) ListScamRecords(ctx context.Context, t domain.EntityType, limit int) ([]domain.ScamRecord, error) {
	query := `SELECT ` + scamRecordColumns + ` FROM scam_records`
	var args []any
	if t != "" {
		query += ` WHERE entity_type=?`
		args = append(args, t)
	}
	query += ` ORDER BY reports DESC, entity_value`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ScamRecord
	for rows.Next() {
		rec, err := scanScamRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// InsertBusiness stores a verified business. Domain is kept lowercase without
// a leading "www.".
func (r Repo) InsertBusiness(ctx context.Context, b domain.Business, now time.Time) (domain.Business, error) {
	if strings.TrimSpace(b.Name) == "" {
		return b, fmt.Errorf("business name is required")
	}
	if b.Domain == "" && b.Phone == "" {
		return b, fmt.Errorf("business needs a domain or a phone")
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	b.Domain = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(b.Domain)), "www.")
	b.CreatedAt = now.UTC()
	_, err := r.DB.ExecContext(ctx, `INSERT INTO verified_businesses(id,name,domain,phone,source,created_at) VALUES (?,?,?,?,?,?)`,
		b.ID, b.Name, nullable(b.Domain), nullable(b.Phone), b.Source, formatTime(b.CreatedAt))
	return b, err
}

const businessColumns = `id,name,COALESCE(domain,''),COALESCE(phone,''),source,created_at`

func scanBusiness(row rowScanner) (domain.Business, error) {
	var b domain.Business
	var created string
	err := row.Scan(&b.ID, &b.Name, &b.Domain, &b.Phone, &b.Source, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return b, ErrNotFound
	}
	b.CreatedAt = parseTime(created)
	return b, err
}

func (r Repo) BusinessByDomain(ctx context.Context, domainName string) (domain.Business, error) {
	return scanBusiness(r.DB.QueryRowContext(ctx, `SELECT `+businessColumns+` FROM verified_businesses WHERE domain=? LIMIT 1`, strings.ToLower(domainName)))
}

func (r Repo) BusinessByPhone(ctx context.Context, e164 string) (domain.Business, error) {
	return scanBusiness(r.DB.QueryRowContext(ctx, `SELECT `+businessColumns+` FROM verified_businesses WHERE phone=? LIMIT 1`, e164))
}

func (r Repo) ListBusinesses(ctx context.Context) ([]domain.Business, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+businessColumns+` FROM verified_businesses ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Business
	for rows.Next() {
		b, err := scanBusiness(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}
