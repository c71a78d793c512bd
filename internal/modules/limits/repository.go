// Package limits owns client and aggregation-unit trading limits: derivation
// from positions and inventory, synchronous order validation, and atomic
// usage tracking.
package limits

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/seclend/imscore/internal/database"
	"github.com/seclend/imscore/internal/domain"
)

const clientLimitColumns = `client_id, security_id, business_date,
	long_sell_limit, short_sell_limit, long_sell_used, short_sell_used,
	currency, limit_type, market, status, version, last_updated`

const auLimitColumns = `aggregation_unit_id, security_id, business_date,
	long_sell_limit, short_sell_limit, long_sell_used, short_sell_used,
	currency, limit_type, market, status, market_specific_rules, version, last_updated`

// Repository persists limits in limits.db. Saves use optimistic concurrency:
// version 0 inserts, anything else updates iff the stored version matches.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a limits repository.
func NewRepository(limitsDB *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  limitsDB,
		log: log.With().Str("repo", "limits").Logger(),
	}
}

// FindClientLimit returns one client limit, or nil when absent.
func (r *Repository) FindClientLimit(clientID, securityID, date string) (*domain.ClientLimit, error) {
	query := `SELECT ` + clientLimitColumns + ` FROM client_limits
		WHERE client_id = ? AND security_id = ? AND business_date = ?`
	limit, err := scanClientLimit(r.db.QueryRow(query, clientID, securityID, date))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find client limit: %w", err)
	}
	return limit, nil
}

// FindClientLimitsByDate returns every client limit on a business date.
func (r *Repository) FindClientLimitsByDate(date string) ([]domain.ClientLimit, error) {
	query := `SELECT ` + clientLimitColumns + ` FROM client_limits
		WHERE business_date = ? ORDER BY client_id, security_id`
	return r.findClientLimits(query, date)
}

// FindClientLimitsBySecurity returns client limits for one security and date.
func (r *Repository) FindClientLimitsBySecurity(securityID, date string) ([]domain.ClientLimit, error) {
	query := `SELECT ` + clientLimitColumns + ` FROM client_limits
		WHERE security_id = ? AND business_date = ? ORDER BY client_id`
	return r.findClientLimits(query, securityID, date)
}

func (r *Repository) findClientLimits(query string, args ...interface{}) ([]domain.ClientLimit, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query client limits: %w", err)
	}
	defer rows.Close()

	var out []domain.ClientLimit
	for rows.Next() {
		limit, err := scanClientLimit(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan client limit: %w", err)
		}
		out = append(out, *limit)
	}
	return out, rows.Err()
}

// SaveClientLimit writes a client limit with a version compare-and-swap.
// A stale version surfaces as CONFLICT.
func (r *Repository) SaveClientLimit(limit *domain.ClientLimit) error {
	return r.saveClientIn(r.db, limit)
}

func (r *Repository) saveClientIn(db execer, limit *domain.ClientLimit) error {
	const op = "limits.SaveClientLimit"
	now := time.Now().UTC().Format(time.RFC3339Nano)

	if limit.Version == 0 {
		_, err := db.Exec(`INSERT INTO client_limits (`+clientLimitColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)`,
			limit.ClientID, limit.SecurityID, limit.BusinessDate,
			limit.LongSellLimit.String(), limit.ShortSellLimit.String(),
			limit.LongSellUsed.String(), limit.ShortSellUsed.String(),
			limit.Currency, string(limit.LimitType), limit.Market, string(limit.Status), now)
		if err != nil {
			return domain.Wrap(op, domain.KindConflict, err)
		}
		limit.Version = 1
		return nil
	}

	res, err := db.Exec(`UPDATE client_limits SET
		long_sell_limit = ?, short_sell_limit = ?, long_sell_used = ?, short_sell_used = ?,
		currency = ?, limit_type = ?, market = ?, status = ?, version = ?, last_updated = ?
		WHERE client_id = ? AND security_id = ? AND business_date = ? AND version = ?`,
		limit.LongSellLimit.String(), limit.ShortSellLimit.String(),
		limit.LongSellUsed.String(), limit.ShortSellUsed.String(),
		limit.Currency, string(limit.LimitType), limit.Market, string(limit.Status),
		limit.Version+1, now,
		limit.ClientID, limit.SecurityID, limit.BusinessDate, limit.Version)
	if err != nil {
		return fmt.Errorf("failed to update client limit: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return domain.E(op, domain.KindConflict,
			fmt.Sprintf("stale version %d for client limit %s/%s", limit.Version, limit.ClientID, limit.SecurityID))
	}
	limit.Version++
	return nil
}

// FindAULimit returns one aggregation-unit limit, or nil when absent.
func (r *Repository) FindAULimit(auID, securityID, date string) (*domain.AggregationUnitLimit, error) {
	query := `SELECT ` + auLimitColumns + ` FROM aggregation_unit_limits
		WHERE aggregation_unit_id = ? AND security_id = ? AND business_date = ?`
	limit, err := scanAULimit(r.db.QueryRow(query, auID, securityID, date))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find AU limit: %w", err)
	}
	return limit, nil
}

// FindAULimitsByDate returns every AU limit on a business date.
func (r *Repository) FindAULimitsByDate(date string) ([]domain.AggregationUnitLimit, error) {
	query := `SELECT ` + auLimitColumns + ` FROM aggregation_unit_limits
		WHERE business_date = ? ORDER BY aggregation_unit_id, security_id`
	return r.findAULimits(query, date)
}

// FindAULimitsByMarket returns AU limits in one market on a date.
func (r *Repository) FindAULimitsByMarket(market, date string) ([]domain.AggregationUnitLimit, error) {
	query := `SELECT ` + auLimitColumns + ` FROM aggregation_unit_limits
		WHERE market = ? AND business_date = ? ORDER BY aggregation_unit_id, security_id`
	return r.findAULimits(query, market, date)
}

func (r *Repository) findAULimits(query string, args ...interface{}) ([]domain.AggregationUnitLimit, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query AU limits: %w", err)
	}
	defer rows.Close()

	var out []domain.AggregationUnitLimit
	for rows.Next() {
		limit, err := scanAULimit(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan AU limit: %w", err)
		}
		out = append(out, *limit)
	}
	return out, rows.Err()
}

// SaveAULimit writes an AU limit with a version compare-and-swap.
func (r *Repository) SaveAULimit(limit *domain.AggregationUnitLimit) error {
	return r.saveAUIn(r.db, limit)
}

func (r *Repository) saveAUIn(db execer, limit *domain.AggregationUnitLimit) error {
	const op = "limits.SaveAULimit"
	now := time.Now().UTC().Format(time.RFC3339Nano)

	if limit.Version == 0 {
		_, err := db.Exec(`INSERT INTO aggregation_unit_limits (`+auLimitColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)`,
			limit.AggregationUnitID, limit.SecurityID, limit.BusinessDate,
			limit.LongSellLimit.String(), limit.ShortSellLimit.String(),
			limit.LongSellUsed.String(), limit.ShortSellUsed.String(),
			limit.Currency, string(limit.LimitType), limit.Market, string(limit.Status),
			limit.MarketSpecificRules, now)
		if err != nil {
			return domain.Wrap(op, domain.KindConflict, err)
		}
		limit.Version = 1
		return nil
	}

	res, err := db.Exec(`UPDATE aggregation_unit_limits SET
		long_sell_limit = ?, short_sell_limit = ?, long_sell_used = ?, short_sell_used = ?,
		currency = ?, limit_type = ?, market = ?, status = ?, market_specific_rules = ?,
		version = ?, last_updated = ?
		WHERE aggregation_unit_id = ? AND security_id = ? AND business_date = ? AND version = ?`,
		limit.LongSellLimit.String(), limit.ShortSellLimit.String(),
		limit.LongSellUsed.String(), limit.ShortSellUsed.String(),
		limit.Currency, string(limit.LimitType), limit.Market, string(limit.Status),
		limit.MarketSpecificRules, limit.Version+1, now,
		limit.AggregationUnitID, limit.SecurityID, limit.BusinessDate, limit.Version)
	if err != nil {
		return fmt.Errorf("failed to update AU limit: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return domain.E(op, domain.KindConflict,
			fmt.Sprintf("stale version %d for AU limit %s/%s", limit.Version, limit.AggregationUnitID, limit.SecurityID))
	}
	limit.Version++
	return nil
}

// SaveAll writes a batch of limits of both kinds in one transaction.
func (r *Repository) SaveAll(clients []domain.ClientLimit, aus []domain.AggregationUnitLimit) error {
	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		for i := range clients {
			if err := r.saveClientIn(tx, &clients[i]); err != nil {
				return err
			}
		}
		for i := range aus {
			if err := r.saveAUIn(tx, &aus[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanClientLimit(row rowScanner) (*domain.ClientLimit, error) {
	var limit domain.ClientLimit
	var qty [4]string
	var limitType, status, lastUpdated string

	err := row.Scan(
		&limit.ClientID, &limit.SecurityID, &limit.BusinessDate,
		&qty[0], &qty[1], &qty[2], &qty[3],
		&limit.Currency, &limitType, &limit.Market, &status,
		&limit.Version, &lastUpdated)
	if err != nil {
		return nil, err
	}
	if err := assignLimitQuantities(&limit.LimitCore, qty); err != nil {
		return nil, err
	}
	limit.LimitType = domain.LimitType(limitType)
	limit.Status = domain.LimitStatus(status)
	limit.LastUpdated, _ = time.Parse(time.RFC3339Nano, lastUpdated)
	return &limit, nil
}

func scanAULimit(row rowScanner) (*domain.AggregationUnitLimit, error) {
	var limit domain.AggregationUnitLimit
	var qty [4]string
	var limitType, status, lastUpdated string

	err := row.Scan(
		&limit.AggregationUnitID, &limit.SecurityID, &limit.BusinessDate,
		&qty[0], &qty[1], &qty[2], &qty[3],
		&limit.Currency, &limitType, &limit.Market, &status,
		&limit.MarketSpecificRules, &limit.Version, &lastUpdated)
	if err != nil {
		return nil, err
	}
	if err := assignLimitQuantities(&limit.LimitCore, qty); err != nil {
		return nil, err
	}
	limit.LimitType = domain.LimitType(limitType)
	limit.Status = domain.LimitStatus(status)
	limit.LastUpdated, _ = time.Parse(time.RFC3339Nano, lastUpdated)
	return &limit, nil
}

func assignLimitQuantities(core *domain.LimitCore, qty [4]string) error {
	dec := make([]decimal.Decimal, 4)
	for i := 0; i < 4; i++ {
		d, err := decimal.NewFromString(qty[i])
		if err != nil {
			return fmt.Errorf("failed to parse stored quantity %q: %w", qty[i], err)
		}
		dec[i] = d
	}
	core.LongSellLimit = dec[0]
	core.ShortSellLimit = dec[1]
	core.LongSellUsed = dec[2]
	core.ShortSellUsed = dec[3]
	return nil
}
