// Package securities provides read access to securities reference data.
// The core treats securities as immutable; Upsert exists for the reference
// data loader and for tests.
package securities

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/seclend/imscore/internal/domain"
)

// Repository handles security lookups in refdata.db.
type Repository struct {
	refdataDB *sql.DB
	log       zerolog.Logger
}

// NewRepository creates a securities repository.
func NewRepository(refdataDB *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		refdataDB: refdataDB,
		log:       log.With().Str("repo", "securities").Logger(),
	}
}

const securityColumns = `internal_id, type, market, currency, status, is_basket_product, basket_type`

// GetByID returns a security by internal id, or nil when absent.
func (r *Repository) GetByID(id string) (*domain.Security, error) {
	query := "SELECT " + securityColumns + " FROM securities WHERE internal_id = ?"

	row := r.refdataDB.QueryRow(query, id)
	sec, err := scanSecurity(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query security %s: %w", id, err)
	}
	return sec, nil
}

// FindByMarket returns all securities for a market.
func (r *Repository) FindByMarket(market string) ([]domain.Security, error) {
	query := "SELECT " + securityColumns + " FROM securities WHERE market = ? ORDER BY internal_id"

	rows, err := r.refdataDB.Query(query, market)
	if err != nil {
		return nil, fmt.Errorf("failed to query securities for market %s: %w", market, err)
	}
	defer rows.Close()

	var out []domain.Security
	for rows.Next() {
		sec, err := scanSecurity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan security: %w", err)
		}
		out = append(out, *sec)
	}
	return out, rows.Err()
}

// FindActive returns all ACTIVE securities.
func (r *Repository) FindActive() ([]domain.Security, error) {
	query := "SELECT " + securityColumns + " FROM securities WHERE status = ? ORDER BY internal_id"

	rows, err := r.refdataDB.Query(query, string(domain.SecurityActive))
	if err != nil {
		return nil, fmt.Errorf("failed to query active securities: %w", err)
	}
	defer rows.Close()

	var out []domain.Security
	for rows.Next() {
		sec, err := scanSecurity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan security: %w", err)
		}
		out = append(out, *sec)
	}
	return out, rows.Err()
}

// Upsert writes a security record.
func (r *Repository) Upsert(sec *domain.Security) error {
	_, err := r.refdataDB.Exec(`
		INSERT INTO securities (internal_id, type, market, currency, status, is_basket_product, basket_type)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(internal_id) DO UPDATE SET
			type = excluded.type,
			market = excluded.market,
			currency = excluded.currency,
			status = excluded.status,
			is_basket_product = excluded.is_basket_product,
			basket_type = excluded.basket_type`,
		sec.InternalID, string(sec.Type), sec.Market, sec.Currency,
		string(sec.Status), sec.IsBasketProduct, nullable(sec.BasketType))
	if err != nil {
		return fmt.Errorf("failed to upsert security %s: %w", sec.InternalID, err)
	}
	return nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSecurity(row rowScanner) (*domain.Security, error) {
	var sec domain.Security
	var secType, status string
	var basketType sql.NullString
	err := row.Scan(&sec.InternalID, &secType, &sec.Market, &sec.Currency,
		&status, &sec.IsBasketProduct, &basketType)
	if err != nil {
		return nil, err
	}
	sec.Type = domain.SecurityType(secType)
	sec.Status = domain.SecurityStatus(status)
	sec.BasketType = basketType.String
	return &sec, nil
}
