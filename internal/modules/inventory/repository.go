// Package inventory implements the inventory engine: derivation of the six
// availability categories from positions, contracts, and external
// availability, under rule-engine verdicts and market adjustments.
package inventory

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/seclend/imscore/internal/database"
	"github.com/seclend/imscore/internal/domain"
)

// Repository handles availability and contract persistence in inventory.db.
type Repository struct {
	inventoryDB *sql.DB
	log         zerolog.Logger
}

// NewRepository creates an inventory repository.
func NewRepository(inventoryDB *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		inventoryDB: inventoryDB,
		log:         log.With().Str("repo", "inventory").Logger(),
	}
}

const availabilityColumns = `security_id, calculation_type, business_date,
	counterparty_id, aggregation_unit_id, is_external_source, external_source_name,
	gross_quantity, net_quantity, available_quantity, reserved_quantity, decrement_quantity,
	market, security_temperature, borrow_rate,
	calculation_rule_id, calculation_rule_version, status,
	is_overborrowed, overborrow_quantity,
	version, last_modified_at`

// FindByKey returns an availability record, or nil when absent.
func (r *Repository) FindByKey(key domain.InventoryKey) (*domain.InventoryAvailability, error) {
	query := "SELECT " + availabilityColumns + ` FROM inventory_availability
		WHERE security_id = ? AND calculation_type = ? AND business_date = ?
		  AND counterparty_id = ? AND aggregation_unit_id = ?
		  AND is_external_source = ? AND external_source_name = ?`

	row := r.inventoryDB.QueryRow(query, key.SecurityID, string(key.CalculationType),
		key.BusinessDate, key.CounterpartyID, key.AggregationUnitID,
		key.IsExternalSource, key.ExternalSourceName)
	av, err := scanAvailability(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query availability %s/%s: %w", key.SecurityID, key.CalculationType, err)
	}
	return av, nil
}

// FindInternal returns the engine-owned (non-external) record for a
// security, type, and date, or nil when absent.
func (r *Repository) FindInternal(securityID string, calcType domain.CalculationType, date string) (*domain.InventoryAvailability, error) {
	return r.FindByKey(domain.InventoryKey{
		SecurityID:      securityID,
		CalculationType: calcType,
		BusinessDate:    date,
	})
}

// FindExternal returns all external-source records for a security, type,
// and date.
func (r *Repository) FindExternal(securityID string, calcType domain.CalculationType, date string) ([]domain.InventoryAvailability, error) {
	query := "SELECT " + availabilityColumns + ` FROM inventory_availability
		WHERE security_id = ? AND calculation_type = ? AND business_date = ? AND is_external_source = 1
		ORDER BY external_source_name`
	return r.findAvailability(query, securityID, string(calcType), date)
}

// FindBySecurityAndDate returns all records for a security on a date.
func (r *Repository) FindBySecurityAndDate(securityID, date string) ([]domain.InventoryAvailability, error) {
	query := "SELECT " + availabilityColumns + ` FROM inventory_availability
		WHERE security_id = ? AND business_date = ?
		ORDER BY calculation_type, is_external_source, external_source_name`
	return r.findAvailability(query, securityID, date)
}

// FindByTypeAndDate returns all records of one calculation type on a date.
func (r *Repository) FindByTypeAndDate(calcType domain.CalculationType, date string) ([]domain.InventoryAvailability, error) {
	query := "SELECT " + availabilityColumns + ` FROM inventory_availability
		WHERE calculation_type = ? AND business_date = ?
		ORDER BY security_id`
	return r.findAvailability(query, string(calcType), date)
}

// FindByDate returns every record on a date.
func (r *Repository) FindByDate(date string) ([]domain.InventoryAvailability, error) {
	query := "SELECT " + availabilityColumns + ` FROM inventory_availability
		WHERE business_date = ?
		ORDER BY security_id, calculation_type`
	return r.findAvailability(query, date)
}

// FindByMarketAndDate returns every record for a market on a date.
func (r *Repository) FindByMarketAndDate(market, date string) ([]domain.InventoryAvailability, error) {
	query := "SELECT " + availabilityColumns + ` FROM inventory_availability
		WHERE market = ? AND business_date = ?
		ORDER BY security_id, calculation_type`
	return r.findAvailability(query, market, date)
}

// SecuritiesWithRecords returns the distinct security ids present on a date.
func (r *Repository) SecuritiesWithRecords(date string) ([]string, error) {
	rows, err := r.inventoryDB.Query(
		"SELECT DISTINCT security_id FROM inventory_availability WHERE business_date = ? ORDER BY security_id", date)
	if err != nil {
		return nil, fmt.Errorf("failed to query securities with inventory: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan security id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (r *Repository) findAvailability(query string, args ...interface{}) ([]domain.InventoryAvailability, error) {
	rows, err := r.inventoryDB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query availability: %w", err)
	}
	defer rows.Close()

	var out []domain.InventoryAvailability
	for rows.Next() {
		av, err := scanAvailability(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan availability: %w", err)
		}
		out = append(out, *av)
	}
	return out, rows.Err()
}

// Save persists an availability record with optimistic concurrency:
// version 0 inserts, otherwise the update matches the stored version and
// returns CONFLICT on mismatch.
func (r *Repository) Save(av *domain.InventoryAvailability) error {
	return r.saveIn(r.inventoryDB, av)
}

// SaveAll persists records in one transaction.
func (r *Repository) SaveAll(list []domain.InventoryAvailability) error {
	return database.WithTransaction(r.inventoryDB, func(tx *sql.Tx) error {
		for i := range list {
			if err := r.saveIn(tx, &list[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

func (r *Repository) saveIn(db execer, av *domain.InventoryAvailability) error {
	av.LastModifiedAt = time.Now().UTC()
	modified := av.LastModifiedAt.Format(time.RFC3339Nano)

	var borrowRate interface{}
	if av.BorrowRate != nil {
		borrowRate = av.BorrowRate.String()
	}

	if av.Version == 0 {
		_, err := db.Exec(`
			INSERT INTO inventory_availability (`+availabilityColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			av.SecurityID, string(av.CalculationType), av.BusinessDate,
			av.CounterpartyID, av.AggregationUnitID, av.IsExternalSource, av.ExternalSourceName,
			av.GrossQuantity.String(), av.NetQuantity.String(), av.AvailableQuantity.String(),
			av.ReservedQuantity.String(), av.DecrementQuantity.String(),
			av.Market, string(av.SecurityTemperature), borrowRate,
			nullable(av.CalculationRuleID), av.CalculationRuleVersion, string(av.Status),
			av.IsOverborrowed, av.OverborrowQuantity.String(),
			1, modified)
		if err != nil {
			return fmt.Errorf("failed to insert availability: %w", err)
		}
		av.Version = 1
		return nil
	}

	res, err := db.Exec(`
		UPDATE inventory_availability SET
			gross_quantity = ?, net_quantity = ?, available_quantity = ?,
			reserved_quantity = ?, decrement_quantity = ?,
			market = ?, security_temperature = ?, borrow_rate = ?,
			calculation_rule_id = ?, calculation_rule_version = ?, status = ?,
			is_overborrowed = ?, overborrow_quantity = ?,
			version = version + 1, last_modified_at = ?
		WHERE security_id = ? AND calculation_type = ? AND business_date = ?
		  AND counterparty_id = ? AND aggregation_unit_id = ?
		  AND is_external_source = ? AND external_source_name = ?
		  AND version = ?`,
		av.GrossQuantity.String(), av.NetQuantity.String(), av.AvailableQuantity.String(),
		av.ReservedQuantity.String(), av.DecrementQuantity.String(),
		av.Market, string(av.SecurityTemperature), borrowRate,
		nullable(av.CalculationRuleID), av.CalculationRuleVersion, string(av.Status),
		av.IsOverborrowed, av.OverborrowQuantity.String(),
		modified,
		av.SecurityID, string(av.CalculationType), av.BusinessDate,
		av.CounterpartyID, av.AggregationUnitID, av.IsExternalSource, av.ExternalSourceName,
		av.Version)
	if err != nil {
		return fmt.Errorf("failed to update availability: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		return domain.E("inventory.Save", domain.KindConflict,
			fmt.Sprintf("version mismatch for %s/%s/%s", av.SecurityID, av.CalculationType, av.BusinessDate))
	}
	av.Version++
	return nil
}

// SaveContract upserts a contract.
func (r *Repository) SaveContract(c *domain.Contract) error {
	c.LastModifiedAt = time.Now().UTC()
	_, err := r.inventoryDB.Exec(`
		INSERT INTO contracts (contract_id, type, security_id, quantity, start_date, end_date, counterparty_id, last_modified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(contract_id) DO UPDATE SET
			type = excluded.type,
			security_id = excluded.security_id,
			quantity = excluded.quantity,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			counterparty_id = excluded.counterparty_id,
			last_modified_at = excluded.last_modified_at`,
		c.ContractID, string(c.Type), c.SecurityID, c.Quantity.String(),
		c.StartDate, c.EndDate, c.CounterpartyID,
		c.LastModifiedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save contract %s: %w", c.ContractID, err)
	}
	return nil
}

// FindContractsBySecurity returns all contracts for a security.
func (r *Repository) FindContractsBySecurity(securityID string) ([]domain.Contract, error) {
	rows, err := r.inventoryDB.Query(`
		SELECT contract_id, type, security_id, quantity, start_date, end_date, counterparty_id, last_modified_at
		FROM contracts WHERE security_id = ? ORDER BY contract_id`, securityID)
	if err != nil {
		return nil, fmt.Errorf("failed to query contracts for %s: %w", securityID, err)
	}
	defer rows.Close()

	var out []domain.Contract
	for rows.Next() {
		var c domain.Contract
		var ctype, qty, modified string
		if err := rows.Scan(&c.ContractID, &ctype, &c.SecurityID, &qty,
			&c.StartDate, &c.EndDate, &c.CounterpartyID, &modified); err != nil {
			return nil, fmt.Errorf("failed to scan contract: %w", err)
		}
		c.Type = domain.ContractType(ctype)
		q, err := decimal.NewFromString(qty)
		if err != nil {
			return nil, fmt.Errorf("failed to parse contract quantity %q: %w", qty, err)
		}
		c.Quantity = q
		if t, err := time.Parse(time.RFC3339Nano, modified); err == nil {
			c.LastModifiedAt = t
		}
		out = append(out, c)
	}
	return out, rows.Err()
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

func scanAvailability(row rowScanner) (*domain.InventoryAvailability, error) {
	var av domain.InventoryAvailability
	var calcType, temperature, status string
	var borrowRate, ruleID sql.NullString
	var qty [6]string // gross, net, available, reserved, decrement, overborrow
	var modified string

	err := row.Scan(&av.SecurityID, &calcType, &av.BusinessDate,
		&av.CounterpartyID, &av.AggregationUnitID, &av.IsExternalSource, &av.ExternalSourceName,
		&qty[0], &qty[1], &qty[2], &qty[3], &qty[4],
		&av.Market, &temperature, &borrowRate,
		&ruleID, &av.CalculationRuleVersion, &status,
		&av.IsOverborrowed, &qty[5],
		&av.Version, &modified)
	if err != nil {
		return nil, err
	}

	dec := make([]decimal.Decimal, 6)
	for i := range qty {
		d, err := decimal.NewFromString(qty[i])
		if err != nil {
			return nil, fmt.Errorf("failed to parse stored quantity %q: %w", qty[i], err)
		}
		dec[i] = d
	}

	av.CalculationType = domain.CalculationType(calcType)
	av.GrossQuantity = dec[0]
	av.NetQuantity = dec[1]
	av.AvailableQuantity = dec[2]
	av.ReservedQuantity = dec[3]
	av.DecrementQuantity = dec[4]
	av.OverborrowQuantity = dec[5]
	av.SecurityTemperature = domain.SecurityTemperature(temperature)
	av.Status = domain.InventoryStatus(status)
	av.CalculationRuleID = ruleID.String
	if borrowRate.Valid {
		if d, err := decimal.NewFromString(borrowRate.String); err == nil {
			av.BorrowRate = &d
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, modified); err == nil {
		av.LastModifiedAt = t
	}
	return &av, nil
}
