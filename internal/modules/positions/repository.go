// Package positions implements the position engine: per-(book, security,
// business date) holding state with a 5-day settlement ladder, updated from
// trade and position events.
package positions

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/seclend/imscore/internal/database"
	"github.com/seclend/imscore/internal/domain"
)

// Repository handles position persistence in positions.db. Quantities are
// stored as decimal strings; version backs optimistic concurrency.
type Repository struct {
	positionsDB *sql.DB
	log         zerolog.Logger
}

// NewRepository creates a position repository.
func NewRepository(positionsDB *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		positionsDB: positionsDB,
		log:         log.With().Str("repo", "positions").Logger(),
	}
}

const positionColumns = `book_id, security_id, business_date,
	contractual_qty, settled_qty,
	sd0_deliver, sd0_receipt, sd1_deliver, sd1_receipt, sd2_deliver, sd2_receipt,
	sd3_deliver, sd3_receipt, sd4_deliver, sd4_receipt,
	current_net_position, projected_net_position,
	is_hypothecatable, is_reserved, is_start_of_day, is_borrowed, is_pay_to_hold, has_long_dated,
	calculation_status, calculation_rule_id, calculation_rule_version, calculation_date,
	version, last_modified_at`

// FindByKey returns a position by composite key, or nil when absent.
func (r *Repository) FindByKey(key domain.PositionKey) (*domain.Position, error) {
	query := "SELECT " + positionColumns + ` FROM positions
		WHERE book_id = ? AND security_id = ? AND business_date = ?`

	row := r.positionsDB.QueryRow(query, key.BookID, key.SecurityID, key.BusinessDate)
	pos, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query position %s/%s/%s: %w",
			key.BookID, key.SecurityID, key.BusinessDate, err)
	}
	return pos, nil
}

// FindByDate returns all positions for a business date.
func (r *Repository) FindByDate(date string) ([]domain.Position, error) {
	query := "SELECT " + positionColumns + " FROM positions WHERE business_date = ? ORDER BY book_id, security_id"
	return r.findPositions(query, date)
}

// FindBySecurityAndDate returns all positions in a security for a date.
func (r *Repository) FindBySecurityAndDate(securityID, date string) ([]domain.Position, error) {
	query := "SELECT " + positionColumns + ` FROM positions
		WHERE security_id = ? AND business_date = ? ORDER BY book_id`
	return r.findPositions(query, securityID, date)
}

// FindByStatusAndDate returns positions in a calculation status for a date.
func (r *Repository) FindByStatusAndDate(status domain.CalculationStatus, date string) ([]domain.Position, error) {
	query := "SELECT " + positionColumns + ` FROM positions
		WHERE calculation_status = ? AND business_date = ? ORDER BY book_id, security_id`
	return r.findPositions(query, string(status), date)
}

func (r *Repository) findPositions(query string, args ...interface{}) ([]domain.Position, error) {
	rows, err := r.positionsDB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		out = append(out, *pos)
	}
	return out, rows.Err()
}

// Save persists a position with optimistic concurrency. A new position
// (version 0) inserts; an existing one updates only when the stored version
// matches, returning CONFLICT otherwise. On success the position's version
// is incremented.
func (r *Repository) Save(pos *domain.Position) error {
	return r.saveIn(r.positionsDB, pos)
}

// SaveAll persists positions in one transaction.
func (r *Repository) SaveAll(list []domain.Position) error {
	return database.WithTransaction(r.positionsDB, func(tx *sql.Tx) error {
		for i := range list {
			if err := r.saveIn(tx, &list[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// execer covers *sql.DB and *sql.Tx.
type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

func (r *Repository) saveIn(db execer, pos *domain.Position) error {
	pos.LastModifiedAt = time.Now().UTC()
	modified := pos.LastModifiedAt.Format(time.RFC3339Nano)

	if pos.Version == 0 {
		_, err := db.Exec(`
			INSERT INTO positions (`+positionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			pos.BookID, pos.SecurityID, pos.BusinessDate,
			pos.ContractualQty.String(), pos.SettledQty.String(),
			pos.Deliver[0].String(), pos.Receipt[0].String(),
			pos.Deliver[1].String(), pos.Receipt[1].String(),
			pos.Deliver[2].String(), pos.Receipt[2].String(),
			pos.Deliver[3].String(), pos.Receipt[3].String(),
			pos.Deliver[4].String(), pos.Receipt[4].String(),
			pos.CurrentNetPosition.String(), pos.ProjectedNetPosition.String(),
			pos.IsHypothecatable, pos.IsReserved, pos.IsStartOfDay,
			pos.IsBorrowed, pos.IsPayToHold, pos.HasLongDated,
			string(pos.CalculationStatus), nullable(pos.CalculationRuleID),
			pos.CalculationRuleVersion, nullable(pos.CalculationDate),
			1, modified)
		if err != nil {
			return fmt.Errorf("failed to insert position: %w", err)
		}
		pos.Version = 1
		return nil
	}

	res, err := db.Exec(`
		UPDATE positions SET
			contractual_qty = ?, settled_qty = ?,
			sd0_deliver = ?, sd0_receipt = ?, sd1_deliver = ?, sd1_receipt = ?,
			sd2_deliver = ?, sd2_receipt = ?, sd3_deliver = ?, sd3_receipt = ?,
			sd4_deliver = ?, sd4_receipt = ?,
			current_net_position = ?, projected_net_position = ?,
			is_hypothecatable = ?, is_reserved = ?, is_start_of_day = ?,
			is_borrowed = ?, is_pay_to_hold = ?, has_long_dated = ?,
			calculation_status = ?, calculation_rule_id = ?, calculation_rule_version = ?,
			calculation_date = ?, version = version + 1, last_modified_at = ?
		WHERE book_id = ? AND security_id = ? AND business_date = ? AND version = ?`,
		pos.ContractualQty.String(), pos.SettledQty.String(),
		pos.Deliver[0].String(), pos.Receipt[0].String(),
		pos.Deliver[1].String(), pos.Receipt[1].String(),
		pos.Deliver[2].String(), pos.Receipt[2].String(),
		pos.Deliver[3].String(), pos.Receipt[3].String(),
		pos.Deliver[4].String(), pos.Receipt[4].String(),
		pos.CurrentNetPosition.String(), pos.ProjectedNetPosition.String(),
		pos.IsHypothecatable, pos.IsReserved, pos.IsStartOfDay,
		pos.IsBorrowed, pos.IsPayToHold, pos.HasLongDated,
		string(pos.CalculationStatus), nullable(pos.CalculationRuleID),
		pos.CalculationRuleVersion, nullable(pos.CalculationDate),
		modified,
		pos.BookID, pos.SecurityID, pos.BusinessDate, pos.Version)
	if err != nil {
		return fmt.Errorf("failed to update position: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		return domain.E("positions.Save", domain.KindConflict,
			fmt.Sprintf("version mismatch for %s/%s/%s", pos.BookID, pos.SecurityID, pos.BusinessDate))
	}
	pos.Version++
	return nil
}

// WasTradeApplied reports whether a trade id has already been applied.
func (r *Repository) WasTradeApplied(tradeID string) (bool, error) {
	var n int
	err := r.positionsDB.QueryRow("SELECT COUNT(*) FROM applied_trades WHERE trade_id = ?", tradeID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to query applied trade %s: %w", tradeID, err)
	}
	return n > 0, nil
}

// SaveWithTrade persists the position and records the trade id in the same
// transaction, so a crash cannot leave the trade half-applied.
func (r *Repository) SaveWithTrade(pos *domain.Position, tradeID string) error {
	return database.WithTransaction(r.positionsDB, func(tx *sql.Tx) error {
		if err := r.saveIn(tx, pos); err != nil {
			return err
		}
		_, err := tx.Exec(`
			INSERT INTO applied_trades (trade_id, book_id, security_id, business_date, applied_at)
			VALUES (?, ?, ?, ?, ?)`,
			tradeID, pos.BookID, pos.SecurityID, pos.BusinessDate,
			time.Now().UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("failed to record applied trade %s: %w", tradeID, err)
		}
		return nil
	})
}

// SaveWithTradeReversal persists the position and forgets the trade id, so
// a cancelled trade can later be replayed as a fresh application.
func (r *Repository) SaveWithTradeReversal(pos *domain.Position, tradeID string) error {
	return database.WithTransaction(r.positionsDB, func(tx *sql.Tx) error {
		if err := r.saveIn(tx, pos); err != nil {
			return err
		}
		if _, err := tx.Exec("DELETE FROM applied_trades WHERE trade_id = ?", tradeID); err != nil {
			return fmt.Errorf("failed to clear applied trade %s: %w", tradeID, err)
		}
		return nil
	})
}

// DatesWithPositions returns the distinct business dates present.
func (r *Repository) DatesWithPositions() ([]string, error) {
	rows, err := r.positionsDB.Query("SELECT DISTINCT business_date FROM positions ORDER BY business_date")
	if err != nil {
		return nil, fmt.Errorf("failed to query position dates: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("failed to scan date: %w", err)
		}
		out = append(out, d)
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

func scanPosition(row rowScanner) (*domain.Position, error) {
	var pos domain.Position
	var qty [14]string // contractual, settled, 5x2 ladder, currentNet, projectedNet
	var status string
	var ruleID, calcDate sql.NullString
	var modified string

	err := row.Scan(&pos.BookID, &pos.SecurityID, &pos.BusinessDate,
		&qty[0], &qty[1],
		&qty[2], &qty[3], &qty[4], &qty[5], &qty[6], &qty[7],
		&qty[8], &qty[9], &qty[10], &qty[11],
		&qty[12], &qty[13],
		&pos.IsHypothecatable, &pos.IsReserved, &pos.IsStartOfDay,
		&pos.IsBorrowed, &pos.IsPayToHold, &pos.HasLongDated,
		&status, &ruleID, &pos.CalculationRuleVersion, &calcDate,
		&pos.Version, &modified)
	if err != nil {
		return nil, err
	}

	dec := make([]decimal.Decimal, 14)
	for i := 0; i < 14; i++ {
		d, err := decimal.NewFromString(qty[i])
		if err != nil {
			return nil, fmt.Errorf("failed to parse stored quantity %q: %w", qty[i], err)
		}
		dec[i] = d
	}

	pos.ContractualQty = dec[0]
	pos.SettledQty = dec[1]
	for i := 0; i < domain.SettlementDays; i++ {
		pos.Deliver[i] = dec[2+2*i]
		pos.Receipt[i] = dec[3+2*i]
	}
	pos.CurrentNetPosition = dec[12]
	pos.ProjectedNetPosition = dec[13]
	pos.CalculationStatus = domain.CalculationStatus(status)
	pos.CalculationRuleID = ruleID.String
	pos.CalculationDate = calcDate.String
	if t, err := time.Parse(time.RFC3339Nano, modified); err == nil {
		pos.LastModifiedAt = t
	}
	return &pos, nil
}
