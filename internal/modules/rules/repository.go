package rules

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/seclend/imscore/internal/database"
	"github.com/seclend/imscore/internal/domain"
)

// Repository handles calculation-rule persistence in rules.db.
// Conditions and actions live in child tables ordered by position; every
// read reassembles the full rule.
type Repository struct {
	rulesDB *sql.DB
	log     zerolog.Logger
}

// NewRepository creates a rule repository.
func NewRepository(rulesDB *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		rulesDB: rulesDB,
		log:     log.With().Str("repo", "rules").Logger(),
	}
}

const ruleColumns = `id, name, rule_type, market, priority, effective_date, expiry_date, status, version, last_modified_at`

// GetByID returns a rule with its conditions and actions, or nil when absent.
func (r *Repository) GetByID(id string) (*domain.CalculationRule, error) {
	query := "SELECT " + ruleColumns + " FROM calculation_rules WHERE id = ?"

	row := r.rulesDB.QueryRow(query, id)
	rule, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query rule %s: %w", id, err)
	}

	if err := r.loadChildren(rule); err != nil {
		return nil, err
	}
	return rule, nil
}

// FindAll returns every rule, in priority order, children included.
func (r *Repository) FindAll() ([]domain.CalculationRule, error) {
	query := "SELECT " + ruleColumns + " FROM calculation_rules ORDER BY priority, id"
	return r.findRules(query)
}

// FindByStatus returns rules in the given status.
func (r *Repository) FindByStatus(status domain.RuleStatus) ([]domain.CalculationRule, error) {
	query := "SELECT " + ruleColumns + " FROM calculation_rules WHERE status = ? ORDER BY priority, id"
	return r.findRules(query, string(status))
}

func (r *Repository) findRules(query string, args ...interface{}) ([]domain.CalculationRule, error) {
	rows, err := r.rulesDB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var out []domain.CalculationRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		out = append(out, *rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rules: %w", err)
	}

	for i := range out {
		if err := r.loadChildren(&out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Create persists a new rule with its conditions and actions.
func (r *Repository) Create(rule *domain.CalculationRule) error {
	rule.Version = 1
	rule.LastModifiedAt = time.Now().UTC()

	err := database.WithTransaction(r.rulesDB, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO calculation_rules
				(id, name, rule_type, market, priority, effective_date, expiry_date, status, version, last_modified_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rule.ID, rule.Name, string(rule.RuleType), rule.Market, rule.Priority,
			rule.EffectiveDate, rule.ExpiryDate, string(rule.Status), rule.Version,
			rule.LastModifiedAt.Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("failed to insert rule %s: %w", rule.ID, err)
		}
		return insertChildren(tx, rule)
	})
	if err != nil {
		return err
	}

	r.log.Debug().Str("rule_id", rule.ID).Str("rule_type", string(rule.RuleType)).Msg("Rule created")
	return nil
}

// Update rewrites a rule and replaces its children, incrementing version.
// Returns NOT_FOUND when the rule does not exist.
func (r *Repository) Update(rule *domain.CalculationRule) error {
	rule.LastModifiedAt = time.Now().UTC()

	err := database.WithTransaction(r.rulesDB, func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE calculation_rules
			SET name = ?, rule_type = ?, market = ?, priority = ?,
			    effective_date = ?, expiry_date = ?, status = ?,
			    version = version + 1, last_modified_at = ?
			WHERE id = ?`,
			rule.Name, string(rule.RuleType), rule.Market, rule.Priority,
			rule.EffectiveDate, rule.ExpiryDate, string(rule.Status),
			rule.LastModifiedAt.Format(time.RFC3339), rule.ID)
		if err != nil {
			return fmt.Errorf("failed to update rule %s: %w", rule.ID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read update result: %w", err)
		}
		if affected == 0 {
			return domain.E("rules.Update", domain.KindNotFound, fmt.Sprintf("rule %s not found", rule.ID))
		}

		if _, err := tx.Exec("DELETE FROM rule_conditions WHERE rule_id = ?", rule.ID); err != nil {
			return fmt.Errorf("failed to clear rule conditions: %w", err)
		}
		if _, err := tx.Exec("DELETE FROM rule_actions WHERE rule_id = ?", rule.ID); err != nil {
			return fmt.Errorf("failed to clear rule actions: %w", err)
		}
		if err := insertChildren(tx, rule); err != nil {
			return err
		}

		return tx.QueryRow("SELECT version FROM calculation_rules WHERE id = ?", rule.ID).Scan(&rule.Version)
	})
	if err != nil {
		return err
	}

	r.log.Debug().Str("rule_id", rule.ID).Int64("version", rule.Version).Msg("Rule updated")
	return nil
}

// Delete removes a rule; child rows cascade.
func (r *Repository) Delete(id string) error {
	res, err := r.rulesDB.Exec("DELETE FROM calculation_rules WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete rule %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read delete result: %w", err)
	}
	if affected == 0 {
		return domain.E("rules.Delete", domain.KindNotFound, fmt.Sprintf("rule %s not found", id))
	}
	return nil
}

func insertChildren(tx *sql.Tx, rule *domain.CalculationRule) error {
	for i, cond := range rule.Conditions {
		_, err := tx.Exec(`
			INSERT INTO rule_conditions (rule_id, position, attribute, operator, value, logical_operator)
			VALUES (?, ?, ?, ?, ?, ?)`,
			rule.ID, i, cond.Attribute, string(cond.Operator), cond.Value, string(cond.LogicalOperator))
		if err != nil {
			return fmt.Errorf("failed to insert rule condition: %w", err)
		}
	}
	for i, action := range rule.Actions {
		params, err := json.Marshal(action.Parameters)
		if err != nil {
			return fmt.Errorf("failed to encode action parameters: %w", err)
		}
		_, err = tx.Exec(`
			INSERT INTO rule_actions (rule_id, position, action_type, parameters)
			VALUES (?, ?, ?, ?)`,
			rule.ID, i, string(action.ActionType), string(params))
		if err != nil {
			return fmt.Errorf("failed to insert rule action: %w", err)
		}
	}
	return nil
}

func (r *Repository) loadChildren(rule *domain.CalculationRule) error {
	condRows, err := r.rulesDB.Query(`
		SELECT id, attribute, operator, value, logical_operator
		FROM rule_conditions WHERE rule_id = ? ORDER BY position`, rule.ID)
	if err != nil {
		return fmt.Errorf("failed to query conditions for rule %s: %w", rule.ID, err)
	}
	defer condRows.Close()

	rule.Conditions = nil
	for condRows.Next() {
		var c domain.RuleCondition
		var op, logical string
		if err := condRows.Scan(&c.ID, &c.Attribute, &op, &c.Value, &logical); err != nil {
			return fmt.Errorf("failed to scan rule condition: %w", err)
		}
		c.Operator = domain.RuleOperator(op)
		c.LogicalOperator = domain.LogicalOperator(logical)
		rule.Conditions = append(rule.Conditions, c)
	}
	if err := condRows.Err(); err != nil {
		return fmt.Errorf("failed to iterate rule conditions: %w", err)
	}

	actionRows, err := r.rulesDB.Query(`
		SELECT id, action_type, parameters
		FROM rule_actions WHERE rule_id = ? ORDER BY position`, rule.ID)
	if err != nil {
		return fmt.Errorf("failed to query actions for rule %s: %w", rule.ID, err)
	}
	defer actionRows.Close()

	rule.Actions = nil
	for actionRows.Next() {
		var a domain.RuleAction
		var actionType, params string
		if err := actionRows.Scan(&a.ID, &actionType, &params); err != nil {
			return fmt.Errorf("failed to scan rule action: %w", err)
		}
		a.ActionType = domain.RuleActionType(actionType)
		if params != "" {
			if err := json.Unmarshal([]byte(params), &a.Parameters); err != nil {
				return fmt.Errorf("failed to decode action parameters: %w", err)
			}
		}
		rule.Actions = append(rule.Actions, a)
	}
	return actionRows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRule(row rowScanner) (*domain.CalculationRule, error) {
	var rule domain.CalculationRule
	var ruleType, status, modified string
	err := row.Scan(&rule.ID, &rule.Name, &ruleType, &rule.Market, &rule.Priority,
		&rule.EffectiveDate, &rule.ExpiryDate, &status, &rule.Version, &modified)
	if err != nil {
		return nil, err
	}
	rule.RuleType = domain.RuleType(ruleType)
	rule.Status = domain.RuleStatus(status)
	if t, err := time.Parse(time.RFC3339, modified); err == nil {
		rule.LastModifiedAt = t
	}
	return &rule, nil
}
