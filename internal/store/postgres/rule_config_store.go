package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/arbbuyer/internal/domain"
)

// RuleConfigStore implements domain.RuleConfigStore using PostgreSQL.
type RuleConfigStore struct {
	pool *pgxpool.Pool
}

// NewRuleConfigStore creates a new RuleConfigStore backed by the given connection pool.
func NewRuleConfigStore(pool *pgxpool.Pool) *RuleConfigStore {
	return &RuleConfigStore{pool: pool}
}

const ruleConfigSelectCols = `org_id, enabled, include_supplier_points,
	include_domestic_shipping_fee, max_delivery_days, min_expected_profit,
	eligible_shop_ids, updated_at`

func scanRuleConfigFromRow(scanner interface{ Scan(dest ...any) error }) (domain.RuleConfig, error) {
	var cfg domain.RuleConfig
	var minProfit int64
	err := scanner.Scan(
		&cfg.OrgID, &cfg.Enabled, &cfg.IncludeSupplierPoints,
		&cfg.IncludeDomesticShippingFee, &cfg.MaxDeliveryDays, &minProfit,
		&cfg.EligibleShopIDs, &cfg.UpdatedAt,
	)
	if err != nil {
		return domain.RuleConfig{}, err
	}
	cfg.MinExpectedProfit = domain.Money(minProfit)
	return cfg, nil
}

// Get retrieves the rule configuration for an organization.
func (s *RuleConfigStore) Get(ctx context.Context, orgID string) (domain.RuleConfig, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+ruleConfigSelectCols+` FROM rule_configs WHERE org_id = $1`, orgID)
	cfg, err := scanRuleConfigFromRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.RuleConfig{}, domain.ErrNotFound
		}
		return domain.RuleConfig{}, fmt.Errorf("postgres: get rule config %s: %w", orgID, err)
	}
	return cfg, nil
}

// Upsert inserts or replaces an organization's rule configuration.
func (s *RuleConfigStore) Upsert(ctx context.Context, cfg domain.RuleConfig) error {
	shops := cfg.EligibleShopIDs
	if shops == nil {
		shops = []string{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO rule_configs (
			org_id, enabled, include_supplier_points, include_domestic_shipping_fee,
			max_delivery_days, min_expected_profit, eligible_shop_ids, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (org_id) DO UPDATE SET
			enabled                       = EXCLUDED.enabled,
			include_supplier_points       = EXCLUDED.include_supplier_points,
			include_domestic_shipping_fee = EXCLUDED.include_domestic_shipping_fee,
			max_delivery_days             = EXCLUDED.max_delivery_days,
			min_expected_profit           = EXCLUDED.min_expected_profit,
			eligible_shop_ids             = EXCLUDED.eligible_shop_ids,
			updated_at                    = NOW()`,
		cfg.OrgID, cfg.Enabled, cfg.IncludeSupplierPoints, cfg.IncludeDomesticShippingFee,
		cfg.MaxDeliveryDays, int64(cfg.MinExpectedProfit), shops,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert rule config %s: %w", cfg.OrgID, err)
	}
	return nil
}

// ListEnabled returns the configurations of organizations with automation on.
func (s *RuleConfigStore) ListEnabled(ctx context.Context) ([]domain.RuleConfig, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+ruleConfigSelectCols+` FROM rule_configs WHERE enabled ORDER BY org_id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list enabled rule configs: %w", err)
	}
	defer rows.Close()

	var out []domain.RuleConfig
	for rows.Next() {
		cfg, err := scanRuleConfigFromRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan rule config: %w", err)
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

var _ domain.RuleConfigStore = (*RuleConfigStore)(nil)
