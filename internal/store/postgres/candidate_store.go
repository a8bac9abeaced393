package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/arbbuyer/internal/domain"
)

// CandidateStore implements domain.CandidateStore using PostgreSQL.
type CandidateStore struct {
	pool *pgxpool.Pool
}

// NewCandidateStore creates a new CandidateStore backed by the given connection pool.
func NewCandidateStore(pool *pgxpool.Pool) *CandidateStore {
	return &CandidateStore{pool: pool}
}

// reevaluableArgs returns the statuses and error codes whose evaluation may
// be overwritten, as query arguments.
func reevaluableArgs() ([]string, []string) {
	pre := make([]string, 0, len(domain.PrePurchaseStatuses))
	for _, s := range domain.PrePurchaseStatuses {
		pre = append(pre, string(s))
	}
	var codes []string
	for _, c := range domain.AllErrorCodes {
		if c.Policy().Reevaluable {
			codes = append(codes, string(c))
		}
	}
	return pre, codes
}

// reevaluableWhere matches evaluable rows given the arguments from
// reevaluableArgs at positions a and b.
func reevaluableWhere(table string, a, b int) string {
	return fmt.Sprintf(`(%[1]s.status = ANY($%[2]d) OR (%[1]s.status = 'PURCHASE_FAILED' AND %[1]s.error_code = ANY($%[3]d)))`, table, a, b)
}

// Upsert inserts a new candidate as PENDING_EVAL or refreshes the facts of an
// evaluable one. Rows already in the purchase path are left untouched. An id
// owned by another organization reports domain.ErrNotFound.
func (s *CandidateStore) Upsert(ctx context.Context, c domain.Candidate) error {
	pre, codes := reevaluableArgs()
	query := `
		INSERT INTO candidates (
			id, org_id, marketplace_order_id, marketplace, shop_id,
			product_name, sku, quantity, order_total, required_delivery_date,
			supplier_sku_id, supplier_marketplace, supplier_price, supplier_points,
			supplier_available, supplier_condition, estimated_ship_days,
			domestic_shipping_fee, marketplace_fees, destination_address_id,
			status, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14,
			$15, $16, $17,
			$18, $19, $20,
			'PENDING_EVAL', NOW(), NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			marketplace_order_id   = EXCLUDED.marketplace_order_id,
			marketplace            = EXCLUDED.marketplace,
			shop_id                = EXCLUDED.shop_id,
			product_name           = EXCLUDED.product_name,
			sku                    = EXCLUDED.sku,
			quantity               = EXCLUDED.quantity,
			order_total            = EXCLUDED.order_total,
			required_delivery_date = EXCLUDED.required_delivery_date,
			supplier_sku_id        = EXCLUDED.supplier_sku_id,
			supplier_marketplace   = EXCLUDED.supplier_marketplace,
			supplier_price         = EXCLUDED.supplier_price,
			supplier_points        = EXCLUDED.supplier_points,
			supplier_available     = EXCLUDED.supplier_available,
			supplier_condition     = EXCLUDED.supplier_condition,
			estimated_ship_days    = EXCLUDED.estimated_ship_days,
			domestic_shipping_fee  = EXCLUDED.domestic_shipping_fee,
			marketplace_fees       = EXCLUDED.marketplace_fees,
			destination_address_id = EXCLUDED.destination_address_id,
			updated_at             = NOW()
		WHERE candidates.org_id = EXCLUDED.org_id AND ` + reevaluableWhere("candidates", 21, 22)

	tag, err := s.pool.Exec(ctx, query,
		c.ID, c.OrgID, c.MarketplaceOrderID, c.Marketplace, c.ShopID,
		c.ProductName, c.SKU, c.Quantity, int64(c.OrderTotal), c.RequiredDeliveryDate,
		c.SupplierSKUID, c.SupplierMarketplace, int64(c.SupplierPrice), int64(c.SupplierPoints),
		c.SupplierAvailable, string(c.SupplierCondition), c.EstimatedShipDays,
		int64(c.DomesticShippingFee), int64(c.MarketplaceFees), c.DestinationAddressID,
		pre, codes,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert candidate %s: %w", c.ID, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// Nothing written: either the row is past evaluation or the id belongs
	// to someone else. org_id never changes once inserted.
	var owner string
	err = s.pool.QueryRow(ctx, `SELECT org_id FROM candidates WHERE id = $1`, c.ID).Scan(&owner)
	if err != nil {
		return fmt.Errorf("postgres: upsert candidate %s: owner: %w", c.ID, err)
	}
	if owner != c.OrgID {
		return domain.ErrNotFound
	}
	return nil
}

const candidateSelectCols = `id, org_id, marketplace_order_id, marketplace, shop_id,
	product_name, sku, quantity, order_total, required_delivery_date,
	supplier_sku_id, supplier_marketplace, supplier_price, supplier_points,
	supplier_available, supplier_condition, estimated_ship_days,
	domestic_shipping_fee, marketplace_fees, destination_address_id,
	expected_profit, status, reasons, evaluated_at,
	queued_at, purchase_attempted_at, purchase_completed_at, supplier_order_id,
	error_code, error_message, failed_step, purchase_attempts, last_attempt_id,
	created_at, updated_at`

func scanCandidateFromRow(scanner interface{ Scan(dest ...any) error }) (domain.Candidate, error) {
	var c domain.Candidate
	var orderTotal, price, points, shipping, fees, profit int64
	var condition, status, errorCode, failedStep string
	var reasons []string

	err := scanner.Scan(
		&c.ID, &c.OrgID, &c.MarketplaceOrderID, &c.Marketplace, &c.ShopID,
		&c.ProductName, &c.SKU, &c.Quantity, &orderTotal, &c.RequiredDeliveryDate,
		&c.SupplierSKUID, &c.SupplierMarketplace, &price, &points,
		&c.SupplierAvailable, &condition, &c.EstimatedShipDays,
		&shipping, &fees, &c.DestinationAddressID,
		&profit, &status, &reasons, &c.EvaluatedAt,
		&c.QueuedAt, &c.PurchaseAttemptedAt, &c.PurchaseCompletedAt, &c.SupplierOrderID,
		&errorCode, &c.ErrorMessage, &failedStep, &c.PurchaseAttempts, &c.LastAttemptID,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return domain.Candidate{}, err
	}

	c.OrderTotal = domain.Money(orderTotal)
	c.SupplierPrice = domain.Money(price)
	c.SupplierPoints = domain.Money(points)
	c.DomesticShippingFee = domain.Money(shipping)
	c.MarketplaceFees = domain.Money(fees)
	c.ExpectedProfit = domain.Money(profit)
	c.SupplierCondition = domain.Condition(condition)
	c.Status = domain.CandidateStatus(status)
	c.ErrorCode = domain.ErrorCode(errorCode)
	c.FailedStep = domain.Step(failedStep)
	c.Reasons = make([]domain.ReasonCode, 0, len(reasons))
	for _, r := range reasons {
		c.Reasons = append(c.Reasons, domain.ReasonCode(r))
	}
	return c, nil
}

func scanCandidateRows(rows pgx.Rows) ([]domain.Candidate, error) {
	var out []domain.Candidate
	for rows.Next() {
		c, err := scanCandidateFromRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Get retrieves a single candidate by ID.
func (s *CandidateStore) Get(ctx context.Context, id string) (domain.Candidate, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+candidateSelectCols+` FROM candidates WHERE id = $1`, id)
	c, err := scanCandidateFromRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Candidate{}, domain.ErrNotFound
		}
		return domain.Candidate{}, fmt.Errorf("postgres: get candidate %s: %w", id, err)
	}
	return c, nil
}

// List returns an organization's candidates with optional status and time
// filtering, oldest first.
func (s *CandidateStore) List(ctx context.Context, orgID string, filter domain.CandidateFilter) ([]domain.Candidate, error) {
	query := `SELECT ` + candidateSelectCols + ` FROM candidates WHERE org_id = $1`
	args := []any{orgID}
	argIdx := 2

	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, st := range filter.Statuses {
			statuses = append(statuses, string(st))
		}
		query += fmt.Sprintf(" AND status = ANY($%d)", argIdx)
		args = append(args, statuses)
		argIdx++
	}
	if filter.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *filter.Since)
		argIdx++
	}
	if filter.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *filter.Until)
		argIdx++
	}

	query += " ORDER BY created_at, id"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.Limit)
		argIdx++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list candidates: %w", err)
	}
	defer rows.Close()

	out, err := scanCandidateRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan candidates: %w", err)
	}
	return out, nil
}

// SaveEvaluation writes the evaluation fields while the row is evaluable.
func (s *CandidateStore) SaveEvaluation(ctx context.Context, c domain.Candidate) (bool, error) {
	pre, codes := reevaluableArgs()
	reasons := make([]string, 0, len(c.Reasons))
	for _, r := range c.Reasons {
		reasons = append(reasons, string(r))
	}

	query := `
		UPDATE candidates SET
			expected_profit = $2,
			status          = $3,
			reasons         = $4,
			evaluated_at    = $5,
			updated_at      = NOW()
		WHERE id = $1 AND ` + reevaluableWhere("candidates", 6, 7)

	tag, err := s.pool.Exec(ctx, query,
		c.ID, int64(c.ExpectedProfit), string(c.Status), reasons, c.EvaluatedAt, pre, codes)
	if err != nil {
		return false, fmt.Errorf("postgres: save evaluation %s: %w", c.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return false, s.mustExist(ctx, c.ID)
	}
	return true, nil
}

func (s *CandidateStore) mustExist(ctx context.Context, id string) error {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM candidates WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("postgres: check candidate %s: %w", id, err)
	}
	if !exists {
		return domain.ErrNotFound
	}
	return nil
}

// Transition applies change with a single conditional UPDATE.
func (s *CandidateStore) Transition(ctx context.Context, change domain.StatusChange) (bool, error) {
	args := []any{change.ID, string(change.From), string(change.To)}
	sets := []string{"status = $3", "updated_at = NOW()"}
	set := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if change.SetQueuedAt {
		set("queued_at", change.At)
	}
	if change.SetAttemptedAt {
		set("purchase_attempted_at", change.At)
		sets = append(sets, "purchase_completed_at = NULL")
	}
	if change.SetCompletedAt {
		set("purchase_completed_at", change.At)
	}
	if change.IncrementAttempts {
		sets = append(sets, "purchase_attempts = purchase_attempts + 1")
	}
	if change.ClearError {
		sets = append(sets, "error_code = ''", "error_message = ''", "failed_step = ''")
	}
	if change.AttemptID != "" {
		set("last_attempt_id", change.AttemptID)
	}
	if change.SupplierOrderID != "" {
		set("supplier_order_id", change.SupplierOrderID)
	}
	if change.ErrorCode != "" {
		set("error_code", string(change.ErrorCode))
		set("error_message", change.ErrorMessage)
		set("failed_step", string(change.FailedStep))
	}

	query := `UPDATE candidates SET ` + strings.Join(sets, ", ") + ` WHERE id = $1 AND status = $2`
	if change.IfAttemptID != "" {
		args = append(args, change.IfAttemptID)
		query += fmt.Sprintf(" AND last_attempt_id = $%d", len(args))
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("postgres: transition candidate %s: %w", change.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return false, s.mustExist(ctx, change.ID)
	}
	return true, nil
}

// ListQueued returns queued candidates, oldest queue time first.
func (s *CandidateStore) ListQueued(ctx context.Context, limit int) ([]domain.Candidate, error) {
	query := `SELECT ` + candidateSelectCols + ` FROM candidates
		WHERE status = 'QUEUED_FOR_PURCHASE'
		ORDER BY queued_at NULLS FIRST, id`
	args := []any{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list queued candidates: %w", err)
	}
	defer rows.Close()

	out, err := scanCandidateRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan queued candidates: %w", err)
	}
	return out, nil
}

// ListInProgressBefore returns in-progress candidates whose attempt started
// before cutoff.
func (s *CandidateStore) ListInProgressBefore(ctx context.Context, cutoff time.Time) ([]domain.Candidate, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+candidateSelectCols+` FROM candidates
		WHERE status = 'PURCHASE_IN_PROGRESS' AND purchase_attempted_at < $1
		ORDER BY purchase_attempted_at`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("postgres: list stale candidates: %w", err)
	}
	defer rows.Close()

	out, err := scanCandidateRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan stale candidates: %w", err)
	}
	return out, nil
}

// Summarize aggregates an organization's candidates by status.
func (s *CandidateStore) Summarize(ctx context.Context, orgID string) (domain.Summary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*), COALESCE(SUM(expected_profit), 0)::BIGINT
		FROM candidates WHERE org_id = $1
		GROUP BY status`, orgID)
	if err != nil {
		return domain.Summary{}, fmt.Errorf("postgres: summarize candidates: %w", err)
	}
	defer rows.Close()

	var sum domain.Summary
	var profit domain.Money
	counted := 0
	for rows.Next() {
		var status string
		var n int
		var total int64
		if err := rows.Scan(&status, &n, &total); err != nil {
			return domain.Summary{}, fmt.Errorf("postgres: scan summary: %w", err)
		}
		st := domain.CandidateStatus(status)
		sum.AddCount(st, n)
		if domain.ProfitCounted(st) {
			profit += domain.Money(total)
			counted += n
		}
	}
	if err := rows.Err(); err != nil {
		return domain.Summary{}, fmt.Errorf("postgres: summarize candidates: %w", err)
	}
	sum.SetProfit(profit, counted)
	return sum, nil
}

var _ domain.CandidateStore = (*CandidateStore)(nil)
