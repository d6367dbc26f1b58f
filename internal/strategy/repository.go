package strategy

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/evoquant/evoquant/internal/clock"
	"github.com/evoquant/evoquant/internal/domain"
)

// maxCASRetries bounds read-modify-write retries on update conflicts.
const maxCASRetries = 3

// Repository is the strategy store. All mutations go through the store;
// other components receive value snapshots. Updates are optimistic:
// updated_at (microsecond precision) is the compare-and-swap token, which
// also guarantees last_metrics and last_backtest_at land in one commit.
type Repository struct {
	db    *sql.DB
	clock clock.Clock
	log   zerolog.Logger
}

// NewRepository creates a new strategy repository.
func NewRepository(db *sql.DB, clk clock.Clock, log zerolog.Logger) *Repository {
	return &Repository{
		db:    db,
		clock: clk,
		log:   log.With().Str("repo", "strategy").Logger(),
	}
}

// ListFilter narrows ListActive results.
type ListFilter struct {
	Statuses        []domain.Status
	BacktestBefore  *time.Time // only rows with last_backtest_at before this (or never)
	NeverBacktested bool
}

// Create inserts a new strategy row. Missing defaults are filled in:
// UUID-less IDs are rejected, status defaults to PENDING_REVIEW, activity
// follows the status, timestamps come from the injected clock.
func (r *Repository) Create(s *domain.Strategy) error {
	if s.ID == "" {
		return fmt.Errorf("strategy id is required")
	}
	if s.Status == "" {
		s.Status = domain.StatusPendingReview
	}
	if !s.Status.Valid() {
		return fmt.Errorf("invalid status %q", s.Status)
	}
	s.IsActive = !s.Status.Terminal()

	now := r.clock.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now

	fp, err := Fingerprint(s)
	if err != nil {
		return fmt.Errorf("failed to fingerprint strategy: %w", err)
	}

	params, ruleset, last, train, test, err := marshalColumns(s)
	if err != nil {
		return err
	}

	_, err = r.db.Exec(`
		INSERT INTO strategies (
			id, owner_id, name, parameters, ruleset, asset_type, status,
			is_active, score, evolution_attempts, robustness_failures,
			last_backtest_at, last_metrics, train_metrics, test_metrics,
			fingerprint, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.OwnerID, s.Name, params, ruleset, string(s.AssetType), string(s.Status),
		boolToInt(s.IsActive), nullFloat(s.Score), s.EvolutionAttempts, s.RobustnessFailures,
		nullTime(s.LastBacktestAt), last, train, test, fp,
		s.CreatedAt.UnixMicro(), s.UpdatedAt.UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert strategy %s: %w", s.ID, err)
	}

	r.log.Debug().Str("id", s.ID).Str("status", string(s.Status)).Msg("Strategy created")
	return nil
}

// Get returns a snapshot of one strategy.
func (r *Repository) Get(id string) (*domain.Strategy, error) {
	row := r.db.QueryRow(selectColumns+" FROM strategies WHERE id = ?", id)
	s, err := scanStrategy(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("strategy %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get strategy %s: %w", id, err)
	}
	return s, nil
}

// UpdateAtomic performs one compare-and-swap read-modify-write. The mutate
// function receives a snapshot; if the row changed underneath, the write
// fails with domain.ErrConflict and nothing is persisted.
func (r *Repository) UpdateAtomic(id string, mutate func(*domain.Strategy) error) (*domain.Strategy, error) {
	s, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	expected := s.UpdatedAt.UnixMicro()

	if err := mutate(s); err != nil {
		return nil, err
	}

	// Activity always tracks the status; terminal rows are frozen.
	s.IsActive = !s.Status.Terminal()
	s.UpdatedAt = r.clock.Now()
	if s.UpdatedAt.UnixMicro() <= expected {
		// Clock did not advance past the token (possible with a coarse fake
		// clock); bump by one microsecond to keep writes ordered.
		s.UpdatedAt = time.UnixMicro(expected + 1).UTC()
	}

	fp, err := Fingerprint(s)
	if err != nil {
		return nil, fmt.Errorf("failed to fingerprint strategy: %w", err)
	}
	params, ruleset, last, train, test, err := marshalColumns(s)
	if err != nil {
		return nil, err
	}

	res, err := r.db.Exec(`
		UPDATE strategies SET
			owner_id = ?, name = ?, parameters = ?, ruleset = ?, asset_type = ?,
			status = ?, is_active = ?, score = ?, evolution_attempts = ?,
			robustness_failures = ?, last_backtest_at = ?, last_metrics = ?,
			train_metrics = ?, test_metrics = ?, fingerprint = ?, updated_at = ?
		WHERE id = ? AND updated_at = ?`,
		s.OwnerID, s.Name, params, ruleset, string(s.AssetType),
		string(s.Status), boolToInt(s.IsActive), nullFloat(s.Score), s.EvolutionAttempts,
		s.RobustnessFailures, nullTime(s.LastBacktestAt), last, train, test, fp,
		s.UpdatedAt.UnixMicro(),
		id, expected,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update strategy %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read rows affected for %s: %w", id, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("strategy %s: %w", id, domain.ErrConflict)
	}
	return s, nil
}

// UpdateWithRetry retries UpdateAtomic on conflict, at most three times.
// After the retries are exhausted the conflict is returned to the caller,
// which logs and skips the strategy this cycle.
func (r *Repository) UpdateWithRetry(id string, mutate func(*domain.Strategy) error) (*domain.Strategy, error) {
	var lastErr error
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		s, err := r.UpdateAtomic(id, mutate)
		if err == nil {
			return s, nil
		}
		lastErr = err
		if !isConflict(err) {
			return nil, err
		}
		r.log.Debug().Str("id", id).Int("attempt", attempt+1).Msg("Update conflict, retrying")
	}
	return nil, lastErr
}

func isConflict(err error) bool {
	return errors.Is(err, domain.ErrConflict)
}

// ListActive returns active strategies matching the filter, ordered by
// created_at for stable iteration.
func (r *Repository) ListActive(filter ListFilter) ([]*domain.Strategy, error) {
	query := selectColumns + " FROM strategies WHERE is_active = 1"
	var args []interface{}

	if len(filter.Statuses) > 0 {
		query += " AND status IN (" + placeholders(len(filter.Statuses)) + ")"
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if filter.NeverBacktested {
		query += " AND last_backtest_at IS NULL"
	} else if filter.BacktestBefore != nil {
		query += " AND (last_backtest_at IS NULL OR last_backtest_at < ?)"
		args = append(args, filter.BacktestBefore.UnixMicro())
	}
	query += " ORDER BY created_at ASC"

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list active strategies: %w", err)
	}
	defer rows.Close()

	var out []*domain.Strategy
	for rows.Next() {
		s, err := scanStrategy(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan strategy: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating strategies: %w", err)
	}
	return out, nil
}

// CountActive returns the number of active strategies.
func (r *Repository) CountActive() (int, error) {
	var n int
	if err := r.db.QueryRow("SELECT COUNT(*) FROM strategies WHERE is_active = 1").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count active strategies: %w", err)
	}
	return n, nil
}

// StatusCounts returns how many strategies sit in each status.
func (r *Repository) StatusCounts() (map[domain.Status]int, error) {
	rows, err := r.db.Query("SELECT status, COUNT(*) FROM strategies GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to count statuses: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[domain.Status(status)] = n
	}
	return counts, rows.Err()
}

// FindActiveByFingerprint returns the first active strategy with the given
// fingerprint, excluding the given id, or nil when none exists. Used by the
// monitoring worker for duplicate detection.
func (r *Repository) FindActiveByFingerprint(fp, excludeID string) (*domain.Strategy, error) {
	row := r.db.QueryRow(
		selectColumns+" FROM strategies WHERE fingerprint = ? AND is_active = 1 AND id != ? AND status != ? LIMIT 1",
		fp, excludeID, string(domain.StatusPendingReview),
	)
	s, err := scanStrategy(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up fingerprint: %w", err)
	}
	return s, nil
}

// FingerprintExists reports whether any active row, pending review included,
// carries the given fingerprint. Used by seeding for idempotency.
func (r *Repository) FingerprintExists(fp string) (bool, error) {
	var n int
	err := r.db.QueryRow(
		"SELECT COUNT(*) FROM strategies WHERE fingerprint = ? AND is_active = 1", fp,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to look up fingerprint: %w", err)
	}
	return n > 0, nil
}

// FingerprintOf returns the stored fingerprint for a strategy row.
func (r *Repository) FingerprintOf(id string) (string, error) {
	var fp string
	err := r.db.QueryRow("SELECT fingerprint FROM strategies WHERE id = ?", id).Scan(&fp)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("strategy %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read fingerprint for %s: %w", id, err)
	}
	return fp, nil
}

// ---- scanning helpers ----

const selectColumns = `SELECT id, owner_id, name, parameters, ruleset, asset_type, status,
	is_active, score, evolution_attempts, robustness_failures, last_backtest_at,
	last_metrics, train_metrics, test_metrics, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanStrategy(row rowScanner) (*domain.Strategy, error) {
	var (
		s                              domain.Strategy
		params, ruleset                string
		assetType, status              string
		isActive                       int
		score                          sql.NullFloat64
		lastBacktestAt                 sql.NullInt64
		lastMetrics, trainM, testM     sql.NullString
		createdAtMicro, updatedAtMicro int64
	)

	err := row.Scan(
		&s.ID, &s.OwnerID, &s.Name, &params, &ruleset, &assetType, &status,
		&isActive, &score, &s.EvolutionAttempts, &s.RobustnessFailures,
		&lastBacktestAt, &lastMetrics, &trainM, &testM, &createdAtMicro, &updatedAtMicro,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(params), &s.Parameters); err != nil {
		return nil, fmt.Errorf("failed to decode parameters: %w", err)
	}
	if err := json.Unmarshal([]byte(ruleset), &s.Ruleset); err != nil {
		return nil, fmt.Errorf("failed to decode ruleset: %w", err)
	}
	s.AssetType = domain.AssetType(assetType)
	s.Status = domain.Status(status)
	s.IsActive = isActive != 0
	if score.Valid {
		v := score.Float64
		s.Score = &v
	}
	if lastBacktestAt.Valid {
		t := time.UnixMicro(lastBacktestAt.Int64).UTC()
		s.LastBacktestAt = &t
	}
	if s.LastMetrics, err = decodeMetrics(lastMetrics); err != nil {
		return nil, err
	}
	if s.TrainMetrics, err = decodeMetrics(trainM); err != nil {
		return nil, err
	}
	if s.TestMetrics, err = decodeMetrics(testM); err != nil {
		return nil, err
	}
	s.CreatedAt = time.UnixMicro(createdAtMicro).UTC()
	s.UpdatedAt = time.UnixMicro(updatedAtMicro).UTC()
	return &s, nil
}

func decodeMetrics(col sql.NullString) (*domain.MetricsRecord, error) {
	if !col.Valid || col.String == "" {
		return nil, nil
	}
	var m domain.MetricsRecord
	if err := json.Unmarshal([]byte(col.String), &m); err != nil {
		return nil, fmt.Errorf("failed to decode metrics: %w", err)
	}
	return &m, nil
}

func marshalColumns(s *domain.Strategy) (params, ruleset string, last, train, test interface{}, err error) {
	p, err := json.Marshal(s.Parameters)
	if err != nil {
		return "", "", nil, nil, nil, fmt.Errorf("failed to encode parameters: %w", err)
	}
	rs, err := json.Marshal(s.Ruleset)
	if err != nil {
		return "", "", nil, nil, nil, fmt.Errorf("failed to encode ruleset: %w", err)
	}
	if last, err = encodeMetrics(s.LastMetrics); err != nil {
		return "", "", nil, nil, nil, err
	}
	if train, err = encodeMetrics(s.TrainMetrics); err != nil {
		return "", "", nil, nil, nil, err
	}
	if test, err = encodeMetrics(s.TestMetrics); err != nil {
		return "", "", nil, nil, nil, err
	}
	return string(p), string(rs), last, train, test, nil
}

func encodeMetrics(m *domain.MetricsRecord) (interface{}, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metrics: %w", err)
	}
	return string(b), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullFloat(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixMicro()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	s := "?"
	for i := 1; i < n; i++ {
		s += ", ?"
	}
	return s
}
