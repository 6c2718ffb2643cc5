package aggregate

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/fractal-lba/profitcast/internal/api"
)

// costAmortizationDays spreads the total of recurring cost entries evenly
// over a flat 30-day month.
const costAmortizationDays = 30

// querier is the subset of pgxpool.Pool the source reads through.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresSource aggregates daily metrics from the transactional store.
//
// Tables read (never written):
//
//	app_payment(amount NUMERIC, payment_date TIMESTAMPTZ, status TEXT)
//	app_subscription(plan_id INT, status TEXT, start_date TIMESTAMPTZ)
//	app_plan(id INT, name TEXT)
//	app_cost(amount NUMERIC)
//	app_usersession(user_id INT, login_time TIMESTAMPTZ, duration_minutes INT)
type PostgresSource struct {
	db       querier
	pool     *pgxpool.Pool
	location *time.Location
}

// NewPostgresSource connects to the store and verifies the connection.
func NewPostgresSource(ctx context.Context, connStr string) (*PostgresSource, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	return &PostgresSource{db: pool, pool: pool, location: time.UTC}, nil
}

// Close releases the pool.
func (p *PostgresSource) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}

// DailyAggregates returns one record per day from the first settled payment
// inside [from, to] through to, with no gaps.
func (p *PostgresSource) DailyAggregates(ctx context.Context, from, to time.Time) ([]api.DailyMetricRecord, error) {
	start := api.Day(from)
	end := api.Day(to).AddDate(0, 0, 1)

	var first *time.Time
	err := p.db.QueryRow(ctx, `
		SELECT MIN(payment_date)
		FROM app_payment
		WHERE status = 'paid' AND payment_date >= $1 AND payment_date < $2
	`, start, end).Scan(&first)
	if err != nil {
		return nil, fmt.Errorf("first payment query failed: %w", err)
	}
	if first == nil {
		return nil, nil
	}

	in := bucketInput{start: api.Day(first.In(p.location)), end: end}

	if in.payments, err = p.payments(ctx, in.start, end); err != nil {
		return nil, err
	}
	if in.costTotal, err = p.costTotal(ctx); err != nil {
		return nil, err
	}
	if in.plans, err = p.planNames(ctx); err != nil {
		return nil, err
	}
	if in.subscriptions, err = p.subscriptions(ctx); err != nil {
		return nil, err
	}
	if in.sessions, err = p.sessions(ctx, in.start, end); err != nil {
		return nil, err
	}
	return buildSeries(in), nil
}

func (p *PostgresSource) payments(ctx context.Context, start, end time.Time) ([]payment, error) {
	rows, err := p.db.Query(ctx, `
		SELECT payment_date, amount::text
		FROM app_payment
		WHERE status = 'paid' AND payment_date >= $1 AND payment_date < $2
		ORDER BY payment_date
	`, start, end)
	if err != nil {
		return nil, fmt.Errorf("payments query failed: %w", err)
	}
	defer rows.Close()

	var out []payment
	for rows.Next() {
		var at time.Time
		var amount string
		if err := rows.Scan(&at, &amount); err != nil {
			return nil, fmt.Errorf("payments scan failed: %w", err)
		}
		d, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("invalid payment amount %q: %w", amount, err)
		}
		out = append(out, payment{at: at.In(p.location), amount: d})
	}
	return out, rows.Err()
}

func (p *PostgresSource) costTotal(ctx context.Context) (decimal.Decimal, error) {
	var total string
	if err := p.db.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0)::text FROM app_cost`).Scan(&total); err != nil {
		return decimal.Zero, fmt.Errorf("cost query failed: %w", err)
	}
	d, err := decimal.NewFromString(total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid cost total %q: %w", total, err)
	}
	return d, nil
}

func (p *PostgresSource) planNames(ctx context.Context) ([]string, error) {
	rows, err := p.db.Query(ctx, `SELECT name FROM app_plan ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("plans query failed: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("plans scan failed: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// subscriptions reads every active subscription. Cancelled-later rows are
// not excluded by start date, matching the store's reporting semantics.
func (p *PostgresSource) subscriptions(ctx context.Context) ([]subscription, error) {
	rows, err := p.db.Query(ctx, `
		SELECT s.start_date, COALESCE(pl.name, '')
		FROM app_subscription s
		LEFT JOIN app_plan pl ON pl.id = s.plan_id
		WHERE s.status = 'active'
	`)
	if err != nil {
		return nil, fmt.Errorf("subscriptions query failed: %w", err)
	}
	defer rows.Close()

	var out []subscription
	for rows.Next() {
		var s subscription
		if err := rows.Scan(&s.start, &s.plan); err != nil {
			return nil, fmt.Errorf("subscriptions scan failed: %w", err)
		}
		s.start = s.start.In(p.location)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresSource) sessions(ctx context.Context, start, end time.Time) ([]session, error) {
	rows, err := p.db.Query(ctx, `
		SELECT user_id, login_time, COALESCE(duration_minutes, 0)
		FROM app_usersession
		WHERE login_time >= $1 AND login_time < $2
	`, start, end)
	if err != nil {
		return nil, fmt.Errorf("sessions query failed: %w", err)
	}
	defer rows.Close()

	var out []session
	for rows.Next() {
		var s session
		if err := rows.Scan(&s.user, &s.login, &s.minutes); err != nil {
			return nil, fmt.Errorf("sessions scan failed: %w", err)
		}
		s.login = s.login.In(p.location)
		out = append(out, s)
	}
	return out, rows.Err()
}

type payment struct {
	at     time.Time
	amount decimal.Decimal
}

type subscription struct {
	start time.Time
	plan  string
}

type session struct {
	user    int64
	login   time.Time
	minutes int
}

type bucketInput struct {
	start, end    time.Time
	payments      []payment
	costTotal     decimal.Decimal
	plans         []string
	subscriptions []subscription
	sessions      []session
}

// buildSeries folds raw store rows into one record per day in
// [in.start, in.end).
func buildSeries(in bucketInput) []api.DailyMetricRecord {
	days := int(in.end.Sub(in.start).Hours() / 24)
	if days <= 0 {
		return nil
	}

	revenue := make([]decimal.Decimal, days)
	users := make([]map[int64]struct{}, days)
	minutes := make([]int, days)
	for i := range revenue {
		revenue[i] = decimal.Zero
		users[i] = make(map[int64]struct{})
	}

	index := func(t time.Time) (int, bool) {
		i := int(api.Day(t).Sub(in.start).Hours() / 24)
		return i, i >= 0 && i < days
	}
	for _, p := range in.payments {
		if i, ok := index(p.at); ok {
			revenue[i] = revenue[i].Add(p.amount)
		}
	}
	for _, s := range in.sessions {
		if i, ok := index(s.login); ok {
			users[i][s.user] = struct{}{}
			minutes[i] += s.minutes
		}
	}

	dailyCost, _ := in.costTotal.Div(decimal.NewFromInt(costAmortizationDays)).Float64()

	out := make([]api.DailyMetricRecord, 0, days)
	for i := 0; i < days; i++ {
		day := in.start.AddDate(0, 0, i)
		dayEnd := day.AddDate(0, 0, 1)

		plans := make(map[string]int, len(in.plans))
		for _, name := range in.plans {
			plans[api.PlanColumn(name)] = 0
		}
		active := 0
		for _, s := range in.subscriptions {
			if s.start.After(dayEnd) {
				continue
			}
			active++
			if s.plan != "" {
				plans[api.PlanColumn(s.plan)]++
			}
		}

		rev, _ := revenue[i].Float64()
		out = append(out, api.NewDailyMetricRecord(day, rev, dailyCost, active, len(users[i]), minutes[i], plans))
	}
	return out
}
