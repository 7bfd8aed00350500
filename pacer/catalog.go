package pacer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Catalog is the source of truth for campaign specs.
type Catalog interface {
	Fetch(ctx context.Context, id string) (*CampaignSpec, error)
	ListActive(ctx context.Context) ([]*CampaignSpec, error)
}

// campaignWire is the catalog's JSON shape. Older catalog versions used
// pacing_algorithm for the mode and date-only start_date/end_date for the
// active window; both are accepted and mapped onto the canonical spec.
type campaignWire struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	DailyBudgetCents int64  `json:"daily_budget_cents"`
	TotalBudgetCents int64  `json:"total_budget_cents"`
	ActiveFrom       string `json:"active_from"`
	ActiveTo         string `json:"active_to"`
	StartDate        string `json:"start_date"`
	EndDate          string `json:"end_date"`
	PacingMode       string `json:"pacing_mode"`
	PacingAlgorithm  string `json:"pacing_algorithm"`
	Status           string `json:"status"`
	StartHour        int    `json:"start_hour"`
	Version          int64  `json:"version"`
	UpdatedAt        string `json:"updated_at"`
}

func (w *campaignWire) toSpec(loc *time.Location) (*CampaignSpec, error) {
	mode := w.PacingMode
	if mode == "" {
		mode = w.PacingAlgorithm
	}

	from := w.ActiveFrom
	if from == "" {
		from = w.StartDate
	}
	to := w.ActiveTo
	if to == "" {
		to = w.EndDate
	}

	activeFrom, err := parseWindowBound(from, loc, false)
	if err != nil {
		return nil, fmt.Errorf("campaign %s: bad active_from %q: %w", w.ID, from, err)
	}
	activeTo, err := parseWindowBound(to, loc, true)
	if err != nil {
		return nil, fmt.Errorf("campaign %s: bad active_to %q: %w", w.ID, to, err)
	}

	spec := &CampaignSpec{
		ID:               w.ID,
		Name:             w.Name,
		DailyBudgetCents: w.DailyBudgetCents,
		TotalBudgetCents: w.TotalBudgetCents,
		ActiveFrom:       activeFrom,
		ActiveTo:         activeTo,
		Mode:             PacingMode(mode),
		Status:           CampaignStatus(w.Status),
		StartHour:        w.StartHour,
		Version:          w.Version,
	}
	if spec.Version == 0 && w.UpdatedAt != "" {
		if t, err := time.Parse(time.RFC3339, w.UpdatedAt); err == nil {
			spec.Version = t.Unix()
		}
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

// parseWindowBound accepts either a full timestamp or a bare date. A bare
// end date is inclusive through the whole pacing day.
func parseWindowBound(s string, loc *time.Location, endOfDay bool) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(dayLayout, s, loc)
	if err != nil {
		return time.Time{}, err
	}
	if endOfDay {
		t = t.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	return t, nil
}

// HTTPCatalog resolves campaigns against the catalog service's REST API.
type HTTPCatalog struct {
	baseURL string
	client  *http.Client
	loc     *time.Location
}

func NewHTTPCatalog(baseURL string, loc *time.Location) *HTTPCatalog {
	return &HTTPCatalog{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 2 * time.Second},
		loc:     loc,
	}
}

func (c *HTTPCatalog) Fetch(ctx context.Context, id string) (*CampaignSpec, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/campaigns/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("catalog fetch %s: %w", id, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrCampaignNotFound
	default:
		return nil, fmt.Errorf("catalog fetch %s: unexpected status %d", id, resp.StatusCode)
	}

	var w campaignWire
	if err := json.NewDecoder(resp.Body).Decode(&w); err != nil {
		return nil, fmt.Errorf("catalog fetch %s: %w", id, err)
	}
	return w.toSpec(c.loc)
}

func (c *HTTPCatalog) ListActive(ctx context.Context) ([]*CampaignSpec, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/campaigns?status=ACTIVE", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("catalog list: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog list: unexpected status %d", resp.StatusCode)
	}

	var wires []campaignWire
	if err := json.NewDecoder(resp.Body).Decode(&wires); err != nil {
		return nil, fmt.Errorf("catalog list: %w", err)
	}

	specs := make([]*CampaignSpec, 0, len(wires))
	for i := range wires {
		spec, err := wires[i].toSpec(c.loc)
		if err != nil {
			log.WithError(err).Error("Failed to decode campaign from catalog")
			continue
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// PostgresCatalog reads campaigns straight from the campaigns table, for
// deployments that skip the catalog service.
type PostgresCatalog struct {
	db  *sql.DB
	loc *time.Location
}

func NewPostgresCatalog(db *sql.DB, loc *time.Location) *PostgresCatalog {
	return &PostgresCatalog{db: db, loc: loc}
}

const campaignColumns = `id, name, daily_budget_cents, COALESCE(total_budget_cents, 0),
		start_date, end_date, pacing_mode, status,
		COALESCE(EXTRACT(EPOCH FROM updated_at)::bigint, 0)`

func (c *PostgresCatalog) Fetch(ctx context.Context, id string) (*CampaignSpec, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT `+campaignColumns+`
		FROM campaigns
		WHERE id = $1
	`, id)
	spec, err := scanCampaign(row, c.loc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCampaignNotFound
	}
	return spec, err
}

func (c *PostgresCatalog) ListActive(ctx context.Context) ([]*CampaignSpec, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT `+campaignColumns+`
		FROM campaigns
		WHERE status = 'ACTIVE'
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var specs []*CampaignSpec
	for rows.Next() {
		spec, err := scanCampaign(rows, c.loc)
		if err != nil {
			log.WithError(err).Error("Failed to scan campaign")
			continue
		}
		specs = append(specs, spec)
	}
	return specs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCampaign(row rowScanner, loc *time.Location) (*CampaignSpec, error) {
	var (
		spec         CampaignSpec
		start, end   sql.NullTime
		mode, status string
	)
	err := row.Scan(&spec.ID, &spec.Name, &spec.DailyBudgetCents, &spec.TotalBudgetCents,
		&start, &end, &mode, &status, &spec.Version)
	if err != nil {
		return nil, err
	}
	if start.Valid {
		spec.ActiveFrom = localMidnight(start.Time, loc)
	}
	if end.Valid {
		spec.ActiveTo = localMidnight(end.Time, loc).AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	spec.Mode = PacingMode(mode)
	spec.Status = CampaignStatus(status)
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// localMidnight rebuilds a DATE column value, scanned as UTC midnight, as
// midnight in the pacing zone.
func localMidnight(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// SpendLog writes the spend audit trail and admin events to Postgres.
// Writes are fire and forget; the tracking path never waits on them.
type SpendLog struct {
	db *sql.DB
}

func NewSpendLog(db *sql.DB) *SpendLog {
	return &SpendLog{db: db}
}

func (s *SpendLog) LogSpend(inc SpendIncrement, at time.Time) {
	if s == nil || s.db == nil {
		return
	}
	go func() {
		_, err := s.db.Exec(`
			INSERT INTO spend_log (campaign_id, amount_cents, impressions, hour_bucket, day_bucket)
			VALUES ($1, $2, $3, $4, $5)
		`, inc.CampaignID, inc.SpendCents, inc.Impressions,
			at.Truncate(time.Hour), at.Truncate(24*time.Hour))
		if err != nil {
			log.WithError(err).Error("Failed to log spend to database")
		}
	}()
}

func (s *SpendLog) LogReset(campaignID string) {
	if s == nil || s.db == nil {
		return
	}
	go func() {
		_, err := s.db.Exec(`
			INSERT INTO budget_alerts (campaign_id, alert_type, message)
			VALUES ($1, 'BUDGET_RESET', 'Manual budget reset performed')
		`, campaignID)
		if err != nil {
			log.WithError(err).Error("Failed to log budget reset")
		}
	}()
}
