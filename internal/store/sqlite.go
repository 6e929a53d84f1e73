// internal/store/sqlite.go
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/signalnine/ipwatch/internal/protocol"
)

// ErrNotFound is returned for operations on an address that was never recorded
var ErrNotFound = errors.New("target not found")

// DefaultHistoryCap bounds the activity history kept per target
const DefaultHistoryCap = 200

const timeFormat = time.RFC3339Nano

// Store wraps the SQLite connection holding targets and their activity history
type Store struct {
	db         *sql.DB
	historyCap int
	now        func() time.Time
}

// Open opens or creates the SQLite database
func Open(path string, historyCap int) (*Store, error) {
	if historyCap <= 0 {
		historyCap = DefaultHistoryCap
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite has a single writer; one connection keeps every
	// upsert/append transaction serialized instead of failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS targets (
		address TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		monitoring_enabled INTEGER NOT NULL DEFAULT 1,
		first_seen TEXT NOT NULL,
		last_seen TEXT NOT NULL,
		geo_country TEXT,
		geo_city TEXT,
		geo_lat REAL,
		geo_lon REAL,
		geo_isp TEXT,
		geo_asn TEXT,
		risk TEXT
	);
	CREATE TABLE IF NOT EXISTS activities (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		address TEXT NOT NULL REFERENCES targets(address),
		activity_id TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		type TEXT NOT NULL,
		source_ip TEXT NOT NULL,
		details TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_activities_address ON activities(address, seq);
	CREATE INDEX IF NOT EXISTS idx_targets_monitoring ON targets(monitoring_enabled);
	`

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, historyCap: historyCap, now: time.Now}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// HistoryCap returns the per-target activity bound
func (s *Store) HistoryCap() int {
	return s.historyCap
}

// UpsertTarget finds or creates the target. New targets start MONITORING
// with monitoring enabled. Safe under concurrent calls for one address.
func (s *Store) UpsertTarget(ctx context.Context, address string) (*protocol.MonitoredTarget, error) {
	now := s.now().UTC().Format(timeFormat)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO targets (address, status, monitoring_enabled, first_seen, last_seen)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT(address) DO NOTHING
	`, address, protocol.StatusMonitoring, now, now)
	if err != nil {
		return nil, fmt.Errorf("upsert target %s: %w", address, err)
	}
	return s.GetTarget(ctx, address)
}

// AppendActivity pushes one activity and trims the history to the newest
// historyCap entries, oldest first, in a single transaction.
func (s *Store) AppendActivity(ctx context.Context, address string, a protocol.DetectedActivity) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE targets SET last_seen = ? WHERE address = ?`,
		s.now().UTC().Format(timeFormat), address)
	if err != nil {
		return fmt.Errorf("touch target %s: %w", address, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO activities (address, activity_id, timestamp, type, source_ip, details)
		VALUES (?, ?, ?, ?, ?, ?)
	`, address, a.ID, a.Timestamp.UTC().Format(timeFormat), string(a.Type), a.SourceIP, a.Details); err != nil {
		return fmt.Errorf("insert activity for %s: %w", address, err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM activities
		WHERE address = ? AND seq NOT IN (
			SELECT seq FROM activities WHERE address = ? ORDER BY seq DESC LIMIT ?
		)
	`, address, address, s.historyCap); err != nil {
		return fmt.Errorf("trim history for %s: %w", address, err)
	}

	return tx.Commit()
}

// SetRiskResult replaces the risk assessment and status wholesale
func (s *Store) SetRiskResult(ctx context.Context, address string, r *protocol.RiskResult, status protocol.Status) error {
	riskJSON, err := json.Marshal(r)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE targets SET risk = ?, status = ? WHERE address = ?`,
		string(riskJSON), status, address)
	if err != nil {
		return fmt.Errorf("set risk for %s: %w", address, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetGeoLocation records geolocation only if none is stored yet or the
// stored value is the Unknown placeholder. Returns false when an existing
// value was left in place.
func (s *Store) SetGeoLocation(ctx context.Context, address string, g protocol.GeoLocation) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE targets
		SET geo_country = ?, geo_city = ?, geo_lat = ?, geo_lon = ?, geo_isp = ?, geo_asn = ?
		WHERE address = ? AND COALESCE(geo_country, '') IN ('', ?)
	`, g.Country, g.City, g.Latitude, g.Longitude, g.ISP, g.ASN, address, protocol.UnknownPlaceholder)
	if err != nil {
		return false, fmt.Errorf("set geolocation for %s: %w", address, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetMonitoring toggles monitoring for a known address
func (s *Store) SetMonitoring(ctx context.Context, address string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE targets SET monitoring_enabled = ? WHERE address = ?`,
		enabled, address)
	if err != nil {
		return fmt.Errorf("set monitoring for %s: %w", address, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetTarget returns the target with its full activity history
func (s *Store) GetTarget(ctx context.Context, address string) (*protocol.MonitoredTarget, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+targetColumns+` FROM targets WHERE address = ?
	`, address)
	t, err := scanTarget(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	t.ActivityHistory, err = s.Activities(ctx, address)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Activities returns the history for an address in arrival order
func (s *Store) Activities(ctx context.Context, address string) ([]protocol.DetectedActivity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT activity_id, timestamp, type, source_ip, details
		FROM activities
		WHERE address = ?
		ORDER BY seq ASC
	`, address)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	activities := []protocol.DetectedActivity{}
	for rows.Next() {
		var a protocol.DetectedActivity
		var tsStr, typ string
		if err := rows.Scan(&a.ID, &tsStr, &typ, &a.SourceIP, &a.Details); err != nil {
			return nil, err
		}
		a.Timestamp, _ = time.Parse(timeFormat, tsStr)
		a.Type = protocol.ActivityType(typ)
		activities = append(activities, a)
	}
	return activities, rows.Err()
}

// ListMonitored returns every target with monitoring enabled
func (s *Store) ListMonitored(ctx context.Context) ([]protocol.MonitoredTarget, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+targetColumns+` FROM targets WHERE monitoring_enabled = 1 ORDER BY address
	`)
	if err != nil {
		return nil, err
	}

	var targets []protocol.MonitoredTarget
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		targets = append(targets, *t)
	}
	// release the connection before the per-target history queries
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, err
	}

	for i := range targets {
		targets[i].ActivityHistory, err = s.Activities(ctx, targets[i].Address)
		if err != nil {
			return nil, err
		}
	}
	return targets, nil
}

const targetColumns = `address, status, monitoring_enabled, first_seen, last_seen,
	geo_country, geo_city, geo_lat, geo_lon, geo_isp, geo_asn, risk`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTarget(row rowScanner) (*protocol.MonitoredTarget, error) {
	var t protocol.MonitoredTarget
	var status, firstStr, lastStr string
	var country, city, isp, asn, risk sql.NullString
	var lat, lon sql.NullFloat64

	err := row.Scan(&t.Address, &status, &t.MonitoringEnabled, &firstStr, &lastStr,
		&country, &city, &lat, &lon, &isp, &asn, &risk)
	if err != nil {
		return nil, err
	}

	t.Status = protocol.Status(status)
	t.FirstSeen, _ = time.Parse(timeFormat, firstStr)
	t.LastSeen, _ = time.Parse(timeFormat, lastStr)

	geo := &protocol.GeoLocation{
		Country:   country.String,
		City:      city.String,
		Latitude:  lat.Float64,
		Longitude: lon.Float64,
		ISP:       isp.String,
		ASN:       asn.String,
	}
	if !geo.IsEmpty() {
		t.GeoLocation = geo
	}

	if risk.Valid && risk.String != "" {
		var r protocol.RiskResult
		if err := json.Unmarshal([]byte(risk.String), &r); err != nil {
			return nil, fmt.Errorf("decode risk for %s: %w", t.Address, err)
		}
		t.RiskAssessment = &r
	}
	return &t, nil
}
