package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/san-kum/posture-screen/server/models"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

const (
	DataFileName = "reports.db"
	defaultLimit = 20
	maxLimit     = 200
)

var (
	//go:embed sql/*
	f embed.FS

	ErrNotFound = errors.New("report not found")
)

// Store persists analysis reports so a client can compare screenings taken
// weeks apart.
type Store struct {
	db *sql.DB
}

// Open opens (and if needed creates) the database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("database path not specified")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database: %s", path)
	}
	// sqlite allows one writer at a time
	db.SetMaxOpenConns(1)

	log.Debug("applying report schema...")
	b, err := f.ReadFile("sql/ddl.sql")
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to read the schema creation file")
	}
	if _, err := db.Exec(string(b)); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "failed to create database schema in: %s", path)
	}
	log.Debug("report schema applied")

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Save stores a report and returns its new id.
func (s *Store) Save(ctx context.Context, clientID string, r models.AnalysisReport) (string, error) {
	recs, err := json.Marshal(r.Recommendations)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode recommendations")
	}

	id := uuid.New().String()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO report (
			id, client_id, created_at, risk_score,
			shoulder_tilt_deg, hip_tilt_deg, axis_shift, side_lean_deg,
			note, recommendations
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, clientID, time.Now().UnixNano(), r.RiskScore,
		nullFloat64(r.ShoulderTiltDeg), nullFloat64(r.HipTiltDeg),
		nullFloat64(r.AxisShift), nullFloat64(r.SideLeanDeg),
		r.Note, string(recs),
	)
	if err != nil {
		return "", errors.Wrapf(err, "failed to insert report for client: %s", clientID)
	}
	return id, nil
}

const selectColumns = `
	SELECT id, client_id, created_at, risk_score,
		shoulder_tilt_deg, hip_tilt_deg, axis_shift, side_lean_deg,
		note, recommendations
	FROM report`

func (s *Store) Get(ctx context.Context, id string) (*models.StoredReport, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	sr, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get report: %s", id)
	}
	return sr, nil
}

// History returns the client's reports, newest first.
func (s *Store) History(ctx context.Context, clientID string, limit int) ([]*models.StoredReport, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	rows, err := s.db.QueryContext(ctx,
		selectColumns+` WHERE client_id = ? ORDER BY created_at DESC LIMIT ?`,
		clientID, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query history for client: %s", clientID)
	}
	defer rows.Close()

	list := make([]*models.StoredReport, 0)
	for rows.Next() {
		sr, err := scanReport(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan report row")
		}
		list = append(list, sr)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate report rows")
	}
	return list, nil
}

// Compare relates the latest report of a client to the one before it.
func (s *Store) Compare(ctx context.Context, clientID string) (*models.Comparison, error) {
	list, err := s.History(ctx, clientID, 2)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrNotFound
	}

	c := &models.Comparison{Latest: list[0]}
	if len(list) > 1 {
		c.Previous = list[1]
		d := list[0].Report.RiskScore - list[1].Report.RiskScore
		c.Delta = &d
	}
	return c, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReport(row scanner) (*models.StoredReport, error) {
	var (
		sr        models.StoredReport
		createdAt int64
		shoulder  sql.NullFloat64
		hip       sql.NullFloat64
		axis      sql.NullFloat64
		side      sql.NullFloat64
		recs      string
	)
	if err := row.Scan(&sr.ID, &sr.ClientID, &createdAt, &sr.Report.RiskScore,
		&shoulder, &hip, &axis, &side, &sr.Report.Note, &recs); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(recs), &sr.Report.Recommendations); err != nil {
		return nil, errors.Wrap(err, "failed to decode recommendations")
	}

	sr.CreatedAt = time.Unix(0, createdAt).UTC()
	sr.Report.ShoulderTiltDeg = fromNull(shoulder)
	sr.Report.HipTiltDeg = fromNull(hip)
	sr.Report.AxisShift = fromNull(axis)
	sr.Report.SideLeanDeg = fromNull(side)
	return &sr, nil
}

func nullFloat64(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func fromNull(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
