// Package history keeps a log of calibration runs in an SQLite database:
// when each run started and finished, how it ended, the parameters before
// and after, the energy trace and repeatability results.
package history

import (
	"context"
	"database/sql"
	"embed"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/vmihailenco/msgpack/v5"
	_ "modernc.org/sqlite"

	"delta-calibration/pkg/calibrate"
	"delta-calibration/pkg/errors"
	"delta-calibration/pkg/log"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is a run log. It implements calibrate.Observer; observer callbacks
// cannot return errors, so failures are logged and the first one is kept
// for Err.
type Store struct {
	db  *sql.DB
	log *log.Logger

	mu       sync.Mutex
	firstErr error
}

// Open opens or creates the database at path and brings its schema up to
// date.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.StorageError("open "+path, err)
	}
	// one connection keeps the pragmas in force and serializes writers
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, errors.StorageError(pragma, err)
		}
	}

	s := &Store{db: db, log: log.GetLogger("history")}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Err returns the first error hit by an observer callback.
func (s *Store) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

func (s *Store) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, errors.StorageError("load migrations", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return nil, errors.StorageError("create sqlite migration driver", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, errors.StorageError("create migrate instance", err)
	}
	m.Log = migrateLogger{s.log}
	return m, nil
}

// migrateUp applies pending migrations. The migrate instance is not
// closed because that would close the database.
func (s *Store) migrateUp() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !stderrors.Is(err, migrate.ErrNoChange) {
		return errors.StorageError("migrate up", err)
	}
	return nil
}

// Version returns the schema version and whether the last migration failed
// half way.
func (s *Store) Version() (uint, bool, error) {
	m, err := s.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if stderrors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.StorageError("migration version", err)
	}
	return version, dirty, nil
}

type migrateLogger struct{ l *log.Logger }

func (m migrateLogger) Printf(format string, v ...interface{}) {
	m.l.Debug("[migrate] "+format, v...)
}

func (m migrateLogger) Verbose() bool { return false }

// Run is one logged calibration run.
type Run struct {
	ID            string
	Kind          string
	Started       time.Time
	Finished      time.Time // zero while running
	Outcome       calibrate.Outcome
	Iterations    int
	InitialEnergy float64
	FinalEnergy   float64
	Before        calibrate.Params
	After         calibrate.Params
	Error         string
}

// EnergySample is one point of a run's energy trace.
type EnergySample struct {
	Iteration int
	Energy    float64
}

// Repeatability is a stored repeatability result.
type Repeatability struct {
	RunID     string
	Started   time.Time
	Samples   []int
	Mean      float64
	Sigma     float64
	Range     int
	RangeMM   float64
	Quality   string
	Settings  calibrate.ProbeSettings
	NewRecord bool
}

// Begin records the start of a run.
func (s *Store) Begin(ctx context.Context, info calibrate.RunInfo) error {
	before, err := info.Params.Encode()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, kind, started_at, params_before) VALUES (?, ?, ?, ?)`,
		info.ID, info.Kind, info.Started.UnixNano(), before)
	if err != nil {
		return errors.StorageError("insert run "+info.ID, err)
	}
	return nil
}

// Finish records how a run ended.
func (s *Store) Finish(ctx context.Context, sum calibrate.RunSummary) error {
	after, err := sum.Params.Encode()
	if err != nil {
		return err
	}
	var msg sql.NullString
	if sum.Err != nil {
		msg = sql.NullString{String: sum.Err.Error(), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET finished_at = ?, outcome = ?, iterations = ?,
			initial_energy = ?, final_energy = ?, params_after = ?, error = ?
		WHERE id = ?`,
		sum.Finished.UnixNano(), string(sum.Outcome), sum.Iterations,
		sum.InitialEnergy, sum.FinalEnergy, after, msg, sum.ID)
	if err != nil {
		return errors.StorageError("update run "+sum.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.StorageError("update run "+sum.ID, sql.ErrNoRows)
	}
	return nil
}

// AddEnergy appends a point to the energy trace of a run.
func (s *Store) AddEnergy(ctx context.Context, runID string, iteration int, energy float64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO energy_samples (run_id, iteration, energy) VALUES (?, ?, ?)`,
		runID, iteration, energy)
	if err != nil {
		return errors.StorageError("insert energy sample", err)
	}
	return nil
}

// RecordRepeatability stores the result of a repeatability run.
func (s *Store) RecordRepeatability(ctx context.Context, runID string, res calibrate.RepeatabilityResult) error {
	samples, err := msgpack.Marshal(res.Samples)
	if err != nil {
		return errors.Wrap(err, errors.ErrStorage, "encode samples")
	}
	settings, err := msgpack.Marshal(&res.Settings)
	if err != nil {
		return errors.Wrap(err, errors.ErrStorage, "encode probe settings")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO repeatability
			(run_id, samples, mean, sigma, range_steps, range_mm, quality, settings, new_record)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, samples, res.Mean, res.Sigma, res.Range, res.RangeMM,
		res.Quality.String(), settings, res.NewRecord)
	if err != nil {
		return errors.StorageError("insert repeatability result", err)
	}
	return nil
}

const runColumns = `id, kind, started_at, finished_at, outcome, iterations,
	initial_energy, final_energy, params_before, params_after, error`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (Run, error) {
	var (
		r              Run
		started        int64
		finished       sql.NullInt64
		outcome, msg   sql.NullString
		initial, final sql.NullFloat64
		before, after  []byte
	)
	err := row.Scan(&r.ID, &r.Kind, &started, &finished, &outcome, &r.Iterations,
		&initial, &final, &before, &after, &msg)
	if err != nil {
		return r, err
	}
	r.Started = time.Unix(0, started)
	if finished.Valid {
		r.Finished = time.Unix(0, finished.Int64)
	}
	r.Outcome = calibrate.Outcome(outcome.String)
	r.InitialEnergy = initial.Float64
	r.FinalEnergy = final.Float64
	r.Error = msg.String
	if len(before) > 0 {
		if r.Before, err = calibrate.DecodeParams(before); err != nil {
			return r, err
		}
	}
	if len(after) > 0 {
		if r.After, err = calibrate.DecodeParams(after); err != nil {
			return r, err
		}
	}
	return r, nil
}

// Runs returns the most recent runs, newest first. limit <= 0 returns all.
func (s *Store) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.StorageError("query runs", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, errors.StorageError("scan run", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.StorageError("query runs", err)
	}
	return runs, nil
}

// Run returns one run by id.
func (s *Store) Run(ctx context.Context, id string) (Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return r, errors.New(errors.ErrStorage, fmt.Sprintf("no run with id %s", id))
	}
	if err != nil {
		return r, errors.StorageError("query run "+id, err)
	}
	return r, nil
}

// EnergyTrace returns the energy samples of a run in iteration order.
func (s *Store) EnergyTrace(ctx context.Context, runID string) ([]EnergySample, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT iteration, energy FROM energy_samples WHERE run_id = ? ORDER BY iteration`, runID)
	if err != nil {
		return nil, errors.StorageError("query energy samples", err)
	}
	defer rows.Close()

	var out []EnergySample
	for rows.Next() {
		var e EnergySample
		if err := rows.Scan(&e.Iteration, &e.Energy); err != nil {
			return nil, errors.StorageError("scan energy sample", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RepeatabilityResults returns stored repeatability results, newest first.
func (s *Store) RepeatabilityResults(ctx context.Context, limit int) ([]Repeatability, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.run_id, runs.started_at, r.samples, r.mean, r.sigma, r.range_steps,
			r.range_mm, r.quality, r.settings, r.new_record
		FROM repeatability r JOIN runs ON runs.id = r.run_id
		ORDER BY runs.started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.StorageError("query repeatability", err)
	}
	defer rows.Close()

	var out []Repeatability
	for rows.Next() {
		var (
			r                 Repeatability
			started           int64
			samples, settings []byte
		)
		if err := rows.Scan(&r.RunID, &started, &samples, &r.Mean, &r.Sigma, &r.Range,
			&r.RangeMM, &r.Quality, &settings, &r.NewRecord); err != nil {
			return nil, errors.StorageError("scan repeatability", err)
		}
		r.Started = time.Unix(0, started)
		if err := msgpack.Unmarshal(samples, &r.Samples); err != nil {
			return nil, errors.Wrap(err, errors.ErrStorage, "decode samples")
		}
		if err := msgpack.Unmarshal(settings, &r.Settings); err != nil {
			return nil, errors.Wrap(err, errors.ErrStorage, "decode probe settings")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Best returns the repeatability result with the lowest sigma. ok is false
// when none is stored.
func (s *Store) Best(ctx context.Context) (best Repeatability, ok bool, err error) {
	all, err := s.RepeatabilityResults(ctx, 0)
	if err != nil {
		return best, false, err
	}
	for _, r := range all {
		if !ok || r.Sigma < best.Sigma {
			best, ok = r, true
		}
	}
	return best, ok, nil
}

func (s *Store) keep(err error) {
	if err == nil {
		return
	}
	s.log.WithError(err).Warn("couldn't record calibration history")
	s.mu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.mu.Unlock()
}

func (s *Store) RunStarted(info calibrate.RunInfo) {
	s.keep(s.Begin(context.Background(), info))
}

func (s *Store) EnergySampled(runID string, iteration int, energy float64) {
	s.keep(s.AddEnergy(context.Background(), runID, iteration, energy))
}

func (s *Store) RunFinished(sum calibrate.RunSummary) {
	s.keep(s.Finish(context.Background(), sum))
}

func (s *Store) RepeatabilityMeasured(runID string, res calibrate.RepeatabilityResult) {
	s.keep(s.RecordRepeatability(context.Background(), runID, res))
}
