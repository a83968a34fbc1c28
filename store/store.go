// Package store persists decoded readings in SQLite.
package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	_ "modernc.org/sqlite"

	"github.com/bemasher/ookmeter/parse"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Store struct {
	*sql.DB

	log logrus.FieldLogger
}

// Open opens or creates the database at path and applies pending
// migrations.
func Open(path string, log logrus.FieldLogger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{DB: db, log: log.WithField("db", path)}
	if err := s.Migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Migrate runs all pending migrations. A database already at the latest
// version is not an error.
func (s *Store) Migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	driver, err := sqlite.WithInstance(s.DB, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}

	// Not closed, closing m would close the underlying connection.
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{s.log}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}

	return nil
}

// Version returns the schema version, 0 if no migrations were applied.
func (s *Store) Version() (uint, error) {
	var version uint
	err := s.QueryRow("SELECT version FROM schema_migrations LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

type migrateLogger struct {
	log logrus.FieldLogger
}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	l.log.Debugf("[migrate] "+format, v...)
}

func (l *migrateLogger) Verbose() bool {
	return false
}

// StartSession records the start of a receiver run and returns its id.
func (s *Store) StartSession(source string) (string, error) {
	id := uuid.New().String()

	_, err := s.Exec("INSERT INTO sessions (session_id, source) VALUES (?, ?)", id, source)
	if err != nil {
		return "", fmt.Errorf("failed to start session: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"session": id,
		"source":  source,
	}).Info("started session")

	return id, nil
}

func (s *Store) RecordReading(session string, msg parse.LogMessage) error {
	r, ok := msg.Message.(parse.Reading)
	if !ok {
		return fmt.Errorf("unsupported message type: %s", msg.MsgType())
	}

	_, err := s.Exec(`
		INSERT INTO readings (
			session_id, received_ns, seq, meter_id, mantissa, exponent, power_kw, quality, checksum
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session, msg.Time.UTC().UnixNano(), msg.Seq, r.ID, r.Mantissa, r.Exponent, r.PowerKW, r.Quality, r.ChecksumVal,
	)
	if err != nil {
		return fmt.Errorf("failed to record reading: %w", err)
	}

	return nil
}

// StoredReading is a reading as persisted.
type StoredReading struct {
	Time time.Time
	Seq  int
	parse.Reading
}

// Readings returns the readings of a session in arrival order.
func (s *Store) Readings(session string) ([]StoredReading, error) {
	rows, err := s.Query(`
		SELECT received_ns, seq, meter_id, mantissa, exponent, power_kw, quality, checksum
		FROM readings
		WHERE session_id = ?
		ORDER BY reading_id`,
		session,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	defer rows.Close()

	var readings []StoredReading
	for rows.Next() {
		var (
			sr       StoredReading
			received int64
		)

		if err := rows.Scan(
			&received, &sr.Seq, &sr.ID, &sr.Mantissa, &sr.Exponent, &sr.PowerKW, &sr.Quality, &sr.ChecksumVal,
		); err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		sr.Time = time.Unix(0, received).UTC()

		readings = append(readings, sr)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate readings: %w", err)
	}

	return readings, nil
}

// Summary of the power readings of a session.
type Summary struct {
	Count  int
	Mean   float64
	StdDev float64
	Min    float64
	Max    float64
}

func (s Summary) String() string {
	return fmt.Sprintf("{Count:%d Mean:%0.6f StdDev:%0.6f Min:%0.6f Max:%0.6f}",
		s.Count, s.Mean, s.StdDev, s.Min, s.Max,
	)
}

// Summarize computes summary statistics over power readings in kW. The
// standard deviation is the sample standard deviation, zero for fewer than
// two readings.
func Summarize(power []float64) (s Summary) {
	s.Count = len(power)
	if s.Count == 0 {
		return s
	}

	s.Mean, s.StdDev = stat.MeanStdDev(power, nil)
	if s.Count < 2 {
		s.StdDev = 0
	}
	s.Min = floats.Min(power)
	s.Max = floats.Max(power)

	return s
}

// Summary summarizes the readings of a session.
func (s *Store) Summary(session string) (Summary, error) {
	rows, err := s.Query("SELECT power_kw FROM readings WHERE session_id = ? ORDER BY reading_id", session)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to query power: %w", err)
	}
	defer rows.Close()

	var power []float64
	for rows.Next() {
		var kw float64
		if err := rows.Scan(&kw); err != nil {
			return Summary{}, fmt.Errorf("failed to scan power: %w", err)
		}
		power = append(power, kw)
	}

	if err := rows.Err(); err != nil {
		return Summary{}, fmt.Errorf("failed to iterate power: %w", err)
	}

	return Summarize(power), nil
}
