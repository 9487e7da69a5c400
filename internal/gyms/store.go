package gyms

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/keithlinneman/gymgate/internal/xerrors"
)

var (
	ErrNotFound  = errors.New("gym not found")
	ErrDuplicate = errors.New("gym with this name and address already exists")
)

// Gym is one listed location.
type Gym struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Address   string    `json:"address"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Point returns the gym location.
func (g Gym) Point() Point { return Point{Lat: g.Lat, Lng: g.Lng} }

// Nearby is a gym with its distance from the query point.
type Nearby struct {
	Gym
	DistanceKm float64 `json:"distance_km"`
}

const gymSchema = `
CREATE TABLE IF NOT EXISTS gyms (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	address    TEXT NOT NULL,
	lat        REAL NOT NULL,
	lng        REAL NOT NULL,
	owner_id   TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	UNIQUE (name, address)
);
CREATE INDEX IF NOT EXISTS idx_gyms_lat ON gyms(lat);
CREATE INDEX IF NOT EXISTS idx_gyms_created_at ON gyms(created_at);
`

// Store persists gyms in sqlite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates the schema if needed. The caller owns db.
func NewStore(ctx context.Context, db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, xerrors.New("gyms: nil db")
	}
	if _, err := db.ExecContext(ctx, gymSchema); err != nil {
		return nil, xerrors.Wrap(err, "create gyms schema")
	}
	return &Store{db: db, now: time.Now}, nil
}

const gymColumns = `id, name, address, lat, lng, owner_id, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanGym(s scanner) (Gym, error) {
	var g Gym
	var created int64
	if err := s.Scan(&g.ID, &g.Name, &g.Address, &g.Lat, &g.Lng, &g.OwnerID, &created); err != nil {
		return Gym{}, err
	}
	g.CreatedAt = time.Unix(0, created).UTC()
	return g, nil
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Gym, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Gym{}
	for rows.Next() {
		g, err := scanGym(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// List returns up to limit gyms ordered by name.
func (s *Store) List(ctx context.Context, limit, offset int) ([]Gym, error) {
	out, err := s.query(ctx,
		`SELECT `+gymColumns+` FROM gyms ORDER BY name, id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, xerrors.Wrap(err, "list gyms")
	}
	return out, nil
}

// Get returns the gym with id or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (Gym, error) {
	g, err := scanGym(s.db.QueryRowContext(ctx, `SELECT `+gymColumns+` FROM gyms WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Gym{}, ErrNotFound
	}
	if err != nil {
		return Gym{}, xerrors.Wrapf(err, "get gym %s", id)
	}
	return g, nil
}

// Create inserts g, assigning its id and creation time.
func (s *Store) Create(ctx context.Context, g Gym) (Gym, error) {
	g.ID = uuid.NewString()
	g.CreatedAt = s.now().UTC()
	g.Name = strings.TrimSpace(g.Name)
	g.Address = strings.TrimSpace(g.Address)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO gyms (`+gymColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.Name, g.Address, g.Lat, g.Lng, g.OwnerID, g.CreatedAt.UnixNano(),
	)
	if isUniqueViolation(err) {
		return Gym{}, ErrDuplicate
	}
	if err != nil {
		return Gym{}, xerrors.Wrap(err, "insert gym")
	}
	return g, nil
}

// Delete removes the gym with id or returns ErrNotFound.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM gyms WHERE id = ?`, id)
	if err != nil {
		return xerrors.Wrapf(err, "delete gym %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Nearby returns gyms within radiusKm of p, closest first.
func (s *Store) Nearby(ctx context.Context, p Point, radiusKm float64, limit int) ([]Nearby, error) {
	// latitude band prefilter, one degree of latitude is ~111 km everywhere
	dLat := radiusKm / (EarthRadiusKm * math.Pi / 180)
	candidates, err := s.query(ctx,
		`SELECT `+gymColumns+` FROM gyms WHERE lat BETWEEN ? AND ?`, p.Lat-dLat, p.Lat+dLat)
	if err != nil {
		return nil, xerrors.Wrap(err, "query nearby gyms")
	}

	out := make([]Nearby, 0, len(candidates))
	for _, g := range candidates {
		if d := Distance(p, g.Point()); d <= radiusKm {
			out = append(out, Nearby{Gym: g, DistanceKm: d})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DistanceKm < out[j].DistanceKm })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountCreated counts gyms created in [from, to).
func (s *Store) CountCreated(ctx context.Context, from, to time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM gyms WHERE created_at >= ? AND created_at < ?`,
		from.UnixNano(), to.UnixNano(),
	).Scan(&n)
	if err != nil {
		return 0, xerrors.Wrap(err, "count gyms")
	}
	return n, nil
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}
