// Package places resolves posts to populated places using a SQLite gazetteer.
package places

import (
	"database/sql"
	"fmt"

	"github.com/alvmarrod/geoconvo/internal/lru"
	"github.com/alvmarrod/geoconvo/internal/metrics"
	"github.com/alvmarrod/geoconvo/internal/model"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// Gazetteer handles all place database operations and implements Resolver
type Gazetteer struct {
	db        *sql.DB
	byQuery   *lru.Cache[string, *model.Location]
	byFeature *lru.Cache[string, *model.Location]
	tracker   *metrics.Tracker
}

// Open creates a Gazetteer, opening/creating the DB and initializing schema
func Open(dbPath string, cacheSize int, tracker *metrics.Tracker) (*Gazetteer, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	g := &Gazetteer{
		db:        db,
		byQuery:   lru.New[string, *model.Location](cacheSize),
		byFeature: lru.New[string, *model.Location](cacheSize),
		tracker:   tracker,
	}

	// Initialize schema
	if err := g.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return g, nil
}

// initSchema creates tables and indices if they don't exist
func (g *Gazetteer) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS places (
		place_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		admin1_name TEXT NOT NULL DEFAULT '',
		country_name TEXT NOT NULL DEFAULT '',
		longitude REAL NOT NULL,
		latitude REAL NOT NULL,
		scale_rank INTEGER NOT NULL DEFAULT 0,
		pop_rank INTEGER NOT NULL DEFAULT 0,
		min_lon REAL NOT NULL,
		min_lat REAL NOT NULL,
		max_lon REAL NOT NULL,
		max_lat REAL NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_places_lon ON places(min_lon, max_lon);
	CREATE INDEX IF NOT EXISTS idx_places_lat ON places(min_lat, max_lat);
	`

	_, err := g.db.Exec(schema)
	return err
}

// Close closes the database connection
func (g *Gazetteer) Close() error {
	return g.db.Close()
}

// UpsertPlace inserts a place or replaces the row with the same id
func (g *Gazetteer) UpsertPlace(p Place) error {
	return upsertPlace(g.db, p)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func upsertPlace(db execer, p Place) error {
	_, err := db.Exec(`
		INSERT INTO places (place_id, name, admin1_name, country_name, longitude, latitude,
			scale_rank, pop_rank, min_lon, min_lat, max_lon, max_lat)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(place_id) DO UPDATE SET
			name = EXCLUDED.name,
			admin1_name = EXCLUDED.admin1_name,
			country_name = EXCLUDED.country_name,
			longitude = EXCLUDED.longitude,
			latitude = EXCLUDED.latitude,
			scale_rank = EXCLUDED.scale_rank,
			pop_rank = EXCLUDED.pop_rank,
			min_lon = EXCLUDED.min_lon,
			min_lat = EXCLUDED.min_lat,
			max_lon = EXCLUDED.max_lon,
			max_lat = EXCLUDED.max_lat
	`, p.ID, p.Name, p.Admin1, p.Country, p.Longitude, p.Latitude,
		p.ScaleRank, p.PopRank, p.MinLon, p.MinLat, p.MaxLon, p.MaxLat)

	if err != nil {
		return fmt.Errorf("failed to upsert place %s: %w", p.ID, err)
	}
	return nil
}

// CountPlaces returns the number of places in the gazetteer
func (g *Gazetteer) CountPlaces() (int, error) {
	var count int
	if err := g.db.QueryRow("SELECT COUNT(*) FROM places").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count places: %w", err)
	}
	return count, nil
}

const placeColumns = `place_id, name, admin1_name, country_name, longitude, latitude,
	scale_rank, pop_rank, min_lon, min_lat, max_lon, max_lat`

// Most prominent place first: lowest scale rank, then highest population rank
const placeOrder = `ORDER BY scale_rank ASC, pop_rank DESC, place_id ASC LIMIT 1`

// findContaining returns the most prominent place whose buffer contains the point
func (g *Gazetteer) findContaining(lon, lat float64) (*Place, error) {
	row := g.db.QueryRow(`SELECT `+placeColumns+` FROM places
		WHERE min_lon <= ? AND max_lon >= ? AND min_lat <= ? AND max_lat >= ?
		`+placeOrder, lon, lon, lat, lat)
	return scanPlace(row)
}

// findIntersecting returns the most prominent place whose buffer intersects the box
func (g *Gazetteer) findIntersecting(minLon, minLat, maxLon, maxLat float64) (*Place, error) {
	row := g.db.QueryRow(`SELECT `+placeColumns+` FROM places
		WHERE min_lon <= ? AND max_lon >= ? AND min_lat <= ? AND max_lat >= ?
		`+placeOrder, maxLon, minLon, maxLat, minLat)
	return scanPlace(row)
}

// scanPlace reads one row, returning nil if there is none
func scanPlace(row *sql.Row) (*Place, error) {
	var p Place
	err := row.Scan(&p.ID, &p.Name, &p.Admin1, &p.Country, &p.Longitude, &p.Latitude,
		&p.ScaleRank, &p.PopRank, &p.MinLon, &p.MinLat, &p.MaxLon, &p.MaxLat)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan place: %w", err)
	}
	return &p, nil
}

// Resolve returns the location of a post: exact coordinates first, then the
// bounding box of its attached place
func (g *Gazetteer) Resolve(post *model.Post) (*model.Location, bool) {
	if post == nil {
		return nil, false
	}
	if post.Coordinates != nil {
		return g.ResolvePoint(post.Coordinates.Longitude(), post.Coordinates.Latitude())
	}
	if post.Place != nil {
		if minLon, minLat, maxLon, maxLat, ok := post.Place.BoundingBox.Bounds(); ok {
			return g.ResolveBounds(minLon, minLat, maxLon, maxLat)
		}
	}
	return nil, false
}

// ResolvePoint returns the place containing a coordinate
func (g *Gazetteer) ResolvePoint(lon, lat float64) (*model.Location, bool) {
	key := fmt.Sprintf("point(%g %g)", lon, lat)
	return g.resolve(key, func() (*Place, error) {
		return g.findContaining(lon, lat)
	})
}

// ResolveBounds returns the place intersecting a bounding box
func (g *Gazetteer) ResolveBounds(minLon, minLat, maxLon, maxLat float64) (*model.Location, bool) {
	key := fmt.Sprintf("bbox(%g %g, %g %g)", minLon, minLat, maxLon, maxLat)
	return g.resolve(key, func() (*Place, error) {
		return g.findIntersecting(minLon, minLat, maxLon, maxLat)
	})
}

// resolve answers a query from the cache or the database. Only hits are
// cached, so a place imported later can still be found.
func (g *Gazetteer) resolve(key string, query func() (*Place, error)) (*model.Location, bool) {
	if loc, ok := g.byQuery.Get(key); ok {
		return loc, true
	}

	place, err := query()
	if err != nil {
		logrus.Warnf("Place query %s failed: %v", key, err)
		return nil, false
	}
	if place == nil {
		g.tracker.Inc(metrics.PlacesUnknown)
		return nil, false
	}

	loc := g.byFeature.ComputeIfAbsent(place.ID, func(string) *model.Location {
		g.tracker.Inc(metrics.PlacesFeatures)
		return place.Location()
	})
	g.byQuery.Put(key, loc)
	g.tracker.Inc(metrics.PlacesKnown)
	return loc, true
}
