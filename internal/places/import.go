package places

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// DefaultBufferDegrees pads a place's point when the CSV has no bounding box
const DefaultBufferDegrees = 0.25

// Import loads gazetteer rows from CSV with a header line.
// Required columns: id, name, longitude, latitude. Optional: admin1, country,
// scale_rank, pop_rank, min_lon, min_lat, max_lon, max_lat. Header names are
// case-insensitive and the shapefile names (NAME, ADM1NAME, ADM0NAME,
// LONGITUDE, LATITUDE, SCALERANK, RANK_MIN) are accepted too.
// Returns the number of rows imported.
func (g *Gazetteer) Import(r io.Reader) (int, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return 0, fmt.Errorf("failed to read CSV header: %w", err)
	}
	columns := mapColumns(header)
	for _, required := range []string{"id", "name", "longitude", "latitude"} {
		if _, ok := columns[required]; !ok {
			return 0, fmt.Errorf("CSV header is missing column %q", required)
		}
	}

	tx, err := g.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin import: %w", err)
	}

	imported := 0
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("line %d: %w", line, err)
		}

		place, err := parsePlace(columns, record)
		if err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("line %d: %w", line, err)
		}

		if err := upsertPlace(tx, place); err != nil {
			tx.Rollback()
			return 0, err
		}
		imported++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit import: %w", err)
	}

	// Cached misses are never stored, cached hits may now be stale
	g.byQuery.Purge()
	g.byFeature.Purge()

	logrus.Infof("Imported %d places", imported)
	return imported, nil
}

var columnAliases = map[string]string{
	"place_id":     "id",
	"adm1name":     "admin1",
	"admin1_name":  "admin1",
	"adm0name":     "country",
	"country_name": "country",
	"scalerank":    "scale_rank",
	"rank_min":     "pop_rank",
	"lon":          "longitude",
	"lat":          "latitude",
}

func mapColumns(header []string) map[string]int {
	columns := make(map[string]int, len(header))
	for i, name := range header {
		key := strings.ToLower(strings.TrimSpace(name))
		if alias, ok := columnAliases[key]; ok {
			key = alias
		}
		columns[key] = i
	}
	return columns
}

func parsePlace(columns map[string]int, record []string) (Place, error) {
	field := func(name string) string {
		i, ok := columns[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}
	var parseErr error
	number := func(name string) float64 {
		raw := field(name)
		if raw == "" || parseErr != nil {
			return 0
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			parseErr = fmt.Errorf("invalid %s %q: %w", name, raw, err)
		}
		return v
	}

	p := Place{
		ID:        field("id"),
		Name:      field("name"),
		Admin1:    field("admin1"),
		Country:   field("country"),
		Longitude: number("longitude"),
		Latitude:  number("latitude"),
		ScaleRank: int(number("scale_rank")),
		PopRank:   int(number("pop_rank")),
	}
	if p.ID == "" {
		return Place{}, fmt.Errorf("empty id")
	}

	if field("min_lon") != "" && field("min_lat") != "" && field("max_lon") != "" && field("max_lat") != "" {
		p.MinLon = number("min_lon")
		p.MinLat = number("min_lat")
		p.MaxLon = number("max_lon")
		p.MaxLat = number("max_lat")
	} else {
		p.MinLon = p.Longitude - DefaultBufferDegrees
		p.MinLat = p.Latitude - DefaultBufferDegrees
		p.MaxLon = p.Longitude + DefaultBufferDegrees
		p.MaxLat = p.Latitude + DefaultBufferDegrees
	}
	if parseErr != nil {
		return Place{}, parseErr
	}
	return p, nil
}
