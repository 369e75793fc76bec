package places

import (
	"strings"

	"github.com/alvmarrod/geoconvo/internal/model"
)

// Resolver maps a post to the place it was sent from.
// Absence is a normal outcome for posts without usable geography.
type Resolver interface {
	Resolve(post *model.Post) (*model.Location, bool)
}

// Place is one gazetteer row: a populated place and the buffer around it
type Place struct {
	ID        string
	Name      string
	Admin1    string
	Country   string
	Longitude float64
	Latitude  float64
	ScaleRank int
	PopRank   int
	MinLon    float64
	MinLat    float64
	MaxLon    float64
	MaxLat    float64
}

// DisplayName joins the distinct non-empty names, most specific first
func (p *Place) DisplayName() string {
	var names []string
	seen := make(map[string]bool, 3)
	for _, name := range []string{p.Name, p.Admin1, p.Country} {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return strings.Join(names, ", ")
}

// Location converts the row into the shared immutable form
func (p *Place) Location() *model.Location {
	return &model.Location{
		ID:        p.ID,
		Name:      p.DisplayName(),
		Longitude: p.Longitude,
		Latitude:  p.Latitude,
		ScaleRank: p.ScaleRank,
		PopRank:   p.PopRank,
	}
}
