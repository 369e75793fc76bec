package publisher

// Feature kinds carried in Properties.Type
const (
	KindLink  = "link"
	KindEnd   = "end"
	KindPoint = "point"
)

// FeatureCollection is a GeoJSON feature collection
type FeatureCollection struct {
	Type     string     `json:"type"`
	Features []*Feature `json:"features"`
}

// NewFeatureCollection returns an empty collection that encodes features as []
func NewFeatureCollection() *FeatureCollection {
	return &FeatureCollection{Type: "FeatureCollection", Features: []*Feature{}}
}

// Empty reports whether the collection has no features
func (fc *FeatureCollection) Empty() bool {
	return len(fc.Features) == 0
}

// Feature is a GeoJSON feature with the aggregated link properties
type Feature struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	Geometry   Geometry   `json:"geometry"`
	Properties Properties `json:"properties"`
}

// Position is a [longitude, latitude] pair
type Position [2]float64

// Geometry holds either a Point (Position) or a LineString ([]Position)
type Geometry struct {
	Type        string `json:"type"`
	Coordinates any    `json:"coordinates"`
}

// PointGeometry builds a GeoJSON point
func PointGeometry(p Position) Geometry {
	return Geometry{Type: "Point", Coordinates: p}
}

// LineGeometry builds a GeoJSON line string
func LineGeometry(points ...Position) Geometry {
	return Geometry{Type: "LineString", Coordinates: points}
}

// Media is an (avatar URL, profile URL, handle) triple
type Media [3]string

// Properties are the aggregated attributes rendered by clients
type Properties struct {
	Type      string   `json:"type"`
	Hits      int64    `json:"hits"`
	Updated   int64    `json:"updated"`
	Hashtags  []string `json:"hashtags"`
	Usernames []string `json:"usernames"`
	Tweets    []string `json:"tweets"`
	Media     []Media  `json:"media"`
	Places    []string `json:"places"`
}
