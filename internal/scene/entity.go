package scene

import (
	"fmt"

	"github.com/inviso/scenesync/internal/audio"
	"github.com/inviso/scenesync/internal/geo"
)

// Kind is the type of a scene entity.
type Kind int

const (
	PointSource Kind = iota + 1
	RegionSource
	Avatar
)

func (k Kind) String() string {
	switch k {
	case PointSource:
		return "PointSource"
	case RegionSource:
		return "RegionSource"
	case Avatar:
		return "Avatar"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "PointSource":
		return PointSource, nil
	case "RegionSource":
		return RegionSource, nil
	case "Avatar":
		return Avatar, nil
	}
	return 0, fmt.Errorf("unknown entity kind %q", s)
}

// Entity is anything placed in the scene. Key is the local identity and never
// changes; ID is the shared store key, empty until the entity is published.
type Entity struct {
	Key  string
	ID   string
	Kind Kind

	Position    geo.Vec3
	Orientation geo.Quaternion
	Rotation    float64

	// region outline and uniform scale, RegionSource only
	Boundary []geo.Vec3
	Scale    float64

	Trajectory TrajectoryHandle

	LastEditorID string

	SoundName string
	Sound     *audio.State
	Volume    float64
	Muted     bool

	// fetch bookkeeping: Fetching guards against overlapping loads and
	// WantSound is the latest name requested while one was in flight
	Fetching  bool
	WantSound string

	Cones []*Cone

	// cone updates that arrived before their cone, keyed by cone key
	PendingCones map[string]ConeParams
}

// NewEntity returns an entity with identity orientation.
func NewEntity(key string, kind Kind, pos geo.Vec3) *Entity {
	return &Entity{
		Key:         key,
		Kind:        kind,
		Position:    pos,
		Orientation: geo.Identity,
		Scale:       1,
		Volume:      1,
	}
}

// Held reports whether the entity's motion is suspended.
func (e *Entity) Held() bool {
	if e.Muted {
		return true
	}
	return e.Sound != nil && !e.Sound.Playing()
}

// Cone returns the cone with the given key.
func (e *Entity) Cone(key string) (*Cone, bool) {
	for _, c := range e.Cones {
		if c.Key == key {
			return c, true
		}
	}
	return nil, false
}

// Cone is a directional sub-source attached to a PointSource.
type Cone struct {
	Key string

	SoundName string
	Sound     *audio.State
	Fetching  bool
	WantSound string

	Volume    float64
	Spread    float64
	Latitude  float64
	Longitude float64

	LastEditorID string
}

// ConeParams are the mutable fields of a cone.
type ConeParams struct {
	Sound     string
	Volume    float64
	Spread    float64
	Latitude  float64
	Longitude float64
}

// Apply copies p onto c, leaving the sound to the caller.
func (c *Cone) Apply(p ConeParams) {
	c.Volume = p.Volume
	c.Spread = p.Spread
	c.Latitude = p.Latitude
	c.Longitude = p.Longitude
}

// Params returns the mutable fields of c.
func (c *Cone) Params() ConeParams {
	return ConeParams{
		Sound:     c.SoundName,
		Volume:    c.Volume,
		Spread:    c.Spread,
		Latitude:  c.Latitude,
		Longitude: c.Longitude,
	}
}
