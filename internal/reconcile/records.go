package reconcile

import (
	"github.com/inviso/scenesync/internal/geo"
	"github.com/inviso/scenesync/internal/scene"
)

// GlobalState is the key of the single record in the globals collection.
const GlobalState = "state"

// EntityRecord is the stored form of objects, zones and users.
type EntityRecord struct {
	Type               string     `json:"type,omitempty"`
	Position           *geo.Vec3  `json:"position,omitempty"`
	Trajectory         []geo.Vec3 `json:"trajectory,omitempty"`
	Closed             bool       `json:"closed,omitempty"`
	Speed              *float64   `json:"speed,omitempty"`
	TrajectoryPosition *float64   `json:"trajectoryPosition,omitempty"`
	Sound              string     `json:"sound,omitempty"`
	Volume             *float64   `json:"volume,omitempty"`
	IsPlaying          *bool      `json:"isPlaying,omitempty"`
	Rotation           *float64   `json:"rotation,omitempty"`
	Scale              *float64   `json:"scale,omitempty"`
	Zone               []geo.Vec3 `json:"zone,omitempty"`
	LastEditorID       string     `json:"lastEditorId,omitempty"`
}

// ConeRecord is the stored form of a cone.
type ConeRecord struct {
	UUID         string  `json:"uuid"`
	Parent       string  `json:"parent,omitempty"`
	Sound        string  `json:"sound,omitempty"`
	Volume       float64 `json:"volume"`
	Spread       float64 `json:"spread"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	IsPlaying    *bool   `json:"isPlaying,omitempty"`
	LastEditorID string  `json:"lastEditorId,omitempty"`
}

// GlobalRecord is the shared transport state.
type GlobalRecord struct {
	IsPlaying    bool   `json:"isPlaying"`
	LastEditorID string `json:"lastEditorId,omitempty"`
}

func ptr[T any](v T) *T { return &v }

// RecordOf renders an entity and its trajectory for the store.
func RecordOf(e *scene.Entity, tr *scene.Trajectory, editor string) EntityRecord {
	rec := EntityRecord{
		Position:     ptr(e.Position),
		Sound:        e.SoundName,
		Volume:       ptr(e.Volume),
		LastEditorID: editor,
	}
	switch e.Kind {
	case scene.RegionSource:
		rec.Zone = e.Boundary
		rec.Rotation = ptr(e.Rotation)
		rec.Scale = ptr(e.Scale)
	case scene.Avatar:
		rec.Rotation = ptr(e.Rotation)
		rec.Sound = ""
		rec.Volume = nil
	default:
		rec.Type = e.Kind.String()
	}
	if e.Sound != nil {
		rec.IsPlaying = ptr(e.Sound.Playing())
	}
	if tr != nil {
		rec.Trajectory = tr.Points()
		rec.Closed = tr.Closed()
		rec.Speed = ptr(tr.Speed())
		rec.TrajectoryPosition = ptr(tr.Clock())
	}
	return rec
}

// ConeRecordOf renders a cone for the store.
func ConeRecordOf(parentID string, c *scene.Cone, editor string) ConeRecord {
	rec := ConeRecord{
		UUID:         c.Key,
		Parent:       parentID,
		Sound:        c.SoundName,
		Volume:       c.Volume,
		Spread:       c.Spread,
		Latitude:     c.Latitude,
		Longitude:    c.Longitude,
		LastEditorID: editor,
	}
	if c.Sound != nil {
		rec.IsPlaying = ptr(c.Sound.Playing())
	}
	return rec
}

func (r ConeRecord) params() scene.ConeParams {
	return scene.ConeParams{
		Sound:     r.Sound,
		Volume:    r.Volume,
		Spread:    r.Spread,
		Latitude:  r.Latitude,
		Longitude: r.Longitude,
	}
}
