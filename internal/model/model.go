package model

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"github.com/inviso/scenesync/internal/storage/memory"
)

////////////////////////
// DATABASE STRUCTURES //
////////////////////////

// DatabaseModels is every table of the relay schema.
var DatabaseModels = []interface{}{
	&Room{},
	&Record{},
}

// Room is a collaboration room known to the relay.
type Room struct {
	Name         string `gorm:"primaryKey;size:128"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastSnapshot *time.Time
}

func (*Room) TableName() string {
	return "rooms"
}

// Record is one child of a room collection. The path triple is unique; ID
// keeps first-insert order across updates.
type Record struct {
	ID         uint           `gorm:"primaryKey;autoIncrement"`
	Room       string         `gorm:"size:128;not null;uniqueIndex:idx_record_path,priority:1"`
	Collection string         `gorm:"size:255;not null;uniqueIndex:idx_record_path,priority:2"`
	Key        string         `gorm:"column:child_key;size:128;not null;uniqueIndex:idx_record_path,priority:3"`
	Data       datatypes.JSON `json:"data"`
	Seq        uint64         `gorm:"index"`
	UpdatedAt  time.Time
}

func (*Record) TableName() string {
	return "records"
}

// RecordFromMutation converts a committed hub put into a row.
func RecordFromMutation(room string, m memory.Mutation) Record {
	return Record{
		Room:       room,
		Collection: m.Collection,
		Key:        m.Key,
		Data:       datatypes.JSON(m.Data),
		Seq:        m.Seq,
	}
}

// Child converts a row back into a hub child.
func (r Record) Child() memory.Child {
	return memory.Child{
		Collection: r.Collection,
		Key:        r.Key,
		Data:       json.RawMessage(r.Data),
		Seq:        r.Seq,
	}
}
