// Package schema validates store records before they reach the scene.
package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/inviso/scenesync/internal/storage"
)

//go:embed schemas/*.json
var files embed.FS

// ErrInvalidRecord wraps every validation failure.
var ErrInvalidRecord = errors.New("invalid record")

// Validator holds a compiled schema per collection.
type Validator struct {
	object *jsonschema.Schema
	zone   *jsonschema.Schema
	user   *jsonschema.Schema
	cone   *jsonschema.Schema
	global *jsonschema.Schema
}

// New compiles the embedded schemas.
func New() (*Validator, error) {
	v := &Validator{}
	for name, dst := range map[string]**jsonschema.Schema{
		"object.schema.json": &v.object,
		"zone.schema.json":   &v.zone,
		"user.schema.json":   &v.user,
		"cone.schema.json":   &v.cone,
		"global.schema.json": &v.global,
	} {
		raw, err := files.ReadFile("schemas/" + name)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		s, err := jsonschema.CompileString(name, string(raw))
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", name, err)
		}
		*dst = s
	}
	return v, nil
}

func (v *Validator) schemaFor(collection string) (*jsonschema.Schema, bool) {
	switch {
	case collection == storage.Objects:
		return v.object, true
	case collection == storage.Zones:
		return v.zone, true
	case collection == storage.Users:
		return v.user, true
	case collection == storage.Globals:
		return v.global, true
	case strings.HasPrefix(collection, storage.Objects+"/") && strings.HasSuffix(collection, "/cones"):
		return v.cone, true
	}
	return nil, false
}

// Validate checks a child record against its collection's schema.
// Collections without a schema are accepted.
func (v *Validator) Validate(collection string, data []byte) error {
	s, ok := v.schemaFor(collection)
	if !ok {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidRecord, collection, err)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidRecord, collection, err)
	}
	return nil
}
