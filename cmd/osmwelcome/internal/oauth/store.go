// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package oauth

import (
	"encoding/json"
	"fmt"

	"go.astrophena.name/osmwelcome/internal/atomicio"
)

// Store persists a token [Record].
type Store interface {
	// Load returns the stored record. It must return (nil, nil) if there is
	// none.
	Load() (*Record, error)
	// Save replaces the stored record.
	Save(*Record) error
}

// FileStore is a [Store] that keeps the record as a JSON file.
type FileStore struct {
	Path string
}

// Load implements the [Store] interface.
func (s *FileStore) Load() (*Record, error) {
	b, err := atomicio.ReadFile(s.Path)
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, nil
	}
	rec := new(Record)
	if err := json.Unmarshal(b, rec); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", s.Path, err)
	}
	return rec, nil
}

// Save implements the [Store] interface. The file is only readable by its
// owner.
func (s *FileStore) Save(rec *Record) error {
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return atomicio.WriteFile(s.Path, b, 0o600)
}
