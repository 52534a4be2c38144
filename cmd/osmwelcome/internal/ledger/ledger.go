// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package ledger persists the set of contributors that were already greeted.
//
// The ledger file is a UTF-8 text file with one name per line, sorted, without
// a header. Names are only ever added to it.
package ledger

import (
	"strings"

	"go.astrophena.name/osmwelcome/internal/atomicio"
	"go.astrophena.name/osmwelcome/internal/util/set"
)

// Load reads the ledger at path. A missing file is an empty ledger.
func Load(path string) (set.Set[string], error) {
	b, err := atomicio.ReadFile(path)
	if err != nil {
		return nil, err
	}
	names := set.New[string](0)
	for line := range strings.SplitSeq(string(b), "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			continue
		}
		names.Add(line)
	}
	return names, nil
}

// Diff returns the names of extracted that are not in loaded, and the union
// of both. Neither argument is modified.
func Diff(loaded, extracted set.Set[string]) (added, all set.Set[string]) {
	return extracted.Difference(loaded), loaded.Union(extracted)
}

// Save overwrites the ledger at path with the sorted names of all.
func Save(path string, all set.Set[string]) error {
	return atomicio.WriteFile(path, Marshal(all), 0o644)
}

// Marshal returns the ledger file contents for names.
func Marshal(names set.Set[string]) []byte {
	return []byte(strings.Join(names.ToSortedSlice(), "\n"))
}
