// Package blocklist flags identifiers owned by the organization itself
package blocklist

import (
	"strings"

	"github.com/fernhollow/registry/pkg/models"
)

// Snapshot is an immutable view of the blocklist table, loaded once at batch
// start so a whole ingestion batch sees a consistent ruleset even if an
// operator edits the table mid-run.
type Snapshot struct {
	exact    map[string]models.BlocklistEntry
	prefixes []models.BlocklistEntry
}

// NewSnapshot builds a snapshot from the operator-maintained entries
func NewSnapshot(entries []models.BlocklistEntry) *Snapshot {
	s := &Snapshot{
		exact: make(map[string]models.BlocklistEntry, len(entries)),
	}
	for _, entry := range entries {
		switch entry.Match {
		case models.BlocklistMatchEmailPrefix:
			s.prefixes = append(s.prefixes, entry)
		default:
			s.exact[exactKey(entry.Type, entry.Value)] = entry
		}
	}
	return s
}

func exactKey(idType models.IdentifierType, value string) string {
	return string(idType) + ":" + value
}

// IsBlocked reports whether the normalized identifier belongs to the
// organization rather than to any individual. Pure predicate over the snapshot.
func (s *Snapshot) IsBlocked(idType models.IdentifierType, normalizedValue string) bool {
	// A nil snapshot blocks nothing; callers may skip loading the table
	if s == nil || normalizedValue == "" {
		return false
	}

	if _, ok := s.exact[exactKey(idType, normalizedValue)]; ok {
		return true
	}

	if idType == models.IdentifierTypeEmail {
		for _, entry := range s.prefixes {
			if strings.HasPrefix(normalizedValue, entry.Value) {
				return true
			}
		}
	}

	return false
}

// Len returns the number of entries in the snapshot
func (s *Snapshot) Len() int {
	return len(s.exact) + len(s.prefixes)
}
