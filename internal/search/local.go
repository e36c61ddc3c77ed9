package search

import (
	"strings"

	"worksite/api/internal/keying"
	"worksite/api/internal/store"
)

// Local matches activities by normalized substring. It needs no
// backend and works off whatever list the caller passes, which is
// exactly the in-memory state.
type Local struct{}

// Search returns the identity keys of activities whose name,
// observation, status or external id contains the normalized query.
func (Local) Search(list []store.Activity, text string) []string {
	needle := keying.Normalize(text)
	if needle == "" {
		return nil
	}
	var keys []string
	for _, a := range list {
		if strings.Contains(keying.Normalize(a.Name), needle) ||
			strings.Contains(keying.Normalize(a.Observation), needle) ||
			strings.Contains(keying.Normalize(a.StatusText), needle) ||
			strings.Contains(keying.Normalize(a.ExternalID), needle) {
			keys = append(keys, a.IdentityKey)
		}
	}
	return keys
}
