// Package search finds activities by free text. Meilisearch serves
// queries when it is reachable; a normalized substring scan over the
// in-memory list covers the rest, so search never goes dark with the
// index down.
package search

// ActivityRecord is the indexed shape of one activity.
type ActivityRecord struct {
	Key         string `json:"key"`
	ExternalID  string `json:"externalId"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Observation string `json:"observation"`
}
