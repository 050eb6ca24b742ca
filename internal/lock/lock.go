// Package lock implements the per-feed admission lock. An entry lives at
// feed:{feed_id} with value {feed_id, job_id} and a fixed TTL. It is never
// renewed; only the job named in the value may release it.
package lock

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Entry is the value stored under a feed key.
type Entry struct {
	FeedID string `json:"feed_id"`
	JobID  string `json:"job_id"`
}

// Key returns the store key for a feed.
func Key(feedID uuid.UUID) string {
	return "feed:" + feedID.String()
}

func encode(feedID, jobID uuid.UUID) string {
	b, _ := json.Marshal(Entry{FeedID: feedID.String(), JobID: jobID.String()})
	return string(b)
}

func decode(raw string) (uuid.UUID, error) {
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return uuid.Nil, err
	}
	return uuid.Parse(e.JobID)
}
