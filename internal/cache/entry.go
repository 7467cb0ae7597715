package cache

import (
	"encoding/json"
	"fmt"
	"time"
)

// TimestampLayout is the fixed, lexically sortable layout used for stored_at.
const TimestampLayout = "2006-01-02 15:04:05.000000"

// Day is the length of one TTL day.
const Day = 24 * time.Hour

// Timestamp serializes as a TimestampLayout string in UTC.
type Timestamp struct {
	time.Time
}

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(TimestampLayout))
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("stored_at: %w", err)
	}
	parsed, err := time.ParseInLocation(TimestampLayout, raw, time.UTC)
	if err != nil {
		return fmt.Errorf("stored_at: %w", err)
	}
	t.Time = parsed
	return nil
}

// Entry is one cached document.
type Entry struct {
	Content  string    `json:"content"`
	StoredAt Timestamp `json:"stored_at"`
	TTLDays  int       `json:"ttl_days"`
}

// Expired reports whether the entry's age at now strictly exceeds its TTL.
// An entry exactly TTLDays old is still fresh.
func (e Entry) Expired(now time.Time) bool {
	return now.Sub(e.StoredAt.Time) > time.Duration(e.TTLDays)*Day
}
