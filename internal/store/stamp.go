package store

import (
	"encoding/json"
	"fmt"
	"time"

	"storysave/internal/savequeue"
)

// NextStamp returns a revision stamp strictly after prev, at microsecond
// precision so it survives a round trip through timestamptz.
func NextStamp(now, prev time.Time) time.Time {
	next := now.UTC().Truncate(time.Microsecond)
	if !next.After(prev) {
		next = prev.UTC().Add(time.Microsecond)
	}
	return next
}

// CheckStale reports a conflict when a non-forced full save carries a known
// stamp that differs from the stored one.
func CheckStale(stored, expected time.Time, force bool) error {
	if force || expected.IsZero() || stored.IsZero() {
		return nil
	}
	if !stored.Equal(expected) {
		return savequeue.ConflictError(stored, expected)
	}
	return nil
}

// MergeJSON shallow-merges patch into the JSON object held in current.
func MergeJSON(current []byte, patch map[string]any) ([]byte, error) {
	base := map[string]any{}
	if len(current) > 0 {
		if err := json.Unmarshal(current, &base); err != nil {
			return nil, fmt.Errorf("decoding stored entity: %w", err)
		}
	}
	for k, v := range patch {
		base[k] = v
	}
	return json.Marshal(base)
}

func EncodeData(data map[string]any) ([]byte, error) {
	if data == nil {
		data = map[string]any{}
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return b, nil
}

func DecodeData(b []byte) (map[string]any, error) {
	data := map[string]any{}
	if len(b) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(b, &data); err != nil {
		return nil, fmt.Errorf("decoding entity data: %w", err)
	}
	return data, nil
}
