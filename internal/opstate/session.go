package opstate

import (
	"fmt"
	"strconv"
	"time"
)

const sessionNamespace = "session"

// SessionRecord summarizes the broker sessions a device has had over
// its whole lifetime, across restarts.
type SessionRecord struct {
	Device string
	// Sessions counts accepted broker connections.
	Sessions uint64
	// LastConnect is zero if the device never connected.
	LastConnect time.Time
}

// RecordSession counts one more accepted broker session for device and
// stamps its connect time. It returns the new lifetime total.
func (s *Store) RecordSession(device string, at time.Time) (uint64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("record session: %w", err)
	}
	defer tx.Rollback()

	raw, err := get(tx, sessionNamespace, device+".count")
	if err != nil {
		return 0, err
	}
	var n uint64
	if raw != "" {
		if n, err = strconv.ParseUint(raw, 10, 64); err != nil {
			return 0, fmt.Errorf("record session: corrupt count %q: %w", raw, err)
		}
	}
	n++

	if err := s.set(tx, sessionNamespace, device+".count", strconv.FormatUint(n, 10)); err != nil {
		return 0, err
	}
	if err := s.set(tx, sessionNamespace, device+".last_connect", at.UTC().Format(time.RFC3339)); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("record session: %w", err)
	}
	return n, nil
}

// Session returns the lifetime session record for device. A device that
// never connected yields a zero record.
func (s *Store) Session(device string) (SessionRecord, error) {
	rec := SessionRecord{Device: device}

	raw, err := s.Get(sessionNamespace, device+".count")
	if err != nil {
		return rec, err
	}
	if raw != "" {
		if rec.Sessions, err = strconv.ParseUint(raw, 10, 64); err != nil {
			return rec, fmt.Errorf("session %s: corrupt count %q: %w", device, raw, err)
		}
	}

	raw, err = s.Get(sessionNamespace, device+".last_connect")
	if err != nil {
		return rec, err
	}
	if raw != "" {
		if rec.LastConnect, err = time.Parse(time.RFC3339, raw); err != nil {
			return rec, fmt.Errorf("session %s: corrupt timestamp %q: %w", device, raw, err)
		}
	}
	return rec, nil
}
