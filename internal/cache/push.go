package cache

import (
	"database/sql"
	"time"
)

// PushDevice mirrors a registered push-notification device.
type PushDevice struct {
	Token       string
	Platform    string
	BundleID    string
	Environment string
	DeviceName  string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastSeenAt  *time.Time
}

// UpsertPushDevice inserts or updates a device registration, keyed by token.
func (s *Store) UpsertPushDevice(d PushDevice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lastSeen any
	if d.LastSeenAt != nil {
		lastSeen = d.LastSeenAt.UTC().Format(time.RFC3339Nano)
	}

	_, err := s.db.Exec(`INSERT INTO push_devices (token, platform, bundle_id, environment, device_name, created_at, updated_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(token) DO UPDATE SET
			platform=excluded.platform,
			bundle_id=excluded.bundle_id,
			environment=excluded.environment,
			device_name=excluded.device_name,
			updated_at=excluded.updated_at,
			last_seen_at=excluded.last_seen_at`,
		d.Token, d.Platform, d.BundleID, d.Environment, d.DeviceName,
		d.CreatedAt.UTC().Format(time.RFC3339Nano), d.UpdatedAt.UTC().Format(time.RFC3339Nano), lastSeen)
	return err
}

// DeletePushDevice removes a device registration by token.
func (s *Store) DeletePushDevice(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM push_devices WHERE token = ?`, token)
	return err
}

// ListPushDevices returns all registered devices.
func (s *Store) ListPushDevices() ([]PushDevice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT token, platform, bundle_id, environment, device_name, created_at, updated_at, last_seen_at
		FROM push_devices`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []PushDevice
	for rows.Next() {
		var d PushDevice
		var created, updated string
		var lastSeen sql.NullString
		if err := rows.Scan(&d.Token, &d.Platform, &d.BundleID, &d.Environment, &d.DeviceName, &created, &updated, &lastSeen); err != nil {
			return nil, err
		}
		d.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		d.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		if lastSeen.Valid {
			t, _ := time.Parse(time.RFC3339Nano, lastSeen.String)
			d.LastSeenAt = &t
		}
		result = append(result, d)
	}
	return result, rows.Err()
}
