package store

import (
	"fmt"
	"time"
)

// Cart is a cartridge seen before.
type Cart struct {
	DeviceID     string
	Name         string
	Port         string
	FwVersion    string
	Minimal      bool
	SDAvailable  bool
	USBAvailable bool
	LastSeen     time.Time
}

// UpsertCart creates or refreshes a cart and stamps LastSeen.
func (db *DB) UpsertCart(c *Cart) error {
	if c.DeviceID == "" {
		return fmt.Errorf("store: cart device ID must not be empty")
	}
	c.LastSeen = time.Now().UTC()
	_, err := db.Exec(`
		INSERT INTO carts (device_id, name, port, fw_version, minimal, sd_available, usb_available, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE
		  SET name          = excluded.name,
		      port          = excluded.port,
		      fw_version    = excluded.fw_version,
		      minimal       = excluded.minimal,
		      sd_available  = excluded.sd_available,
		      usb_available = excluded.usb_available,
		      last_seen     = excluded.last_seen`,
		c.DeviceID, c.Name, c.Port, c.FwVersion, c.Minimal, c.SDAvailable, c.USBAvailable, c.LastSeen.Unix(),
	)
	if err != nil {
		return fmt.Errorf("store: upsert cart %s: %w", c.DeviceID, err)
	}
	return nil
}

// ListCarts returns every known cart, most recently seen first.
func (db *DB) ListCarts() ([]Cart, error) {
	rows, err := db.Query(`
		SELECT device_id, name, port, fw_version, minimal, sd_available, usb_available, last_seen
		FROM carts ORDER BY last_seen DESC, device_id`)
	if err != nil {
		return nil, fmt.Errorf("store: list carts: %w", err)
	}
	defer rows.Close()

	var out []Cart
	for rows.Next() {
		var (
			c    Cart
			seen int64
		)
		if err := rows.Scan(&c.DeviceID, &c.Name, &c.Port, &c.FwVersion,
			&c.Minimal, &c.SDAvailable, &c.USBAvailable, &seen); err != nil {
			return nil, fmt.Errorf("store: scan cart: %w", err)
		}
		c.LastSeen = time.Unix(seen, 0).UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

// ── Port history ──────────────────────────────────────────────────────────

// RememberPort records that a cartridge answered on name.
func (db *DB) RememberPort(name string) error {
	_, err := db.Exec(`
		INSERT INTO ports (name, last_seen) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET last_seen = excluded.last_seen`,
		name, time.Now().UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("store: remember port %s: %w", name, err)
	}
	return nil
}

// KnownPorts lists remembered ports, most recent first.
func (db *DB) KnownPorts() ([]string, error) {
	rows, err := db.Query(`SELECT name FROM ports ORDER BY last_seen DESC, name`)
	if err != nil {
		return nil, fmt.Errorf("store: known ports: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("store: scan port: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}
