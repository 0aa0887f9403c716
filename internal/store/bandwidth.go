package store

import (
	"fmt"
)

// PendingBandwidth is the unreported traffic for one grid.
type PendingBandwidth struct {
	GridID        string
	BytesSent     int64
	BytesReceived int64
}

// AddBandwidth accumulates traffic for gridID.
func (s *Store) AddBandwidth(gridID string, sent, received int64) error {
	if sent == 0 && received == 0 {
		return nil
	}
	_, err := s.db.Exec(`INSERT INTO bandwidth_pending (grid_id, bytes_sent, bytes_received)
		VALUES (?, ?, ?)
		ON CONFLICT(grid_id) DO UPDATE SET
			bytes_sent = bytes_sent + excluded.bytes_sent,
			bytes_received = bytes_received + excluded.bytes_received,
			updated_at = CURRENT_TIMESTAMP`,
		gridID, sent, received)
	if err != nil {
		return fmt.Errorf("add bandwidth: %w", err)
	}
	return nil
}

// PendingBandwidth lists grids with unreported traffic.
func (s *Store) PendingBandwidth() ([]PendingBandwidth, error) {
	rows, err := s.db.Query(`SELECT grid_id, bytes_sent, bytes_received FROM bandwidth_pending
		WHERE bytes_sent > 0 OR bytes_received > 0 ORDER BY grid_id`)
	if err != nil {
		return nil, fmt.Errorf("query bandwidth: %w", err)
	}
	defer rows.Close()
	var out []PendingBandwidth
	for rows.Next() {
		var p PendingBandwidth
		if err := rows.Scan(&p.GridID, &p.BytesSent, &p.BytesReceived); err != nil {
			return nil, fmt.Errorf("scan bandwidth: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// AckBandwidth subtracts a reported delta. Traffic added after the report was
// taken stays pending.
func (s *Store) AckBandwidth(p PendingBandwidth) error {
	_, err := s.db.Exec(`UPDATE bandwidth_pending SET
			bytes_sent = MAX(bytes_sent - ?, 0),
			bytes_received = MAX(bytes_received - ?, 0),
			updated_at = CURRENT_TIMESTAMP
		WHERE grid_id = ?`, p.BytesSent, p.BytesReceived, p.GridID)
	if err != nil {
		return fmt.Errorf("ack bandwidth: %w", err)
	}
	return nil
}
