// Package db pkg/db/reach.go: latency probes, presence events, and the
// keepalive scheduler configuration.
package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/meshsight/meshsight/pkg/models"
)

// InsertLatencyProbe stores a probe row, typically pending (unreachable, no
// latency) at send time.
func (db *DB) InsertLatencyProbe(p *models.LatencyProbe) (int64, error) {
	res, err := db.Exec(`INSERT INTO latency_history
		(node_num, probe_message_id, sent_at, reachable, latency_ms, responded_at, method)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.NodeNum, p.ProbeMessageID, p.SentAt, p.Reachable, p.LatencyMs, p.RespondedAt, p.Method)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrFailedToInsert, err)
	}

	return res.LastInsertId()
}

// ResolveLatencyProbe updates the most recent pending probe row matching the
// probe message id in place. It reports whether a row was updated; the caller
// creates a resolved row when none matched.
func (db *DB) ResolveLatencyProbe(nodeNum, probeMessageID int64, latencyMs uint32, respondedAt time.Time) (bool, error) {
	res, err := db.Exec(`UPDATE latency_history SET reachable = 1, latency_ms = ?, responded_at = ?
		WHERE id = (SELECT id FROM latency_history
			WHERE node_num = ? AND probe_message_id = ? AND latency_ms IS NULL
			ORDER BY id DESC LIMIT 1)`,
		latencyMs, respondedAt, nodeNum, probeMessageID)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrFailedToUpdate, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrFailedToUpdate, err)
	}

	return affected > 0, nil
}

// GetLatencyHistory returns the most recent probe rows for a node.
func (db *DB) GetLatencyHistory(nodeNum int64, limit int) ([]models.LatencyProbe, error) {
	rows, err := db.Query(`SELECT id, node_num, probe_message_id, sent_at, reachable,
			latency_ms, responded_at, method
		FROM latency_history WHERE node_num = ? ORDER BY id DESC LIMIT ?`, nodeNum, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFailedToQuery, err)
	}
	defer rows.Close()

	var out []models.LatencyProbe

	for rows.Next() {
		var (
			p         models.LatencyProbe
			ms        sql.NullInt64
			responded sql.NullTime
		)

		err := rows.Scan(&p.ID, &p.NodeNum, &p.ProbeMessageID, &p.SentAt, &p.Reachable,
			&ms, &responded, &p.Method)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFailedToScan, err)
		}

		if ms.Valid {
			v := uint32(ms.Int64)
			p.LatencyMs = &v
		}

		if responded.Valid {
			p.RespondedAt = &responded.Time
		}

		out = append(out, p)
	}

	return out, rows.Err()
}

// InsertPresenceEvent records a node crossing the offline threshold.
func (db *DB) InsertPresenceEvent(e *models.PresenceEvent) error {
	_, err := db.Exec(`INSERT INTO presence_history (node_num, online, seen_at) VALUES (?, ?, ?)`,
		e.NodeNum, e.Online, e.SeenAt)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFailedToInsert, err)
	}

	return nil
}

// GetLastPresenceEvent returns a node's most recent presence event, or
// ErrNotFound when none was recorded yet.
func (db *DB) GetLastPresenceEvent(nodeNum int64) (*models.PresenceEvent, error) {
	row := db.QueryRow(`SELECT id, node_num, online, seen_at FROM presence_history
		WHERE node_num = ? ORDER BY id DESC LIMIT 1`, nodeNum)

	var e models.PresenceEvent

	err := row.Scan(&e.ID, &e.NodeNum, &e.Online, &e.SeenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: presence for node %d", ErrNotFound, nodeNum)
	} else if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFailedToScan, err)
	}

	return &e, nil
}

// GetKeepaliveConfig returns the singleton scheduler row, creating the
// disabled default on first access.
func (db *DB) GetKeepaliveConfig() (*models.KeepaliveConfig, error) {
	_, err := db.Exec(`INSERT OR IGNORE INTO keepalive_config (id) VALUES (1)`)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFailedToInsert, err)
	}

	row := db.QueryRow(`SELECT id, enabled, interval_secs, offline_after_secs, scope, method,
		selected_nodes, from_node_num, channel_index, hop_limit, hop_start, last_run_at, last_error
		FROM keepalive_config WHERE id = 1`)

	var (
		cfg      models.KeepaliveConfig
		selected string
		lastRun  sql.NullTime
	)

	err = row.Scan(&cfg.ID, &cfg.Enabled, &cfg.IntervalSecs, &cfg.OfflineAfter,
		&cfg.Scope, &cfg.Method, &selected, &cfg.FromNodeNum, &cfg.ChannelIndex,
		&cfg.HopLimit, &cfg.HopStart, &lastRun, &cfg.LastError)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFailedToScan, err)
	}

	if lastRun.Valid {
		cfg.LastRunAt = &lastRun.Time
	}

	if selected != "" {
		if err := json.Unmarshal([]byte(selected), &cfg.SelectedNodes); err != nil {
			return nil, fmt.Errorf("%w: selected_nodes: %w", ErrFailedToScan, err)
		}
	}

	return &cfg, nil
}

// UpdateKeepaliveConfig overwrites the scheduler configuration.
func (db *DB) UpdateKeepaliveConfig(cfg *models.KeepaliveConfig) error {
	selected, err := json.Marshal(cfg.SelectedNodes)
	if err != nil {
		return fmt.Errorf("%w: selected_nodes: %w", ErrFailedToUpdate, err)
	}

	_, err = db.Exec(`INSERT INTO keepalive_config
		(id, enabled, interval_secs, offline_after_secs, scope, method,
		 selected_nodes, from_node_num, channel_index, hop_limit, hop_start)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			enabled = excluded.enabled,
			interval_secs = excluded.interval_secs,
			offline_after_secs = excluded.offline_after_secs,
			scope = excluded.scope,
			method = excluded.method,
			selected_nodes = excluded.selected_nodes,
			from_node_num = excluded.from_node_num,
			channel_index = excluded.channel_index,
			hop_limit = excluded.hop_limit,
			hop_start = excluded.hop_start`,
		cfg.Enabled, cfg.IntervalSecs, cfg.OfflineAfter, cfg.Scope, cfg.Method,
		string(selected), cfg.FromNodeNum, cfg.ChannelIndex, cfg.HopLimit, cfg.HopStart)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFailedToUpdate, err)
	}

	return nil
}

// RecordKeepaliveRun stamps the last run and its error outcome. Run failures
// land on the config row instead of killing the scheduler loop.
func (db *DB) RecordKeepaliveRun(ranAt time.Time, lastError string) error {
	res, err := db.Exec(`UPDATE keepalive_config SET last_run_at = ?, last_error = ? WHERE id = 1`,
		ranAt, lastError)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFailedToUpdate, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFailedToUpdate, err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: keepalive config", ErrNotFound)
	}

	return nil
}

var _ Service = (*DB)(nil)
