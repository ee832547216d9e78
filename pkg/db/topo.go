// Package db pkg/db/topo.go: edges, node links, and channels.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/meshsight/meshsight/pkg/models"
)

// UpsertEdge writes the latest directed observation for the ordered pair,
// overwriting the signal fields, and returns the stored row.
func (db *DB) UpsertEdge(edge *models.Edge) (*models.Edge, error) {
	_, err := db.Exec(`INSERT INTO edges
		(source_num, target_num, last_rx_rssi, last_rx_snr, last_hops, last_packet_id, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_num, target_num) DO UPDATE SET
			last_rx_rssi = excluded.last_rx_rssi,
			last_rx_snr = excluded.last_rx_snr,
			last_hops = excluded.last_hops,
			last_packet_id = excluded.last_packet_id,
			last_seen = excluded.last_seen`,
		edge.SourceNum, edge.TargetNum, edge.LastRxRSSI, edge.LastRxSNR,
		edge.LastHops, edge.LastPacketID, edge.LastSeen, edge.LastSeen)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFailedToInsert, err)
	}

	return db.getEdge(edge.SourceNum, edge.TargetNum)
}

func (db *DB) getEdge(sourceNum, targetNum int64) (*models.Edge, error) {
	row := db.QueryRow(`SELECT id, source_num, target_num, last_rx_rssi, last_rx_snr,
		last_hops, last_packet_id, first_seen, last_seen
		FROM edges WHERE source_num = ? AND target_num = ?`, sourceNum, targetNum)

	e, err := scanEdge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: edge %d->%d", ErrNotFound, sourceNum, targetNum)
	} else if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFailedToScan, err)
	}

	return e, nil
}

func scanEdge(row rowScanner) (*models.Edge, error) {
	var (
		e    models.Edge
		rssi sql.NullInt32
		snr  sql.NullFloat64
	)

	err := row.Scan(&e.ID, &e.SourceNum, &e.TargetNum, &rssi, &snr,
		&e.LastHops, &e.LastPacketID, &e.FirstSeen, &e.LastSeen)
	if err != nil {
		return nil, err
	}

	e.LastRxRSSI = nullInt32(rssi)
	e.LastRxSNR = nullFloat(snr)

	return &e, nil
}

// ListEdges returns all directed edges.
func (db *DB) ListEdges() ([]models.Edge, error) {
	rows, err := db.Query(`SELECT id, source_num, target_num, last_rx_rssi, last_rx_snr,
		last_hops, last_packet_id, first_seen, last_seen
		FROM edges ORDER BY source_num, target_num`)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFailedToQuery, err)
	}
	defer rows.Close()

	var out []models.Edge

	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFailedToScan, err)
		}

		out = append(out, *e)
	}

	return out, rows.Err()
}

// GetOrCreateNodeLink returns the link row for the given oriented pair,
// creating it on first sight. The caller supplies the canonical orientation.
func (db *DB) GetOrCreateNodeLink(nodeANum, nodeBNum int64, seen time.Time) (*models.NodeLink, error) {
	if nodeANum == nodeBNum {
		return nil, fmt.Errorf("%w: %d", ErrSelfLink, nodeANum)
	}

	_, err := db.Exec(`INSERT INTO node_links (node_a_num, node_b_num, first_seen, last_activity)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(node_a_num, node_b_num) DO NOTHING`,
		nodeANum, nodeBNum, seen, seen)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFailedToInsert, err)
	}

	row := db.QueryRow(`SELECT `+linkColumns+` FROM node_links
		WHERE node_a_num = ? AND node_b_num = ?`, nodeANum, nodeBNum)

	l, err := scanLink(row)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFailedToScan, err)
	}

	return l, nil
}

const linkColumns = `id, node_a_num, node_b_num, a_to_b_packets, b_to_a_packets,
	bidirectional, first_seen, last_activity, last_packet_id`

func scanLink(row rowScanner) (*models.NodeLink, error) {
	var l models.NodeLink

	err := row.Scan(&l.ID, &l.NodeANum, &l.NodeBNum, &l.AToBPackets, &l.BToAPackets,
		&l.Bidirectional, &l.FirstSeen, &l.LastActivity, &l.LastPacketID)
	if err != nil {
		return nil, err
	}

	return &l, nil
}

// IncrementNodeLinkCounter bumps one directional counter atomically. The
// bidirectional flag flips in the same statement and, being an OR, never
// reverts. The refreshed row is returned.
func (db *DB) IncrementNodeLinkCounter(linkID int64, dir models.LinkDirection, packetID int64, seen time.Time) (*models.NodeLink, error) {
	// SET expressions see the pre-update values, so the flip condition only
	// needs to check the opposite counter.
	stmt := `UPDATE node_links SET a_to_b_packets = a_to_b_packets + 1,
		bidirectional = bidirectional OR b_to_a_packets > 0,
		last_activity = MAX(last_activity, ?), last_packet_id = ?
		WHERE id = ?`
	if dir == models.DirectionBToA {
		stmt = `UPDATE node_links SET b_to_a_packets = b_to_a_packets + 1,
			bidirectional = bidirectional OR a_to_b_packets > 0,
			last_activity = MAX(last_activity, ?), last_packet_id = ?
			WHERE id = ?`
	}

	_, err := db.Exec(stmt, seen, packetID, linkID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFailedToUpdate, err)
	}

	row := db.QueryRow(`SELECT `+linkColumns+` FROM node_links WHERE id = ?`, linkID)

	l, err := scanLink(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: link %d", ErrNotFound, linkID)
	} else if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFailedToScan, err)
	}

	return l, nil
}

// AttachNodeLinkChannel records that traffic for the link was seen on the
// channel. Repeat attaches are no-ops.
func (db *DB) AttachNodeLinkChannel(linkID, channelRowID int64) error {
	_, err := db.Exec(`INSERT OR IGNORE INTO node_link_channels (link_id, channel_row_id)
		VALUES (?, ?)`, linkID, channelRowID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFailedToInsert, err)
	}

	return nil
}

// GetOrCreateChannel returns the channel row, creating it on first sight.
func (db *DB) GetOrCreateChannel(channelID string, seen time.Time) (*models.Channel, error) {
	_, err := db.Exec(`INSERT INTO channels (channel_id, first_seen, last_seen)
		VALUES (?, ?, ?)
		ON CONFLICT(channel_id) DO UPDATE SET last_seen = MAX(last_seen, excluded.last_seen)`,
		channelID, seen, seen)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFailedToInsert, err)
	}

	row := db.QueryRow(`SELECT id, channel_id, psk, first_seen, last_seen
		FROM channels WHERE channel_id = ?`, channelID)

	var c models.Channel
	if err := row.Scan(&c.ID, &c.ChannelID, &c.PSK, &c.FirstSeen, &c.LastSeen); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFailedToScan, err)
	}

	return &c, nil
}

// SetChannelPSK stores the key for a channel, creating the row if needed.
func (db *DB) SetChannelPSK(channelID, psk string) error {
	now := time.Now().UTC()

	_, err := db.Exec(`INSERT INTO channels (channel_id, psk, first_seen, last_seen)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(channel_id) DO UPDATE SET psk = excluded.psk`,
		channelID, psk, now, now)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFailedToUpdate, err)
	}

	return nil
}

// ListChannels returns all known channels.
func (db *DB) ListChannels() ([]models.Channel, error) {
	rows, err := db.Query(`SELECT id, channel_id, psk, first_seen, last_seen FROM channels ORDER BY channel_id`)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFailedToQuery, err)
	}
	defer rows.Close()

	var out []models.Channel

	for rows.Next() {
		var c models.Channel
		if err := rows.Scan(&c.ID, &c.ChannelID, &c.PSK, &c.FirstSeen, &c.LastSeen); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFailedToScan, err)
		}

		out = append(out, c)
	}

	return out, rows.Err()
}
