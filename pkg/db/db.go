// Package db pkg/db/db.go provides the SQLite-backed mesh store.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/meshsight/meshsight/pkg/mesh"
	"github.com/meshsight/meshsight/pkg/models"
)

const createTablesSQL = `
	-- Mesh nodes with their last-known snapshot fields
	CREATE TABLE IF NOT EXISTS nodes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		node_num INTEGER NOT NULL UNIQUE,
		node_id TEXT NOT NULL,
		mac_address TEXT NOT NULL DEFAULT '',
		first_seen TIMESTAMP NOT NULL,
		last_seen TIMESTAMP NOT NULL,
		short_name TEXT NOT NULL DEFAULT '',
		long_name TEXT NOT NULL DEFAULT '',
		hw_model TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT '',
		public_key TEXT NOT NULL DEFAULT '',
		private_key TEXT NOT NULL DEFAULT '',
		is_licensed BOOLEAN NOT NULL DEFAULT 0,
		is_unmessagable BOOLEAN NOT NULL DEFAULT 0,
		is_virtual BOOLEAN NOT NULL DEFAULT 0,
		latitude REAL,
		longitude REAL,
		altitude INTEGER,
		accuracy INTEGER,
		location_source TEXT NOT NULL DEFAULT '',
		battery_level INTEGER,
		voltage REAL,
		channel_utilization REAL,
		air_util_tx REAL,
		uptime_seconds INTEGER,
		temperature REAL,
		relative_humidity REAL,
		barometric_pressure REAL,
		latency_reachable BOOLEAN,
		latency_ms INTEGER
	);

	-- Named channels and their keys
	CREATE TABLE IF NOT EXISTS channels (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		channel_id TEXT NOT NULL UNIQUE,
		psk TEXT NOT NULL DEFAULT '',
		first_seen TIMESTAMP NOT NULL,
		last_seen TIMESTAMP NOT NULL
	);

	-- Directed observations, one row per ordered pair
	CREATE TABLE IF NOT EXISTS edges (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source_num INTEGER NOT NULL,
		target_num INTEGER NOT NULL,
		last_rx_rssi INTEGER,
		last_rx_snr REAL,
		last_hops INTEGER NOT NULL DEFAULT 0,
		last_packet_id INTEGER NOT NULL DEFAULT 0,
		first_seen TIMESTAMP NOT NULL,
		last_seen TIMESTAMP NOT NULL,
		UNIQUE(source_num, target_num)
	);

	-- Undirected pairings in canonical orientation
	CREATE TABLE IF NOT EXISTS node_links (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		node_a_num INTEGER NOT NULL,
		node_b_num INTEGER NOT NULL,
		a_to_b_packets INTEGER NOT NULL DEFAULT 0,
		b_to_a_packets INTEGER NOT NULL DEFAULT 0,
		bidirectional BOOLEAN NOT NULL DEFAULT 0,
		first_seen TIMESTAMP NOT NULL,
		last_activity TIMESTAMP NOT NULL,
		last_packet_id INTEGER NOT NULL DEFAULT 0,
		UNIQUE(node_a_num, node_b_num)
	);

	CREATE TABLE IF NOT EXISTS node_link_channels (
		link_id INTEGER NOT NULL,
		channel_row_id INTEGER NOT NULL,
		PRIMARY KEY (link_id, channel_row_id),
		FOREIGN KEY (link_id) REFERENCES node_links(id) ON DELETE CASCADE,
		FOREIGN KEY (channel_row_id) REFERENCES channels(id) ON DELETE CASCADE
	);

	-- Received frames
	CREATE TABLE IF NOT EXISTS packets (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		time TIMESTAMP NOT NULL,
		from_num INTEGER NOT NULL,
		to_num INTEGER NOT NULL,
		gateway_id TEXT NOT NULL DEFAULT '',
		channel_id TEXT NOT NULL DEFAULT '',
		adapter_id TEXT NOT NULL DEFAULT '',
		packet_id INTEGER NOT NULL DEFAULT 0,
		rx_time INTEGER NOT NULL DEFAULT 0,
		rx_rssi INTEGER,
		rx_snr REAL,
		hop_limit INTEGER,
		hop_start INTEGER,
		next_hop INTEGER,
		relay_node INTEGER,
		want_ack BOOLEAN NOT NULL DEFAULT 0,
		ackd BOOLEAN NOT NULL DEFAULT 0,
		priority TEXT NOT NULL DEFAULT '',
		via_mqtt BOOLEAN NOT NULL DEFAULT 0,
		pki_encrypted BOOLEAN NOT NULL DEFAULT 0
	);

	-- Decoded application data, at most one row per packet
	CREATE TABLE IF NOT EXISTS packet_data (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		packet_row_id INTEGER NOT NULL,
		time TIMESTAMP NOT NULL,
		portnum INTEGER NOT NULL,
		port TEXT NOT NULL DEFAULT '',
		raw_payload BLOB,
		source INTEGER NOT NULL DEFAULT 0,
		dest INTEGER NOT NULL DEFAULT 0,
		request_id INTEGER NOT NULL DEFAULT 0,
		reply_id INTEGER NOT NULL DEFAULT 0,
		want_response BOOLEAN NOT NULL DEFAULT 0,
		got_response BOOLEAN NOT NULL DEFAULT 0,
		FOREIGN KEY (packet_row_id) REFERENCES packets(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS telemetry_payloads (
		packet_data_id INTEGER PRIMARY KEY,
		battery_level INTEGER,
		voltage REAL,
		channel_utilization REAL,
		air_util_tx REAL,
		uptime_seconds INTEGER,
		temperature REAL,
		relative_humidity REAL,
		barometric_pressure REAL,
		gas_resistance REAL,
		iaq INTEGER,
		FOREIGN KEY (packet_data_id) REFERENCES packet_data(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS position_payloads (
		packet_data_id INTEGER PRIMARY KEY,
		latitude REAL,
		longitude REAL,
		altitude INTEGER,
		accuracy INTEGER,
		seq_number INTEGER,
		location_source TEXT NOT NULL DEFAULT '',
		FOREIGN KEY (packet_data_id) REFERENCES packet_data(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS node_info_payloads (
		packet_data_id INTEGER PRIMARY KEY,
		short_name TEXT NOT NULL DEFAULT '',
		long_name TEXT NOT NULL DEFAULT '',
		hw_model TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT '',
		public_key TEXT NOT NULL DEFAULT '',
		is_licensed BOOLEAN NOT NULL DEFAULT 0,
		is_unmessagable BOOLEAN NOT NULL DEFAULT 0,
		FOREIGN KEY (packet_data_id) REFERENCES packet_data(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS neighbor_info_payloads (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		packet_data_id INTEGER NOT NULL,
		reporting_node_num INTEGER NOT NULL,
		last_sent_by_node_num INTEGER NOT NULL DEFAULT 0,
		broadcast_interval_secs INTEGER,
		FOREIGN KEY (packet_data_id) REFERENCES packet_data(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS neighbor_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		payload_id INTEGER NOT NULL,
		neighbor_num INTEGER NOT NULL,
		snr REAL,
		last_rx_time TIMESTAMP,
		broadcast_interval_secs INTEGER,
		FOREIGN KEY (payload_id) REFERENCES neighbor_info_payloads(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS route_discovery_routes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		node_list TEXT NOT NULL DEFAULT '[]',
		hops INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS route_discovery_payloads (
		packet_data_id INTEGER PRIMARY KEY,
		route_towards_id INTEGER,
		route_back_id INTEGER,
		snr_towards TEXT NOT NULL DEFAULT '[]',
		snr_back TEXT NOT NULL DEFAULT '[]',
		FOREIGN KEY (packet_data_id) REFERENCES packet_data(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS routing_payloads (
		packet_data_id INTEGER PRIMARY KEY,
		error_reason TEXT NOT NULL DEFAULT '',
		FOREIGN KEY (packet_data_id) REFERENCES packet_data(id) ON DELETE CASCADE
	);

	-- Capture sessions
	CREATE TABLE IF NOT EXISTS capture_sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		filename TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'RUNNING',
		adapter_filter TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMP NOT NULL,
		ended_at TIMESTAMP,
		packet_count INTEGER NOT NULL DEFAULT 0,
		byte_count INTEGER NOT NULL DEFAULT 0,
		max_bytes INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '{}'
	);

	-- Reachability probes, written pending and updated in place
	CREATE TABLE IF NOT EXISTS latency_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		node_num INTEGER NOT NULL,
		probe_message_id INTEGER NOT NULL DEFAULT 0,
		sent_at TIMESTAMP NOT NULL,
		reachable BOOLEAN NOT NULL DEFAULT 0,
		latency_ms INTEGER,
		responded_at TIMESTAMP,
		method TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS presence_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		node_num INTEGER NOT NULL,
		online BOOLEAN NOT NULL,
		seen_at TIMESTAMP NOT NULL
	);

	-- Singleton scheduler configuration
	CREATE TABLE IF NOT EXISTS keepalive_config (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		enabled BOOLEAN NOT NULL DEFAULT 0,
		interval_secs INTEGER NOT NULL DEFAULT 300,
		offline_after_secs INTEGER NOT NULL DEFAULT 900,
		scope TEXT NOT NULL DEFAULT 'all',
		method TEXT NOT NULL DEFAULT 'probe',
		selected_nodes TEXT NOT NULL DEFAULT '[]',
		from_node_num INTEGER NOT NULL DEFAULT 0,
		channel_index INTEGER NOT NULL DEFAULT 0,
		hop_limit INTEGER NOT NULL DEFAULT 0,
		hop_start INTEGER NOT NULL DEFAULT 0,
		last_run_at TIMESTAMP,
		last_error TEXT NOT NULL DEFAULT ''
	);

	-- Indexes for the hot lookups
	CREATE INDEX IF NOT EXISTS idx_packets_packet_id ON packets(packet_id);
	CREATE INDEX IF NOT EXISTS idx_packets_from_time ON packets(from_num, time);
	CREATE INDEX IF NOT EXISTS idx_packet_data_packet ON packet_data(packet_row_id);
	CREATE INDEX IF NOT EXISTS idx_latency_node_probe
		ON latency_history(node_num, probe_message_id);
	CREATE INDEX IF NOT EXISTS idx_presence_node_time ON presence_history(node_num, seen_at);
	CREATE INDEX IF NOT EXISTS idx_neighbor_entries_payload ON neighbor_entries(payload_id);

	-- Enable WAL mode for better concurrent access
	PRAGMA journal_mode=WAL;
	PRAGMA foreign_keys=ON;
	`

// DB is the SQLite implementation of Service.
type DB struct {
	*sql.DB
}

// New opens (creating if needed) the store at dbPath and initializes the
// schema.
func New(dbPath string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFailedOpenDB, err)
	}

	db := &DB{sqlDB}

	if err := db.initSchema(); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	log.Printf("Opened mesh store at %s", dbPath)

	return db, nil
}

func (db *DB) initSchema() error {
	if _, err := db.Exec(createTablesSQL); err != nil {
		return fmt.Errorf("%w: %w", ErrFailedToInit, err)
	}

	return nil
}

const nodeColumns = `id, node_num, node_id, mac_address, first_seen, last_seen,
	short_name, long_name, hw_model, role, public_key, private_key,
	is_licensed, is_unmessagable, is_virtual,
	latitude, longitude, altitude, accuracy, location_source,
	battery_level, voltage, channel_utilization, air_util_tx, uptime_seconds,
	temperature, relative_humidity, barometric_pressure,
	latency_reachable, latency_ms`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (*models.Node, error) {
	var (
		n       models.Node
		lat     sql.NullFloat64
		lon     sql.NullFloat64
		alt     sql.NullInt32
		acc     sql.NullInt32
		battery sql.NullInt32
		voltage sql.NullFloat64
		chUtil  sql.NullFloat64
		airUtil sql.NullFloat64
		uptime  sql.NullInt64
		temp    sql.NullFloat64
		humid   sql.NullFloat64
		baro    sql.NullFloat64
		reach   sql.NullBool
		latency sql.NullInt64
	)

	err := row.Scan(&n.ID, &n.NodeNum, &n.NodeID, &n.MacAddr, &n.FirstSeen, &n.LastSeen,
		&n.ShortName, &n.LongName, &n.HwModel, &n.Role, &n.PublicKey, &n.PrivateKey,
		&n.IsLicensed, &n.IsUnmessagable, &n.IsVirtual,
		&lat, &lon, &alt, &acc, &n.LocationSource,
		&battery, &voltage, &chUtil, &airUtil, &uptime,
		&temp, &humid, &baro,
		&reach, &latency)
	if err != nil {
		return nil, err
	}

	n.Latitude = nullFloat(lat)
	n.Longitude = nullFloat(lon)
	n.Altitude = nullInt32(alt)
	n.Accuracy = nullInt32(acc)
	n.BatteryLevel = nullInt32(battery)
	n.Voltage = nullFloat(voltage)
	n.ChannelUtilization = nullFloat(chUtil)
	n.AirUtilTx = nullFloat(airUtil)
	n.UptimeSeconds = nullInt64(uptime)
	n.Temperature = nullFloat(temp)
	n.RelativeHumidity = nullFloat(humid)
	n.BarometricPressure = nullFloat(baro)

	if reach.Valid {
		n.LatencyReachable = &reach.Bool
	}

	if latency.Valid {
		ms := uint32(latency.Int64)
		n.LatencyMs = &ms
	}

	return &n, nil
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}

	return &v.Float64
}

func nullInt32(v sql.NullInt32) *int32 {
	if !v.Valid {
		return nil
	}

	return &v.Int32
}

func nullInt64(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}

	return &v.Int64
}

// GetOrCreateNode returns the node for nodeNum, creating it on first sight
// and advancing last_seen otherwise.
func (db *DB) GetOrCreateNode(nodeNum int64, seen time.Time) (*models.Node, error) {
	_, err := db.Exec(`INSERT INTO nodes (node_num, node_id, first_seen, last_seen)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(node_num) DO UPDATE SET last_seen = MAX(last_seen, excluded.last_seen)`,
		nodeNum, mesh.NumToID(uint32(nodeNum)), seen, seen)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFailedToInsert, err)
	}

	return db.GetNode(nodeNum)
}

// GetNode fetches a node by its radio number.
func (db *DB) GetNode(nodeNum int64) (*models.Node, error) {
	row := db.QueryRow(`SELECT `+nodeColumns+` FROM nodes WHERE node_num = ?`, nodeNum)

	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: node %d", ErrNotFound, nodeNum)
	} else if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFailedToScan, err)
	}

	return n, nil
}

// ListNodes returns all known nodes.
func (db *DB) ListNodes() ([]models.Node, error) {
	rows, err := db.Query(`SELECT ` + nodeColumns + ` FROM nodes ORDER BY node_num`)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFailedToQuery, err)
	}
	defer rows.Close()

	var out []models.Node

	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFailedToScan, err)
		}

		out = append(out, *n)
	}

	return out, rows.Err()
}

// UpdateNodeInfo mirrors a node-info payload onto the node row.
func (db *DB) UpdateNodeInfo(nodeNum int64, info *models.NodeInfoPayload, seen time.Time) error {
	_, err := db.Exec(`UPDATE nodes SET short_name = ?, long_name = ?, hw_model = ?,
		role = ?, public_key = ?, is_licensed = ?, is_unmessagable = ?, last_seen = MAX(last_seen, ?)
		WHERE node_num = ?`,
		info.ShortName, info.LongName, info.HwModel, info.Role, info.PublicKey,
		info.IsLicensed, info.IsUnmessagable, seen, nodeNum)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFailedToUpdate, err)
	}

	return nil
}

// UpdateNodePosition mirrors a position payload onto the node row.
func (db *DB) UpdateNodePosition(nodeNum int64, pos *models.PositionPayload, seen time.Time) error {
	_, err := db.Exec(`UPDATE nodes SET latitude = ?, longitude = ?, altitude = ?,
		accuracy = ?, location_source = ?, last_seen = MAX(last_seen, ?)
		WHERE node_num = ?`,
		pos.Latitude, pos.Longitude, pos.Altitude, pos.Accuracy, pos.LocationSource,
		seen, nodeNum)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFailedToUpdate, err)
	}

	return nil
}

// UpdateNodeTelemetry mirrors telemetry readings onto the node row. Only
// readings present in the payload overwrite the snapshot.
func (db *DB) UpdateNodeTelemetry(nodeNum int64, tel *models.TelemetryPayload, seen time.Time) error {
	_, err := db.Exec(`UPDATE nodes SET
		battery_level = COALESCE(?, battery_level),
		voltage = COALESCE(?, voltage),
		channel_utilization = COALESCE(?, channel_utilization),
		air_util_tx = COALESCE(?, air_util_tx),
		uptime_seconds = COALESCE(?, uptime_seconds),
		temperature = COALESCE(?, temperature),
		relative_humidity = COALESCE(?, relative_humidity),
		barometric_pressure = COALESCE(?, barometric_pressure),
		last_seen = MAX(last_seen, ?)
		WHERE node_num = ?`,
		tel.BatteryLevel, tel.Voltage, tel.ChannelUtilization, tel.AirUtilTx,
		tel.UptimeSeconds, tel.Temperature, tel.RelativeHumidity, tel.BarometricPressure,
		seen, nodeNum)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFailedToUpdate, err)
	}

	return nil
}

// SetNodeKeys stores a node's keypair. Nodes holding a private key are the
// ones this deployment operates, so they are marked virtual.
func (db *DB) SetNodeKeys(nodeNum int64, publicKey, privateKey string) error {
	_, err := db.Exec(`UPDATE nodes SET public_key = ?, private_key = ?, is_virtual = ?
		WHERE node_num = ?`,
		publicKey, privateKey, privateKey != "", nodeNum)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFailedToUpdate, err)
	}

	return nil
}

// UpdateNodeLatency mirrors the latest probe outcome onto the node row.
func (db *DB) UpdateNodeLatency(nodeNum int64, reachable bool, latencyMs *uint32) error {
	_, err := db.Exec(`UPDATE nodes SET latency_reachable = ?, latency_ms = ? WHERE node_num = ?`,
		reachable, latencyMs, nodeNum)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFailedToUpdate, err)
	}

	return nil
}
