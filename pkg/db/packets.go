// Package db pkg/db/packets.go: packet and payload persistence.
package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/meshsight/meshsight/pkg/models"
)

// InsertPacket stores a received frame and returns its row id.
func (db *DB) InsertPacket(p *models.Packet) (int64, error) {
	res, err := db.Exec(`INSERT INTO packets
		(time, from_num, to_num, gateway_id, channel_id, adapter_id, packet_id, rx_time,
		 rx_rssi, rx_snr, hop_limit, hop_start, next_hop, relay_node,
		 want_ack, ackd, priority, via_mqtt, pki_encrypted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Time, p.FromNum, p.ToNum, p.GatewayID, p.ChannelID, p.AdapterID, p.PacketID, p.RxTime,
		p.RxRSSI, p.RxSNR, p.HopLimit, p.HopStart, p.NextHop, p.RelayNode,
		p.WantAck, p.Ackd, p.Priority, p.ViaMQTT, p.PKIEncrypted)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrFailedToInsert, err)
	}

	return res.LastInsertId()
}

// InsertPacketData stores the decoded application record of a packet.
func (db *DB) InsertPacketData(d *models.PacketData) (int64, error) {
	res, err := db.Exec(`INSERT INTO packet_data
		(packet_row_id, time, portnum, port, raw_payload, source, dest,
		 request_id, reply_id, want_response, got_response)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.PacketRowID, d.Time, d.Portnum, d.Port, d.RawPayload, d.Source, d.Dest,
		d.RequestID, d.ReplyID, d.WantResponse, d.GotResponse)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrFailedToInsert, err)
	}

	return res.LastInsertId()
}

// GetPacketByRadioID returns the most recent packet carrying the given radio
// packet id.
func (db *DB) GetPacketByRadioID(radioID int64) (*models.Packet, error) {
	row := db.QueryRow(`SELECT id, time, from_num, to_num, gateway_id, channel_id, adapter_id,
		packet_id, rx_time, rx_rssi, rx_snr, hop_limit, hop_start, next_hop, relay_node,
		want_ack, ackd, priority, via_mqtt, pki_encrypted
		FROM packets WHERE packet_id = ? ORDER BY id DESC LIMIT 1`, radioID)

	var (
		p        models.Packet
		rssi     sql.NullInt32
		snr      sql.NullFloat64
		hopLimit sql.NullInt32
		hopStart sql.NullInt32
		nextHop  sql.NullInt32
		relay    sql.NullInt32
	)

	err := row.Scan(&p.ID, &p.Time, &p.FromNum, &p.ToNum, &p.GatewayID, &p.ChannelID, &p.AdapterID,
		&p.PacketID, &p.RxTime, &rssi, &snr, &hopLimit, &hopStart, &nextHop, &relay,
		&p.WantAck, &p.Ackd, &p.Priority, &p.ViaMQTT, &p.PKIEncrypted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: packet %d", ErrNotFound, radioID)
	} else if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFailedToScan, err)
	}

	p.RxRSSI = nullInt32(rssi)
	p.RxSNR = nullFloat(snr)
	p.HopLimit = nullInt32(hopLimit)
	p.HopStart = nullInt32(hopStart)
	p.NextHop = nullInt32(nextHop)
	p.RelayNode = nullInt32(relay)

	return &p, nil
}

// ListPacketData returns the decoded records of one packet row.
func (db *DB) ListPacketData(packetRowID int64) ([]models.PacketData, error) {
	rows, err := db.Query(`SELECT id, packet_row_id, time, portnum, port, raw_payload,
		source, dest, request_id, reply_id, want_response, got_response
		FROM packet_data WHERE packet_row_id = ? ORDER BY id`, packetRowID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFailedToQuery, err)
	}
	defer rows.Close()

	var out []models.PacketData

	for rows.Next() {
		var d models.PacketData

		err := rows.Scan(&d.ID, &d.PacketRowID, &d.Time, &d.Portnum, &d.Port, &d.RawPayload,
			&d.Source, &d.Dest, &d.RequestID, &d.ReplyID, &d.WantResponse, &d.GotResponse)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFailedToScan, err)
		}

		out = append(out, d)
	}

	return out, rows.Err()
}

// MarkRequestAcked flags every packet carrying the radio id as acknowledged
// and its data rows as answered.
func (db *DB) MarkRequestAcked(radioID int64) error {
	if _, err := db.Exec(`UPDATE packets SET ackd = 1 WHERE packet_id = ?`, radioID); err != nil {
		return fmt.Errorf("%w: %w", ErrFailedToUpdate, err)
	}

	_, err := db.Exec(`UPDATE packet_data SET got_response = 1
		WHERE packet_row_id IN (SELECT id FROM packets WHERE packet_id = ?)`, radioID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFailedToUpdate, err)
	}

	return nil
}

// InsertTelemetryPayload stores the flattened telemetry record.
func (db *DB) InsertTelemetryPayload(p *models.TelemetryPayload) error {
	_, err := db.Exec(`INSERT INTO telemetry_payloads
		(packet_data_id, battery_level, voltage, channel_utilization, air_util_tx,
		 uptime_seconds, temperature, relative_humidity, barometric_pressure,
		 gas_resistance, iaq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.PacketDataID, p.BatteryLevel, p.Voltage, p.ChannelUtilization, p.AirUtilTx,
		p.UptimeSeconds, p.Temperature, p.RelativeHumidity, p.BarometricPressure,
		p.GasResistance, p.IAQ)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFailedToInsert, err)
	}

	return nil
}

// InsertPositionPayload stores a decoded position record.
func (db *DB) InsertPositionPayload(p *models.PositionPayload) error {
	_, err := db.Exec(`INSERT INTO position_payloads
		(packet_data_id, latitude, longitude, altitude, accuracy, seq_number, location_source)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.PacketDataID, p.Latitude, p.Longitude, p.Altitude, p.Accuracy, p.SeqNumber, p.LocationSource)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFailedToInsert, err)
	}

	return nil
}

// InsertNodeInfoPayload stores a decoded identity record.
func (db *DB) InsertNodeInfoPayload(p *models.NodeInfoPayload) error {
	_, err := db.Exec(`INSERT INTO node_info_payloads
		(packet_data_id, short_name, long_name, hw_model, role, public_key, is_licensed, is_unmessagable)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.PacketDataID, p.ShortName, p.LongName, p.HwModel, p.Role, p.PublicKey,
		p.IsLicensed, p.IsUnmessagable)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFailedToInsert, err)
	}

	return nil
}

// ReplaceNeighborInfo stores an advertised neighbor table and drops the
// entries of the reporting node's previous advertisement. History payload
// rows stay; only the current entry set is replaced.
func (db *DB) ReplaceNeighborInfo(p *models.NeighborInfoPayload) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFailedToBeginTx, err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(`INSERT INTO neighbor_info_payloads
		(packet_data_id, reporting_node_num, last_sent_by_node_num, broadcast_interval_secs)
		VALUES (?, ?, ?, ?)`,
		p.PacketDataID, p.ReportingNodeNum, p.LastSentByNodeNum, p.BroadcastIntervalSecs)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFailedToInsert, err)
	}

	payloadID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFailedToInsert, err)
	}

	_, err = tx.Exec(`DELETE FROM neighbor_entries WHERE payload_id IN
		(SELECT id FROM neighbor_info_payloads WHERE reporting_node_num = ? AND id != ?)`,
		p.ReportingNodeNum, payloadID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFailedToDelete, err)
	}

	for i := range p.Neighbors {
		n := &p.Neighbors[i]

		_, err = tx.Exec(`INSERT INTO neighbor_entries
			(payload_id, neighbor_num, snr, last_rx_time, broadcast_interval_secs)
			VALUES (?, ?, ?, ?, ?)`,
			payloadID, n.NeighborNum, n.SNR, n.LastRxTime, n.BroadcastIntervalSecs)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrFailedToInsert, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", ErrFailedToInsert, err)
	}

	p.ID = payloadID

	return nil
}

// InsertRoute stores an ordered hop list and returns its row id.
func (db *DB) InsertRoute(r *models.RouteDiscoveryRoute) (int64, error) {
	nodes, err := json.Marshal(r.NodeList)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrFailedToInsert, err)
	}

	res, err := db.Exec(`INSERT INTO route_discovery_routes (node_list, hops) VALUES (?, ?)`,
		string(nodes), r.Hops)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrFailedToInsert, err)
	}

	return res.LastInsertId()
}

// InsertRouteDiscoveryPayload links route rows and SNR lists to a data row.
func (db *DB) InsertRouteDiscoveryPayload(p *models.RouteDiscoveryPayload) error {
	towards, err := json.Marshal(p.SNRTowards)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFailedToInsert, err)
	}

	back, err := json.Marshal(p.SNRBack)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFailedToInsert, err)
	}

	_, err = db.Exec(`INSERT INTO route_discovery_payloads
		(packet_data_id, route_towards_id, route_back_id, snr_towards, snr_back)
		VALUES (?, ?, ?, ?, ?)`,
		p.PacketDataID, p.RouteTowardsID, p.RouteBackID, string(towards), string(back))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFailedToInsert, err)
	}

	return nil
}

// InsertRoutingPayload stores a routing control record.
func (db *DB) InsertRoutingPayload(p *models.RoutingPayload) error {
	_, err := db.Exec(`INSERT INTO routing_payloads (packet_data_id, error_reason) VALUES (?, ?)`,
		p.PacketDataID, p.ErrorReason)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFailedToInsert, err)
	}

	return nil
}
