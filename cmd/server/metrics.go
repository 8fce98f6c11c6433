package main

import (
	"fmt"
	"io"

	"strategia.ai/internal/persistence/indexdb"
	"strategia.ai/internal/sim/world"
	"strategia.ai/internal/transport/ws"
)

// writeMetrics renders the Prometheus text exposition format.
func writeMetrics(rw io.Writer, worldID string, m world.WorldMetrics, hub *ws.Hub, idx *indexdb.Stats) {
	fmt.Fprintf(rw, "# HELP strategia_world_tick Current world tick.\n")
	fmt.Fprintf(rw, "# TYPE strategia_world_tick gauge\n")
	fmt.Fprintf(rw, "strategia_world_tick{world=%q} %d\n", worldID, m.Tick)

	fmt.Fprintf(rw, "# HELP strategia_world_seq Last message sequence number issued.\n")
	fmt.Fprintf(rw, "# TYPE strategia_world_seq gauge\n")
	fmt.Fprintf(rw, "strategia_world_seq{world=%q} %d\n", worldID, m.Sequence)

	fmt.Fprintf(rw, "# HELP strategia_world_entities Authoritative record count per kind.\n")
	fmt.Fprintf(rw, "# TYPE strategia_world_entities gauge\n")
	fmt.Fprintf(rw, "strategia_world_entities{world=%q,kind=%q} %d\n", worldID, "factions", m.Factions)
	fmt.Fprintf(rw, "strategia_world_entities{world=%q,kind=%q} %d\n", worldID, "cells", m.Cells)
	fmt.Fprintf(rw, "strategia_world_entities{world=%q,kind=%q} %d\n", worldID, "units", m.Units)

	fmt.Fprintf(rw, "# HELP strategia_world_clients Current number of joined clients.\n")
	fmt.Fprintf(rw, "# TYPE strategia_world_clients gauge\n")
	fmt.Fprintf(rw, "strategia_world_clients{world=%q} %d\n", worldID, m.Clients)

	fmt.Fprintf(rw, "# HELP strategia_world_watching Clients with an active stockpile watch.\n")
	fmt.Fprintf(rw, "# TYPE strategia_world_watching gauge\n")
	fmt.Fprintf(rw, "strategia_world_watching{world=%q} %d\n", worldID, m.Watching)

	fmt.Fprintf(rw, "# HELP strategia_world_flushes_total Replication flushes run.\n")
	fmt.Fprintf(rw, "# TYPE strategia_world_flushes_total counter\n")
	fmt.Fprintf(rw, "strategia_world_flushes_total{world=%q} %d\n", worldID, m.Flushes)

	fmt.Fprintf(rw, "# HELP strategia_flush_messages_total Messages emitted by flushes.\n")
	fmt.Fprintf(rw, "# TYPE strategia_flush_messages_total counter\n")
	fmt.Fprintf(rw, "strategia_flush_messages_total{world=%q} %d\n", worldID, m.FlushMessages)

	fmt.Fprintf(rw, "# HELP strategia_flush_bytes_total Bytes emitted by flushes before compression.\n")
	fmt.Fprintf(rw, "# TYPE strategia_flush_bytes_total counter\n")
	fmt.Fprintf(rw, "strategia_flush_bytes_total{world=%q} %d\n", worldID, m.FlushBytes)

	fmt.Fprintf(rw, "# HELP strategia_reservation_messages_total Reservation lifecycle messages sent.\n")
	fmt.Fprintf(rw, "# TYPE strategia_reservation_messages_total counter\n")
	fmt.Fprintf(rw, "strategia_reservation_messages_total{world=%q} %d\n", worldID, m.Reservations)

	fmt.Fprintf(rw, "# HELP strategia_world_sessions_total Client joins and leaves.\n")
	fmt.Fprintf(rw, "# TYPE strategia_world_sessions_total counter\n")
	fmt.Fprintf(rw, "strategia_world_sessions_total{world=%q,event=%q} %d\n", worldID, "join", m.Joins)
	fmt.Fprintf(rw, "strategia_world_sessions_total{world=%q,event=%q} %d\n", worldID, "leave", m.Leaves)

	fmt.Fprintf(rw, "# HELP strategia_world_errors_total Rejected commands and driver failures.\n")
	fmt.Fprintf(rw, "# TYPE strategia_world_errors_total counter\n")
	fmt.Fprintf(rw, "strategia_world_errors_total{world=%q,source=%q} %d\n", worldID, "command", m.CommandErrors)
	fmt.Fprintf(rw, "strategia_world_errors_total{world=%q,source=%q} %d\n", worldID, "driver", m.DriverErrors)

	fmt.Fprintf(rw, "# HELP strategia_world_queue_depth Channel backlog depth.\n")
	fmt.Fprintf(rw, "# TYPE strategia_world_queue_depth gauge\n")
	fmt.Fprintf(rw, "strategia_world_queue_depth{world=%q,queue=%q} %d\n", worldID, "inbox", m.QueueDepths.Inbox)
	fmt.Fprintf(rw, "strategia_world_queue_depth{world=%q,queue=%q} %d\n", worldID, "join", m.QueueDepths.Join)
	fmt.Fprintf(rw, "strategia_world_queue_depth{world=%q,queue=%q} %d\n", worldID, "leave", m.QueueDepths.Leave)
	fmt.Fprintf(rw, "strategia_world_queue_depth{world=%q,queue=%q} %d\n", worldID, "watch", m.QueueDepths.Watch)

	fmt.Fprintf(rw, "# HELP strategia_world_step_ms Last tick step duration in milliseconds.\n")
	fmt.Fprintf(rw, "# TYPE strategia_world_step_ms gauge\n")
	fmt.Fprintf(rw, "strategia_world_step_ms{world=%q} %.3f\n", worldID, m.StepMS)

	fmt.Fprintf(rw, "# HELP strategia_world_flush_ms Last flush duration in milliseconds.\n")
	fmt.Fprintf(rw, "# TYPE strategia_world_flush_ms gauge\n")
	fmt.Fprintf(rw, "strategia_world_flush_ms{world=%q} %.3f\n", worldID, m.FlushMS)

	if hub != nil {
		fmt.Fprintf(rw, "# HELP strategia_ws_kicked_total Clients disconnected for overflowing their queue.\n")
		fmt.Fprintf(rw, "# TYPE strategia_ws_kicked_total counter\n")
		fmt.Fprintf(rw, "strategia_ws_kicked_total{world=%q} %d\n", worldID, hub.Kicks())

		fmt.Fprintf(rw, "# HELP strategia_ws_compressed_frames_total Frames queued in zstd form.\n")
		fmt.Fprintf(rw, "# TYPE strategia_ws_compressed_frames_total counter\n")
		fmt.Fprintf(rw, "strategia_ws_compressed_frames_total{world=%q} %d\n", worldID, hub.Compressed())
	}

	if idx != nil {
		fmt.Fprintf(rw, "# HELP strategia_index_queue_depth Index writer backlog.\n")
		fmt.Fprintf(rw, "# TYPE strategia_index_queue_depth gauge\n")
		fmt.Fprintf(rw, "strategia_index_queue_depth %d\n", idx.QueueDepth)

		fmt.Fprintf(rw, "# HELP strategia_index_dropped_total Index writes dropped because the queue was full.\n")
		fmt.Fprintf(rw, "# TYPE strategia_index_dropped_total counter\n")
		fmt.Fprintf(rw, "strategia_index_dropped_total{kind=%q} %d\n", "flush", idx.DropFlush)
		fmt.Fprintf(rw, "strategia_index_dropped_total{kind=%q} %d\n", "session", idx.DropSession)

		fmt.Fprintf(rw, "# HELP strategia_index_write_errors_total Failed index transactions.\n")
		fmt.Fprintf(rw, "# TYPE strategia_index_write_errors_total counter\n")
		fmt.Fprintf(rw, "strategia_index_write_errors_total %d\n", idx.WriteErrors)
	}
}
