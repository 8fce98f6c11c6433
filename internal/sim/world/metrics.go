package world

// WorldMetrics is a thread-safe read-only view of key world runtime signals.
type WorldMetrics struct {
	Tick     uint64 `json:"tick"`
	Flushes  uint64 `json:"flushes"`
	Sequence uint64 `json:"sequence"`

	Clients  int `json:"clients"`
	Watching int `json:"watching"`

	Factions     int    `json:"factions"`
	Cells        int    `json:"cells"`
	Units        int    `json:"units"`
	Reservations uint64 `json:"reservation_messages"`

	Joins  uint64 `json:"joins"`
	Leaves uint64 `json:"leaves"`

	Commands      uint64 `json:"commands"`
	CommandErrors uint64 `json:"command_errors"`
	DriverErrors  uint64 `json:"driver_errors"`

	FlushMessages uint64 `json:"flush_messages"`
	FlushBytes    uint64 `json:"flush_bytes"`

	QueueDepths QueueDepths `json:"queue_depths"`

	StepMS  float64 `json:"step_ms"`
	FlushMS float64 `json:"flush_ms"`
}

type QueueDepths struct {
	Inbox int `json:"inbox"`
	Join  int `json:"join"`
	Leave int `json:"leave"`
	Watch int `json:"watch"`
}

type counters struct {
	joins, leaves           uint64
	commands, commandErrors uint64
	driverErrors            uint64
	flushMessages           uint64
	flushBytes              uint64
	stepMS, flushMS         float64
}

func (w *World) Metrics() WorldMetrics {
	if w == nil {
		return WorldMetrics{}
	}
	m, _ := w.metrics.Load().(WorldMetrics)
	return m
}

// publishMetrics runs on the world goroutine. flushMS is zero outside a flush.
func (w *World) publishMetrics(flushMS float64) {
	if flushMS > 0 {
		w.counters.flushMS = flushMS
	}
	c := w.counters
	w.metrics.Store(WorldMetrics{
		Tick:          w.tick.Load(),
		Flushes:       w.flushes,
		Sequence:      w.seq.Current(),
		Clients:       w.netOut.Clients(),
		Watching:      len(w.watching),
		Factions:      w.stores.Factions.Len(),
		Cells:         w.stores.Cells.Len(),
		Units:         w.stores.Units.Len(),
		Reservations:  w.reservations.Messages(),
		Joins:         c.joins,
		Leaves:        c.leaves,
		Commands:      c.commands,
		CommandErrors: c.commandErrors,
		DriverErrors:  c.driverErrors,
		FlushMessages: c.flushMessages,
		FlushBytes:    c.flushBytes,
		QueueDepths: QueueDepths{
			Inbox: len(w.inbox),
			Join:  len(w.join),
			Leave: len(w.leave),
			Watch: len(w.watch),
		},
		StepMS:  c.stepMS,
		FlushMS: c.flushMS,
	})
}
