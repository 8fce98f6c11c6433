package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"strategia.ai/internal/client"
	"strategia.ai/internal/mirror"
	"strategia.ai/internal/protocol"
	"strategia.ai/internal/sim/bus"
)

func main() {
	var (
		url     = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name    = flag.String("name", "observer", "client name")
		watch   = flag.String("watch", "", "stockpile target, e.g. FACTION:F1 or UNIT:U3 (optional)")
		zstd    = flag.Bool("zstd", true, "accept zstd-compressed frames")
		status  = flag.Duration("status", 10*time.Second, "status log interval (0 disables)")
		verbose = flag.Bool("v", false, "log every mirror change")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[observer] ", log.LstdFlags|log.Lmicroseconds)

	var target protocol.Target
	if *watch != "" {
		t, err := parseTarget(*watch)
		if err != nil {
			logger.Fatalf("watch: %v", err)
		}
		target = t
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b := bus.New()
	if *verbose {
		bus.Subscribe(b, mirror.ChangedTopic, func(c mirror.Changed) {
			logger.Printf("changed %s seq=%d ids=%v", c.Kind, c.Seq, c.IDs)
		})
	}

	s, err := client.Dial(ctx, client.Config{
		URL:    *url,
		Name:   *name,
		Zstd:   *zstd,
		Logger: logger,
		Bus:    b,
	})
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	w := s.Welcome()
	logger.Printf("WELCOME client_id=%s tick=%d sim_rate=%d flush_rate=%d compression=%q",
		w.ClientID, w.Tick, w.SimRateHz, w.FlushRateHz, w.Compression)

	go func() {
		if target.Valid() {
			if err := watchWhenReady(ctx, s, target); err != nil {
				logger.Printf("watch %s: %v", target, err)
			} else {
				logger.Printf("watching %s", target)
			}
		}
		if *status > 0 {
			statusLoop(ctx, s, logger, *status)
		}
	}()

	if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Printf("session ended: %v", err)
		os.Exit(1)
	}
}

func parseTarget(v string) (protocol.Target, error) {
	kind, id, ok := strings.Cut(strings.TrimSpace(v), ":")
	t := protocol.Target{OwnerKind: strings.ToUpper(kind), OwnerID: id}
	if !ok || !t.Valid() {
		return protocol.Target{}, fmt.Errorf("bad target %q", v)
	}
	return t, nil
}

// watchWhenReady waits for the entity snapshots; a unit target can only be
// scoped once the unit is in the mirror.
func watchWhenReady(ctx context.Context, s *client.Session, t protocol.Target) error {
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		ready := false
		if err := s.Do(ctx, func(set *mirror.Set) { ready = set.Ready() }); err != nil {
			return err
		}
		if ready {
			return s.Watch(ctx, t)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

func statusLoop(ctx context.Context, s *client.Session, logger *log.Logger, every time.Duration) {
	tick := time.NewTicker(every)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
		var line string
		err := s.Do(ctx, func(set *mirror.Set) {
			line = fmt.Sprintf("factions=%d cells=%d units=%d types=%d stockpile=%d reservations=%d halted=%d",
				set.Factions.Len(), set.Cells.Len(), set.Units.Len(), set.Types.Len(),
				len(set.Stockpile.Entries()), len(set.Reservations.All()), len(set.Halted()))
		})
		if err != nil {
			return
		}
		st := s.Stats()
		logger.Printf("%s frames=%d bytes=%d failures=%d retry_pending=%d", line, st.Frames, st.Bytes, st.Failures, st.Retry.Pending)
	}
}
