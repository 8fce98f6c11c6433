package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	persistlog "strategia.ai/internal/persistence/log"
	"strategia.ai/internal/sim/world"
)

func main() {
	var (
		dataDir  = flag.String("data", "./data", "runtime data directory")
		worldID  = flag.String("world", "world_1", "world id")
		clientID = flag.String("client", "", "client id whose mirror is rebuilt")
		toTick   = flag.Uint64("to_tick", 0, "stop after tick (inclusive, optional)")
		verbose  = flag.Bool("v", false, "print every mirror change")
	)
	flag.Parse()

	if strings.TrimSpace(*clientID) == "" {
		fmt.Fprintln(os.Stderr, "missing -client")
		os.Exit(2)
	}

	r := newReplayer(*clientID)
	if *verbose {
		r.onChange = func(line string) { fmt.Println(line) }
	}
	worldDir := filepath.Join(*dataDir, "worlds", *worldID)
	err := persistlog.ReadFrames(worldDir, func(e world.FrameEntry) error {
		if *toTick != 0 && e.Tick > *toTick {
			return errStop
		}
		return r.Feed(e)
	})
	if err != nil && err != errStop {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}

	sum := r.Finish()
	b, _ := json.MarshalIndent(sum, "", "  ")
	fmt.Println(string(b))
	if len(sum.Halted) > 0 || sum.Failures > 0 {
		os.Exit(1)
	}
}
