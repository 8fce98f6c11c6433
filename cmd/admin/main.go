package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	persistlog "strategia.ai/internal/persistence/log"
	"strategia.ai/internal/protocol"
	"strategia.ai/internal/sim/world"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "db":
			dbCmd(os.Args[2:])
			return
		case "state":
			getCmd("state", "/admin/v1/state", os.Args[2:])
			return
		case "flushes":
			getCmd("flushes", "/admin/v1/flushes", os.Args[2:])
			return
		case "journal":
			journalCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "", "world id (optional)")
	_ = fs.Parse(args)

	base := filepath.Join(*dataDir, "worlds")
	if *worldID != "" {
		base = filepath.Join(base, *worldID)
	}

	entries, err := os.ReadDir(base)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	for _, e := range entries {
		fmt.Println(e.Name())
	}
}

// journalCmd summarizes a frame journal: message counts per type, the seq
// range and the clients that received direct sends.
func journalCmd(args []string) {
	fs := flag.NewFlagSet("journal", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "", "world id")
	_ = fs.Parse(args)

	if strings.TrimSpace(*worldID) == "" {
		fmt.Fprintln(os.Stderr, "missing -world")
		os.Exit(2)
	}
	worldDir := filepath.Join(*dataDir, "worlds", *worldID)

	var sum journalSummary
	sum.Types = map[string]int{}
	sum.Sends = map[string]int{}
	err := persistlog.ReadFrames(worldDir, func(e world.FrameEntry) error {
		sum.add(e)
		return nil
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "read journal:", err)
		os.Exit(1)
	}
	printJSON(sum)
}

type journalSummary struct {
	Frames   int            `json:"frames"`
	FromTick uint64         `json:"from_tick"`
	ToTick   uint64         `json:"to_tick"`
	MaxSeq   uint64         `json:"max_seq"`
	Types    map[string]int `json:"types"`
	Sends    map[string]int `json:"sends"`
	Clients  []string       `json:"clients"`
}

func (s *journalSummary) add(e world.FrameEntry) {
	if s.Frames == 0 || e.Tick < s.FromTick {
		s.FromTick = e.Tick
	}
	if e.Tick > s.ToTick {
		s.ToTick = e.Tick
	}
	s.Frames++
	var head struct {
		protocol.BaseMessage
		Seq uint64 `json:"seq"`
	}
	if err := json.Unmarshal(e.Msg, &head); err == nil {
		s.Types[head.Type]++
		if head.Seq > s.MaxSeq {
			s.MaxSeq = head.Seq
		}
	}
	if e.Kind == "send" && e.Client != "" {
		if s.Sends[e.Client] == 0 {
			s.Clients = append(s.Clients, e.Client)
			sort.Strings(s.Clients)
		}
		s.Sends[e.Client]++
	}
}

func printJSON(v any) {
	b, _ := json.Marshal(v)
	fmt.Println(string(b))
}
