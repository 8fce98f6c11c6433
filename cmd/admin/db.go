package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// dbCmd queries the index directly, without a running server.
func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "", "world id (required unless -db)")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	limit := fs.Int("limit", 20, "result limit")
	client := fs.String("client", "", "client_id filter (sessions)")
	_ = fs.Parse(args)

	q := "flushes"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		if strings.TrimSpace(*worldID) == "" {
			fmt.Fprintln(os.Stderr, "missing -world or -db")
			os.Exit(2)
		}
		path = filepath.Join(*dataDir, "worlds", *worldID, "index", "world.sqlite")
	}
	if *limit <= 0 {
		*limit = 20
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	switch q {
	case "flushes":
		rows, err := db.Query(`SELECT flush,tick,seq,messages,bytes,clients,duration_us FROM flushes ORDER BY flush DESC LIMIT ?`, *limit)
		if err != nil {
			fatal("query", err)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Flush      int64 `json:"flush"`
				Tick       int64 `json:"tick"`
				Seq        int64 `json:"seq"`
				Messages   int   `json:"messages"`
				Bytes      int   `json:"bytes"`
				Clients    int   `json:"clients"`
				DurationUS int64 `json:"duration_us"`
			}
			if err := rows.Scan(&r.Flush, &r.Tick, &r.Seq, &r.Messages, &r.Bytes, &r.Clients, &r.DurationUS); err != nil {
				fatal("scan", err)
			}
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fatal("rows", err)
		}

	case "channels":
		rows, err := db.Query(`SELECT channel,COUNT(*),SUM(changed) FROM flush_channels WHERE changed > 0 GROUP BY channel ORDER BY channel`)
		if err != nil {
			fatal("query", err)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Channel string `json:"channel"`
				Flushes int    `json:"flushes"`
				Changed int64  `json:"changed"`
			}
			if err := rows.Scan(&r.Channel, &r.Flushes, &r.Changed); err != nil {
				fatal("scan", err)
			}
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fatal("rows", err)
		}

	case "sessions":
		query := `SELECT tick,client_id,event,COALESCE(name,''),COALESCE(target,'') FROM sessions`
		params := []any{}
		if c := strings.TrimSpace(*client); c != "" {
			query += ` WHERE client_id = ?`
			params = append(params, c)
		}
		query += ` ORDER BY id DESC LIMIT ?`
		params = append(params, *limit)
		rows, err := db.Query(query, params...)
		if err != nil {
			fatal("query", err)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Tick     int64  `json:"tick"`
				ClientID string `json:"client_id"`
				Event    string `json:"event"`
				Name     string `json:"name,omitempty"`
				Target   string `json:"target,omitempty"`
			}
			if err := rows.Scan(&r.Tick, &r.ClientID, &r.Event, &r.Name, &r.Target); err != nil {
				fatal("scan", err)
			}
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fatal("rows", err)
		}

	case "catalogs":
		rows, err := db.Query(`SELECT name,digest,updated_at FROM catalogs ORDER BY name`)
		if err != nil {
			fatal("query", err)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Name      string `json:"name"`
				Digest    string `json:"digest"`
				UpdatedAt string `json:"updated_at"`
			}
			if err := rows.Scan(&r.Name, &r.Digest, &r.UpdatedAt); err != nil {
				fatal("scan", err)
			}
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fatal("rows", err)
		}

	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q, "(flushes|channels|sessions|catalogs)")
		os.Exit(2)
	}
}

func fatal(what string, err error) {
	fmt.Fprintln(os.Stderr, what+":", err)
	os.Exit(1)
}
