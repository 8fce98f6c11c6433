package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"strategia.ai/internal/sim/catalogs"
	"strategia.ai/internal/sim/tuning"
	"strategia.ai/internal/sim/world"
)

// SQLiteIndex is a queryable secondary index of flush batches and client
// sessions. Writes are queued and applied by one goroutine in batched
// transactions; the JSONL journal stays the source of truth.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropFlush   atomic.Uint64
	dropSession atomic.Uint64
	writeErrors atomic.Uint64
}

type reqKind int

const (
	reqFlush reqKind = iota + 1
	reqSession
	reqSync
)

type req struct {
	kind reqKind

	flush   world.FlushEntry
	session world.SessionEntry
	done    chan struct{}
}

type Stats struct {
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
	DropFlush     uint64 `json:"drop_flush_total"`
	DropSession   uint64 `json:"drop_session_total"`
	WriteErrors   uint64 `json:"write_errors_total"`
}

// FlushRow is one indexed flush.
type FlushRow struct {
	Flush      uint64         `json:"flush"`
	Tick       uint64         `json:"tick"`
	Seq        uint64         `json:"seq"`
	Messages   int            `json:"messages"`
	Bytes      int            `json:"bytes"`
	Clients    int            `json:"clients"`
	Spawned    int            `json:"spawned"`
	Removed    int            `json:"removed"`
	Stockpiles int            `json:"stockpiles"`
	DurationUS int64          `json:"duration_us"`
	Channels   map[string]int `json:"channels"`
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		// Bursty session churn must not stall the world loop.
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL suits the append-only workload.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS catalogs (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS flushes (
			flush INTEGER PRIMARY KEY,
			tick INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			messages INTEGER NOT NULL,
			bytes INTEGER NOT NULL,
			clients INTEGER NOT NULL,
			spawned INTEGER NOT NULL,
			removed INTEGER NOT NULL,
			stockpiles INTEGER NOT NULL,
			duration_us INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_flushes_tick ON flushes(tick);`,
		`CREATE TABLE IF NOT EXISTS flush_channels (
			flush INTEGER NOT NULL,
			channel TEXT NOT NULL,
			changed INTEGER NOT NULL,
			PRIMARY KEY (flush, channel)
		);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tick INTEGER NOT NULL,
			client_id TEXT NOT NULL,
			event TEXT NOT NULL,
			name TEXT,
			target TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_client ON sessions(client_id, tick);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) WriteFlush(entry world.FlushEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqFlush, flush: entry}:
	default:
		// Drop if the indexer falls behind; the journal remains the source of truth.
		s.dropFlush.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) WriteSession(entry world.SessionEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqSession, session: entry}:
	default:
		s.dropSession.Add(1)
	}
	return nil
}

// Sync blocks until every queued write is committed.
func (s *SQLiteIndex) Sync(ctx context.Context) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	done := make(chan struct{})
	select {
	case s.ch <- req{kind: reqSync, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:    len(s.ch),
		QueueCapacity: cap(s.ch),
		DropFlush:     s.dropFlush.Load(),
		DropSession:   s.dropSession.Load(),
		WriteErrors:   s.writeErrors.Load(),
	}
}

// UpsertCatalog stores the type catalog and the tuning in effect.
func (s *SQLiteIndex) UpsertCatalog(cat *catalogs.Catalog, tune tuning.Tuning) error {
	if s == nil {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	type kv struct {
		name   string
		digest string
		json   []byte
	}
	var rows []kv
	if b, err := json.Marshal(cat.Types()); err == nil {
		rows = append(rows, kv{name: "types", digest: cat.Digest(), json: b})
	}
	if b, err := json.Marshal(cat.Categories()); err == nil {
		sum := sha256.Sum256(b)
		rows = append(rows, kv{name: "categories", digest: hex.EncodeToString(sum[:]), json: b})
	}
	if b, err := json.Marshal(tune); err == nil {
		sum := sha256.Sum256(b)
		rows = append(rows, kv{name: "tuning", digest: hex.EncodeToString(sum[:]), json: b})
	}

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO catalogs(name,digest,json,updated_at) VALUES(?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range rows {
		if _, err := stmt.Exec(r.name, r.digest, string(r.json), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RecentFlushes returns up to limit flushes, newest first.
func (s *SQLiteIndex) RecentFlushes(ctx context.Context, limit int) ([]FlushRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT flush,tick,seq,messages,bytes,clients,spawned,removed,stockpiles,duration_us
		FROM flushes ORDER BY flush DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FlushRow
	byFlush := map[uint64]int{}
	for rows.Next() {
		var r FlushRow
		if err := rows.Scan(&r.Flush, &r.Tick, &r.Seq, &r.Messages, &r.Bytes, &r.Clients, &r.Spawned, &r.Removed, &r.Stockpiles, &r.DurationUS); err != nil {
			return nil, err
		}
		r.Channels = map[string]int{}
		byFlush[r.Flush] = len(out)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return out, nil
	}

	ch, err := s.db.QueryContext(ctx, `SELECT flush,channel,changed FROM flush_channels WHERE flush >= ? AND flush <= ?`,
		out[len(out)-1].Flush, out[0].Flush)
	if err != nil {
		return nil, err
	}
	defer ch.Close()
	for ch.Next() {
		var (
			flush   uint64
			channel string
			changed int
		)
		if err := ch.Scan(&flush, &channel, &changed); err != nil {
			return nil, err
		}
		if i, ok := byFlush[flush]; ok {
			out[i].Channels[channel] = changed
		}
	}
	return out, ch.Err()
}

// SessionEvents returns one client's session events in order.
func (s *SQLiteIndex) SessionEvents(ctx context.Context, clientID string) ([]world.SessionEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tick,client_id,event,COALESCE(name,''),COALESCE(target,'')
		FROM sessions WHERE client_id = ? ORDER BY id`, clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []world.SessionEntry
	for rows.Next() {
		var e world.SessionEntry
		if err := rows.Scan(&e.Tick, &e.ClientID, &e.Event, &e.Name, &e.Target); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	// Prepared statements (on db; executed within tx).
	insertFlush, _ := s.db.Prepare(`INSERT OR REPLACE INTO flushes(flush,tick,seq,messages,bytes,clients,spawned,removed,stockpiles,duration_us) VALUES(?,?,?,?,?,?,?,?,?,?)`)
	insertChannel, _ := s.db.Prepare(`INSERT OR REPLACE INTO flush_channels(flush,channel,changed) VALUES(?,?,?)`)
	insertSession, _ := s.db.Prepare(`INSERT INTO sessions(tick,client_id,event,name,target) VALUES(?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertFlush, insertChannel, insertSession} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			// If we can't start a tx, we can't do much; sleep a bit.
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.writeErrors.Add(1)
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		s.writeErrors.Add(1)
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	for r := range s.ch {
		if r.kind == reqSync {
			commit()
			close(r.done)
			continue
		}
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqFlush:
			f := r.flush
			if insertFlush == nil {
				break
			}
			if _, err := tx.Stmt(insertFlush).Exec(
				int64(f.Flush),
				int64(f.Tick),
				int64(f.Seq),
				f.Messages,
				f.Bytes,
				f.Clients,
				f.Spawned,
				f.Removed,
				f.Stockpiles,
				f.DurationUS,
			); err != nil {
				rollback()
				continue
			}
			opCount++
			channels := make([]string, 0, len(f.Channels))
			for c := range f.Channels {
				channels = append(channels, c)
			}
			sort.Strings(channels)
			for _, c := range channels {
				if insertChannel == nil {
					break
				}
				if _, err := tx.Stmt(insertChannel).Exec(int64(f.Flush), c, f.Channels[c]); err != nil {
					rollback()
					break
				}
				opCount++
			}

		case reqSession:
			e := r.session
			if insertSession == nil {
				break
			}
			if _, err := tx.Stmt(insertSession).Exec(int64(e.Tick), e.ClientID, e.Event, e.Name, e.Target); err != nil {
				rollback()
				continue
			}
			opCount++
		}
		flushIfNeeded()
	}

	commit()
}
