// Package audit maintains a tamper-evident action log. Each entry hashes
// its payload together with the previous entry's hash and signs the result
// with the agent's Ed25519 key, so any rewrite breaks the chain at or after
// the modified record.
package audit

import (
	"crypto/ed25519"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"ciris/internal/clock"
	"ciris/internal/graph"
	"ciris/internal/logging"
	"ciris/internal/types"
)

var (
	ErrChainBroken  = errors.New("audit: hash chain broken")
	ErrBadSignature = errors.New("audit: signature verification failed")
)

// genesisHash anchors the first entry.
const genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Entry is one signed record in the chain.
type Entry struct {
	Seq       int64     `json:"seq"`
	EntryID   string    `json:"entry_id"`
	EventType string    `json:"event_type"`
	Payload   string    `json:"payload"`
	PrevHash  string    `json:"prev_hash"`
	Hash      string    `json:"hash"`
	Signature string    `json:"signature"`
	CreatedAt time.Time `json:"created_at"`
}

// Log is the SQLite-backed audit chain.
type Log struct {
	mu   sync.Mutex
	db   *sql.DB
	key  ed25519.PrivateKey
	clk  clock.Clock
	last string // hash of the newest entry
}

const auditSchema = `CREATE TABLE IF NOT EXISTS audit_chain (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	entry_id   TEXT NOT NULL UNIQUE,
	event_type TEXT NOT NULL,
	payload    TEXT NOT NULL,
	prev_hash  TEXT NOT NULL,
	hash       TEXT NOT NULL,
	signature  TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
)`

// Open initializes the audit database and resumes the chain from the newest
// entry.
func Open(path string, key ed25519.PrivateKey, clk clock.Clock) (*Log, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("audit: create directory: %w", err)
		}
	}

	db, err := sql.Open(graph.DriverName(), path)
	if err != nil {
		return nil, fmt.Errorf("audit: open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.Audit("failed to set busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.Audit("failed to set journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec(auditSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: create schema: %w", err)
	}

	l := &Log{db: db, key: key, clk: clk, last: genesisHash}

	var lastHash string
	err = db.QueryRow("SELECT hash FROM audit_chain ORDER BY seq DESC LIMIT 1").Scan(&lastHash)
	switch {
	case err == nil:
		l.last = lastHash
	case errors.Is(err, sql.ErrNoRows):
	default:
		db.Close()
		return nil, fmt.Errorf("audit: read chain head: %w", err)
	}
	return l, nil
}

func (l *Log) Close() error {
	return l.db.Close()
}

// PublicKey returns the verification key for this log.
func (l *Log) PublicKey() ed25519.PublicKey {
	return l.key.Public().(ed25519.PublicKey)
}

// Append signs and stores one event. The payload may be any JSON-encodable
// value.
func (l *Log) Append(eventType string, payload interface{}) (Entry, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: encode payload: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		EntryID:   clock.NewID(l.clk, "audit"),
		EventType: eventType,
		Payload:   string(raw),
		PrevHash:  l.last,
		CreatedAt: l.clk.Now(),
	}
	entry.Hash = chainHash(entry.PrevHash, entry.Payload)
	entry.Signature = hex.EncodeToString(ed25519.Sign(l.key, []byte(entry.Hash)))

	res, err := l.db.Exec(
		`INSERT INTO audit_chain (entry_id, event_type, payload, prev_hash, hash, signature, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.EntryID, entry.EventType, entry.Payload, entry.PrevHash, entry.Hash, entry.Signature, entry.CreatedAt,
	)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: append: %w", err)
	}
	entry.Seq, _ = res.LastInsertId()
	l.last = entry.Hash
	logging.Audit("appended %s seq=%d %s", eventType, entry.Seq, entry.EntryID)
	return entry, nil
}

// AppendTrace records one thought's complete pipeline trace.
func (l *Log) AppendTrace(trace types.CompleteTrace) (Entry, error) {
	return l.Append("complete_trace", trace)
}

// Verify walks the whole chain, recomputing hashes and checking signatures
// against the given public key. It returns the number of verified entries
// and the first defect found.
func (l *Log) Verify(pub ed25519.PublicKey) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.db.Query(
		"SELECT seq, entry_id, payload, prev_hash, hash, signature FROM audit_chain ORDER BY seq ASC")
	if err != nil {
		return 0, fmt.Errorf("audit: read chain: %w", err)
	}
	defer rows.Close()

	prev := genesisHash
	count := 0
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Seq, &e.EntryID, &e.Payload, &e.PrevHash, &e.Hash, &e.Signature); err != nil {
			return count, fmt.Errorf("audit: scan entry: %w", err)
		}
		if e.PrevHash != prev {
			return count, fmt.Errorf("%w: seq %d links to %.12s, chain head is %.12s", ErrChainBroken, e.Seq, e.PrevHash, prev)
		}
		if chainHash(e.PrevHash, e.Payload) != e.Hash {
			return count, fmt.Errorf("%w: seq %d payload does not match its hash", ErrChainBroken, e.Seq)
		}
		sig, err := hex.DecodeString(e.Signature)
		if err != nil || !ed25519.Verify(pub, []byte(e.Hash), sig) {
			return count, fmt.Errorf("%w: seq %d", ErrBadSignature, e.Seq)
		}
		prev = e.Hash
		count++
	}
	return count, rows.Err()
}

// Entries returns the newest entries, most recent first.
func (l *Log) Entries(limit int) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.Query(
		`SELECT seq, entry_id, event_type, payload, prev_hash, hash, signature, created_at
		 FROM audit_chain ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Seq, &e.EntryID, &e.EventType, &e.Payload, &e.PrevHash, &e.Hash, &e.Signature, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func chainHash(prevHash, payload string) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}
