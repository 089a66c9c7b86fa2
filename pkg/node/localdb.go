package node

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"lumesync/pkg/model"
)

// LocalDB caches the session identity and downloaded firmware manifests
// across restarts, so a rebooting node rejoins with its prior identity.
type LocalDB struct {
	db *sql.DB
}

// OpenLocalDB opens (creating if needed) the node state database.
func OpenLocalDB(path string) (*LocalDB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := "file:" + path + "?_pragma=busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	schema := `
CREATE TABLE IF NOT EXISTS sessions(hw_id TEXT PRIMARY KEY, node_id TEXT, token TEXT, ts INTEGER);
CREATE TABLE IF NOT EXISTS manifests(version TEXT PRIMARY KEY, url TEXT, sha256 TEXT, size INTEGER, ts INTEGER);`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &LocalDB{db: db}, nil
}

func (l *LocalDB) Close() error { return l.db.Close() }

// SaveSession remembers the identity assigned by the hub.
func (l *LocalDB) SaveSession(hwID, nodeID, token string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO sessions(hw_id, node_id, token, ts) VALUES(?,?,?,?)
		 ON CONFLICT(hw_id) DO UPDATE SET node_id=excluded.node_id, token=excluded.token, ts=excluded.ts`,
		hwID, nodeID, token, time.Now().Unix())
	return err
}

// LoadSession returns the last identity for this hardware, if any.
func (l *LocalDB) LoadSession(hwID string) (nodeID, token string, ok bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	row := l.db.QueryRowContext(ctx, `SELECT node_id, token FROM sessions WHERE hw_id=?`, hwID)
	if err := row.Scan(&nodeID, &token); err != nil {
		return "", "", false
	}
	return nodeID, token, true
}

// SaveManifest records a manifest that was fully downloaded and verified.
func (l *LocalDB) SaveManifest(m model.Manifest) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO manifests(version, url, sha256, size, ts) VALUES(?,?,?,?,?)
		 ON CONFLICT(version) DO UPDATE SET url=excluded.url, sha256=excluded.sha256, size=excluded.size, ts=excluded.ts`,
		m.Version, m.URL, m.SHA256, m.Size, time.Now().Unix())
	return err
}

// LoadManifest returns a cached manifest, if present.
func (l *LocalDB) LoadManifest(version string) (model.Manifest, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var m model.Manifest
	row := l.db.QueryRowContext(ctx, `SELECT version, url, sha256, size FROM manifests WHERE version=?`, version)
	if err := row.Scan(&m.Version, &m.URL, &m.SHA256, &m.Size); err != nil {
		return model.Manifest{}, false
	}
	return m, true
}
