// Package backup takes encrypted snapshots of the ledger database and keeps
// them in an S3-compatible bucket.
package backup

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const (
	defaultPrefix    = "ledger-backups/"
	keyTimeLayout    = "2006-01-02T150405.000Z"
	keyParseLayout   = "2006-01-02T150405Z"
	maxSnapshotBytes = 1 << 30
)

var (
	// ErrNotConfigured is returned when the bucket, credentials or passphrase
	// are missing.
	ErrNotConfigured = errors.New("backup not configured")

	ErrSnapshotNotFound = errors.New("snapshot not found")
)

// s3Client is an interface for testability.
type s3Client interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, input *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, input *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Config holds snapshot storage and scheduling settings.
type Config struct {
	Endpoint   string
	Bucket     string
	Region     string
	AccessKey  string
	SecretKey  string
	Prefix     string
	Passphrase string

	// Interval between scheduled snapshots. Zero disables the schedule.
	Interval time.Duration
	// Retention is how long snapshots are kept. Zero keeps them forever.
	Retention time.Duration
}

func (c Config) Configured() bool {
	return c.Bucket != "" && c.AccessKey != "" && c.SecretKey != "" && c.Passphrase != ""
}

type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateDisabled State = "disabled"
	StateError    State = "error"
)

// Status holds the current backup manager status.
type Status struct {
	State      State      `json:"state"`
	LastBackup *time.Time `json:"last_backup,omitempty"`
	LastKey    string     `json:"last_key,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Snapshot describes one stored snapshot object.
type Snapshot struct {
	Key       string    `json:"key"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// Manager takes, lists, restores and prunes ledger snapshots.
type Manager struct {
	mu     sync.RWMutex
	cfg    Config
	status Status

	db     *sql.DB
	client s3Client
	logger *slog.Logger
	now    func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

func NewManager(cfg Config, db *sql.DB, logger *slog.Logger) *Manager {
	if cfg.Prefix == "" {
		cfg.Prefix = defaultPrefix
	}
	m := &Manager{
		cfg:    cfg,
		db:     db,
		logger: logger,
		now:    time.Now,
		status: Status{State: StateDisabled},
	}
	if cfg.Configured() {
		m.client = newS3Client(cfg)
		m.status.State = StateIdle
	}
	return m
}

func newS3Client(cfg Config) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	}
	if opts.Region == "" {
		opts.Region = "auto"
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return s3.New(opts)
}

// Start begins the scheduled snapshot loop. It is a no-op when the manager is
// not configured or no interval is set.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.client == nil || m.cfg.Interval <= 0 {
		m.mu.Unlock()
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	interval := m.cfg.Interval
	m.mu.Unlock()

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.scheduled(ctx)
			}
		}
	}()
}

// Stop halts the scheduled loop and waits for a running snapshot to finish.
func (m *Manager) Stop() {
	m.mu.RLock()
	cancel := m.cancel
	done := m.done
	m.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (m *Manager) scheduled(ctx context.Context) {
	snap, err := m.Run(ctx)
	if err != nil {
		m.logger.Error("scheduled backup failed", "error", err)
		return
	}
	m.logger.Info("backup uploaded", "key", snap.Key, "size_bytes", snap.SizeBytes)

	if m.cfg.Retention > 0 {
		n, err := m.Cleanup(ctx, m.cfg.Retention)
		if err != nil {
			m.logger.Error("backup cleanup failed", "error", err)
		} else if n > 0 {
			m.logger.Info("pruned old backups", "count", n)
		}
	}
}

func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()
}

// Run snapshots the live database with VACUUM INTO, encrypts the copy and
// uploads it.
func (m *Manager) Run(ctx context.Context) (*Snapshot, error) {
	m.mu.RLock()
	client := m.client
	cfg := m.cfg
	prev := m.status
	m.mu.RUnlock()

	if client == nil {
		return nil, ErrNotConfigured
	}

	m.setStatus(Status{State: StateRunning, LastBackup: prev.LastBackup, LastKey: prev.LastKey})
	fail := func(err error) (*Snapshot, error) {
		m.setStatus(Status{State: StateError, LastBackup: prev.LastBackup, LastKey: prev.LastKey, Error: err.Error()})
		return nil, err
	}

	now := m.now().UTC()
	copyPath := filepath.Join(os.TempDir(), fmt.Sprintf("orderledger-snapshot-%s.db", uuid.NewString()))
	defer os.Remove(copyPath)

	if _, err := m.db.ExecContext(ctx, `VACUUM INTO ?`, copyPath); err != nil {
		return fail(fmt.Errorf("vacuum into: %w", err))
	}
	plaintext, err := os.ReadFile(copyPath)
	if err != nil {
		return fail(fmt.Errorf("read snapshot: %w", err))
	}

	sealed, err := Seal(plaintext, cfg.Passphrase)
	if err != nil {
		return fail(fmt.Errorf("encrypt: %w", err))
	}

	key := snapshotKey(cfg.Prefix, now, uuid.NewString()[:8])
	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(cfg.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(sealed),
		ContentLength: aws.Int64(int64(len(sealed))),
	})
	if err != nil {
		return fail(fmt.Errorf("upload to s3: %w", err))
	}

	m.setStatus(Status{State: StateIdle, LastBackup: &now, LastKey: key})
	return &Snapshot{Key: key, SizeBytes: int64(len(sealed)), CreatedAt: now}, nil
}

// List returns the stored snapshots, newest first.
func (m *Manager) List(ctx context.Context) ([]Snapshot, error) {
	m.mu.RLock()
	client := m.client
	cfg := m.cfg
	m.mu.RUnlock()

	if client == nil {
		return nil, ErrNotConfigured
	}

	var snaps []Snapshot
	var token *string
	for {
		out, err := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(cfg.Bucket),
			Prefix:            aws.String(cfg.Prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list snapshots: %w", err)
		}
		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			created, ok := parseKeyTime(cfg.Prefix, key)
			if !ok {
				continue
			}
			snaps = append(snaps, Snapshot{Key: key, SizeBytes: aws.ToInt64(obj.Size), CreatedAt: created})
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}

	sort.Slice(snaps, func(i, j int) bool { return snaps[i].CreatedAt.After(snaps[j].CreatedAt) })
	return snaps, nil
}

// snapshotKey names a snapshot by its creation time. The random suffix keeps
// two runs within the same millisecond from overwriting each other.
func snapshotKey(prefix string, at time.Time, suffix string) string {
	return prefix + "ledger-" + at.Format(keyTimeLayout) + "-" + suffix + ".db.enc"
}

func parseKeyTime(prefix, key string) (time.Time, bool) {
	name := strings.TrimPrefix(key, prefix)
	if !strings.HasPrefix(name, "ledger-") || !strings.HasSuffix(name, ".db.enc") {
		return time.Time{}, false
	}
	stamp := strings.TrimSuffix(strings.TrimPrefix(name, "ledger-"), ".db.enc")
	if i := strings.LastIndex(stamp, "Z-"); i >= 0 {
		stamp = stamp[:i+1]
	}
	// Parsing accepts an optional fraction after the seconds, so keys written
	// with second precision still parse.
	t, err := time.Parse(keyParseLayout, stamp)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Restore downloads and decrypts the snapshot at key, checks its integrity
// and writes it to dstPath. The service must not be running against dstPath.
func (m *Manager) Restore(ctx context.Context, key, dstPath string) error {
	m.mu.RLock()
	client := m.client
	cfg := m.cfg
	m.mu.RUnlock()

	if client == nil {
		return ErrNotConfigured
	}

	result, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSnapshotNotFound, key, err)
	}
	defer result.Body.Close()

	sealed, err := io.ReadAll(io.LimitReader(result.Body, maxSnapshotBytes))
	if err != nil {
		return fmt.Errorf("download snapshot: %w", err)
	}
	plaintext, err := Open(sealed, cfg.Passphrase)
	if err != nil {
		return err
	}

	tmpPath := dstPath + ".restore"
	if err := os.WriteFile(tmpPath, plaintext, 0600); err != nil {
		return fmt.Errorf("write restored db: %w", err)
	}
	defer os.Remove(tmpPath)

	if err := checkIntegrity(ctx, tmpPath); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, dstPath); err != nil {
		return fmt.Errorf("replace database: %w", err)
	}
	os.Remove(dstPath + "-wal")
	os.Remove(dstPath + "-shm")

	m.logger.Info("backup restored", "key", key, "path", dstPath)
	return nil
}

func checkIntegrity(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open restored db: %w", err)
	}
	defer db.Close()

	var integrity string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&integrity); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if integrity != "ok" {
		return fmt.Errorf("integrity check failed: %s", integrity)
	}
	return nil
}

// Cleanup deletes snapshots older than retention and returns how many were
// removed. The newest snapshot is always kept.
func (m *Manager) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	snaps, err := m.List(ctx)
	if err != nil {
		return 0, err
	}

	m.mu.RLock()
	client := m.client
	bucket := m.cfg.Bucket
	m.mu.RUnlock()

	cutoff := m.now().UTC().Add(-retention)
	removed := 0
	for i, snap := range snaps {
		if i == 0 || !snap.CreatedAt.Before(cutoff) {
			continue
		}
		if _, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(snap.Key),
		}); err != nil {
			m.logger.Warn("delete snapshot", "key", snap.Key, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}
