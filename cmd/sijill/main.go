// Command sijill operates the append-only AI decision ledger: appending
// decision records, verifying chain integrity, managing blocks, and
// running backup, archive and restore.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"

	"github.com/Mindburn-Labs/sijill/pkg/backup"
	"github.com/Mindburn-Labs/sijill/pkg/config"
	"github.com/Mindburn-Labs/sijill/pkg/i18n"
	"github.com/Mindburn-Labs/sijill/pkg/ledger"
	"github.com/Mindburn-Labs/sijill/pkg/observability"
	"github.com/Mindburn-Labs/sijill/pkg/query"
	"github.com/Mindburn-Labs/sijill/pkg/record"
	"github.com/Mindburn-Labs/sijill/pkg/verify"

	_ "github.com/lib/pq" // Postgres Driver
)

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		usage(stderr)
		return 2
	}

	switch args[1] {
	case "append":
		return runAppendCmd(args[2:], stdout, stderr)
	case "read":
		return runReadCmd(args[2:], stdout, stderr)
	case "query":
		return runQueryCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "seal":
		return runSealCmd(stdout, stderr)
	case "backup":
		return runBackupCmd(args[2:], stdout, stderr)
	case "restore":
		return runRestoreCmd(args[2:], stdout, stderr)
	case "archive":
		return runArchiveCmd(args[2:], stdout, stderr)
	case "status":
		return runStatusCmd(stdout, stderr)
	case "help", "-h", "--help":
		usage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n", args[1])
		usage(stderr)
		return 2
	}
}

func usage(w io.Writer) {
	_, _ = fmt.Fprintln(w, `Usage: sijill <command> [flags]

Commands:
  append    Append a decision record to the ledger
  read      Read one entry or an id range
  query     Query committed entries with filters
  verify    Verify hash-chain integrity
  seal      Seal the current open block
  backup    Take a snapshot (or run the backup daemon with -daemon)
  restore   Rebuild a ledger from the newest snapshot plus journal
  archive   Move sealed blocks past the hot window to the cold tier
  status    Show chain state and block summary`)
}

func setupLogging(cfg *config.Config) {
	level := slog.LevelInfo
	switch strings.ToUpper(cfg.LogLevel) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func openDB(cfg *config.Config) (*sql.DB, error) {
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return db, nil
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, err
	}
	return ledger.OpenSQLite(filepath.Join(cfg.DataDir, "ledger.db"))
}

func journalPath(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, "journal.jsonl")
}

// openStore wires the store with its journal, seal policy and metrics
// from config.
func openStore(ctx context.Context, cfg *config.Config) (*ledger.Store, *sql.DB, func(), error) {
	profile, err := cfg.Profile()
	if err != nil {
		return nil, nil, nil, err
	}
	db, err := openDB(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	jnl, err := ledger.OpenJournal(journalPath(cfg))
	if err != nil {
		_ = db.Close()
		return nil, nil, nil, err
	}

	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = cfg.OTLPEnabled
	if cfg.OTLPEndpoint != "" {
		obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		_ = jnl.Close()
		_ = db.Close()
		return nil, nil, nil, err
	}

	store, err := ledger.Open(ctx, db,
		ledger.WithJournal(jnl),
		ledger.WithObservability(obs),
		ledger.WithSealPolicy(ledger.SealPolicy{
			MaxEntries: profile.SealMaxEntries,
			MaxAge:     profile.SealMaxAge.Duration(),
		}))
	if err != nil {
		_ = jnl.Close()
		_ = db.Close()
		return nil, nil, nil, err
	}
	cleanup := func() {
		_ = jnl.Close()
		_ = obs.Shutdown(context.Background())
		_ = db.Close()
	}
	return store, db, cleanup, nil
}

// objectStore selects the configured snapshot destination.
func objectStore(ctx context.Context, cfg *config.Config) (backup.ObjectStore, error) {
	if cfg.BackupBucket != "" {
		return backup.NewS3Store(ctx, backup.S3StoreConfig{
			Bucket:   cfg.BackupBucket,
			Region:   cfg.BackupRegion,
			Endpoint: cfg.BackupEndpoint,
			Prefix:   cfg.BackupPrefix,
		})
	}
	dir := cfg.BackupDir
	if dir == "" {
		dir = filepath.Join(cfg.DataDir, "backups")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return backup.NewFSStore(afero.NewOsFs(), dir), nil
}

func newCache(cfg *config.Config) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
}

func encryptor(cfg *config.Config) (*backup.Encryptor, error) {
	key, err := cfg.BackupKey()
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, nil
	}
	return backup.NewEncryptor(key)
}

func runAppendCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("append", flag.ContinueOnError)
	fs.SetOutput(stderr)
	decisionType := fs.String("type", "", "decision type: procurement, policy or financial")
	modelVersion := fs.String("model", "", "semantic version of the deciding model")
	input := fs.String("input", "", "input snapshot JSON (or @file)")
	output := fs.String("output", "", "output snapshot JSON (or @file)")
	reasoning := fs.String("reasoning", "", "primary reasoning text")
	reasoningAlt := fs.String("reasoning-alt", "", "secondary-language reasoning text")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	inputJSON, err := readArg(*input)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "input:", err)
		return 2
	}
	outputJSON, err := readArg(*output)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "output:", err)
		return 2
	}

	cfg := config.Load()
	setupLogging(cfg)
	ctx := context.Background()

	store, _, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
	defer cleanup()

	rec := record.DecisionRecord{
		DecisionType:   record.DecisionType(*decisionType),
		InputSnapshot:  inputJSON,
		OutputSnapshot: outputJSON,
		ModelVersion:   *modelVersion,
		Reasoning: record.Reasoning{
			Primary:   *reasoning,
			Secondary: *reasoningAlt,
		},
		Timestamp: record.Now(),
	}

	id, err := store.Append(ctx, rec)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "append rejected:", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "appended entry %d\n", id)
	return 0
}

func readArg(v string) (json.RawMessage, error) {
	if strings.HasPrefix(v, "@") {
		data, err := os.ReadFile(v[1:])
		if err != nil {
			return nil, err
		}
		return data, nil
	}
	return json.RawMessage(v), nil
}

func runReadCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("read", flag.ContinueOnError)
	fs.SetOutput(stderr)
	id := fs.Uint64("id", 0, "entry id")
	start := fs.Uint64("start", 0, "range start id")
	end := fs.Uint64("end", 0, "range end id")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	setupLogging(cfg)
	ctx := context.Background()

	store, _, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
	defer cleanup()

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if *id > 0 {
		e, err := store.Read(ctx, *id)
		if err != nil {
			_, _ = fmt.Fprintln(stderr, err)
			return 1
		}
		_ = enc.Encode(e)
		return 0
	}
	entries, err := store.ReadRange(ctx, *start, *end)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
	for _, e := range entries {
		_ = enc.Encode(e)
	}
	return 0
}

func runQueryCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("query", flag.ContinueOnError)
	fs.SetOutput(stderr)
	decisionType := fs.String("type", "", "filter by decision type")
	after := fs.String("after", "", "civil timestamp lower bound (RFC 3339)")
	before := fs.String("before", "", "civil timestamp upper bound (RFC 3339)")
	limit := fs.Int("limit", 0, "maximum entries returned")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	f := query.Filter{DecisionType: record.DecisionType(*decisionType), Limit: *limit}
	var err error
	if *after != "" {
		if f.After, err = time.Parse(time.RFC3339, *after); err != nil {
			_, _ = fmt.Fprintln(stderr, "after:", err)
			return 2
		}
	}
	if *before != "" {
		if f.Before, err = time.Parse(time.RFC3339, *before); err != nil {
			_, _ = fmt.Fprintln(stderr, "before:", err)
			return 2
		}
	}

	cfg := config.Load()
	setupLogging(cfg)
	ctx := context.Background()

	store, _, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
	defer cleanup()

	svc := query.New(store, newCache(cfg))
	entries, err := svc.Range(ctx, f)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
	enc := json.NewEncoder(stdout)
	for _, e := range entries {
		_ = enc.Encode(e)
	}
	_, _ = fmt.Fprintf(stderr, "%d entries\n", len(entries))
	return 0
}

func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	start := fs.Uint64("start", 1, "range start id")
	end := fs.Uint64("end", 0, "range end id (0 verifies through the last sealed id)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	setupLogging(cfg)
	ctx := context.Background()

	store, _, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
	defer cleanup()

	result, err := verify.New(store, nil).Verify(ctx, *start, *end)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(result)
	if !result.OK {
		reporter := i18n.NewReporter(slog.Default())
		reporter.Report(ctx, i18n.CodeChainIntegrity,
			"first_broken_id", result.FirstBrokenID,
			"kind", result.Kind)
		return 1
	}
	return 0
}

func runSealCmd(stdout, stderr io.Writer) int {
	cfg := config.Load()
	setupLogging(cfg)
	ctx := context.Background()

	store, _, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
	defer cleanup()

	if err := store.SealBlock(ctx); err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "open block sealed")
	return 0
}

func runBackupCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("backup", flag.ContinueOnError)
	fs.SetOutput(stderr)
	daemon := fs.Bool("daemon", false, "run the periodic backup coordinator")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	setupLogging(cfg)
	ctx := context.Background()

	store, _, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
	defer cleanup()

	objects, err := objectStore(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
	enc, err := encryptor(cfg)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}

	profile, err := cfg.Profile()
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
	interval := cfg.BackupInterval
	if os.Getenv("SIJILL_BACKUP_INTERVAL") == "" {
		interval = profile.BackupInterval.Duration()
	}
	opts := []backup.CoordinatorOption{
		backup.WithInterval(interval),
		backup.WithKeep(profile.SnapshotsKept),
		backup.WithJournalPruning(store.Journal()),
	}
	if enc != nil {
		opts = append(opts, backup.WithEncryptor(enc))
	}
	if cfg.BackupUploadBps > 0 {
		opts = append(opts, backup.WithUploadLimit(cfg.BackupUploadBps))
	}
	coordinator := backup.NewCoordinator(store, objects, opts...)

	if *daemon {
		ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		_, _ = fmt.Fprintf(stdout, "backup daemon running, interval %s\n", interval)
		if err := coordinator.Run(ctx); err != nil && err != context.Canceled {
			_, _ = fmt.Fprintln(stderr, err)
			return 1
		}
		return 0
	}

	m, err := coordinator.Snapshot(ctx)
	if err != nil {
		reporter := i18n.NewReporter(slog.Default())
		reporter.Report(ctx, i18n.CodeBackupFailed, "error", err.Error())
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "snapshot %s published through id %d\n", m.SnapshotID, m.LastSealedID)
	return 0
}

func runRestoreCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("restore", flag.ContinueOnError)
	fs.SetOutput(stderr)
	target := fs.Uint64("target", 0, "highest acknowledged id expected back")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	setupLogging(cfg)
	ctx := context.Background()

	db, err := openDB(cfg)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
	defer func() { _ = db.Close() }()

	objects, err := objectStore(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
	enc, err := encryptor(cfg)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}

	_, result, err := backup.Restore(ctx, objects, db, backup.RestoreOptions{
		TargetID:    *target,
		JournalPath: journalPath(cfg),
		Encryptor:   enc,
	})
	if err != nil {
		var incomplete *backup.RecoveryIncompleteError
		if errors.As(err, &incomplete) {
			reporter := i18n.NewReporter(slog.Default())
			reporter.Report(ctx, i18n.CodeRecoveryIncomplete,
				"highest_recovered_id", incomplete.HighestRecoveredID,
				"target_id", incomplete.TargetID)
		}
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "restored through id %d (snapshot %s, %d journal entries replayed)\n",
		result.HighestRecoveredID, result.SnapshotID, result.Replayed)
	return 0
}

func runArchiveCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("archive", flag.ContinueOnError)
	fs.SetOutput(stderr)
	olderThan := fs.Duration("older-than", 0, "archive blocks sealed at least this long ago (default: profile hot window)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	setupLogging(cfg)
	ctx := context.Background()

	age := *olderThan
	if age <= 0 {
		profile, err := cfg.Profile()
		if err != nil {
			_, _ = fmt.Fprintln(stderr, err)
			return 1
		}
		age = time.Duration(profile.HotWindowDays) * 24 * time.Hour
	}

	store, _, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
	defer cleanup()

	objects, err := objectStore(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
	enc, err := encryptor(cfg)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}

	archived, err := backup.NewArchiver(store, objects, enc).ArchiveOlderThan(ctx, age)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "%d blocks archived\n", len(archived))
	return 0
}

func runStatusCmd(stdout, stderr io.Writer) int {
	cfg := config.Load()
	setupLogging(cfg)
	ctx := context.Background()

	store, _, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
	defer cleanup()

	blocks, err := store.Blocks(ctx)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
	sealed, err := store.LastSealedID(ctx)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}

	_, _ = fmt.Fprintf(stdout, "tail hash:      %s\n", store.TailHash())
	_, _ = fmt.Fprintf(stdout, "next id:        %d\n", store.NextID())
	_, _ = fmt.Fprintf(stdout, "last sealed id: %d\n", sealed)
	_, _ = fmt.Fprintf(stdout, "blocks:         %d\n", len(blocks))
	for _, b := range blocks {
		end := "-"
		if b.EndID > 0 {
			end = fmt.Sprintf("%d", b.EndID)
		}
		_, _ = fmt.Fprintf(stdout, "  block %d: ids %d..%s (%s)\n", b.BlockID, b.StartID, end, b.State)
	}
	return 0
}
