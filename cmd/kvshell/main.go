// Command kvshell is a minimal interactive shell over a kvstore.Store:
// enough to open a store file and run get/set/delete/backup commands
// from a terminal without writing any Go code.
//
// Usage:
//
//	kvshell <path-to-store.json-or-.db>
//
// Commands (one per line on stdin):
//
//	get <key>
//	set <key> <json-value>
//	delete <key>
//	has <key>
//	backup <path>
//	restore <path>
//	stats
//	quit
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	kvstore "github.com/dreamware/kvstore"
	"github.com/dreamware/kvstore/internal/backup"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: kvshell <path-to-store.json-or-.db>")
		os.Exit(1)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "kvshell: logger init failed:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := kvstore.New(ctx, os.Args[1])
	if err != nil {
		logger.Fatal("opening store", zap.Error(err))
	}
	defer store.Destroy(ctx, true)

	logger.Info("kvshell ready", zap.String("path", os.Args[1]))
	runLoop(ctx, store, logger)
}

func runLoop(ctx context.Context, store *kvstore.Store, logger *zap.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, " ", 3)
		switch fields[0] {
		case "quit", "exit":
			return
		case "get":
			handleGet(ctx, store, fields)
		case "set":
			handleSet(ctx, store, fields)
		case "delete":
			handleDelete(ctx, store, fields)
		case "has":
			handleHas(ctx, store, fields)
		case "backup":
			handleBackup(ctx, store, fields)
		case "restore":
			handleRestore(ctx, store, fields)
		case "stats":
			handleStats(store)
		default:
			fmt.Fprintf(os.Stdout, "unrecognized command: %s\n", fields[0])
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Error("reading stdin", zap.Error(err))
	}
}

func handleGet(ctx context.Context, store *kvstore.Store, fields []string) {
	if len(fields) < 2 {
		fmt.Fprintln(os.Stdout, "usage: get <key>")
		return
	}
	v, err := store.Get(ctx, fields[1], nil)
	if err != nil {
		fmt.Fprintln(os.Stdout, "error:", err)
		return
	}
	fmt.Fprintf(os.Stdout, "%v\n", v)
}

func handleSet(ctx context.Context, store *kvstore.Store, fields []string) {
	if len(fields) < 3 {
		fmt.Fprintln(os.Stdout, "usage: set <key> <json-value>")
		return
	}
	var v any
	if err := json.Unmarshal([]byte(fields[2]), &v); err != nil {
		fmt.Fprintln(os.Stdout, "invalid json value:", err)
		return
	}
	if err := store.Set(ctx, fields[1], v); err != nil {
		fmt.Fprintln(os.Stdout, "error:", err)
		return
	}
	fmt.Fprintln(os.Stdout, "ok")
}

func handleDelete(ctx context.Context, store *kvstore.Store, fields []string) {
	if len(fields) < 2 {
		fmt.Fprintln(os.Stdout, "usage: delete <key>")
		return
	}
	if err := store.Delete(ctx, fields[1]); err != nil {
		fmt.Fprintln(os.Stdout, "error:", err)
		return
	}
	fmt.Fprintln(os.Stdout, "ok")
}

func handleHas(ctx context.Context, store *kvstore.Store, fields []string) {
	if len(fields) < 2 {
		fmt.Fprintln(os.Stdout, "usage: has <key>")
		return
	}
	ok, err := store.Has(ctx, fields[1])
	if err != nil {
		fmt.Fprintln(os.Stdout, "error:", err)
		return
	}
	fmt.Fprintln(os.Stdout, ok)
}

func handleBackup(ctx context.Context, store *kvstore.Store, fields []string) {
	if len(fields) < 2 {
		fmt.Fprintln(os.Stdout, "usage: backup <path>")
		return
	}
	if err := store.Backup(ctx, fields[1]); err != nil {
		fmt.Fprintln(os.Stdout, "error:", err)
		return
	}
	fmt.Fprintln(os.Stdout, "ok")
}

func handleRestore(ctx context.Context, store *kvstore.Store, fields []string) {
	if len(fields) < 2 {
		fmt.Fprintln(os.Stdout, "usage: restore <path>")
		return
	}
	if err := store.Restore(ctx, fields[1], backup.Options{}); err != nil {
		fmt.Fprintln(os.Stdout, "error:", err)
		return
	}
	fmt.Fprintln(os.Stdout, "ok")
}

func handleStats(store *kvstore.Store) {
	stats := store.Stats()
	cacheStats := store.CacheStats()
	fmt.Fprintf(os.Stdout, "gets=%d sets=%d deletes=%d transactions=%d reconnects=%d cacheHitRate=%.2f\n",
		stats.Gets, stats.Sets, stats.Deletes, stats.Transactions, stats.BackendReconnects, cacheStats.HitRate())
}
