package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/astromechza/usersync/pkg/store"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

// mainInner dumps an automerge user store: its users to the log and its
// change graph to stdout as DOT.
func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	flag.Parse()
	if flag.NArg() != 1 {
		return fmt.Errorf("expected one position argument: the file to read")
	}
	if _, err := os.Stat(flag.Arg(0)); err != nil {
		return fmt.Errorf("failed to open input file: %w", err)
	}
	doc, err := store.OpenDocument(flag.Arg(0))
	if err != nil {
		return fmt.Errorf("failed to load doc: %w", err)
	}
	defer doc.Close()

	all, err := doc.QueryAll(context.Background())
	if err != nil {
		return err
	}
	for i, u := range all {
		slog.Info("user", "i", fmt.Sprintf("%4d", i), "user", u.String(), "image_bytes", len(u.Image))
	}
	slog.Info("loaded heads", "heads", doc.Heads())

	revisions, err := doc.Revisions()
	if err != nil {
		return fmt.Errorf("failed to generate changes: %w", err)
	}
	slog.Info("changes:")
	for i, r := range revisions {
		slog.Info("change", "i", fmt.Sprintf("%4d", i), "hash", r.Hash, "actor", r.Actor, "dep", r.Deps, "msg", r.Message)
	}

	fmt.Println(`digraph "log" {`)
	for _, r := range revisions {
		fmt.Printf("    \"%s\" [label=\"%s %s@%d %s users=%d\"]\n", r.Hash, r.Hash.String()[:8], r.Actor, r.Seq, r.Message, r.Users)
		for _, hash := range r.Deps {
			fmt.Printf("    \"%s\" -> \"%s\"\n", hash, r.Hash)
		}
	}
	fmt.Println("}")
	return nil
}
