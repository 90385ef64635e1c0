package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/didery/didery/internal/consensus"
	"github.com/didery/didery/internal/logger"
	"github.com/didery/didery/internal/record"
	"github.com/didery/didery/internal/storage"
)

var (
	kindHistory = record.KindHistory.String()
	kindOtp     = record.KindOtp.String()
	kindEvents  = record.KindComposite.String()
)

type pullFunc func(ctx context.Context, did string) (*consensus.Consensus, map[string]consensus.Result, error)

var retrieveCmd = &cobra.Command{
	Use:   "retrieve",
	Short: "Retrieve a key rotation history",
	RunE: func(cmd *cobra.Command, args []string) error {
		return pull(cmd, kindHistory, func(a *app) pullFunc { return a.client.GetHistory })
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download an OTP encrypted private key",
	RunE: func(cmd *cobra.Command, args []string) error {
		return pull(cmd, kindOtp, func(a *app) pullFunc { return a.client.GetOtp })
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Pull every rotation event of a DID",
	RunE: func(cmd *cobra.Command, args []string) error {
		return pull(cmd, kindEvents, func(a *app) pullFunc { return a.client.GetEvents })
	},
}

func pull(cmd *cobra.Command, kind string, get func(*app) pullFunc) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	if err := resolveDID(a.cfg.DIDMethod); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	a.reporter.Setup(a.client.Servers(), nil, didFlag)

	start := time.Now()
	agreed, results, err := get(a)(ctx, didFlag)
	if err != nil {
		return fmt.Errorf("failed to retrieve %s: %w", kind, err)
	}
	a.reporter.Pulled(agreed, results)

	if agreed == nil {
		a.log.Warn("consensus not reached", "kind", kind, "did", didFlag, logger.Timed(start))
	} else {
		a.log.Info("consensus reached", "kind", kind, "did", didFlag, "votes", agreed.Votes, "total", agreed.Total, logger.Timed(start))
		a.remember(kind, didFlag, agreed)
	}

	if err := a.alerts.Notify(kind, didFlag, agreed, results); err != nil {
		a.log.Warn("failed to send alert", "error", err)
	}
	return nil
}

func openStore(dataDir, path string) (*storage.Storage, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := storage.New(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	return store, nil
}

// remember caches an agreed record. Cache failures never fail a command.
func (a *app) remember(kind, did string, agreed *consensus.Consensus) {
	store, err := openStore(a.cfg.DataDir, a.cfg.DatabasePath())
	if err != nil {
		a.log.Warn("cache unavailable", "error", err)
		return
	}
	defer store.Close()

	now := time.Now().UTC()
	entry := &storage.Entry{
		Kind:        kind,
		DID:         did,
		Fingerprint: agreed.Fingerprint,
		Data:        agreed.Record.Raw(),
		Votes:       agreed.Votes,
		Total:       agreed.Total,
		RetrievedAt: now,
	}
	if err := store.SaveRecord(entry); err != nil {
		a.log.Warn("failed to cache record", "error", err)
		return
	}
	if err := store.SetMetadata(storage.LastSyncKey, now.Format(time.RFC3339)); err != nil {
		a.log.Warn("failed to update metadata", "error", err)
	}
	if err := store.SetMetadata(storage.ServersKey, strings.Join(a.client.Servers(), ",")); err != nil {
		a.log.Warn("failed to update metadata", "error", err)
	}
}

func (a *app) forget(kind, did string) {
	store, err := openStore(a.cfg.DataDir, a.cfg.DatabasePath())
	if err != nil {
		a.log.Warn("cache unavailable", "error", err)
		return
	}
	defer store.Close()

	if err := store.DeleteRecord(kind, did); err != nil {
		a.log.Warn("failed to drop cached record", "error", err)
	}
}
