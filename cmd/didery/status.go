package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/didery/didery/internal/config"
	"github.com/didery/didery/internal/keys"
	"github.com/didery/didery/internal/record"
	"github.com/didery/didery/internal/signing"
	"github.com/didery/didery/internal/storage"
)

var keygenOut string

func init() {
	keygenCmd.Flags().StringVar(&keygenOut, "out", "didery.keys.json", "where to save the key pair")
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a signing key pair and its DID",
	RunE: func(cmd *cobra.Command, args []string) error {
		method := ""
		if cfg, err := config.Load(cfgFile); err == nil {
			method = cfg.DIDMethod
		}

		pair, err := signing.KeyGen(nil, method)
		if err != nil {
			return fmt.Errorf("failed to generate key pair: %w", err)
		}
		if err := keys.Save(keygenOut, keys.FromKeyPair(pair, nil)); err != nil {
			return fmt.Errorf("failed to save keys: %w", err)
		}

		fmt.Printf("DID: %s\n", pair.DID)
		fmt.Printf("Verification key: %s\n", pair.VerificationKey)
		fmt.Printf("Keys saved to: %s\n", keygenOut)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Display cached records and re-verify their signatures",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		store, err := openStore(cfg.DataDir, cfg.DatabasePath())
		if err != nil {
			return err
		}
		defer store.Close()

		fmt.Printf("Servers: %d\n", len(cfg.Servers))
		for _, s := range cfg.Servers {
			fmt.Printf("  - %s\n", s)
		}
		fmt.Printf("Data Directory: %s\n", cfg.DataDir)
		if lastSync, err := store.GetMetadata(storage.LastSyncKey); err == nil {
			fmt.Printf("Last Sync: %s\n", lastSync)
		}
		if servers, err := store.GetMetadata(storage.ServersKey); err == nil && servers != "" {
			fmt.Printf("Last Synced With: %s\n", servers)
		}

		entries, err := store.ListRecords("")
		if err != nil {
			return fmt.Errorf("failed to list cached records: %w", err)
		}

		fmt.Printf("\nCached Records:\n")
		if len(entries) == 0 {
			fmt.Printf("  No records yet\n")
			return nil
		}

		for _, entry := range entries {
			fmt.Printf("  - %s %s (%d/%d votes, %s)\n", entry.Kind, entry.DID, entry.Votes, entry.Total, entry.RetrievedAt.Format("2006-01-02 15:04:05"))
			if err := verifyEntry(entry, cfg.Hash.Algorithm); err != nil {
				fmt.Printf("    ❌ FAILED: %v\n", err)
			} else {
				fmt.Printf("    ✅ OK: Signatures verify\n")
			}
		}

		return nil
	},
}

// verifyEntry re-validates a cached record and checks it still carries the
// fingerprint the servers agreed on.
func verifyEntry(entry *storage.Entry, algorithm string) error {
	rec := record.Parse(200, entry.Data)
	if rec.Kind().String() != entry.Kind {
		return fmt.Errorf("cached data is a %s record, expected %s", rec.Kind(), entry.Kind)
	}
	if !rec.Valid() {
		return fmt.Errorf("signature validation failed")
	}
	fingerprint, err := rec.Fingerprint(algorithm)
	if err != nil {
		return err
	}
	if fingerprint != entry.Fingerprint {
		return fmt.Errorf("fingerprint mismatch")
	}
	return nil
}
