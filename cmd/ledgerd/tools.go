package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/jmerrifield20/certledger/internal/config"
	"github.com/jmerrifield20/certledger/internal/ledger"
	"github.com/jmerrifield20/certledger/internal/migrate"
	"github.com/jmerrifield20/certledger/migrations"
)

// errIntegrity makes the process exit non-zero when a chain is broken.
var errIntegrity = errors.New("integrity failure")

var (
	verifyScope        string
	verifyFrom         uint64
	verifyTo           int64
	verifyAnchor       string
	verifyPayloadCheck bool
	verifySkipPayload  bool
	verifyJSON         bool
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify a scope's chain directly against the store",
	Long: `verify recomputes a scope's chain from the configured store without going
through a running server. It prints the integrity statement and exits
non-zero when the chain is broken.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		be, err := openBackend(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer be.close()

		v := ledger.NewVerifier(be.store, be.store, logger)
		v.SetContentResolver(be.content)

		opts := ledger.VerifyOptions{From: verifyFrom, Anchor: verifyAnchor, PayloadCheck: verifyPayloadCheck, SkipPayloadCheck: verifySkipPayload}
		if verifyTo >= 0 {
			to := uint64(verifyTo)
			opts.To = &to
		}
		report, err := v.Verify(ctx, verifyScope, opts)
		if err != nil {
			return err
		}

		if verifyJSON {
			out, _ := json.MarshalIndent(report, "", "  ")
			cmd.Println(string(out))
		} else {
			cmd.Println(report.Statement())
		}
		if !report.OK() {
			return errIntegrity
		}
		return nil
	},
}

var (
	checkpointScope string
	checkpointAllFl bool
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Verify and checkpoint one scope or all scopes",
	RunE: func(cmd *cobra.Command, args []string) error {
		if checkpointScope == "" && !checkpointAllFl {
			return errors.New("one of --scope or --all is required")
		}
		ctx := cmd.Context()
		be, err := openBackend(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer be.close()
		prover := ledger.NewProver(be.store, be.store, logger)

		if checkpointAllFl {
			published, failed, err := checkpointAll(ctx, prover, be.store, logger)
			if err != nil {
				return err
			}
			cmd.Printf("published %d checkpoint(s), %d scope(s) failed\n", published, failed)
			if failed > 0 {
				return errIntegrity
			}
			return nil
		}

		cp, report, err := prover.PublishCheckpoint(ctx, checkpointScope)
		if err != nil {
			return err
		}
		if cp == nil {
			cmd.Println(report.Statement())
			return errIntegrity
		}
		cmd.Printf("checkpoint %s seq=%d digest=%s\n", cp.Scope, cp.Seq, cp.Digest)
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply Postgres schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.StoreDriver != config.DriverPostgres {
			return fmt.Errorf("migrate applies to the postgres store, store.driver is %q", cfg.StoreDriver)
		}
		ctx := cmd.Context()
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer pool.Close()

		applied, err := migrate.Up(ctx, pool, migrations.FS, logger)
		if err != nil {
			return err
		}
		cmd.Printf("applied %d migration(s)\n", applied)
		return nil
	},
}

func init() {
	verifyCmd.Flags().StringVar(&verifyScope, "scope", "", "tenant scope to verify")
	verifyCmd.Flags().Uint64Var(&verifyFrom, "from", 0, "first sequence number")
	verifyCmd.Flags().Int64Var(&verifyTo, "to", -1, "last sequence number (default: through the end)")
	verifyCmd.Flags().StringVar(&verifyAnchor, "anchor", "", "trusted digest of entry from-1")
	verifyCmd.Flags().BoolVar(&verifyPayloadCheck, "payload-check", false, "fail unless stored payload documents can be re-digested")
	verifyCmd.Flags().BoolVar(&verifySkipPayload, "skip-payload-check", false, "check stored digests only, without payload documents")
	verifyCmd.Flags().BoolVar(&verifyJSON, "json", false, "print the full report as JSON")
	_ = verifyCmd.MarkFlagRequired("scope")

	checkpointCmd.Flags().StringVar(&checkpointScope, "scope", "", "tenant scope to checkpoint")
	checkpointCmd.Flags().BoolVar(&checkpointAllFl, "all", false, "checkpoint every scope with entries")
}
