// ledgerctl is a command-line client for a certledger server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmerrifield20/certledger/internal/ledger"
	"github.com/jmerrifield20/certledger/pkg/client"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	serverURL   string
	cfgFile     string
	adminSecret string
	caFile      string
	output      string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ledgerctl",
	Short: "certledger command-line client",
	Long: `ledgerctl submits payloads to a certledger server and verifies its chains.

Proofs fetched with "ledgerctl prove" are recomputed locally, so the result
does not depend on trusting the server.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.certledger")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("CERTLEDGER")
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if serverURL == "" {
			serverURL = viper.GetString("server_url")
		}
		if serverURL == "" {
			serverURL = "http://localhost:8080"
		}
		if adminSecret == "" {
			adminSecret = viper.GetString("admin_secret")
		}
		if caFile == "" {
			caFile = viper.GetString("ca_file")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.certledger/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "certledger server URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&adminSecret, "admin-secret", "", "admin secret for operator commands")
	rootCmd.PersistentFlags().StringVar(&caFile, "ca", "", "PEM CA certificate to trust for an https server")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "text", "output format: text or json")

	rootCmd.AddCommand(submitCmd, tipCmd, logCmd, verifyCmd, proveCmd, checkpointCmd, unhaltCmd, versionCmd)
}

func newClient() (*client.Client, error) {
	var opts []client.Option
	if adminSecret != "" {
		opts = append(opts, client.WithAdminSecret(adminSecret))
	}
	if caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read CA certificate: %w", err)
		}
		opts = append(opts, client.WithCA(string(pem)))
	}
	return client.New(serverURL, opts...)
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), 60*time.Second)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseSeq(s string) (uint64, error) {
	seq, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid sequence number %q", s)
	}
	return seq, nil
}

// ── submit ───────────────────────────────────────────────────────────────────

var (
	submitRef   string
	submitActor string
	submitFile  string
)

var submitCmd = &cobra.Command{
	Use:   "submit <scope> [json]",
	Short: "Certify a JSON payload",
	Long: `submit certifies one JSON payload, given inline or with --file ("-" for stdin):

  ledgerctl submit org-42 '{"decision":"approve","model":"risk-v3"}' --ref decision-981`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var raw []byte
		switch {
		case len(args) == 2:
			raw = []byte(args[1])
		case submitFile == "-":
			b, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return err
			}
			raw = b
		case submitFile != "":
			b, err := os.ReadFile(submitFile)
			if err != nil {
				return err
			}
			raw = b
		default:
			return errors.New("payload required: pass it inline or with --file")
		}
		if !json.Valid(raw) {
			return errors.New("payload is not valid JSON")
		}

		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		r, err := c.Submit(ctx, args[0], client.Submission{
			PayloadRef: submitRef,
			Payload:    json.RawMessage(raw),
			Actor:      submitActor,
		})
		if err != nil {
			var apiErr *client.APIError
			if errors.As(err, &apiErr) && len(apiErr.Findings) > 0 {
				for _, f := range apiErr.Findings {
					cmd.PrintErrln("  finding:", f)
				}
			}
			return err
		}
		if output == "json" {
			return printJSON(cmd.OutOrStdout(), r)
		}
		cmd.Printf("certified %s seq=%d digest=%s\n", r.Scope, r.Seq, r.EntryDigest)
		return nil
	},
}

func init() {
	submitCmd.Flags().StringVar(&submitRef, "ref", "", "payload reference (default: server-assigned)")
	submitCmd.Flags().StringVar(&submitActor, "actor", "", "producing actor recorded on the entry")
	submitCmd.Flags().StringVarP(&submitFile, "file", "f", "", "read the payload from a file, - for stdin")
}

// ── tip / log ────────────────────────────────────────────────────────────────

var tipCmd = &cobra.Command{
	Use:   "tip <scope>",
	Short: "Show a scope's latest entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		tip, err := c.Tip(ctx, args[0])
		if err != nil {
			return err
		}
		if output == "json" {
			return printJSON(cmd.OutOrStdout(), tip)
		}
		cmd.Printf("%s seq=%d digest=%s\n", tip.Scope, tip.Seq, tip.Digest)
		return nil
	},
}

var (
	logFrom  uint64
	logLimit uint64
)

var logCmd = &cobra.Command{
	Use:   "log <scope>",
	Short: "List entries of a scope",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if logLimit == 0 {
			return errors.New("--limit must be positive")
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		entries, err := c.Entries(ctx, args[0], logFrom, logFrom+logLimit-1)
		if err != nil {
			return err
		}
		if output == "json" {
			return printJSON(cmd.OutOrStdout(), entries)
		}
		printEntries(cmd.OutOrStdout(), entries)
		return nil
	},
}

func init() {
	logCmd.Flags().Uint64Var(&logFrom, "from", 0, "first sequence number")
	logCmd.Flags().Uint64Var(&logLimit, "limit", 50, "maximum entries to list")
}

func printEntries(w io.Writer, entries []*ledger.Entry) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tREF\tACTOR\tCREATED\tDIGEST")
	for _, e := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
			e.Seq, e.PayloadRef, e.CreatedBy, e.CreatedAt.Format(time.RFC3339), shortDigest(e.EntryDigest))
	}
	tw.Flush()
}

func shortDigest(d string) string {
	if len(d) > 16 {
		return d[:16] + "…"
	}
	return d
}

// ── verify / prove ───────────────────────────────────────────────────────────

var (
	verifyFrom         uint64
	verifyTo           int64
	verifyAnchor       string
	verifyPayloadCheck bool
	verifySkipPayload  bool
)

var verifyCmd = &cobra.Command{
	Use:   "verify <scope>",
	Short: "Ask the server to verify a scope's chain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		p := client.VerifyParams{From: verifyFrom, Anchor: verifyAnchor, PayloadCheck: verifyPayloadCheck, SkipPayloadCheck: verifySkipPayload}
		if verifyTo >= 0 {
			to := uint64(verifyTo)
			p.To = &to
		}
		res, err := c.Verify(ctx, args[0], p)
		if err != nil {
			return err
		}
		if output == "json" {
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
		} else {
			cmd.Println(res.Statement)
		}
		if res.Integrity != "ok" {
			return errors.New("integrity failure")
		}
		return nil
	},
}

func init() {
	verifyCmd.Flags().Uint64Var(&verifyFrom, "from", 0, "first sequence number")
	verifyCmd.Flags().Int64Var(&verifyTo, "to", -1, "last sequence number (default: through the end)")
	verifyCmd.Flags().StringVar(&verifyAnchor, "anchor", "", "trusted digest of entry from-1")
	verifyCmd.Flags().BoolVar(&verifyPayloadCheck, "payload-check", false, "fail unless stored payload documents can be re-digested")
	verifyCmd.Flags().BoolVar(&verifySkipPayload, "skip-payload-check", false, "check stored digests only, without payload documents")
}

var proveTrusted string

var proveCmd = &cobra.Command{
	Use:   "prove <scope> <seq>",
	Short: "Fetch an inclusion proof and verify it locally",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		seq, err := parseSeq(args[1])
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		entry, report, err := c.ProveEntry(ctx, args[0], seq, proveTrusted)
		if err != nil {
			return err
		}
		if output == "json" {
			if err := printJSON(cmd.OutOrStdout(), map[string]any{"entry": entry, "report": report}); err != nil {
				return err
			}
		} else {
			cmd.Println(report.Statement())
		}
		if !report.OK() {
			return errors.New("proof failed local verification")
		}
		return nil
	},
}

func init() {
	proveCmd.Flags().StringVar(&proveTrusted, "trusted-digest", "", "expected digest of the checkpoint the proof is anchored at (default: check from genesis)")
}

// ── operator ─────────────────────────────────────────────────────────────────

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint <scope>",
	Short: "Verify a scope and publish a checkpoint at its tip",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		cp, err := c.PublishCheckpoint(ctx, args[0])
		if err != nil {
			return err
		}
		if output == "json" {
			return printJSON(cmd.OutOrStdout(), cp)
		}
		cmd.Printf("checkpoint %s seq=%d digest=%s\n", cp.Scope, cp.Seq, cp.Digest)
		return nil
	},
}

var unhaltCmd = &cobra.Command{
	Use:   "unhalt <scope>",
	Short: "Clear a scope halted after an integrity violation (admin)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		if err := c.ClearHalt(ctx, args[0]); err != nil {
			return err
		}
		cmd.Printf("halt cleared for %s\n", args[0])
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the ledgerctl version",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Println("ledgerctl " + version)
	},
}
