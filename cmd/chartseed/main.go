package main

import (
	"context"
	crypto_rand "crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/chartseed/internal/config"
	"github.com/ehr/chartseed/internal/domain/conditions"
	"github.com/ehr/chartseed/internal/domain/documents"
	"github.com/ehr/chartseed/internal/domain/patients"
	"github.com/ehr/chartseed/internal/domain/pipeline"
	"github.com/ehr/chartseed/internal/platform/idmap"
	"github.com/ehr/chartseed/internal/platform/ledger"
	"github.com/ehr/chartseed/internal/platform/sandbox"
	"github.com/ehr/chartseed/internal/platform/source"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "chartseed",
		Short:         "Seed a FHIR record system from source exports",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(idmapCmd())
	rootCmd.AddCommand(sandboxCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Shared setup
// ---------------------------------------------------------------------------

// entities lists every migratable entity, parents first.
var entities = []pipeline.Entity{
	patients.New(),
	conditions.New(),
	documents.New(),
}

func lookupEntity(name string) (pipeline.Entity, error) {
	var names []string
	for _, e := range entities {
		if e.Name() == name {
			return e, nil
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return nil, fmt.Errorf("unknown entity %q (want one of %s)", name, strings.Join(names, ", "))
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, quiet bool) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level := cfg.Level()
	if quiet && level < zerolog.WarnLevel {
		level = zerolog.WarnLevel
	}
	return logger.Level(level)
}

func sourceOptions(cfg *config.Config) source.Options {
	r, _ := utf8.DecodeRuneInString(cfg.Delimiter)
	return source.Options{Delimiter: r}
}

func reportPath(cfg *config.Config, entity string) string {
	return filepath.Join(cfg.ResultsDir, fmt.Sprintf("validation_errors_%s.json", entity))
}

// ---------------------------------------------------------------------------
// run / validate / status
// ---------------------------------------------------------------------------

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <entity>",
		Short: "Migrate one entity's source file to the target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			workers, _ := cmd.Flags().GetInt("workers")
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			retryFailed, _ := cmd.Flags().GetBool("retry-failed")
			quiet, _ := cmd.Flags().GetBool("quiet")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !dryRun {
				if err := cfg.ValidateTarget(); err != nil {
					return err
				}
			}
			if workers <= 0 {
				workers = cfg.Workers
			}
			logger := newLogger(cfg, quiet)

			entity, err := lookupEntity(args[0])
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			table, err := source.Load(file, sourceOptions(cfg))
			if err != nil {
				return err
			}

			if retryFailed && !dryRun {
				rotated, err := ledger.RotateFailed(cfg.ResultsDir, entity.Name(), time.Now())
				if err != nil {
					return err
				}
				for _, p := range rotated {
					logger.Info().Str("path", p).Msg("rotated ledger for retry")
				}
			}

			set, err := ledger.OpenSet(cfg.ResultsDir, entity.Name())
			if err != nil {
				return err
			}
			defer set.Close()

			logger.Info().Str("entity", entity.Name()).Str("file", file).Int("records", len(table.Records)).
				Int("workers", workers).Bool("dry_run", dryRun).Msg("starting run")

			runner := pipeline.NewRunner(entity, a.env, a.client, set, pipeline.Options{
				Workers:    workers,
				DryRun:     dryRun,
				ReportPath: reportPath(cfg, entity.Name()),
			}, logger)
			summary, err := runner.Run(ctx, table)
			if summary != nil {
				summary.Log(logger)
			}
			return err
		},
	}
	cmd.Flags().String("file", "", "Source export to migrate")
	cmd.Flags().Int("workers", 0, "Records processed in parallel (default WORKERS)")
	cmd.Flags().Bool("dry-run", false, "Validate, map and encode without submitting")
	cmd.Flags().Bool("retry-failed", false, "Rotate the error and ignore ledgers so those records are retried")
	cmd.Flags().Bool("quiet", false, "Only log warnings, errors and the summary")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func validateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <entity>",
		Short: "Validate a source file and write the validation report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg, false)

			entity, err := lookupEntity(args[0])
			if err != nil {
				return err
			}
			table, err := source.Load(file, sourceOptions(cfg))
			if err != nil {
				return err
			}

			env := &pipeline.Env{IdentifierSystem: cfg.IdentifierSystem, Logger: logger}
			report, valid, err := pipeline.Check(entity, env, table)
			if err != nil {
				return err
			}

			path := reportPath(cfg, entity.Name())
			if err := report.WriteFile(path); err != nil {
				return err
			}
			if report.Len() > 0 {
				logger.Warn().Int("valid", valid).Int("invalid", report.Len()).Str("report", path).
					Msg("some records failed validation")
				return fmt.Errorf("%d of %d records failed validation", report.Len(), len(table.Records))
			}
			logger.Info().Int("valid", valid).Msg("all records passed validation")
			return nil
		},
	}
	cmd.Flags().String("file", "", "Source export to validate")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <entity>",
		Short: "Show ledger counts and grouped ignore and error messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg, false)

			entity, err := lookupEntity(args[0])
			if err != nil {
				return err
			}
			summary, err := pipeline.Status(cfg.ResultsDir, entity.Name())
			if err != nil {
				return err
			}
			summary.Log(logger)
			return nil
		},
	}
}

// ---------------------------------------------------------------------------
// idmap
// ---------------------------------------------------------------------------

func idmapCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "idmap",
		Short: "Manage identifier maps",
	}

	buildCmd := &cobra.Command{
		Use:   "build",
		Short: "Build the patient map from patients already on the target",
		RunE: func(cmd *cobra.Command, args []string) error {
			system, _ := cmd.Flags().GetString("system")
			out, _ := cmd.Flags().GetString("out")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.ValidateTarget(); err != nil {
				return err
			}
			logger := newLogger(cfg, false)
			if system == "" {
				system = cfg.IdentifierSystem
			}
			if out == "" {
				out = filepath.Join(cfg.DataDir, mapFiles[idmap.KindPatient])
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			m, err := idmap.LoadMap(out)
			if err != nil {
				return err
			}
			before := m.Len()
			added, err := idmap.BuildPatientMap(ctx, newClient(cfg, logger), system, m)
			if err != nil {
				return err
			}
			logger.Info().Str("system", system).Str("path", out).Int("existing", before).Int("added", added).
				Int("total", m.Len()).Msg("patient map built")
			return nil
		},
	}
	buildCmd.Flags().String("system", "", "Identifier system to match (default IDENTIFIER_SYSTEM)")
	buildCmd.Flags().String("out", "", "Patient map path (default DATA_DIR/patient_map.json)")
	cmd.AddCommand(buildCmd)

	return cmd
}

// ---------------------------------------------------------------------------
// sandbox
// ---------------------------------------------------------------------------

func sandboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sandbox",
		Short: "Local stand-in target and synthetic source data",
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the sandbox target API",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg, false)
			if addr == "" {
				addr = cfg.SandboxAddr
			}
			return serveSandbox(cfg, addr, logger)
		},
	}
	serveCmd.Flags().String("addr", "", "Listen address (default SANDBOX_ADDR)")
	cmd.AddCommand(serveCmd)

	seedCmd := &cobra.Command{
		Use:   "seed",
		Short: "Write synthetic patients, conditions and documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, _ := cmd.Flags().GetString("out")
			seed := sandbox.DefaultSeedConfig()
			seed.Patients, _ = cmd.Flags().GetInt("patients")
			seed.ConditionsPerPatient, _ = cmd.Flags().GetInt("conditions")
			seed.DocumentsPerPatient, _ = cmd.Flags().GetInt("documents")
			seed.Seed, _ = cmd.Flags().GetInt64("seed")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg, false)
			if cfg.IdentifierSystem != "" {
				seed.IdentifierSystem = cfg.IdentifierSystem
			}
			if seed.Seed == 0 {
				seed.Seed = time.Now().UnixNano()
			}

			result, err := sandbox.NewSeeder(seed).Generate(out)
			if err != nil {
				return err
			}
			logger.Info().Str("dir", result.Dir).Int("patients", result.Patients).Int("conditions", result.Conditions).
				Int("documents", result.Documents).Int("attachments", result.Attachments).Int64("seed", seed.Seed).
				Str("identifier_system", seed.IdentifierSystem).Dur("duration", result.Duration).Msg("source data written")
			return nil
		},
	}
	defaults := sandbox.DefaultSeedConfig()
	seedCmd.Flags().String("out", "seed", "Output directory")
	seedCmd.Flags().Int("patients", defaults.Patients, "Number of patients")
	seedCmd.Flags().Int("conditions", defaults.ConditionsPerPatient, "Conditions per patient")
	seedCmd.Flags().Int("documents", defaults.DocumentsPerPatient, "Documents per patient")
	seedCmd.Flags().Int64("seed", 0, "Random seed (default: time based)")
	cmd.AddCommand(seedCmd)

	return cmd
}

func serveSandbox(cfg *config.Config, addr string, logger zerolog.Logger) error {
	key := []byte(cfg.SandboxSigningKey)
	if len(key) == 0 {
		buf := make([]byte, 32)
		if _, err := crypto_rand.Read(buf); err != nil {
			return fmt.Errorf("generate signing key: %w", err)
		}
		key = []byte(hex.EncodeToString(buf))
	}
	clientID, clientSecret := cfg.ClientID, cfg.ClientSecret
	if clientID == "" || clientSecret == "" {
		clientID, clientSecret = "chartseed", "sandbox"
		logger.Warn().Str("client_id", clientID).Str("client_secret", clientSecret).
			Msg("CLIENT_ID or CLIENT_SECRET not set, using sandbox defaults")
	}

	srv := sandbox.NewServer(sandbox.ServerConfig{
		SigningKey:   key,
		TokenTTL:     cfg.SandboxTokenTTL,
		ClientID:     clientID,
		ClientSecret: clientSecret,
	}, logger)

	go func() {
		logger.Info().Str("addr", addr).Msg("sandbox listening")
		if err := srv.Start(addr); err != nil {
			logger.Fatal().Err(err).Msg("sandbox error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down sandbox")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("sandbox shutdown failed: %w", err)
	}
	logger.Info().Msg("sandbox stopped")
	return nil
}
