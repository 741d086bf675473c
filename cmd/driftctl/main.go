package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/feeddrift/feeddrift/internal/database"
	"github.com/feeddrift/feeddrift/pkg/config"
)

const version = "1.0.0"

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "driftctl",
		Short: "driftctl - manage feeddrift profiles, contexts, and sessions",
		Long: `driftctl is a command-line interface for operating a feeddrift ledger.
All output is structured JSON (pipe through jq for human-readable formatting).`,
		Version: version,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", getDefaultConfig(), "Path to configuration file")

	// Add subcommands
	rootCmd.AddCommand(newProfileCommand())
	rootCmd.AddCommand(newContextCommand())
	rootCmd.AddCommand(newSessionCommand())
	rootCmd.AddCommand(newValidateCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func getDefaultConfig() string {
	if path := os.Getenv("FEEDDRIFT_CONFIG"); path != "" {
		return path
	}
	return "config.yaml"
}

func openLedger() (*database.Ledger, error) {
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
	}
	return database.Open(cfg.Database.Type, cfg.Database.Path, cfg.Database.DSN)
}

// outputJSON prints v as indented JSON on stdout.
func outputJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- Profile commands ---

func newProfileCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage persona profiles",
	}
	cmd.AddCommand(newProfileAddCommand())
	cmd.AddCommand(newProfileListCommand())
	return cmd
}

func newProfileAddCommand() *cobra.Command {
	var (
		name        string
		description string
	)
	cmd := &cobra.Command{
		Use:     "add",
		Short:   "Add a persona profile",
		Example: `  driftctl profile add --name="Gardening Gina" --description="A 46-year-old who loves gardening..."`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" || description == "" {
				return fmt.Errorf("both --name and --description are required")
			}
			ledger, err := openLedger()
			if err != nil {
				return err
			}
			defer ledger.Close()

			profileID, err := ledger.AddProfile(name, description)
			if err != nil {
				return err
			}
			return outputJSON(map[string]interface{}{
				"profile_id":   profileID,
				"profile_name": name,
			})
		},
	}
	cmd.Flags().StringVarP(&name, "name", "n", "", "Profile name (required)")
	cmd.Flags().StringVarP(&description, "description", "d", "", "Persona description (required)")
	return cmd
}

func newProfileListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List persona profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			ledger, err := openLedger()
			if err != nil {
				return err
			}
			defer ledger.Close()

			profiles, err := ledger.ListProfiles()
			if err != nil {
				return err
			}
			return outputJSON(profiles)
		},
	}
}

// --- Context commands ---

func newContextCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "context",
		Short: "Manage priming contexts",
	}
	cmd.AddCommand(newContextAddCommand())
	cmd.AddCommand(newContextListCommand())
	return cmd
}

func newContextAddCommand() *cobra.Command {
	var (
		name   string
		videos string
	)
	cmd := &cobra.Command{
		Use:     "add",
		Short:   "Add or replace a priming context",
		Example: `  driftctl context add --name=gardening --videos=dQw4w9WgXcQ,abc123defgh`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" || videos == "" {
				return fmt.Errorf("both --name and --videos are required")
			}
			var videoIDs []string
			for _, id := range strings.Split(videos, ",") {
				if id = strings.TrimSpace(id); id != "" {
					videoIDs = append(videoIDs, id)
				}
			}
			if len(videoIDs) == 0 {
				return fmt.Errorf("--videos contained no video IDs")
			}

			ledger, err := openLedger()
			if err != nil {
				return err
			}
			defer ledger.Close()

			if err := ledger.AddContext(name, videoIDs); err != nil {
				return err
			}
			return outputJSON(map[string]interface{}{
				"context_name": name,
				"video_ids":    videoIDs,
			})
		},
	}
	cmd.Flags().StringVarP(&name, "name", "n", "", "Context name (required)")
	cmd.Flags().StringVar(&videos, "videos", "", "Comma-separated video IDs, watched in order (required)")
	return cmd
}

func newContextListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List priming contexts",
		RunE: func(cmd *cobra.Command, args []string) error {
			ledger, err := openLedger()
			if err != nil {
				return err
			}
			defer ledger.Close()

			contexts, err := ledger.ListContexts()
			if err != nil {
				return err
			}
			return outputJSON(contexts)
		},
	}
}

// --- Session commands ---

func newSessionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect recorded sessions",
	}
	cmd.AddCommand(newSessionListCommand())
	cmd.AddCommand(newSessionExportCommand())
	return cmd
}

func newSessionListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ledger, err := openLedger()
			if err != nil {
				return err
			}
			defer ledger.Close()

			sessions, err := ledger.ListSessions()
			if err != nil {
				return err
			}
			return outputJSON(sessions)
		},
	}
}

func newSessionExportCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "export <session-id>",
		Short:   "Export a session's full recommendation log",
		Args:    cobra.ExactArgs(1),
		Example: `  driftctl session export 42 > session-42.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid session ID %q", args[0])
			}

			ledger, err := openLedger()
			if err != nil {
				return err
			}
			defer ledger.Close()

			export, err := ledger.ExportSession(sessionID)
			if err != nil {
				return err
			}
			return outputJSON(export)
		},
	}
}

// --- Validate command ---

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check a configuration file for problems",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFromFile(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config from %s: %w", configPath, err)
			}
			issues := cfg.Validate()
			if err := outputJSON(map[string]interface{}{
				"config": configPath,
				"valid":  len(issues) == 0,
				"issues": issues,
			}); err != nil {
				return err
			}
			if len(issues) > 0 {
				os.Exit(1)
			}
			return nil
		},
	}
}
