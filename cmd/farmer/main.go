package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	flagConfigFilePath string
	flagVerbose        bool
	flagNoDashboard    bool
)

func main() {
	rootCmd.PersistentFlags().StringVarP(&flagConfigFilePath, "config", "c", "./config.yaml", "config file to load")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "debug logging")
	rootCmd.Flags().BoolVar(&flagNoDashboard, "no-dashboard", false, "do not show the terminal dashboard")

	rootCmd.SilenceErrors = true
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		color.New(color.FgRed, color.Bold).Fprintf(os.Stderr, "capsule-farmer: %v\n", err)
		slog.Error("capsule-farmer failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "capsule-farmer",
	Short:        "Watches live esports matches on several accounts and collects drops",
	SilenceUsage: true,
	PreRun: func(_ *cobra.Command, _ []string) {
		// credentials may be referenced as ${VAR} in the config
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			color.New(color.FgYellow).Fprintf(os.Stderr, "warning: .env not loaded: %v\n", err)
		}
	},
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context(), runOptions{
			configPath:  flagConfigFilePath,
			verbose:     flagVerbose,
			noDashboard: flagNoDashboard,
		})
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print version information",
	Run: func(_ *cobra.Command, _ []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("capsule-farmer: version info not available")
			return
		}
		fmt.Printf("capsule-farmer: %s\n", info.Main.Version)
		fmt.Printf("go:             %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:         %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:           %s\n", s.Value)
			}
		}
	},
}
