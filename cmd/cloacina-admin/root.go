// Package main implements cloacina-admin, the operational tool for the
// engine: event retention cleanup, tenant provisioning, and a health
// check, plus a serve command that starts a Runner and blocks until
// signalled. Configuration precedence (flags > environment > config
// file > defaults) and the cobra/viper wiring are the same root-command
// shape used throughout this codebase's other CLIs, trimmed down to the
// handful of flags this tool actually needs.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cloacina-io/cloacina/internal/config"
)

// Exit codes: 0 success, 1 validation/usage error, 2 database error,
// 3 precondition failure (e.g. tenant already exists).
const (
	exitOK           = 0
	exitUsage        = 1
	exitDatabase     = 2
	exitPrecondition = 3
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "cloacina-admin",
	Short: "Operational tool for the cloacina workflow engine",
	Long: `cloacina-admin provides the operator-facing surface around a cloacina
deployment: pruning old execution_events rows, provisioning a new tenant
schema, and checking that the configured backend is reachable and
migrated.`,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.cloacina-admin.yaml)")
	rootCmd.PersistentFlags().String("backend", "", "storage backend: postgres or sqlite")
	rootCmd.PersistentFlags().String("dsn", "", "Postgres DSN, or SQLite file path")

	_ = viper.BindPFlag("backend", rootCmd.PersistentFlags().Lookup("backend"))
	_ = viper.BindPFlag("dsn", rootCmd.PersistentFlags().Lookup("dsn"))

	rootCmd.AddCommand(cleanupEventsCmd, provisionTenantCmd, healthcheckCmd, serveCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigName(".cloacina-admin")
	}
	viper.SetEnvPrefix("CLOACINA")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig() // absence of a config file is not an error
}

// loadConfig layers viper's resolved values (flags > env > file) over
// config.Default(), the same precedence order the engine library itself
// honors through config.FromEnv.
func loadConfig() config.Config {
	cfg := config.Default()
	if b := viper.GetString("backend"); b != "" {
		cfg.Backend = config.Backend(b)
	}
	if d := viper.GetString("dsn"); d != "" {
		cfg.DSN = d
	}
	return cfg
}

func fail(code int, format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(code)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fail(exitUsage, "%v", err)
	}
}
