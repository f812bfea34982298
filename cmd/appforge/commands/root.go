// Package commands implements the appforge CLI.
package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/appforge/appforge/config"
	"github.com/appforge/appforge/internal/db"
	"github.com/appforge/appforge/internal/logger"
)

// environment variable names for the database connection
const (
	envDBHost     = "DB_HOST"
	envDBPort     = "DB_PORT"
	envDBUser     = "DB_USER"
	envDBPassword = "DB_PASSWORD"
	envDBName     = "DB_NAME"
)

func init() {
	RootCmd.AddCommand(workerCmd)
	RootCmd.AddCommand(enqueueCmd)
	RootCmd.AddCommand(requeueCmd)
	RootCmd.AddCommand(jobsCmd)
}

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "appforge",
	Short: "appforge - build pipeline for native app packages",
	Long: `appforge runs the build job queue and worker pipeline that turns app
records into buildable native packages. Workers coordinate exclusively
through the shared job store; run more worker processes to scale out.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	if err := RootCmd.Execute(); err != nil {
		logger.Errorf("command failed: %v", err)
		return err
	}
	return nil
}

// openDB constructs the database handle from the environment. The handle is
// owned by the command that asked for it and injected into everything below.
func openDB() (*gorm.DB, error) {
	port, err := strconv.Atoi(config.GetEnv(envDBPort, strconv.Itoa(db.DefaultPort)))
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", envDBPort, err)
	}
	return db.New(db.Options{
		Host:     config.GetEnv(envDBHost, db.DefaultHost),
		User:     config.GetEnv(envDBUser, db.DefaultUser),
		Password: config.GetEnv(envDBPassword, db.DefaultPassword),
		DBName:   config.GetEnv(envDBName, db.DefaultDBName),
		Port:     port,
	})
}
