package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/wftrace/wftrace/internal/log"
	"github.com/wftrace/wftrace/internal/storage"
)

const version = "0.1.0"

var logger = log.GetLogger()

var rootCmd = &cobra.Command{
	Use:     "wftrace",
	Short:   "Workflow run monitoring and ingestion",
	Long:    "wftrace ingests workflow tracking events into a relational run history.",
	Version: version,
}

// db flags shared by the subcommands that touch the database
var (
	dbHost     string
	dbPort     string
	dbUser     string
	dbPassword string
	dbName     string
	dbSSLMode  string
)

func init() {
	godotenv.Load()

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&dbHost, "db-host", getEnv("DB_HOST", "localhost"), "Database host")
	pf.StringVar(&dbPort, "db-port", getEnv("DB_PORT", "5432"), "Database port")
	pf.StringVar(&dbUser, "db-user", getEnv("DB_USER", "wftrace"), "Database user")
	pf.StringVar(&dbPassword, "db-password", getEnv("DB_PASSWORD", "wftrace_dev_password"), "Database password")
	pf.StringVar(&dbName, "db-name", getEnv("DB_NAME", "wftrace"), "Database name")
	pf.StringVar(&dbSSLMode, "db-sslmode", getEnv("DB_SSLMODE", "disable"), "Database SSL mode")

	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(parseCmd)
}

func dbConfig() *storage.Config {
	cfg := storage.DefaultConfig()
	cfg.Host = dbHost
	cfg.Port = dbPort
	cfg.User = dbUser
	cfg.Password = dbPassword
	cfg.DBName = dbName
	cfg.SSLMode = dbSSLMode
	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger.Error(err)
		os.Exit(1)
	}
}
