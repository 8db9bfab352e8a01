package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/driftbyte/shardpipe/internal/bridge"
	"github.com/driftbyte/shardpipe/internal/config"
	"github.com/driftbyte/shardpipe/internal/farmer"
	"github.com/driftbyte/shardpipe/internal/logging"
	"github.com/driftbyte/shardpipe/internal/transfer"
)

var (
	cfg             *config.Config
	transferService *transfer.Service
	configPath      string
)

var rootCmd = &cobra.Command{
	Use:   "shardpipe",
	Short: "CLI client for erasure-coded file transfer over a farmer network",
	Long: "A CLI client that uploads and downloads files as encrypted, " +
		"erasure-coded shards spread across independent storage nodes.",
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")
	rootCmd.PersistentFlags().String("bridge_url", "", "Bridge API base URL")
	rootCmd.PersistentFlags().String("log_level", "", "Log level (trace|debug|info|warn|error)")
	rootCmd.PersistentFlags().String("passphrase", "", "Encryption passphrase")
}

func initConfig() {
	var err error
	cfg, err = config.LoadConfig(configPath, rootCmd)
	if err != nil {
		log.Fatalf("Error loading configuration: %v", err)
	}

	logging.InitLogger(cfg.LogLevel)

	bridgeClient := bridge.NewClient(cfg.BridgeURL, cfg.BridgeUser, cfg.BridgePass, cfg.RequestTimeout)
	farmerClient := farmer.NewClient(cfg.RequestTimeout)
	transferService = transfer.NewService(bridgeClient, farmerClient, cfg.MasterKey)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
