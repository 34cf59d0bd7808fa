package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ryabkov82/rndc-batch-server/internal/apiclient"
	"github.com/ryabkov82/rndc-batch-server/internal/config"
	"github.com/ryabkov82/rndc-batch-server/internal/logger"
	"github.com/ryabkov82/rndc-batch-server/internal/version"
)

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	configPath string
	serverURL  string
	apiKey     string
	logLevel   string
}

// Execute runs the rndcctl command tree. It is called by main.main().
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "rndcctl",
		Short: "rndcctl - report spreadsheets to the RNDC registry through the batch server",
		Long: `rndcctl turns spreadsheet rows into RNDC registry operations (position
reports, shipment and manifest completions), submits them to the batch
server as one batch and follows the batch until every row is resolved.

Configuration is read from ./configs/config.yaml, a .env file and the
environment (CLIENT_SERVER_URL, CLIENT_API_KEY, RNDC_USERNAME, ...).`,
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "Path to a config file (default ./configs/config.yaml)")
	pf.StringVar(&opts.serverURL, "server", "", "Batch server URL (overrides client.server_url)")
	pf.StringVar(&opts.apiKey, "api-key", "", "Batch server API key (overrides client.api_key)")
	pf.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error (default from config)")

	root.AddCommand(
		newPreviewCmd(opts),
		newSubmitCmd(opts),
		newImportCmd(opts),
		newStatusCmd(opts),
	)
	return root
}

// load reads the configuration and applies flag overrides.
func (o *globalOptions) load() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if o.configPath != "" {
		cfg, err = config.LoadFromFile(o.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if o.serverURL != "" {
		cfg.Client.ServerURL = o.serverURL
	}
	if o.apiKey != "" {
		cfg.Client.APIKey = o.apiKey
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	return cfg, nil
}

// connect loads the configuration and returns a client for the batch server.
func (o *globalOptions) connect() (*config.Config, *apiclient.Client, logger.Logger, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, nil, nil, err
	}
	log := logger.NewStructured(cfg.Logging.Level, "console")
	return cfg, apiclient.New(cfg.Client, log), log, nil
}
