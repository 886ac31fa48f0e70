// Command geekgifts is the technician CLI for the Geek Gifts request tracker.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/geekgifts/tracker/internal/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	envPrefix      = "GEEKGIFTS"
	configName     = ".geekgifts"
	keyAPIURL      = "api_url"
	keyTechnician  = "technician"
	keyJSON        = "json"
	defaultCLIName = "geekgifts"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cmd := newRootCmd(viper.New())
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// cli carries the resolved settings shared by every subcommand.
type cli struct {
	v          *viper.Viper
	configFile string
	newClient  func(baseURL, technician string) *client.Client
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	c := &cli{v: v, newClient: client.NewClient}

	root := &cobra.Command{
		Use:           defaultCLIName,
		Short:         "Track computer donation requests",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.loadConfig()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&c.configFile, "config", "", "config file (default $HOME/.geekgifts.yaml)")
	flags.String("api", "", "API base URL (env GEEKGIFTS_API_URL)")
	flags.String("technician", "", "technician name sent with each request (env GEEKGIFTS_TECHNICIAN)")
	flags.Bool("json", false, "JSON output")
	_ = v.BindPFlag(keyAPIURL, flags.Lookup("api"))
	_ = v.BindPFlag(keyTechnician, flags.Lookup("technician"))
	_ = v.BindPFlag(keyJSON, flags.Lookup("json"))

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	v.SetDefault(keyAPIURL, client.DefaultBaseURL)

	root.AddCommand(
		c.listCmd(),
		c.showCmd(),
		c.createCmd(),
		c.updateCmd(),
		c.commentCmd(),
		c.commentsCmd(),
		c.deleteCmd(),
		c.exportCmd(),
		c.attachmentCmd(),
		versionCmd(),
	)
	return root
}

func (c *cli) loadConfig() error {
	if c.configFile != "" {
		c.v.SetConfigFile(c.configFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil
		}
		c.v.SetConfigName(configName)
		c.v.SetConfigType("yaml")
		c.v.AddConfigPath(home)
	}

	if err := c.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) && c.configFile == "" {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func (c *cli) client() *client.Client {
	return c.newClient(c.v.GetString(keyAPIURL), c.v.GetString(keyTechnician))
}

func (c *cli) jsonOutput() bool {
	return c.v.GetBool(keyJSON)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show CLI version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), defaultCLIName, "dev")
		},
	}
}

func openOutputFile(path string, stdout io.Writer) (io.Writer, func() error, error) {
	if path == "" || path == "-" {
		return stdout, func() error { return nil }, nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}
