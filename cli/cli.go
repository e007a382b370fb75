package cli

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/tixforge/tixclient/cli/glb"
	"github.com/tixforge/tixclient/client"
	"gopkg.in/yaml.v2"
)

// Init adds all commands in the package to the root command
func Init(rootCmd *cobra.Command) {
	rootCmd.AddCommand(
		initInitCmd(),
		initLoginCmd(),
		initBalanceCmd(),
		initReserveCmd(),
		initBuyCmd(),
		initRevealCmd(),
	)
}

// startClient assembles and starts the engine for one command invocation
func startClient() *client.Client {
	c := client.New(nil)
	c.Start()
	return c
}

const defaultConfigFname = "tixc.yaml"

func initInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Args:  cobra.NoArgs,
		Short: "initializes an empty config profile",
		Run:   runInitCommand,
	}
}

func runInitCommand(_ *cobra.Command, _ []string) {
	template := map[string]any{
		"client": map[string]any{
			"server_url": "http://localhost:8000",
			"db_dir":     "tixclientdb",
		},
		"cache": map[string]any{
			"stale_time": "10s",
			"max_age":    "5m",
		},
		"scheduler": map[string]any{
			"max_concurrent": 3,
			"max_retries":    3,
			"stale_timeout":  "30s",
			"retry_backoff":  "500ms",
		},
		"balance": map[string]any{
			"stale_after":   "30s",
			"refresh_every": "30s",
		},
		"metrics": map[string]any{
			"enable": false,
			"port":   14200,
		},
		"logger": map[string]any{
			"level": "info",
		},
		"trace_tags": []string{},
	}
	data, err := yaml.Marshal(template)
	glb.AssertNoError(err)
	if _, err = os.Stat(defaultConfigFname); err == nil {
		glb.Fatalf("config profile '%s' already exists", defaultConfigFname)
	}
	glb.AssertNoError(os.WriteFile(defaultConfigFname, data, 0o644))
	glb.Infof("initialized config profile '%s'", defaultConfigFname)
}

func initLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login <user_id> <auth_token>",
		Args:  cobra.ExactArgs(2),
		Short: "stores session credentials in the client DB",
		Run: func(_ *cobra.Command, args []string) {
			c := startClient()
			defer c.Stop()

			c.Session().SetCredentials(args[1], args[0])
			glb.Infof("credentials stored for user '%s'", args[0])
		},
	}
}
