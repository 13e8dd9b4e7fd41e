package main

import (
	"fmt"
	"os"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/chatstream/internal/config"
)

var configEffective bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configListCmd, configGetCmd, configSetCmd)
	configGetCmd.Flags().BoolVar(&configEffective, "effective", false, "show the value after environment overrides")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and edit the config file",
	Long: `Inspect and edit the config file named by --config.

Keys are dot-separated paths such as session.workers or backend.url.
Environment variables (CHATSTREAM_*, OPENAI_API_KEY, TELEGRAM_BOT_TOKEN)
take precedence over the file; "list" marks the keys they override and
"set" never writes them back.`,
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List effective values, their source and masked secrets",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		values, err := config.ListValues(loadConfig(), true)
		if err != nil {
			return fmt.Errorf("list config: %w", err)
		}
		overrides := config.EnvOverrides()

		keys := make([]string, 0, len(values))
		for k := range values {
			keys = append(keys, k)
		}
		slices.Sort(keys)

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		for _, k := range keys {
			source := "file"
			if v, ok := overrides[k]; ok {
				source = "env " + v
			}
			fmt.Fprintf(w, "%s\t%v\t%s\n", k, values[k], source)
		}
		return w.Flush()
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a configuration value as stored in the file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		var val any
		if configEffective {
			values, err := config.ListValues(loadConfig(), false)
			if err != nil {
				return err
			}
			v, ok := values[key]
			if !ok {
				return fmt.Errorf("unknown config key: %s", key)
			}
			val = v
		} else {
			v, err := config.GetValue(cfgPath, key)
			if err != nil {
				return err
			}
			val = v
		}
		fmt.Fprintln(cmd.OutOrStdout(), config.MaskSecrets(map[string]any{key: val})[key])
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value in the file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetValue(cfgPath, key, value); err != nil {
			return err
		}
		if config.IsSecretKey(key) {
			value = "***"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
		if v, ok := config.EnvVar(key); ok && os.Getenv(v) != "" {
			fmt.Fprintf(cmd.ErrOrStderr(), "note: %s is set and overrides %s at runtime\n", v, key)
		}
		return nil
	},
}
