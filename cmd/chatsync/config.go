package main

import (
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

var configShowRaw bool

func init() {
	configShowCmd.Flags().BoolVar(&configShowRaw, "raw", false, "Print the file as stored, without environment overrides")
	configCmd.AddCommand(configShowCmd, configSetCmd, configPathCmd)
	rootCmd.AddCommand(configCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or change ~/.chatsync/config.toml",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration (token masked)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if configShowRaw {
			path, err := configPath()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(path)
			if os.IsNotExist(err) {
				fmt.Println("No configuration file yet; 'chatsync init <token>' writes one.")
				return nil
			}
			if err != nil {
				return fmt.Errorf("cannot read config: %w", err)
			}
			fmt.Print(string(data))
			return nil
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Auth.Token != "" {
			cfg.Auth.Token = maskKey(cfg.Auth.Token)
		}
		out, err := toml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("cannot render config: %w", err)
		}
		fmt.Print(string(out))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:     "set <section.key> <value>",
	Short:   "Change one value in the config file",
	Example: "  chatsync config set storage.backend sqlite\n  chatsync config set sync.interval 10s",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		// Env overrides must not leak into the file.
		cfg, err := readConfigFile()
		if err != nil {
			return err
		}
		if err := setConfigValue(cfg, args[0], args[1]); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return err
		}
		fmt.Printf("%s = %s\n", args[0], args[1])
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the location of the config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	},
}
