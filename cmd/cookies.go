package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/gembridge/gembridge/pkg/config"
	"github.com/gembridge/gembridge/pkg/curlparse"
)

var cookiesConfigPath string

func init() {
	cookiesCmd := &cobra.Command{
		Use:   "cookies",
		Short: "Manage the stored Gemini session cookies",
	}
	cookiesCmd.PersistentFlags().StringVar(&cookiesConfigPath, "config", config.DefaultConfigPath(), "Config TOML path")

	setCmd := &cobra.Command{
		Use:   "set <secure_1psid> <secure_1psidts>",
		Short: "Store the cookie pair directly",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return saveCookies(cookiesConfigPath, args[0], args[1])
		},
	}
	cookiesCmd.AddCommand(setCmd)

	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Extract cookies from a pasted cURL command or Cookie header on stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("read stdin: %w", err)
			}
			cookies, err := curlparse.Parse(string(input))
			if err != nil {
				return err
			}
			return saveCookies(cookiesConfigPath, cookies.Secure1PSID, cookies.Secure1PSIDTS)
		},
	}
	cookiesCmd.AddCommand(importCmd)

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove the stored cookie pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrCreateConfig(cookiesConfigPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			store := config.NewStore(cookiesConfigPath, cfg)
			if err := store.ClearCredentials(); err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, "cookies cleared")
			return nil
		},
	}
	cookiesCmd.AddCommand(clearCmd)

	rootCmd.AddCommand(cookiesCmd)
}

func saveCookies(path, psid, psidts string) error {
	cfg, err := config.LoadOrCreateConfig(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	store := config.NewStore(path, cfg)
	if err := store.SetCredentials(config.Credentials{
		Secure1PSID:   psid,
		Secure1PSIDTS: psidts,
	}); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "cookies saved to %s\n", path)
	return nil
}
