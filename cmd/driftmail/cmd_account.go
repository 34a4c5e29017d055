package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/corvohq/driftmail/internal/credential"
)

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage accounts and stored credentials",
}

var accountUseCmd = &cobra.Command{
	Use:   "use <address>",
	Short: "Select the active account",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountUse,
}

var accountShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the active account and credential status",
	RunE:  runAccountShow,
}

var accountTokenCmd = &cobra.Command{
	Use:   "set-token <address>",
	Short: "Store an API token for an account (read from stdin)",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountToken,
}

var accountForgetCmd = &cobra.Command{
	Use:   "forget <address>",
	Short: "Delete all stored credentials for an account",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountForget,
}

func init() {
	accountCmd.AddCommand(accountUseCmd)
	accountCmd.AddCommand(accountShowCmd)
	accountCmd.AddCommand(accountTokenCmd)
	accountCmd.AddCommand(accountForgetCmd)
}

func openStore() (*credential.KeyringStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return &credential.KeyringStore{Service: cfg.KeyringService}, nil
}

func runAccountUse(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	if err := store.Set(credential.KeyActiveAccount, args[0]); err != nil {
		return err
	}
	fmt.Printf("active account: %s\n", args[0])
	return nil
}

func runAccountShow(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	vault := &credential.Vault{Store: store}
	account := vault.ActiveAccount()
	if account == "" {
		fmt.Println("no active account")
		return nil
	}
	status := map[string]any{
		"account":        account,
		"hasCredentials": vault.HasCredentials(),
	}
	if keys, err := vault.PGPKeys(); err == nil {
		status["pgpKeys"] = len(keys.Keys)
	}
	out, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runAccountToken(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	var token string
	if _, err := fmt.Fscanln(os.Stdin, &token); err != nil {
		return fmt.Errorf("read token from stdin: %w", err)
	}
	if err := store.Set(credential.TokenKey(args[0]), token); err != nil {
		return err
	}
	fmt.Printf("token stored for %s\n", args[0])
	return nil
}

func runAccountForget(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	account := args[0]
	for _, key := range []string{
		credential.TokenKey(account),
		credential.PGPKeysKey(account),
		credential.PassphrasesKey(account),
	} {
		if err := store.Delete(key); err != nil {
			fmt.Fprintf(os.Stderr, "warning: %v\n", err)
		}
	}
	active, _ := store.Get(credential.KeyActiveAccount)
	if active == account {
		if err := store.Delete(credential.KeyActiveAccount); err != nil {
			return err
		}
	}
	fmt.Printf("credentials removed for %s\n", account)
	return nil
}
