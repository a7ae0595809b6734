package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/marcus/tdsync/internal/api"
	"github.com/marcus/tdsync/internal/serverdb"
	"github.com/spf13/cobra"
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Server administration commands",
}

func init() {
	rootCmd.AddCommand(adminCmd)
	adminCmd.AddCommand(adminGrantCmd, adminRevokeCmd, adminCreateKeyCmd, adminRateLimitEventsCmd)
}

func openDB(dbPath string) *serverdb.ServerDB {
	if dbPath == "" {
		cfg := api.LoadConfig()
		dbPath = cfg.ServerDBPath
	}
	store, err := serverdb.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: open database: %v\n", err)
		os.Exit(1)
	}
	return store
}

var adminGrantCmd = &cobra.Command{
	Use:   "grant",
	Short: "Grant admin privileges to a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		email, _ := cmd.Flags().GetString("email")
		dbPath, _ := cmd.Flags().GetString("db")
		if email == "" {
			return fmt.Errorf("--email is required")
		}

		store := openDB(dbPath)
		defer store.Close()

		if err := store.SetUserAdmin(email, true); err != nil {
			return err
		}
		fmt.Printf("granted admin to %s\n", strings.ToLower(strings.TrimSpace(email)))
		return nil
	},
}

var adminRevokeCmd = &cobra.Command{
	Use:   "revoke",
	Short: "Revoke admin privileges from a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		email, _ := cmd.Flags().GetString("email")
		dbPath, _ := cmd.Flags().GetString("db")
		if email == "" {
			return fmt.Errorf("--email is required")
		}

		store := openDB(dbPath)
		defer store.Close()

		count, err := store.CountAdmins()
		if err != nil {
			return err
		}
		user, err := store.GetUserByEmail(email)
		if err != nil {
			return err
		}
		if user == nil {
			return fmt.Errorf("user not found: %s", email)
		}
		if user.IsAdmin && count <= 1 {
			return fmt.Errorf("cannot revoke last admin")
		}

		if err := store.SetUserAdmin(email, false); err != nil {
			return err
		}
		fmt.Printf("revoked admin from %s\n", strings.ToLower(strings.TrimSpace(email)))
		return nil
	},
}

var adminCreateKeyCmd = &cobra.Command{
	Use:   "create-key",
	Short: "Create an API key for an admin user",
	RunE: func(cmd *cobra.Command, args []string) error {
		email, _ := cmd.Flags().GetString("email")
		scopes, _ := cmd.Flags().GetString("scopes")
		name, _ := cmd.Flags().GetString("name")
		dbPath, _ := cmd.Flags().GetString("db")
		if email == "" {
			return fmt.Errorf("--email is required")
		}
		if name == "" {
			return fmt.Errorf("--name is required")
		}

		store := openDB(dbPath)
		defer store.Close()

		user, err := store.GetUserByEmail(email)
		if err != nil {
			return err
		}
		if user == nil {
			return fmt.Errorf("user not found: %s", email)
		}
		if !user.IsAdmin {
			return fmt.Errorf("user %s is not an admin", email)
		}

		scopeStr := scopes
		if scopeStr == "" {
			scopeStr = "sync"
		}
		if err := api.ValidateScopes(scopeStr); err != nil {
			return err
		}

		plaintext, ak, err := store.GenerateAPIKey(user.ID, name, scopeStr, nil)
		if err != nil {
			return err
		}

		fmt.Printf("created API key for %s\n", user.Email)
		fmt.Printf("  name:   %s\n", ak.Name)
		fmt.Printf("  scopes: %s\n", ak.Scopes)
		fmt.Printf("  key:    %s\n", plaintext)
		fmt.Println("\nSave this key now -- it will not be shown again.")
		return nil
	},
}

var adminRateLimitEventsCmd = &cobra.Command{
	Use:   "rate-limit-events",
	Short: "List recent rate limit violations, optionally filtered by key or IP",
	RunE: func(cmd *cobra.Command, args []string) error {
		keyID, _ := cmd.Flags().GetString("key-id")
		ip, _ := cmd.Flags().GetString("ip")
		limit, _ := cmd.Flags().GetInt("limit")
		dbPath, _ := cmd.Flags().GetString("db")

		store := openDB(dbPath)
		defer store.Close()

		result, err := store.QueryRateLimitEvents(keyID, ip, "", "", limit, "")
		if err != nil {
			return err
		}
		if len(result.Data) == 0 {
			fmt.Println("no rate limit events found")
			return nil
		}
		for _, e := range result.Data {
			key := e.KeyID
			if key == "" {
				key = "-"
			}
			fmt.Printf("%s  key=%-12s ip=%-15s endpoint=%s\n", e.CreatedAt, key, e.IP, e.EndpointClass)
		}
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{adminGrantCmd, adminRevokeCmd, adminCreateKeyCmd, adminRateLimitEventsCmd} {
		c.Flags().String("db", "", "path to server.db (default: from SYNC_SERVER_DB_PATH or ./data/server.db)")
	}
	for _, c := range []*cobra.Command{adminGrantCmd, adminRevokeCmd, adminCreateKeyCmd} {
		c.Flags().String("email", "", "user email address")
	}
	adminCreateKeyCmd.Flags().String("scopes", "", "comma-separated scopes (e.g. admin:read:server,sync)")
	adminCreateKeyCmd.Flags().String("name", "", "key name (e.g. td-watch)")
	adminRateLimitEventsCmd.Flags().String("key-id", "", "filter by API key id")
	adminRateLimitEventsCmd.Flags().String("ip", "", "filter by client IP")
	adminRateLimitEventsCmd.Flags().Int("limit", 50, "max events to list")
}
