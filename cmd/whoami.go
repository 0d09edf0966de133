package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"synchrony/internal/db"
	"synchrony/internal/remote"
	"synchrony/internal/settings"
)

var whoamiRemote bool

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show current user and machine info",
	Long: `Display the user and machine recorded on sync runs, the database and settings
in use, and where each site's API key comes from.

With --remote each site is asked which account its API key belongs to.`,
	RunE: runWhoami,
}

func init() {
	rootCmd.AddCommand(whoamiCmd)
	whoamiCmd.Flags().BoolVar(&whoamiRemote, "remote", false, "Look up the account behind each site's API key")
}

type siteIdentity struct {
	Name       string       `json:"name"`
	TargetSite string       `json:"target_site"`
	KeySource  string       `json:"key_source"`
	Account    *remote.User `json:"account,omitempty"`
	Error      string       `json:"error,omitempty"`
}

func runWhoami(cmd *cobra.Command, args []string) error {
	user := currentUser()
	machine := machineID()
	dbPath, _ := db.WorkspaceDBPath()
	settingsFile, _ := resolveSettingsPath()

	var sites []siteIdentity
	if doc, err := settings.Load(settingsFile); err == nil {
		for i := range doc.Sites {
			site := &doc.Sites[i]
			id := siteIdentity{Name: site.Name, TargetSite: site.TargetSite, KeySource: keySource(site)}
			if whoamiRemote {
				id.Account, err = remoteAccount(cmd.Context(), site)
				if err != nil {
					id.Error = err.Error()
				}
			}
			sites = append(sites, id)
		}
	}

	if IsJSONOutput() {
		if sites == nil {
			sites = []siteIdentity{}
		}
		OutputJSON(map[string]interface{}{
			"user":     user,
			"machine":  machine,
			"database": dbPath,
			"settings": settingsFile,
			"sites":    sites,
		})
		return nil
	}

	fmt.Printf("User:     %s\n", user)
	fmt.Printf("Machine:  %s\n", machine)
	fmt.Printf("Database: %s\n", dbPath)
	fmt.Printf("Settings: %s\n", settingsFile)
	for _, s := range sites {
		fmt.Printf("\n%s (%s)\n", s.Name, s.TargetSite)
		fmt.Printf("  API key: %s\n", s.KeySource)
		switch {
		case s.Account != nil:
			fmt.Printf("  Account: %s (#%d)\n", s.Account.Name(), s.Account.ID)
		case s.Error != "":
			fmt.Printf("  Account: %s\n", s.Error)
		}
	}
	return nil
}

func remoteAccount(ctx context.Context, site *settings.Site) (*remote.User, error) {
	if err := site.ResolveAPIKey(); err != nil {
		return nil, err
	}
	if site.APIKey == "" {
		return nil, fmt.Errorf("no API key")
	}
	client, err := remote.NewClient(remote.Options{
		BaseURL: site.TargetSite,
		APIKey:  site.APIKey,
		Timeout: site.Timeout,
	})
	if err != nil {
		return nil, err
	}
	return client.CurrentUser(ctx)
}
