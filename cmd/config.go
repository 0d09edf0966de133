package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zalando/go-keyring"

	"synchrony/internal/db"
	"synchrony/internal/models"
	"synchrony/internal/settings"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage Synchrony configuration",
}

var configSetKeyCmd = &cobra.Command{
	Use:   "set-key <site>",
	Short: "Store a site's remote API key in the system keyring",
	Long: `Store the remote tracker API key for a site in the system keyring.

The key is read from --key or, when absent, from the first line of stdin.
A key written in the settings document or in SYNCHRONY_<SITE>_API_KEY takes
precedence over the keyring.`,
	Args: cobra.ExactArgs(1),
	RunE: runConfigSetKey,
}

var configDeleteKeyCmd = &cobra.Command{
	Use:   "delete-key <site>",
	Short: "Remove a site's API key from the system keyring",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigDeleteKey,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show configured sites and whether they can pull and push",
	RunE:  runConfigShow,
}

var configMachineCmd = &cobra.Command{
	Use:   "machine",
	Short: "Configure the machine name recorded on sync runs",
	Long: `Sync runs record a hash of this machine's hostname. Set a readable name
with --name and opt in to recording it with --share.`,
	RunE: runConfigMachine,
}

var (
	configKey          string
	configMachineName  string
	configMachineShare bool
	configMachineClear bool
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configSetKeyCmd)
	configCmd.AddCommand(configDeleteKeyCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configMachineCmd)

	configSetKeyCmd.Flags().StringVar(&configKey, "key", "", "API key (use stdin for security)")
	configMachineCmd.Flags().StringVar(&configMachineName, "name", "", "Readable machine name")
	configMachineCmd.Flags().BoolVar(&configMachineShare, "share", false, "Record the machine name on sync runs")
	configMachineCmd.Flags().BoolVar(&configMachineClear, "clear", false, "Forget the machine name")
}

func runConfigSetKey(cmd *cobra.Command, args []string) error {
	site := args[0]
	key := strings.TrimSpace(configKey)
	if key == "" {
		if !IsJSONOutput() {
			fmt.Printf("API key for %s: ", site)
		}
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("failed to read API key: %w", err)
		}
		key = strings.TrimSpace(line)
	}
	if key == "" {
		return fmt.Errorf("API key is required")
	}

	if err := settings.StoreAPIKey(site, key); err != nil {
		return err
	}

	msg := fmt.Sprintf("API key for %s stored in system keyring", site)
	if IsJSONOutput() {
		OutputJSON(map[string]interface{}{"success": true, "site": site, "message": msg})
	} else {
		fmt.Println()
		fmt.Println(msg)
	}
	return nil
}

func runConfigDeleteKey(cmd *cobra.Command, args []string) error {
	site := args[0]
	if err := settings.DeleteAPIKey(site); err != nil {
		return fmt.Errorf("failed to delete API key: %w", err)
	}

	msg := fmt.Sprintf("API key for %s removed from system keyring", site)
	if IsJSONOutput() {
		OutputJSON(map[string]interface{}{"success": true, "site": site, "message": msg})
	} else {
		fmt.Println(msg)
	}
	return nil
}

type siteConfig struct {
	Name       string `json:"name"`
	LocalSite  string `json:"local_site"`
	TargetSite string `json:"target_site"`
	KeySource  string `json:"key_source"`
	Pull       string `json:"pull"`
	Push       string `json:"push"`
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	path, err := resolveSettingsPath()
	if err != nil {
		return err
	}
	doc, err := settings.Load(path)
	if err != nil {
		return err
	}

	var sites []siteConfig
	for i := range doc.Sites {
		site := &doc.Sites[i]
		source := keySource(site)
		if err := site.ResolveAPIKey(); err != nil {
			return err
		}
		sites = append(sites, siteConfig{
			Name:       site.Name,
			LocalSite:  site.LocalSite,
			TargetSite: site.TargetSite,
			KeySource:  source,
			Pull:       validationState(site.ValidateForPull()),
			Push:       validationState(site.ValidateForPush()),
		})
	}

	if IsJSONOutput() {
		if sites == nil {
			sites = []siteConfig{}
		}
		OutputJSON(map[string]interface{}{"settings": path, "sites": sites})
		return nil
	}

	fmt.Printf("Settings: %s\n", path)
	if len(sites) == 0 {
		fmt.Println("  (no sites configured)")
		return nil
	}
	for _, s := range sites {
		fmt.Printf("\n%s\n", s.Name)
		fmt.Printf("  Local:   %s\n", s.LocalSite)
		fmt.Printf("  Target:  %s\n", s.TargetSite)
		fmt.Printf("  API key: %s\n", s.KeySource)
		fmt.Printf("  Pull:    %s\n", s.Pull)
		fmt.Printf("  Push:    %s\n", s.Push)
	}
	return nil
}

// keySource names where a site's API key will come from.
func keySource(site *settings.Site) string {
	if site.APIKey != "" && site.APIKey != "-" {
		return "settings"
	}
	if os.Getenv(settings.EnvAPIKey(site.Name)) != "" {
		return "env " + settings.EnvAPIKey(site.Name)
	}
	_, err := keyring.Get(models.KeyringServiceName, settings.KeyringAccount(site.Name))
	switch {
	case err == nil:
		return "system keyring"
	case errors.Is(err, keyring.ErrNotFound):
		return "(not configured)"
	default:
		return "(keyring unavailable)"
	}
}

func validationState(err error) string {
	if err == nil {
		return "ready"
	}
	var cfgErr *settings.ConfigurationError
	if errors.As(err, &cfgErr) {
		return "missing " + cfgErr.Setting
	}
	return err.Error()
}

func runConfigMachine(cmd *cobra.Command, args []string) error {
	if configMachineClear {
		db.GetDB().Where("key IN ?", []string{models.ConfigMachineName, models.ConfigMachineShare}).Delete(&models.Config{})
	} else {
		if configMachineName != "" {
			if err := db.SetConfig(models.ConfigMachineName, configMachineName); err != nil {
				return fmt.Errorf("failed to save machine name: %w", err)
			}
		}
		if cmd.Flags().Changed("share") {
			if err := db.SetConfig(models.ConfigMachineShare, fmt.Sprintf("%t", configMachineShare)); err != nil {
				return fmt.Errorf("failed to save share preference: %w", err)
			}
		}
	}

	name, _ := db.GetConfig(models.ConfigMachineName)
	share, _ := db.GetConfig(models.ConfigMachineShare)
	recorded := machineID()

	if IsJSONOutput() {
		OutputJSON(map[string]interface{}{
			"machine_name": name,
			"share":        share == "true",
			"recorded_as":  recorded,
		})
		return nil
	}

	fmt.Println("Machine:")
	if name != "" {
		fmt.Printf("  Name:        %s\n", name)
	} else {
		fmt.Println("  Name:        (not set)")
	}
	fmt.Printf("  Share:       %t\n", share == "true")
	fmt.Printf("  Recorded as: %s\n", recorded)
	return nil
}
