package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// Config stores persistent defaults for the device flags. Flags given on the
// command line override it.
type Config struct {
	Adapter     string   `json:"adapter,omitempty"`
	Device      string   `json:"device,omitempty"`
	BitfileDirs []string `json:"bitfile_dirs,omitempty"`
	NoQueue     bool     `json:"no_queue,omitempty"`
	Strictness  string   `json:"strictness,omitempty"`
}

// configDir returns the platform config directory without creating it.
func configDir() (string, error) {
	// Windows: %APPDATA%\OpenTraceProg
	if appData := os.Getenv("APPDATA"); appData != "" {
		return filepath.Join(appData, "OpenTraceProg"), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	// Linux/macOS: ~/.config/opentraceprog
	return filepath.Join(homeDir, ".config", "opentraceprog"), nil
}

func defaultConfigHint() string {
	dir, err := configDir()
	if err != nil {
		return "config.json"
	}
	return filepath.Join(dir, "config.json")
}

func getConfigPath() (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// LoadConfig reads the config file. A missing file yields an empty config.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &config, nil
}

// SaveConfig writes config to path, creating the directory if needed.
func SaveConfig(path string, config *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0644)
}

// loadSettings merges the config file into flags the user did not set.
func loadSettings(cmd *cobra.Command, args []string) error {
	initLogging()

	path, err := getConfigPath()
	if err != nil {
		return nil
	}
	config, err := LoadConfig(path)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if !flags.Changed("adapter") && config.Adapter != "" {
		adapterType = config.Adapter
	}
	if !flags.Changed("device") && config.Device != "" {
		deviceID = config.Device
	}
	if !flags.Changed("bitfiles") && len(config.BitfileDirs) > 0 {
		bitfileDirs = config.BitfileDirs
	}
	if !flags.Changed("no-queue") && config.NoQueue {
		noQueue = true
	}
	if !flags.Changed("strictness") && config.Strictness != "" {
		strictness = config.Strictness
	}
	return nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or save default settings",
	Long: `Show the effective device settings, or save them as defaults with --save.

Examples:
  # Make the simulator the default adapter
  otp config --adapter sim --bitfiles ~/bitfiles --save`,
	Args: cobra.NoArgs,
	RunE: runConfig,
}

var saveConfig bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.Flags().BoolVar(&saveConfig, "save", false, "write the effective settings to the config file")
}

func runConfig(cmd *cobra.Command, args []string) error {
	config := &Config{
		Adapter:     adapterType,
		Device:      deviceID,
		BitfileDirs: bitfileDirs,
		NoQueue:     noQueue,
		Strictness:  strictness,
	}
	path, err := getConfigPath()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if saveConfig {
		if err := SaveConfig(path, config); err != nil {
			return fmt.Errorf("save config: %w", err)
		}
		fmt.Fprintf(out, "Saved %s\n", path)
		return nil
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "# %s\n%s\n", path, data)
	return nil
}
