package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/keepmind9/obhub/internal/core"
)

var (
	validateConfigFile string
	validateJSON       bool
)

// ValidationResult represents the validation result
type ValidationResult struct {
	Valid  bool   `json:"valid"`
	Config string `json:"config"`
	Error  string `json:"error,omitempty"`
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long:  "Load and validate an obhub configuration file without starting the service",
	Run: func(cmd *cobra.Command, args []string) {
		result := ValidationResult{Valid: true, Config: validateConfigFile}

		if _, err := core.LoadConfig(validateConfigFile); err != nil {
			result.Valid = false
			result.Error = err.Error()
		}

		if validateJSON {
			output, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				fmt.Printf("{\"error\": \"failed to marshal json: %v\"}\n", err)
				os.Exit(1)
			}
			fmt.Println(string(output))
		} else if result.Valid {
			fmt.Printf("✅ Config %s is valid\n", result.Config)
		} else {
			fmt.Printf("❌ Config %s is invalid: %s\n", result.Config, result.Error)
		}

		if !result.Valid {
			os.Exit(1)
		}
	},
}

func init() {
	validateCmd.Flags().StringVarP(&validateConfigFile, "config", "c", "config.yaml", "Configuration file path")
	validateCmd.Flags().BoolVar(&validateJSON, "json", false, "Output in JSON format")
}
