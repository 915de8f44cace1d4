package main

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// printResult renders v per the --output flag: "json" and "yaml"
// marshal the value directly, anything else (including the default
// "text") falls back to fallback, which the caller has already
// formatted for human consumption.
func printResult(v any, fallback string) error {
	switch outputFormat {
	case "json":
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal json: %w", err)
		}
		fmt.Println(string(b))
	case "yaml":
		b, err := yaml.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal yaml: %w", err)
		}
		fmt.Print(string(b))
	default:
		fmt.Println(fallback)
	}
	return nil
}
