package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/brojonat/payflow/client"
	"github.com/fatih/color"
	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

const rule = "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━"

func validateOutput(c *cli.Context) error {
	switch outputFormat(c) {
	case "text", "json", "yaml":
	default:
		return fmt.Errorf("unknown output format %q (want text, json or yaml)", c.String("output"))
	}
	if expr := c.String("jq"); expr != "" {
		if _, err := compileJQ(expr); err != nil {
			return err
		}
	}
	return nil
}

func outputFormat(c *cli.Context) string {
	if c.String("jq") != "" || c.Bool("json") {
		return "json"
	}
	return strings.ToLower(c.String("output"))
}

// render writes v in the selected format. pretty is used for text output.
func render(c *cli.Context, v interface{}, pretty func(w io.Writer)) error {
	w := c.App.Writer
	if expr := c.String("jq"); expr != "" {
		return outputJQ(w, expr, v)
	}
	switch outputFormat(c) {
	case "json":
		return outputJSON(w, v)
	case "yaml":
		return outputYAML(w, v)
	}
	pretty(w)
	return nil
}

// Helper function to output JSON
func outputJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputYAML goes through JSON first so field names and decimal formatting match the API.
func outputYAML(w io.Writer, v interface{}) error {
	generic, err := toGeneric(v)
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return fmt.Errorf("failed to encode yaml: %w", err)
	}
	return enc.Close()
}

func outputJQ(w io.Writer, expr string, v interface{}) error {
	code, err := compileJQ(expr)
	if err != nil {
		return err
	}
	generic, err := toGeneric(v)
	if err != nil {
		return err
	}
	iter := code.Run(generic)
	for {
		result, ok := iter.Next()
		if !ok {
			return nil
		}
		if err, isErr := result.(error); isErr {
			return fmt.Errorf("jq: %w", err)
		}
		if s, isString := result.(string); isString {
			fmt.Fprintln(w, s)
			continue
		}
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("jq: failed to encode result: %w", err)
		}
		fmt.Fprintln(w, string(data))
	}
}

func compileJQ(expr string) (*gojq.Code, error) {
	query, err := gojq.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse jq filter %q: %w", expr, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("failed to compile jq filter %q: %w", expr, err)
	}
	return code, nil
}

// toGeneric converts v to the map/slice form gojq and yaml expect.
func toGeneric(v interface{}) (interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	var generic interface{}
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("failed to decode result: %w", err)
	}
	return generic, nil
}

// loadDocument reads a JSON or YAML file into out. YAML is converted through JSON so the API
// types' JSON tags apply.
func loadDocument(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var generic interface{}
		if err := yaml.Unmarshal(data, &generic); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
		if data, err = json.Marshal(generic); err != nil {
			return fmt.Errorf("failed to convert %s: %w", path, err)
		}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

// colorStatus colors lifecycle states: green settled, yellow in flight, red failed.
func colorStatus(status string) string {
	switch status {
	case "confirmed", "accepted", "success":
		return color.GreenString(status)
	case "created", "submitting", "pending", "processing", "idle":
		return color.YellowString(status)
	case "failed_retryable":
		return color.MagentaString(status)
	case "failed_terminal", "declined", "error":
		return color.RedString(status)
	default:
		return status
	}
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func optional(s *string) string {
	if s != nil && *s != "" {
		return *s
	}
	return "(none)"
}

func newClient(c *cli.Context) *client.Client {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError, // Only errors to stderr
	}))
	return client.NewClient(c.String("server-url"), &http.Client{Timeout: 60 * time.Second}, logger)
}

func requireArg(c *cli.Context, name string) (string, error) {
	if c.NArg() != 1 {
		return "", fmt.Errorf("requires exactly one argument: %s", name)
	}
	return c.Args().First(), nil
}
