package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/invopop/jsonschema"

	server "mosaic/server"
)

func main() {
	var outPath string
	flag.StringVar(&outPath, "out", "", "path to write the JSON schema")
	flag.Parse()

	if outPath == "" {
		fmt.Fprintln(os.Stderr, "--out is required")
		os.Exit(1)
	}

	schema := buildSchema()

	if err := writeSchema(outPath, schema); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write schema: %v\n", err)
		os.Exit(1)
	}
}

// protocol enumerates every frame shape that crosses the websocket,
// in both directions. Reflecting one wrapper struct yields a single
// schema document with definitions for each frame.
type protocol struct {
	InitialState     server.InitialStateMessage     `json:"initial_state"`
	NewUser          server.NewUserMessage          `json:"new_user"`
	UserLeft         server.UserLeftMessage         `json:"user_left"`
	CellUpdate       server.CellUpdateMessage       `json:"cell_update"`
	ZoomUpdate       server.ZoomUpdateMessage       `json:"zoom_update"`
	UserDisconnected server.UserDisconnectedMessage `json:"user_disconnected"`
	Client           server.ClientMessage           `json:"client"`
}

func buildSchema() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: true,
	}
	schema := reflector.Reflect(new(protocol))
	schema.Title = "Mosaic Wire Protocol"
	schema.Description = "Frame shapes exchanged on the /updates websocket"
	return schema
}

func writeSchema(outPath string, schema *jsonschema.Schema) error {
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("create schema directory: %w", err)
	}

	tmpPath := outPath + ".tmp"
	if err := os.WriteFile(tmpPath, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write temp schema: %w", err)
	}

	if err := os.Rename(tmpPath, outPath); err != nil {
		return fmt.Errorf("replace schema: %w", err)
	}

	return nil
}
