package main

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/pockode/codexbridge/message"
	"github.com/spf13/cobra"
)

// schemaTypes are the message payloads clients decode.
var schemaTypes = map[string]any{
	"message":             message.Message{},
	"permission_request":  message.PermissionRequest{},
	"permission_response": message.PermissionResponse{},
	"user_content":        message.UserContent{},
	"tool_call_update":    message.ToolCallUpdate{},
	"tool_group_item":     message.ToolGroupItem{},
	"status":              message.Status{},
}

var schemaType string

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print JSON schemas of the UI message payloads",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return writeSchemas(cmd.OutOrStdout(), schemaType)
	},
}

func init() {
	schemaCmd.Flags().StringVar(&schemaType, "type", "", "Only print this payload ("+strings.Join(schemaNames(), ", ")+")")
	rootCmd.AddCommand(schemaCmd)
}

func schemaNames() []string {
	names := make([]string, 0, len(schemaTypes))
	for name := range schemaTypes {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func writeSchemas(w io.Writer, only string) error {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}

	out := make(map[string]*jsonschema.Schema)
	if only != "" {
		v, ok := schemaTypes[only]
		if !ok {
			return fmt.Errorf("unknown type %q", only)
		}
		out[only] = r.Reflect(v)
	} else {
		for name, v := range schemaTypes {
			out[name] = r.Reflect(v)
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if only != "" {
		return enc.Encode(out[only])
	}
	return enc.Encode(out)
}
