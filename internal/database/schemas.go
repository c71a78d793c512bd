package database

import (
	"embed"
	"fmt"
)

// Schema files are embedded in the binary so migration works regardless of
// working directory, in tests, CI, and production.
//
//go:embed schemas/*.sql
var schemaFiles embed.FS

// Schema returns the schema SQL for a store name.
func Schema(name string) (string, error) {
	content, err := schemaFiles.ReadFile("schemas/" + name + "_schema.sql")
	if err != nil {
		return "", fmt.Errorf("no schema for store %s: %w", name, err)
	}
	return string(content), nil
}
