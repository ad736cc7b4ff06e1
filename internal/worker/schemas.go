package worker

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

// SchemaIDs returns the ids of the embedded artifact schemas, sorted.
func SchemaIDs() []string {
	entries, _ := fs.ReadDir(schemaFS, "schemas")
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.Name())
	}
	sort.Strings(ids)
	return ids
}

// Schema returns the embedded schema with the given id.
func Schema(id string) ([]byte, error) {
	data, err := schemaFS.ReadFile(path.Join("schemas", id))
	if err != nil {
		return nil, fmt.Errorf("schema %s: %w", id, err)
	}
	return data, nil
}

// InstallSchemas writes every embedded schema to schemas/<id> through write.
func InstallSchemas(write func(rel string, data []byte) (string, error)) error {
	for _, id := range SchemaIDs() {
		data, err := Schema(id)
		if err != nil {
			return err
		}
		if _, err := write(path.Join("schemas", id), data); err != nil {
			return err
		}
	}
	return nil
}
