// Package frontmatter reads and edits the YAML header of Markdown documents.
package frontmatter

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

const delim = "---"

// Split separates a leading YAML block delimited by "---" lines from the
// body. ok is false when the document has no frontmatter.
func Split(data []byte) (header, body []byte, ok bool) {
	data = bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(data, []byte(delim+"\n")) {
		return nil, data, false
	}
	rest := data[len(delim)+1:]
	if bytes.HasPrefix(rest, []byte(delim+"\n")) || bytes.Equal(rest, []byte(delim)) {
		return []byte{}, bytes.TrimPrefix(bytes.TrimPrefix(rest, []byte(delim)), []byte("\n")), true
	}
	end := bytes.Index(rest, []byte("\n"+delim+"\n"))
	if end < 0 {
		if bytes.HasSuffix(rest, []byte("\n"+delim)) {
			return rest[:len(rest)-len(delim)], nil, true
		}
		return nil, data, false
	}
	return rest[:end+1], rest[end+len(delim)+2:], true
}

// Parse decodes the frontmatter of data into v and returns the body.
func Parse(data []byte, v any) (body []byte, found bool, err error) {
	header, body, ok := Split(data)
	if !ok {
		return body, false, nil
	}
	if len(bytes.TrimSpace(header)) == 0 {
		return body, true, nil
	}
	if err := yaml.Unmarshal(header, v); err != nil {
		return body, true, fmt.Errorf("frontmatter: %w", err)
	}
	return body, true, nil
}

// Fields decodes the frontmatter into a generic map.
func Fields(data []byte) (map[string]any, []byte, bool, error) {
	fields := map[string]any{}
	body, found, err := Parse(data, &fields)
	return fields, body, found, err
}

// Set sets key to value in the frontmatter of data, creating the header when
// absent. Existing keys keep their order; new keys are appended.
func Set(data []byte, key string, value any) ([]byte, error) {
	header, body, ok := Split(data)
	if !ok {
		body = data
	}
	var doc yaml.Node
	if ok && len(bytes.TrimSpace(header)) > 0 {
		if err := yaml.Unmarshal(header, &doc); err != nil {
			return nil, fmt.Errorf("frontmatter: %w", err)
		}
	}
	if doc.Kind == 0 {
		doc = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}}
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("frontmatter: header is not a mapping")
	}
	var val yaml.Node
	if err := val.Encode(value); err != nil {
		return nil, fmt.Errorf("frontmatter: %w", err)
	}
	replaced := false
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value == key {
			root.Content[i+1] = &val
			replaced = true
			break
		}
	}
	if !replaced {
		root.Content = append(root.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}, &val)
	}
	out, err := yaml.Marshal(&doc)
	if err != nil {
		return nil, fmt.Errorf("frontmatter: %w", err)
	}
	var b bytes.Buffer
	b.WriteString(delim + "\n")
	b.Write(out)
	b.WriteString(delim + "\n")
	b.Write(body)
	return b.Bytes(), nil
}

// Render builds a document from a header value and a body. Struct headers
// keep their field order.
func Render(header any, body []byte) ([]byte, error) {
	out, err := yaml.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("frontmatter: %w", err)
	}
	var b bytes.Buffer
	b.WriteString(delim + "\n")
	b.Write(out)
	b.WriteString(delim + "\n")
	b.Write(body)
	return b.Bytes(), nil
}
