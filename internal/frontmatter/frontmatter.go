// Package frontmatter splits a markdown file's leading YAML frontmatter
// block from its body and serializes it back, per spec §4.2's write
// contract: "YAML key order is preserved from the input; a round-trip
// read ∘ write with unchanged inputs must be stable at the byte level
// except for normalized line endings."
//
// Grounded on the teacher CLI's pkg/frontmatter package, which detects and
// splits the "---"-delimited block the same way via adrg/frontmatter.
// That package decodes into map[string]interface{}, which Go maps iterate
// in randomized order — unusable for a byte-stable round trip. Swapping
// the decode target to *yaml.Node keeps adrg/frontmatter's detection (it
// already recognizes "---yaml" and bare "---" fences) while yaml.v3's
// Node tree preserves each mapping key exactly in declaration order.
package frontmatter

import (
	"strings"

	"github.com/adrg/frontmatter"
	"gopkg.in/yaml.v3"
)

// Delimiter is the fence line spec §4.2 requires around written frontmatter.
const Delimiter = "---"

// yamlFormat swaps adrg/frontmatter's bundled yaml.v2.Unmarshal (which
// would force map[string]interface{} decoding) for yaml.v3's, so Parse can
// decode into a *yaml.Node instead.
var yamlFormat = frontmatter.NewFormat("---", "---", yaml.Unmarshal)

// Parse splits content into its frontmatter node (nil if the file has no
// frontmatter fence) and the remaining body.
func Parse(content string) (*yaml.Node, string, error) {
	var node yaml.Node
	rest, err := frontmatter.Parse(strings.NewReader(content), &node, yamlFormat)
	if err != nil {
		return nil, "", err
	}
	if node.Kind == 0 {
		return nil, content, nil
	}
	return &node, string(rest), nil
}

// HasFrontmatter reports whether content begins with a "---" fence line,
// matching the teacher's HasFrontmatter check.
func HasFrontmatter(content string) bool {
	lines := strings.SplitN(content, "\n", 2)
	if len(lines) == 0 {
		return false
	}
	return strings.TrimSpace(lines[0]) == Delimiter
}

// Format serializes node back to a bare YAML document (no fences), key
// order preserved exactly as parsed.
func Format(node *yaml.Node) (string, error) {
	if node == nil {
		return "", nil
	}
	data, err := yaml.Marshal(node)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Render implements spec §4.2's canonical markdown serialization:
// "---\n<yaml>\n---\n<content>". Passing a nil node with non-empty body
// renders the body alone, with no fence.
func Render(node *yaml.Node, body string) (string, error) {
	if node == nil {
		return body, nil
	}
	yamlText, err := Format(node)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString(Delimiter)
	b.WriteString("\n")
	b.WriteString(strings.TrimRight(yamlText, "\n"))
	b.WriteString("\n")
	b.WriteString(Delimiter)
	b.WriteString("\n")
	b.WriteString(body)
	return b.String(), nil
}

// Tags reads the `tags` key of node as a flat list of strings, tolerating
// both a YAML sequence and a single scalar (Obsidian accepts either).
func Tags(node *yaml.Node) []string {
	if node == nil {
		return nil
	}
	if node.Kind == yaml.DocumentNode && len(node.Content) == 1 {
		node = node.Content[0]
	}
	if node.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i]
		if key.Value != "tags" {
			continue
		}
		val := node.Content[i+1]
		switch val.Kind {
		case yaml.SequenceNode:
			var tags []string
			for _, item := range val.Content {
				if item.Value != "" {
					tags = append(tags, item.Value)
				}
			}
			return tags
		case yaml.ScalarNode:
			if val.Value != "" {
				return []string{val.Value}
			}
		}
	}
	return nil
}
