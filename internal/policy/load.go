package policy

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ApplyYAML overlays YAML onto a copy of base, field by field. Mappings are
// merged recursively; scalars and sequences in the overlay replace the base
// value. Only the keys present in data change, so a file that sets a single
// LTV ceiling leaves every other table untouched. The result is validated.
func ApplyYAML(base *Policy, data []byte) (*Policy, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return base.Clone(), nil
	}

	var overlay yaml.Node
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, fmt.Errorf("failed to parse policy overlay: %w", err)
	}
	over := documentContent(&overlay)
	if over == nil {
		return base.Clone(), nil
	}
	if over.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: policy overlay must be a mapping", ErrInvalidPolicy)
	}

	var merged yaml.Node
	if err := merged.Encode(base); err != nil {
		return nil, fmt.Errorf("failed to encode base policy: %w", err)
	}
	root := documentContent(&merged)
	mergeNode(root, over)

	out := &Policy{}
	if err := root.Decode(out); err != nil {
		return nil, fmt.Errorf("failed to decode policy overlay: %w", err)
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

// LoadFile applies the YAML file at path to the built-in tables.
func LoadFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	p, err := ApplyYAML(Default(), data)
	if err != nil {
		return nil, fmt.Errorf("policy file %s: %w", path, err)
	}
	return p, nil
}

// Marshal renders the tables as YAML.
func (p *Policy) Marshal() ([]byte, error) {
	return yaml.Marshal(p)
}

// Fingerprint returns the SHA-256 of the policy's YAML rendering. Two
// policies share a fingerprint only if every table and the ID and version
// are equal. It returns "" if the tables cannot be rendered.
func (p *Policy) Fingerprint() string {
	if p.fingerprint != "" {
		return p.fingerprint
	}
	return p.hash()
}

func (p *Policy) hash() string {
	data, err := p.Marshal()
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// seal records the fingerprint. The policy must not change afterwards.
func (p *Policy) seal() *Policy {
	p.fingerprint = p.hash()
	return p
}

func documentContent(n *yaml.Node) *yaml.Node {
	if n.Kind == yaml.DocumentNode {
		if len(n.Content) == 0 {
			return nil
		}
		return n.Content[0]
	}
	if n.Kind == 0 {
		return nil
	}
	return n
}

// mergeNode merges src into dst in place.
func mergeNode(dst, src *yaml.Node) {
	if dst.Kind != yaml.MappingNode || src.Kind != yaml.MappingNode {
		*dst = *src
		return
	}

	for i := 0; i+1 < len(src.Content); i += 2 {
		key, val := src.Content[i], src.Content[i+1]

		found := false
		for j := 0; j+1 < len(dst.Content); j += 2 {
			if dst.Content[j].Value == key.Value {
				mergeNode(dst.Content[j+1], val)
				found = true
				break
			}
		}
		if !found {
			dst.Content = append(dst.Content, key, val)
		}
	}
}
