package config

import (
	"errors"
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"
)

// ErrReadBytesNotSupported is returned when ReadBytes is called on a map provider.
var ErrReadBytesNotSupported = errors.New("config: ReadBytes not supported by map provider, use Read() instead")

// mapProvider is a koanf provider backed by an in-memory map, used for
// defaults and flag overrides.
type mapProvider map[string]any

func (m mapProvider) ReadBytes() ([]byte, error) {
	return nil, ErrReadBytesNotSupported
}

func (m mapProvider) Read() (map[string]any, error) {
	return m, nil
}

type tomlParser struct{}

// TOMLParser returns a koanf parser backed by BurntSushi/toml.
func TOMLParser() koanf.Parser {
	return tomlParser{}
}

func (tomlParser) Unmarshal(b []byte) (map[string]any, error) {
	out := map[string]any{}
	if err := toml.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (tomlParser) Marshal(m map[string]any) ([]byte, error) {
	return toml.Marshal(m)
}

// tomlTargetOrder returns the to_backup keys in the order they appear.
func tomlTargetOrder(content []byte) ([]string, error) {
	var raw map[string]any
	md, err := toml.Decode(string(content), &raw)
	if err != nil {
		return nil, err
	}
	var order []string
	for _, key := range md.Keys() {
		if len(key) == 2 && key[0] == KeyToBackup {
			order = append(order, key[1])
		}
	}
	return order, nil
}

// yamlTargetOrder returns the to_backup keys in the order they appear. koanf
// flattens YAML into maps, so the order is recovered from the node tree.
func yamlTargetOrder(content []byte) ([]string, error) {
	var doc yamlv3.Node
	if err := yamlv3.Unmarshal(content, &doc); err != nil {
		return nil, err
	}
	if len(doc.Content) == 0 {
		return nil, nil
	}
	root := doc.Content[0]
	if root.Kind != yamlv3.MappingNode {
		return nil, fmt.Errorf("top level must be a mapping")
	}
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value != KeyToBackup {
			continue
		}
		section := root.Content[i+1]
		if section.Kind != yamlv3.MappingNode {
			return nil, nil
		}
		var order []string
		for j := 0; j+1 < len(section.Content); j += 2 {
			order = append(order, section.Content[j].Value)
		}
		return order, nil
	}
	return nil, nil
}
