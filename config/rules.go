package config

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"jsbridge/acl"
	"jsbridge/webfilter"
)

// Rules is the content of a rules file:
//
//	acl:
//	  player: ['^https://apps\.example\.com/']
//	  epg:    ['^https://apps\.example\.com/', '^file://']
//	webFilters:
//	  - {scheme: "http*", host: "*.ads.example.net", block: true}
//
// The order of the acl mapping is kept.
type Rules struct {
	ACL        acl.Table
	WebFilters []webfilter.Pattern
}

type rulesFile struct {
	ACL        yaml.Node           `yaml:"acl"`
	WebFilters []webfilter.Pattern `yaml:"webFilters"`
}

// LoadRules reads a rules file.
func LoadRules(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	rules, err := ParseRules(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse rules file %s: %w", path, err)
	}
	return rules, nil
}

func ParseRules(data []byte) (*Rules, error) {
	var file rulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	table, err := aclTable(&file.ACL)
	if err != nil {
		return nil, err
	}
	return &Rules{ACL: table, WebFilters: file.WebFilters}, nil
}

func aclTable(node *yaml.Node) (acl.Table, error) {
	if node.Kind == 0 {
		return nil, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: acl must be a mapping of service to patterns", node.Line)
	}
	var table acl.Table
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		var patterns []string
		if err := value.Decode(&patterns); err != nil {
			return nil, fmt.Errorf("line %d: service %q: %w", value.Line, key.Value, err)
		}
		table = table.Add(key.Value, patterns)
	}
	return table, nil
}

// ACLDocument returns the ACL in the JSON form pages receive.
func (r *Rules) ACLDocument() (string, error) {
	data, err := json.Marshal(r.ACL)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WebFiltersDocument returns the web filters in the JSON form pages receive.
func (r *Rules) WebFiltersDocument() (string, error) {
	patterns := r.WebFilters
	if patterns == nil {
		patterns = []webfilter.Pattern{}
	}
	data, err := json.Marshal(patterns)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
