// Package inventory reads the Ansible inventory that lists the cluster hosts.
//
// Both the INI format and the YAML format are accepted. Only the masters,
// nodes and gateways groups are read; hosts keep the order of the file.
package inventory

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Group names.
const (
	GroupMasters  = "masters"
	GroupNodes    = "nodes"
	GroupGateways = "gateways"
)

// Inventory holds host addresses by role. A group missing from the file is
// nil.
type Inventory struct {
	Masters  []string
	Nodes    []string
	Gateways []string
}

func (inv *Inventory) group(name string) *[]string {
	switch name {
	case GroupMasters:
		return &inv.Masters
	case GroupNodes:
		return &inv.Nodes
	case GroupGateways:
		return &inv.Gateways
	}
	return nil
}

// Validate checks the groups a run at the given stage needs.
func (inv *Inventory) Validate(stage int) error {
	if len(inv.Masters) == 0 {
		return fmt.Errorf("inventory does not define a master")
	}
	if stage >= 5 && len(inv.Gateways) == 0 {
		return fmt.Errorf("stage %d requires at least one gateway", stage)
	}
	return nil
}

// Load reads an inventory file. Files ending in .yaml or .yml are parsed as
// YAML, anything else as INI.
func Load(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading inventory: %w", err)
	}

	var inv *Inventory
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		inv, err = ParseYAML(data)
	default:
		inv, err = ParseINI(data)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing inventory %s: %w", path, err)
	}
	return inv, nil
}

// ParseINI parses an INI inventory:
//
//	[masters]
//	master1 ansible_ssh_host=10.0.0.10
//
// A host line without ansible_ssh_host or ansible_host is its own address.
func ParseINI(data []byte) (*Inventory, error) {
	inv := &Inventory{}
	var current *[]string

	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}

		if strings.HasPrefix(line, "[") {
			if !strings.HasSuffix(line, "]") {
				return nil, fmt.Errorf("line %d: malformed section header %q", lineNo, line)
			}
			// [group:vars] and [group:children] never match a role.
			current = inv.group(strings.TrimSpace(line[1 : len(line)-1]))
			if current != nil && *current == nil {
				*current = []string{}
			}
			continue
		}
		if current == nil {
			continue
		}

		addr, err := hostAddress(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		*current = append(*current, addr)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return inv, nil
}

func hostAddress(line string) (string, error) {
	fields := strings.Fields(line)
	name := fields[0]
	if strings.Contains(name, "=") {
		return "", fmt.Errorf("host line %q has no host name", line)
	}

	addr := name
	for _, f := range fields[1:] {
		key, value, ok := strings.Cut(f, "=")
		if !ok {
			continue
		}
		switch key {
		case "ansible_ssh_host", "ansible_host":
			if value == "" {
				return "", fmt.Errorf("host %s: empty %s", name, key)
			}
			addr = value
		}
	}
	return addr, nil
}

// ParseYAML parses a YAML inventory:
//
//	all:
//	  children:
//	    masters:
//	      hosts:
//	        master1:
//	          ansible_host: 10.0.0.10
func ParseYAML(data []byte) (*Inventory, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	inv := &Inventory{}
	if len(doc.Content) == 0 {
		return inv, nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("inventory root must be a mapping")
	}

	// Groups may sit under all.children or at the top level.
	groups := root
	if all := lookup(root, "all"); all != nil {
		if children := lookup(all, "children"); children != nil {
			groups = children
		}
	}
	if groups.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("inventory groups must be a mapping")
	}

	for i := 0; i+1 < len(groups.Content); i += 2 {
		dst := inv.group(groups.Content[i].Value)
		if dst == nil {
			continue
		}
		*dst = []string{}

		hosts := lookup(groups.Content[i+1], "hosts")
		if hosts == nil {
			continue
		}
		if hosts.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("group %s: hosts must be a mapping", groups.Content[i].Value)
		}
		for j := 0; j+1 < len(hosts.Content); j += 2 {
			name := hosts.Content[j].Value
			addr := name

			var vars map[string]any
			if err := hosts.Content[j+1].Decode(&vars); err != nil {
				return nil, fmt.Errorf("host %s: %w", name, err)
			}
			for _, key := range []string{"ansible_host", "ansible_ssh_host"} {
				if v, ok := vars[key].(string); ok && v != "" {
					addr = v
					break
				}
			}
			*dst = append(*dst, addr)
		}
	}
	return inv, nil
}

// lookup returns the value of key in a mapping node, or nil.
func lookup(n *yaml.Node, key string) *yaml.Node {
	if n == nil || n.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return n.Content[i+1]
		}
	}
	return nil
}
