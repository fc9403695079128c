package engine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const UNREGISTERED = 0x0001
const IDLE = 0x0003
const BUSY = 0x0004

var (
	ErrNotLoaded  = errors.New("model not loaded")
	ErrEmptyImage = errors.New("image is empty")
)

// ReadLinesReadFile returns the non-empty lines of a text file.
func ReadLinesReadFile(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	// tolerate Windows CRLF
	raw := strings.Split(string(b), "\n")
	var lines []string
	for _, l := range raw {
		l = strings.TrimSpace(strings.TrimRight(l, "\r"))
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines, nil
}

// LoadNames reads class names from an Ultralytics data.yaml (names given as a
// list or as an index map) or from a text file with one name per line.
func LoadNames(path string) ([]string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return readYAMLNames(path)
	default:
		return ReadLinesReadFile(path)
	}
}

// maxNameGap bounds how far class indices in an index map may run past the
// number of names given.
const maxNameGap = 64

func readYAMLNames(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Names yaml.Node `yaml:"names"`
	}
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	node := doc.Names
	switch node.Kind {
	case yaml.SequenceNode:
		names := make([]string, 0, len(node.Content))
		for _, n := range node.Content {
			names = append(names, n.Value)
		}
		return names, nil
	case yaml.MappingNode:
		byIndex := make(map[int]string, len(node.Content)/2)
		maxIdx := -1
		for i := 0; i+1 < len(node.Content); i += 2 {
			idx, err := strconv.Atoi(node.Content[i].Value)
			if err != nil || idx < 0 {
				return nil, fmt.Errorf("%s: invalid class index %q", path, node.Content[i].Value)
			}
			byIndex[idx] = node.Content[i+1].Value
			if idx > maxIdx {
				maxIdx = idx
			}
		}
		if maxIdx >= 2*len(byIndex)+maxNameGap {
			return nil, fmt.Errorf("%s: class index %d is too sparse for %d names", path, maxIdx, len(byIndex))
		}
		names := make([]string, maxIdx+1)
		for i := range names {
			if n, ok := byIndex[i]; ok {
				names[i] = n
			} else {
				names[i] = fmt.Sprintf("class_%d", i)
			}
		}
		return names, nil
	case 0:
		return nil, fmt.Errorf("%s: no names key", path)
	default:
		return nil, fmt.Errorf("%s: names must be a list or a map", path)
	}
}

func className(names []string, idx int) string {
	if idx >= 0 && idx < len(names) {
		return names[idx]
	}
	return fmt.Sprintf("class_%d", idx)
}
