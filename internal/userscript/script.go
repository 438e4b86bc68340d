package userscript

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	metadataOpen  = "==UserScript=="
	metadataClose = "==/UserScript=="
)

// ErrUnterminatedMetadata reports a ==UserScript== block with no closing line.
var ErrUnterminatedMetadata = errors.New("metadata block is not terminated")

// Metadata is the // ==UserScript== header of a script.
type Metadata struct {
	Name        string
	Namespace   string
	Version     string
	Description string
	RunAt       string
	Match       []string
	Include     []string
	Exclude     []string
	Grant       []string
}

// Script is a userscript read from disk.
type Script struct {
	Path   string
	Source string
	Meta   Metadata
}

// Load reads the script at path and parses its metadata. A script without
// a metadata block is named after its file.
func Load(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}

	meta, err := ParseMetadata(string(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	if meta.Name == "" {
		meta.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		meta.Name = strings.TrimSuffix(meta.Name, ".user")
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return &Script{Path: abs, Source: string(data), Meta: meta}, nil
}

// ParseMetadata extracts the metadata block from source.
func ParseMetadata(source string) (Metadata, error) {
	var meta Metadata
	inBlock := false

	scanner := bufio.NewScanner(strings.NewReader(source))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "//") {
			if inBlock && line != "" {
				return meta, fmt.Errorf("%w: unexpected %q", ErrUnterminatedMetadata, line)
			}
			continue
		}
		body := strings.TrimSpace(strings.TrimPrefix(line, "//"))

		switch {
		case body == metadataOpen:
			inBlock = true
			continue
		case body == metadataClose:
			if !inBlock {
				continue
			}
			return meta, nil
		case !inBlock || !strings.HasPrefix(body, "@"):
			continue
		}

		key, value, _ := strings.Cut(body[1:], " ")
		meta.set(key, strings.TrimSpace(value))
	}
	if err := scanner.Err(); err != nil {
		return meta, fmt.Errorf("failed to scan script: %w", err)
	}
	if inBlock {
		return meta, ErrUnterminatedMetadata
	}
	return meta, nil
}

func (m *Metadata) set(key, value string) {
	switch strings.TrimSpace(key) {
	case "name":
		m.Name = value
	case "namespace":
		m.Namespace = value
	case "version":
		m.Version = value
	case "description":
		m.Description = value
	case "run-at":
		m.RunAt = value
	case "match":
		m.Match = append(m.Match, value)
	case "include":
		m.Include = append(m.Include, value)
	case "exclude":
		m.Exclude = append(m.Exclude, value)
	case "grant":
		m.Grant = append(m.Grant, value)
	}
}
