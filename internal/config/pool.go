package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	kverrors "github.com/devrev/kvring/internal/errors"
	"github.com/devrev/kvring/internal/model"
)

// LoadPool reads the pool file at path. See ParsePool for the format.
func LoadPool(path string) ([]model.Node, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, kverrors.Configuration("failed to open pool file", err)
	}
	defer f.Close()

	return ParsePool(f)
}

// ParsePool parses a pool file: one "name host port" line per node. Blank lines and
// lines starting with '#' are skipped. A malformed line, a bad port or a duplicate
// name fails the whole file.
func ParsePool(r io.Reader) ([]model.Node, error) {
	var nodes []model.Node
	seen := make(map[string]int)

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, kverrors.Configuration(
				fmt.Sprintf("pool file line %d: want \"name host port\", got %d fields", lineNo, len(fields)), nil)
		}

		name, host := fields[0], fields[1]
		port, err := strconv.Atoi(fields[2])
		if err != nil || port <= 0 || port > 65535 {
			return nil, kverrors.Configuration(
				fmt.Sprintf("pool file line %d: invalid port %q", lineNo, fields[2]), err)
		}
		if prev, ok := seen[name]; ok {
			return nil, kverrors.Configuration(
				fmt.Sprintf("pool file line %d: node %s already declared on line %d", lineNo, name, prev), nil)
		}
		seen[name] = lineNo

		nodes = append(nodes, model.NewNode(name, host, port))
	}
	if err := scanner.Err(); err != nil {
		return nil, kverrors.Configuration("failed to read pool file", err)
	}

	return nodes, nil
}
