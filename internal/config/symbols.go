package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/financegpt/backend/internal/symbols"
)

type watchlistFile struct {
	Symbols []watchlistEntry `yaml:"symbols"`
}

type watchlistEntry struct {
	Ticker  string   `yaml:"ticker"`
	Aliases []string `yaml:"aliases"`
}

// LoadSymbols 读取 YAML 自选股列表；path 为空时返回内置列表。
//
//	symbols:
//	  - ticker: AAPL
//	    aliases: [apple]
func LoadSymbols(path string) (symbols.Known, error) {
	if path == "" {
		return symbols.DefaultKnown(), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open symbols file: %w", err)
	}
	defer f.Close()

	var file watchlistFile
	if err := yaml.NewDecoder(f).Decode(&file); err != nil {
		return nil, fmt.Errorf("decode symbols file: %w", err)
	}

	known := make(symbols.Known, len(file.Symbols))
	for _, entry := range file.Symbols {
		ticker := strings.ToUpper(strings.TrimSpace(entry.Ticker))
		if ticker == "" {
			return nil, fmt.Errorf("symbols file %s: entry without ticker", path)
		}
		aliases := make([]string, 0, len(entry.Aliases))
		for _, alias := range entry.Aliases {
			if alias = strings.ToLower(strings.TrimSpace(alias)); alias != "" {
				aliases = append(aliases, alias)
			}
		}
		known[ticker] = aliases
	}
	return known, nil
}
