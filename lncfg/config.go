package lncfg

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultConfigFilename is the name of the config file hopd reads from its
// base directory.
const DefaultConfigFilename = "hopd.conf"

// Validator is a config section able to check its own values.
type Validator interface {
	// Validate returns an error describing the first invalid value.
	Validate() error
}

// Validate runs the validators in order and stops at the first failure.
func Validate(validators ...Validator) error {
	for i, v := range validators {
		if v == nil {
			return fmt.Errorf("config section %d missing", i)
		}
		if err := v.Validate(); err != nil {
			return err
		}
	}

	return nil
}

// CleanAndExpandPath expands a leading ~ to the home directory of the user
// and any environment variables, then cleans the path.
func CleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = home + path[1:]
		}
	}

	return filepath.Clean(os.ExpandEnv(path))
}

// NormalizeNetwork maps a network name to the directory its files are kept
// in. Every testnet version shares one directory.
func NormalizeNetwork(network string) string {
	if strings.HasPrefix(network, "testnet") {
		return "testnet"
	}

	return network
}
