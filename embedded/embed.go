package embedded

import (
	_ "embed"
)

//go:embed config.toml
var config []byte

// Config returns the annotated sample configuration.
func Config() []byte {
	return config
}
