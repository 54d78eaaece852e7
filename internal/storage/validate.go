package storage

import (
	"io"
	"os"

	"github.com/pkg/errors"
)

// ESPImageMagic is the first byte of every ESP32 application image.
const ESPImageMagic = 0xE9

// ESPImage rejects images that do not start with the ESP application magic.
func ESPImage(path string, size int64) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open image")
	}
	defer f.Close()

	var magic [1]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		return errors.Wrap(err, "read image header")
	}
	if magic[0] != ESPImageMagic {
		return errors.Errorf("bad image magic 0x%02X, want 0x%02X", magic[0], ESPImageMagic)
	}
	return nil
}

// ValidatorByName returns the image validator for a config value. An empty
// name or "none" disables validation.
func ValidatorByName(name string) (Validator, error) {
	switch name {
	case "", "none":
		return nil, nil
	case "esp32":
		return ESPImage, nil
	default:
		return nil, errors.Errorf("unknown image validator %q", name)
	}
}
