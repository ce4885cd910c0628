package depsys

import (
	"encoding/gob"
	"os"

	"github.com/rotisserie/eris"
)

// Stamp remembers which archive a URL was downloaded to and its checksum
type Stamp struct {
	Sha256 string
	File   string
}

// Stamps maps download URLs to the archives they produced
type Stamps map[string]Stamp

func init() {
	gob.Register(Stamps{})
	gob.Register(Stamp{})
}

// WriteStamps replaces the stamp file with the given stamps
func WriteStamps(file string, stamps Stamps) error {
	handle, err := os.Create(file)
	if err != nil {
		return err
	}
	defer handle.Close()

	encoder := gob.NewEncoder(handle)
	err = encoder.Encode(stamps)
	if err != nil {
		return err
	}

	return handle.Close()
}

// ReadStamps loads a stamp file. A missing file results in an empty set of stamps.
func ReadStamps(file string) (Stamps, error) {
	handle, err := os.Open(file)
	if err != nil {
		if eris.Is(err, os.ErrNotExist) {
			return Stamps{}, nil
		}
		return nil, err
	}
	defer handle.Close()

	decoder := gob.NewDecoder(handle)

	var stamps Stamps
	err = decoder.Decode(&stamps)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to decode stamps in %s", file)
	}

	if stamps == nil {
		stamps = Stamps{}
	}
	return stamps, nil
}
