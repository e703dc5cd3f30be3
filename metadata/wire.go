package metadata

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"
)

// Ext is the conventional file extension for encoded containers.
const Ext = ".kmc"

// cborEncMode uses canonical mode so that encoding is deterministic and
// the checksum is stable across processes.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("metadata: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Checksum computes the container's content checksum: SHA-256 over the
// canonical encoding with the checksum field zeroed.
func Checksum(c *Container) ([32]byte, error) {
	saved := c.Checksum
	c.Checksum = [32]byte{}
	data, err := cborEncMode.Marshal(c)
	c.Checksum = saved
	if err != nil {
		return [32]byte{}, fmt.Errorf("metadata: checksum %q: %w", c.Name, err)
	}
	return sha256.Sum256(data), nil
}

// Encode serializes a container to canonical CBOR, stamping its checksum
// first.
func Encode(c *Container) ([]byte, error) {
	sum, err := Checksum(c)
	if err != nil {
		return nil, err
	}
	c.Checksum = sum
	data, err := cborEncMode.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("metadata: encode %q: %w", c.Name, err)
	}
	return data, nil
}

// Decode deserializes a container and verifies its checksum. It does not
// run Validate; callers decide when structural validation happens.
func Decode(data []byte) (*Container, error) {
	var c Container
	if err := cbor.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("metadata: decode container: %w", err)
	}
	sum, err := Checksum(&c)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(sum[:], c.Checksum[:]) {
		return nil, fmt.Errorf("metadata: container %q: checksum mismatch: declared %x, computed %x",
			c.Name, c.Checksum[:4], sum[:4])
	}
	return &c, nil
}

// ReadFile loads and decodes a container from disk.
func ReadFile(path string) (*Container, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("metadata: read %s: %w", path, err)
	}
	return Decode(data)
}

// WriteFile encodes a container and writes it to disk.
func WriteFile(path string, c *Container) error {
	data, err := Encode(c)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("metadata: write %s: %w", path, err)
	}
	return nil
}
