package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/odinfed/odinfed-go/internal/drives"
)

// Header blobs are stored length-prefixed so a truncated write is
// detected on read instead of surfacing as a JSON parse error.
const maxHeaderBlobSize = 4 << 20

func sealHeader(h *drives.ServerFileHeader) ([]byte, error) {
	body, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encoding file header: %w", err)
	}
	if len(body) > maxHeaderBlobSize {
		return nil, fmt.Errorf("file header too large: %d bytes", len(body))
	}
	blob := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(blob, uint32(len(body)))
	copy(blob[4:], body)
	return blob, nil
}

func openHeader(blob []byte) (*drives.ServerFileHeader, error) {
	if len(blob) < 4 {
		return nil, errors.New("header blob truncated")
	}
	n := binary.BigEndian.Uint32(blob)
	if n > maxHeaderBlobSize || int(n) != len(blob)-4 {
		return nil, fmt.Errorf("header blob length mismatch: prefix %d, body %d", n, len(blob)-4)
	}
	var h drives.ServerFileHeader
	if err := json.Unmarshal(blob[4:], &h); err != nil {
		return nil, fmt.Errorf("decoding file header: %w", err)
	}
	return &h, nil
}
