package upload

import (
	"fmt"
	"io"
	"os"
)

// LoadPayload reads the firmware image at path into memory, in full. A
// missing, empty or short-read file is reported as KindPayloadUnavailable.
func LoadPayload(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, payloadError("open image", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, payloadError("stat image", err)
	}
	if info.IsDir() {
		return nil, payloadError("open image", fmt.Errorf("%s is a directory", path))
	}
	return ReadPayload(f, info.Size())
}

// ReadPayload reads exactly size bytes from r.
func ReadPayload(r io.Reader, size int64) ([]byte, error) {
	if size <= 0 {
		return nil, payloadError("read image", errEmptyPayload)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, payloadError("read image", err)
	}
	return buf, nil
}

func payloadError(op string, err error) error {
	return &Error{Kind: KindPayloadUnavailable, State: AwaitingBanner, Op: op, Err: err}
}
