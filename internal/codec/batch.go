// Package codec turns transport payloads into raw event batches.
//
// Batches arrive as a JSON array or a CBOR array of event objects, optionally
// gzip or zstd compressed.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/PratikDhanave/factory-events-service/internal/events"
)

const (
	ContentTypeJSON = "application/json"
	ContentTypeCBOR = "application/cbor"

	// DefaultMaxBatchBytes bounds a decompressed batch body.
	DefaultMaxBatchBytes = 10 << 20
)

var (
	// ErrNotArray is returned when the payload is valid but not an array.
	ErrNotArray = errors.New("request body must be an array of events")

	// ErrMalformed wraps JSON and CBOR syntax errors.
	ErrMalformed = errors.New("malformed batch payload")

	// ErrTooLarge is returned when the decompressed payload exceeds the limit.
	ErrTooLarge = errors.New("batch payload too large")

	// ErrUnsupportedEncoding is returned for an unknown Content-Encoding.
	ErrUnsupportedEncoding = errors.New("unsupported content encoding")
)

// decMode decodes untyped CBOR maps as map[string]any so CBOR batches reach
// the validator in the same shape as JSON ones.
var decMode cbor.DecMode

func init() {
	var err error
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// ReadBatch decompresses r according to contentEncoding, reads at most
// maxBytes and decodes the result according to contentType.
func ReadBatch(r io.Reader, contentType, contentEncoding string, maxBytes int64) ([]events.Raw, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBatchBytes
	}

	body, err := decompress(r, contentEncoding)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if int64(len(data)) > maxBytes {
		return nil, ErrTooLarge
	}
	return DecodeBatch(data, contentType)
}

// DecodeBatch decodes a JSON (default) or CBOR array of events. Elements that
// are not objects become empty records so validation rejects them in place.
func DecodeBatch(data []byte, contentType string) ([]events.Raw, error) {
	var (
		doc any
		err error
	)
	if isCBOR(contentType) {
		err = decMode.Unmarshal(data, &doc)
	} else {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		err = dec.Decode(&doc)
		if err == nil {
			if _, tokErr := dec.Token(); tokErr != io.EOF {
				err = errors.New("trailing data after batch")
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	items, ok := doc.([]any)
	if !ok {
		return nil, ErrNotArray
	}

	batch := make([]events.Raw, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			obj = map[string]any{}
		}
		batch = append(batch, events.Raw(obj))
	}
	return batch, nil
}

// EncodeCBOR encodes v as CBOR. Used by clients and tests that publish CBOR batches.
func EncodeCBOR(v any) ([]byte, error) {
	return cbor.Marshal(v)
}

func isCBOR(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == ContentTypeCBOR
}

func decompress(r io.Reader, contentEncoding string) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case "", "identity":
		return io.NopCloser(r), nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("%w: gzip: %v", ErrMalformed, err)
		}
		return zr, nil
	case "zstd":
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrMalformed, err)
		}
		return zr.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, contentEncoding)
	}
}
