package stream

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fairyhunter13/agent-control-plane/pkg/termtext"
)

var gzipMagic = []byte{0x1f, 0x8b}

const errMessageMax = 300

// ExtractErrorMessage pulls a human-readable message from an upstream error
// body. Local proxies forward provider bodies verbatim, so the bytes may be
// gzip-encoded regardless of our Accept-Encoding; those are decompressed
// here before any JSON attempt. Unreadable messages (mostly replacement
// characters or control bytes) fall back to the error type, then to the HTTP
// status.
func ExtractErrorMessage(body []byte, status int) string {
	statusFallback := fmt.Sprintf("HTTP %d", status)
	if len(bytes.TrimSpace(body)) == 0 {
		return statusFallback
	}

	if bytes.HasPrefix(body, gzipMagic) {
		decoded, err := gunzip(body)
		if err != nil {
			return statusFallback
		}
		if msg, _ := jsonErrorFields(decoded); msg != "" && termtext.Readable(msg) {
			return clip(msg)
		}
		// Not JSON: keep whatever of the decompressed body is legible.
		if s := strings.TrimSpace(termtext.Decode(decoded)); s != "" && termtext.Readable(s) {
			return clip(s)
		}
		return statusFallback
	}

	msg, typ := jsonErrorFields(body)
	if msg != "" && termtext.Readable(msg) {
		return clip(msg)
	}
	if typ != "" {
		return typ
	}
	if s := strings.TrimSpace(termtext.Decode(body)); s != "" && termtext.Readable(s) {
		return clip(s)
	}
	return statusFallback
}

// jsonErrorFields returns the message and type from the common provider error
// shapes: {"error":{"message","type"}}, {"message"}, {"detail"}.
func jsonErrorFields(body []byte) (msg, typ string) {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", ""
	}
	switch {
	case parsed.Error.Message != "":
		msg = parsed.Error.Message
	case parsed.Message != "":
		msg = parsed.Message
	case parsed.Detail != "":
		msg = parsed.Detail
	}
	return msg, parsed.Error.Type
}

// gunzip tolerates truncated streams: a partial read still yields the
// decodable prefix.
func gunzip(b []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer func() { _ = zr.Close() }()
	out, err := io.ReadAll(io.LimitReader(zr, 1<<20))
	if err != nil && len(out) == 0 {
		return nil, err
	}
	return out, nil
}

func clip(s string) string {
	if len(s) > errMessageMax {
		return s[:errMessageMax]
	}
	return s
}
