package protocol

import (
	"encoding/json"
	"fmt"
	"io"
)

// MaxResponseBytes caps the size of a plugin response.
const MaxResponseBytes = 4 << 20

// EncodeRequest serializes a Request to JSON and writes it to w.
func EncodeRequest(w io.Writer, req *Request) error {
	if req.Protocol != Version {
		return fmt.Errorf("unsupported protocol version: %d", req.Protocol)
	}
	if req.Event.Name == "" {
		return fmt.Errorf("request event name is empty")
	}

	if err := json.NewEncoder(w).Encode(req); err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	return nil
}

// DecodeResponse reads a Response strictly: unknown fields are rejected.
func DecodeResponse(r io.Reader) (*Response, error) {
	var resp Response

	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if err := validateResponse(&resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DecodeResponseLenient accepts unknown fields and returns the raw bytes
// alongside any error so callers can log what the plugin actually printed.
// Responses over MaxResponseBytes are rejected.
func DecodeResponseLenient(r io.Reader) (*Response, []byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxResponseBytes+1))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response: %w", err)
	}
	if len(data) > MaxResponseBytes {
		return nil, data[:256], fmt.Errorf("plugin output exceeds %d bytes", MaxResponseBytes)
	}
	if len(data) == 0 {
		return nil, data, fmt.Errorf("plugin produced no output on stdout")
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, data, fmt.Errorf("plugin output is not valid JSON: %w", err)
	}
	if err := validateResponse(&resp); err != nil {
		return nil, data, err
	}
	return &resp, data, nil
}

func validateResponse(resp *Response) error {
	switch resp.Status {
	case "":
		return fmt.Errorf("response missing required field: status")
	case "ok":
		return nil
	case "error":
		if resp.Error == "" {
			return fmt.Errorf("response has status=error but no error message")
		}
		return nil
	default:
		return fmt.Errorf("invalid status value: %q (must be 'ok' or 'error')", resp.Status)
	}
}
