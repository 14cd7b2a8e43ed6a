package pipeline

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/jrsteele09/go-auth-client/autherrors"
)

// maxErrorBody caps how much of an error response is read for its message.
const maxErrorBody = 64 << 10

type errorBody struct {
	Message    json.RawMessage `json:"message"`
	Error      string          `json:"error"`
	StatusCode int             `json:"statusCode"`
}

// CheckResponse returns nil for 2xx and 3xx responses. Any other status is
// consumed into a *autherrors.RequestRejected carrying the status and the
// server's message; the body is closed in that case.
func CheckResponse(resp *http.Response) error {
	if resp.StatusCode < http.StatusBadRequest {
		return nil
	}
	defer resp.Body.Close()

	rejected := &autherrors.RequestRejected{StatusCode: resp.StatusCode}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil || len(data) == 0 {
		return rejected
	}

	var body errorBody
	if err := json.Unmarshal(data, &body); err != nil {
		return rejected
	}
	rejected.Code = body.Error
	rejected.Message = decodeMessage(body.Message)
	return rejected
}

// The server sends either a string or, for validation failures, a list of
// strings.
func decodeMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return single
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil && len(many) > 0 {
		return many[0]
	}
	return ""
}
