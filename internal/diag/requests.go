package diag

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"ex-kagami/pkg/kagami"
)

// entityDecoders maps the entity names accepted by /requests to success decoders.
var entityDecoders = map[string]kagami.Decoder{
	"user":    kagami.DecodeEntity[kagami.User](),
	"guild":   kagami.DecodeEntity[kagami.Guild](),
	"channel": kagami.DecodeEntity[kagami.Channel](),
	"role":    kagami.DecodeEntity[kagami.Role](),
	"member":  kagami.DecodeEntity[kagami.Member](),
	"message": kagami.DecodeEntity[kagami.Message](),
}

// sendRequest is the body of POST /requests.
type sendRequest struct {
	Method    string          `json:"method"`
	Route     string          `json:"route"`
	Path      string          `json:"path"`
	Body      json.RawMessage `json:"body,omitempty"`
	Entity    string          `json:"entity,omitempty"`
	Correlate bool            `json:"correlate,omitempty"`
}

type sendResponse struct {
	RequestID string             `json:"request_id"`
	Route     string             `json:"route"`
	Attempts  int                `json:"attempts"`
	Payload   any                `json:"payload,omitempty"`
	Error     string             `json:"error,omitempty"`
	Failure   kagami.FailureKind `json:"failure,omitempty"`
}

// handleRequest dispatches one outbound request through the pipeline and waits for its answer.
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil {
		writeError(w, http.StatusNotFound, "request pipeline not configured")
		return
	}

	var body sendRequest
	decoder := json.NewDecoder(io.LimitReader(r.Body, defaultMaxRequestSize))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "decode request: "+err.Error())
		return
	}

	request := kagami.NewRequest(body.Method, body.Route, body.Path)
	if len(body.Body) > 0 {
		request.Body = body.Body
	}
	request.Correlate = body.Correlate
	if body.Entity != "" {
		decode, known := entityDecoders[strings.ToLower(body.Entity)]
		if !known {
			writeError(w, http.StatusBadRequest, "unknown entity "+body.Entity)
			return
		}
		request.Decode = decode
	}

	answer := s.pipeline.Send(r.Context(), request)
	response := sendResponse{
		RequestID: request.ID,
		Route:     request.Route.Key(),
		Attempts:  answer.Attempts,
		Payload:   wirePayload(answer.Payload),
	}
	if answer.OK() {
		writeJSON(w, http.StatusOK, response)
		return
	}

	response.Error = answer.Err.Error()
	status := http.StatusBadGateway
	if failure, ok := answer.Failure(); ok {
		response.Failure = failure.Kind
		switch failure.Kind {
		case kagami.FailureTimeout:
			status = http.StatusGatewayTimeout
		case kagami.FailureCanceled:
			status = http.StatusServiceUnavailable
		}
	}
	if errors.Is(answer.Err, kagami.ErrInvalidRequest) {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, response)
}

// wirePayload keeps undecoded JSON bodies readable in the response.
func wirePayload(payload any) any {
	raw, ok := payload.([]byte)
	if !ok {
		return payload
	}
	if json.Valid(raw) {
		return json.RawMessage(raw)
	}

	return string(raw)
}
