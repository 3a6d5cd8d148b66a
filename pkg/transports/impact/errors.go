package impact

import (
	"encoding/json"
	"net/http"

	"github.com/openfroyo/impactsim/pkg/engine"
)

const defaultAPIErrorMessage = "Api Error"

type errorEnvelope struct {
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// decodeAPIError maps a non-2xx response to a transport error. The service
// code and message come from the error envelope when the body carries one.
func decodeAPIError(status int, body []byte) *engine.EngineError {
	serviceCode := engine.ServiceCodeUnknown
	message := defaultAPIErrorMessage

	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error != nil {
		if env.Error.Code != 0 {
			serviceCode = env.Error.Code
		}
		if env.Error.Message != "" {
			message = env.Error.Message
		}
	}

	code := engine.ErrCodeHTTP
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden,
		serviceCode == engine.ServiceCodeInvalidAPIKey:
		code = engine.ErrCodeUnauthorized
	case status == http.StatusNotFound:
		code = engine.ErrCodeNotFound
	}

	return engine.NewTransportError(message, nil).
		WithCode(code).
		WithService(serviceCode, status)
}
