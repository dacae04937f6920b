package presenter

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/idport/idport/internal/core"
)

type ErrorResponse struct {
	Error         string `json:"error"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func JSON(w http.ResponseWriter, r *http.Request, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Ctx(r.Context()).Error().Err(err).Msg("failed to write json response")
	}
}

func Error(w http.ResponseWriter, r *http.Request, msg string, status int) {
	resp := ErrorResponse{
		Error:         msg,
		CorrelationID: core.CorrelationID(r.Context()),
	}
	JSON(w, r, resp, status)
}

// Err maps the error taxonomy onto HTTP statuses. Config problems are the
// operator's fault, client and token problems are authentication failures,
// flow problems are bad requests.
func Err(w http.ResponseWriter, r *http.Request, err error, short string) {
	status := http.StatusBadRequest

	var (
		configErr *core.ConfigError
		clientErr *core.ClientError
		tokenErr  *core.TokenError
		flowErr   *core.FlowError
	)
	switch {
	case errors.As(err, &configErr):
		status = http.StatusInternalServerError
	case errors.As(err, &clientErr):
		status = http.StatusUnauthorized
	case errors.As(err, &tokenErr):
		status = http.StatusUnauthorized
	case errors.As(err, &flowErr):
		status = http.StatusBadRequest
	}
	Error(w, r, short+": "+err.Error(), status)
}

// OAuthError is the token-endpoint error document from RFC 6749 §5.2.
type OAuthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// OAuthErr translates an exchange failure into the RFC 6749 wire format.
func OAuthErr(w http.ResponseWriter, r *http.Request, err error) {
	var (
		clientErr *core.ClientError
		flowErr   *core.FlowError
	)
	switch {
	case errors.As(err, &clientErr):
		JSON(w, r, OAuthError{Code: "invalid_client", Description: clientErr.Reason}, http.StatusUnauthorized)
	case errors.As(err, &flowErr):
		code := "invalid_grant"
		if strings.HasPrefix(flowErr.Reason, "unsupported grant_type") {
			code = "unsupported_grant_type"
		}
		JSON(w, r, OAuthError{Code: code, Description: flowErr.Reason}, http.StatusBadRequest)
	default:
		log.Ctx(r.Context()).Error().Err(err).Msg("token exchange failed")
		JSON(w, r, OAuthError{Code: "server_error"}, http.StatusInternalServerError)
	}
}
