package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/corekit/corekit/errs"
)

// ChiErrorIntegration implements errs.Integration for chi-routed HTTP
// handlers: it maps an arbitrary handler error into an *errs.Error,
// serializes one back out honoring the environment discriminator
// (full detail in development, scrubbed in production), and supplies
// the fallback handler a Router's wired errs.Router installs for kinds
// with no explicit handler.
type ChiErrorIntegration struct {
	Environment string
}

// MapError wraps extErr as a Router/INTERNAL error unless it already is
// an *errs.Error, in which case it is passed through unchanged.
func (c ChiErrorIntegration) MapError(extErr error) *errs.Error {
	var e *errs.Error
	if errors.As(extErr, &e) {
		return e
	}
	return errs.NewRouter("INTERNAL", "unexpected error", errs.WithCause(extErr))
}

// serializedError is the wire shape written to HTTP clients; development
// includes the cause chain, production scrubs it.
type serializedError struct {
	Kind    errs.Kind      `json:"kind"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Cause   string         `json:"cause,omitempty"`
}

// Serialize renders err as a JSON body. env == "production" scrubs the
// cause chain; any other value, including empty, includes it.
func (c ChiErrorIntegration) Serialize(err *errs.Error, env string) []byte {
	se := serializedError{Kind: err.Kind, Code: err.Code, Message: err.Message, Details: err.Details}
	if env != "production" && err.Cause != nil {
		se.Cause = err.Cause.Error()
	}
	body, marshalErr := json.Marshal(se)
	if marshalErr != nil {
		return []byte(`{"kind":"Router","code":"SERIALIZE_FAILED","message":"failed to serialize error"}`)
	}
	return body
}

// DefaultHandler writes the mapped error as a JSON response with the
// status code derived from the error's kind, using the integration's
// configured Environment.
func (c ChiErrorIntegration) DefaultHandler() errs.Handler {
	return func(ctx context.Context, err *errs.Error, routeContext map[string]any) {
		w, ok := routeContext["responseWriter"].(http.ResponseWriter)
		if !ok {
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(err.Status())
		_, _ = w.Write(c.Serialize(err, c.Environment))
	}
}
