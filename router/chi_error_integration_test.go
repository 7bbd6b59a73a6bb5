package router

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corekit/corekit/errs"
)

func TestChiErrorIntegrationMapErrorPassesThroughExistingError(t *testing.T) {
	integ := ChiErrorIntegration{}
	original := errs.New(errs.KindValidation, "MISSING_EMAIL", "email is required")
	mapped := integ.MapError(original)
	assert.Same(t, original, mapped)
}

func TestChiErrorIntegrationMapErrorWrapsUnknownError(t *testing.T) {
	integ := ChiErrorIntegration{}
	mapped := integ.MapError(errors.New("boom"))
	assert.Equal(t, errs.KindRouter, mapped.Kind)
	assert.Equal(t, "INTERNAL", mapped.Code)
}

func TestChiErrorIntegrationSerializeScrubsCauseInProduction(t *testing.T) {
	integ := ChiErrorIntegration{Environment: "production"}
	err := errs.New(errs.KindValidation, "MISSING_EMAIL", "email is required", errs.WithCause(errors.New("db said no")))
	body := integ.Serialize(err, "production")
	assert.NotContains(t, string(body), "db said no")

	devBody := integ.Serialize(err, "development")
	assert.Contains(t, string(devBody), "db said no")
}

func TestChiErrorIntegrationDefaultHandlerWritesJSONResponse(t *testing.T) {
	integ := ChiErrorIntegration{Environment: "development"}
	handler := integ.DefaultHandler()

	rec := httptest.NewRecorder()
	err := errs.New(errs.KindValidation, "MISSING_EMAIL", "email is required")
	handler(context.Background(), err, map[string]any{"responseWriter": rec})

	require.Equal(t, 400, rec.Code)
	assert.Contains(t, rec.Body.String(), "MISSING_EMAIL")
}
