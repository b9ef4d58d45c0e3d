package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	engineerrors "github.com/anvillabs/crucible/internal/engine/errors"
)

var allCodes = []string{
	CodeValidationError,
	CodeNotFound,
	CodeUnauthorized,
	CodeForbidden,
	CodeInternalError,
	CodeConflict,
	CodeGone,
	CodeUnavailable,
}

func TestPropertyErrorResponseShape(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	genCode := gen.OneConstOf(
		CodeValidationError,
		CodeNotFound,
		CodeUnauthorized,
		CodeForbidden,
		CodeInternalError,
		CodeConflict,
		CodeGone,
		CodeUnavailable,
	)
	genMessage := gen.AlphaString().SuchThat(func(s string) bool {
		return len(s) > 0
	})
	genRequestID := gen.RegexMatch("[a-f0-9]{8}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{12}")

	properties.Property("response carries code, message and request_id verbatim", prop.ForAll(
		func(code, message, requestID string) bool {
			rr := httptest.NewRecorder()
			WriteError(rr, New(code, message).WithRequestID(requestID))

			var body map[string]any
			if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
				t.Logf("decode response: %v", err)
				return false
			}
			return body["code"] == code &&
				body["message"] == message &&
				body["request_id"] == requestID
		},
		genCode,
		genMessage,
		genRequestID,
	))

	properties.Property("status code follows the error code", prop.ForAll(
		func(code, message string) bool {
			err := New(code, message)
			rr := httptest.NewRecorder()
			WriteError(rr, err)

			if rr.Code != err.HTTPStatusCode() {
				t.Logf("wrote %d, HTTPStatusCode says %d", rr.Code, err.HTTPStatusCode())
				return false
			}
			if rr.Code < 400 || rr.Code > 599 {
				t.Logf("status %d outside the error range", rr.Code)
				return false
			}
			return rr.Header().Get("Content-Type") == "application/json"
		},
		genCode,
		genMessage,
	))

	properties.Property("unknown codes fall back to 500", prop.ForAll(
		func(code string) bool {
			for _, known := range allCodes {
				if code == known {
					return true
				}
			}
			return New(code, "boom").HTTPStatusCode() == http.StatusInternalServerError
		},
		gen.AlphaString(),
	))

	properties.Property("request_id is omitted when unset", prop.ForAll(
		func(code, message string) bool {
			rr := httptest.NewRecorder()
			WriteError(rr, New(code, message))

			var body map[string]any
			if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
				t.Logf("decode response: %v", err)
				return false
			}
			_, present := body["request_id"]
			return !present
		},
		genCode,
		genMessage,
	))

	properties.Property("details survive the round trip", prop.ForAll(
		func(code, message, buildID string) bool {
			err := New(code, message).WithDetails(map[string]any{"activeBuildId": buildID})
			rr := httptest.NewRecorder()
			WriteError(rr, err)

			var body map[string]any
			if jsonErr := json.NewDecoder(rr.Body).Decode(&body); jsonErr != nil {
				t.Logf("decode response: %v", jsonErr)
				return false
			}
			details, ok := body["details"].(map[string]any)
			if !ok {
				t.Log("details missing or not an object")
				return false
			}
			return details["activeBuildId"] == buildID
		},
		genCode,
		genMessage,
		gen.RegexMatch("[a-f0-9]{12}"),
	))

	properties.TestingRun(t)
}

func TestPropertyValidationErrors(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	genFieldName := gen.RegexMatch("[a-z][a-zA-Z0-9_]{0,20}")
	genFieldMessage := gen.AlphaString().SuchThat(func(s string) bool {
		return len(s) > 0
	})
	genValidationError := gopter.CombineGens(
		genFieldName,
		genFieldMessage,
	).Map(func(values []interface{}) ValidationError {
		return ValidationError{
			Field:   values[0].(string),
			Message: values[1].(string),
		}
	})

	properties.Property("every field failure appears in the details", prop.ForAll(
		func(failures []ValidationError) bool {
			var errs ValidationErrors
			for _, f := range failures {
				errs.Add(f.Field, f.Message)
			}
			if errs.HasErrors() != (len(failures) > 0) {
				t.Logf("HasErrors = %v with %d failures", errs.HasErrors(), len(failures))
				return false
			}
			if len(failures) == 0 {
				return true
			}

			rr := httptest.NewRecorder()
			WriteError(rr, errs.ToAPIError())

			var body map[string]any
			if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
				t.Logf("decode response: %v", err)
				return false
			}
			if body["code"] != CodeValidationError {
				t.Logf("code = %v, want %s", body["code"], CodeValidationError)
				return false
			}

			details, ok := body["details"].(map[string]any)
			if !ok {
				t.Log("details missing or not an object")
				return false
			}
			fields, ok := details["fields"].([]any)
			if !ok || len(fields) != len(failures) {
				t.Logf("fields = %v, want %d entries", details["fields"], len(failures))
				return false
			}
			for i, raw := range fields {
				entry, ok := raw.(map[string]any)
				if !ok {
					t.Logf("field entry %d is not an object", i)
					return false
				}
				if entry["field"] != failures[i].Field || entry["message"] != failures[i].Message {
					t.Logf("entry %d = %v, want %+v", i, entry, failures[i])
					return false
				}
			}
			return true
		},
		gen.SliceOf(genValidationError),
	))

	properties.Property("message names the first failure and counts the rest", prop.ForAll(
		func(failures []ValidationError) bool {
			var errs ValidationErrors
			for _, f := range failures {
				errs.Add(f.Field, f.Message)
			}
			apiErr := errs.ToAPIError()

			switch len(failures) {
			case 0:
				return apiErr.Message == "validation failed"
			case 1:
				return apiErr.Message == failures[0].Message
			default:
				want := fmt.Sprintf("%s (and %d more errors)", failures[0].Message, len(failures)-1)
				if apiErr.Message != want {
					t.Logf("message = %q, want %q", apiErr.Message, want)
					return false
				}
				return true
			}
		},
		gen.SliceOf(genValidationError),
	))

	properties.TestingRun(t)
}

func TestPropertyBuildErrorStatus(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	// Admission-time codes have dedicated statuses; codes that only occur
	// inside a finished job fall through to 500.
	wantStatus := map[string]int{
		engineerrors.CodeInvalidRequest: http.StatusBadRequest,
		engineerrors.CodeMissingSource:  http.StatusBadRequest,
		engineerrors.CodeBuildTimeout:   http.StatusGatewayTimeout,
	}

	properties.Property("engine codes map to their admission status", prop.ForAll(
		func(code string) bool {
			want, special := wantStatus[code]
			if !special {
				want = http.StatusInternalServerError
			}
			if got := BuildErrorStatus(code); got != want {
				t.Logf("BuildErrorStatus(%s) = %d, want %d", code, got, want)
				return false
			}
			return true
		},
		gen.OneConstOf(
			engineerrors.CodeInvalidRequest,
			engineerrors.CodeMissingSource,
			engineerrors.CodeSandboxFailed,
			engineerrors.CodeBuildTimeout,
			engineerrors.CodeCompilationFailed,
			engineerrors.CodeNoBinaryArtifact,
			engineerrors.CodeErrorsDespiteExitOK,
			engineerrors.CodeAdvisorFailed,
			engineerrors.CodeProposalRejected,
			engineerrors.CodeIterationsExhausted,
		),
	))

	properties.TestingRun(t)
}

func TestPropertyErrorLogEntries(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	genCorrelationID := gen.RegexMatch("[a-f0-9]{8}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{12}")
	genCode := gen.OneConstOf(
		CodeValidationError,
		CodeNotFound,
		CodeUnauthorized,
		CodeForbidden,
		CodeInternalError,
		CodeConflict,
		CodeGone,
		CodeUnavailable,
	)
	genMessage := gen.AlphaString().SuchThat(func(s string) bool {
		return len(s) > 0
	})

	properties.Property("entries keep their inputs and capture a stack", prop.ForAll(
		func(correlationID, code, message string) bool {
			entry := NewErrorLogEntry(correlationID, code, message)
			if entry.CorrelationID != correlationID || entry.ErrorCode != code || entry.Message != message {
				t.Logf("entry = %+v", entry)
				return false
			}
			return strings.Contains(entry.StackTrace, "goroutine")
		},
		genCorrelationID,
		genCode,
		genMessage,
	))

	properties.Property("entries marshal with snake_case keys", prop.ForAll(
		func(correlationID, code, message string) bool {
			raw, err := json.Marshal(NewErrorLogEntry(correlationID, code, message))
			if err != nil {
				t.Logf("marshal entry: %v", err)
				return false
			}
			var decoded map[string]any
			if err := json.Unmarshal(raw, &decoded); err != nil {
				t.Logf("unmarshal entry: %v", err)
				return false
			}
			for _, key := range []string{"correlation_id", "error_code", "message", "stack_trace"} {
				if _, ok := decoded[key]; !ok {
					t.Logf("marshalled entry missing %q: %s", key, raw)
					return false
				}
			}
			return true
		},
		genCorrelationID,
		genCode,
		genMessage,
	))

	properties.TestingRun(t)
}
