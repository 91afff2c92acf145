package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/holiman/uint256"

	"tranche-ledger/internal/fault"
	"tranche-ledger/internal/fixedpoint"
	"tranche-ledger/internal/ledger"
)

const maxBodyBytes = 1 << 16

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Class   string `json:"class,omitempty"`
	Retry   bool   `json:"retryable,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: code, Message: msg})
}

// writeFault maps a ledger error onto an HTTP status through its class.
func writeFault(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	body := errorBody{Error: code, Message: err.Error(), Retry: fault.Retryable(err)}
	if class := fault.ClassOf(err); class != fault.Unknown {
		body.Class = class.String()
	}
	if body.Retry {
		w.Header().Set("Retry-After", "60")
	}
	writeJSON(w, status, body)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrAlreadyMigrated), errors.Is(err, ledger.ErrNotMigrated):
		return http.StatusConflict, "conflict"
	}
	switch fault.ClassOf(err) {
	case fault.PolicyViolation:
		if fault.Retryable(err) {
			return http.StatusConflict, "not_yet_allowed"
		}
		return http.StatusUnprocessableEntity, "policy_violation"
	case fault.ResourceExhaustion:
		return http.StatusServiceUnavailable, "resource_exhausted"
	case fault.InvariantGuard:
		return http.StatusBadRequest, "invalid_request"
	case fault.SlippageGuard:
		return http.StatusConflict, "slippage"
	}
	return http.StatusInternalServerError, "internal"
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

// parseAmount reads a decimal string. Empty is zero when optional.
func parseAmount(field, raw string, optional bool) (*uint256.Int, error) {
	if raw == "" {
		if optional {
			return fixedpoint.Zero(), nil
		}
		return nil, fmt.Errorf("%s is required", field)
	}
	v, err := fixedpoint.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	return v, nil
}

func amount(x *uint256.Int) string {
	if x == nil {
		return "0"
	}
	return fixedpoint.Format(x)
}
