// Copyright 2025 James Ross
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jamesross/mediaforge/internal/mediaerr"
)

// statusFor maps a mediaerr.Kind to the HTTP status the error table in
// spec.md §7 assigns it.
func statusFor(k mediaerr.Kind) int {
	switch k {
	case mediaerr.KindValidation, mediaerr.KindSecurity:
		return http.StatusBadRequest
	case mediaerr.KindNotFound:
		return http.StatusNotFound
	case mediaerr.KindAccessDenied:
		return http.StatusForbidden
	case mediaerr.KindRateLimit:
		return http.StatusTooManyRequests
	case mediaerr.KindEnqueueFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeErr translates err into the client response: a mediaerr.Error is
// mapped to its table-assigned status and, for client-visible kinds, its
// real message; anything else is a generic 500. Tool stderr and other
// internal detail never reach this path.
func writeErr(w http.ResponseWriter, err error) {
	var me *mediaerr.Error
	if errors.As(err, &me) {
		writeJSON(w, statusFor(me.Kind), errorResponse{
			Error: me.ClientMessage(),
			Code:  string(me.Kind),
			Field: me.Field,
		})
		return
	}
	writeJSON(w, http.StatusInternalServerError, errorResponse{
		Error: "internal error",
		Code:  string(mediaerr.KindInternal),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
