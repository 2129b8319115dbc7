package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/wirecall-dev/wirecall/internal/diag"
	"github.com/wirecall-dev/wirecall/pkg/security"
	"github.com/wirecall-dev/wirecall/pkg/session"
	"github.com/wirecall-dev/wirecall/pkg/wire"
)

// Status used when a method raised a non-error value; the client
// re-throws the body verbatim.
const statusThrownValue = 550

const jsonContentType = "application/json; charset=utf-8"

// genericErrorMessage is what clients see for server faults when error
// exposure is off.
const genericErrorMessage = "internal server error"

// writeResult serializes a successful method result. Results are JSON
// unless the method fixed another content type; strings under an
// explicit text type go out raw; byte buffers always go out raw;
// readers are piped.
func writeResult(w http.ResponseWriter, c *CallContext, result any, lim wire.Limits, logger *slog.Logger) {
	contentType, status := c.responseOverrides()
	if status == 0 {
		status = http.StatusOK
	}

	if isHTMLType(contentType) {
		s, ok := result.(string)
		if !ok {
			writeError(w, fmt.Errorf("server: text/html result must be a string, got %T", result), false, logger)
			return
		}
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(status)
		io.WriteString(w, s)
		return
	}

	switch t := result.(type) {
	case io.Reader:
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(status)
		pipeStream(w, t, contentType, logger)
		return
	case []byte:
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(status)
		w.Write(t)
		return
	case string:
		if contentType != "" {
			w.Header().Set("Content-Type", contentType)
			w.WriteHeader(status)
			io.WriteString(w, t)
			return
		}
	}

	data, err := wire.Marshal(result)
	if err != nil {
		writeError(w, fmt.Errorf("server: result does not serialize: %w", err), false, logger)
		return
	}
	if contentType == "" {
		contentType = jsonContentType
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	w.Write(data)
}

// pipeStream copies a reader to the response. A failure mid-copy can
// no longer change the status; for text types the error is appended
// in-band so a human reading the output sees the truncation.
func pipeStream(w http.ResponseWriter, r io.Reader, contentType string, logger *slog.Logger) {
	if c, ok := r.(io.Closer); ok {
		defer c.Close()
	}
	if _, err := io.Copy(w, r); err != nil {
		logger.Warn("result stream failed mid-copy", "error", err)
		if isTextType(contentType) {
			fmt.Fprintf(w, "\n[Error] %s", err.Error())
		}
	}
}

func isTextType(ct string) bool {
	ct = strings.ToLower(ct)
	return strings.HasPrefix(ct, "text/") || strings.HasPrefix(ct, "application/json")
}

func isHTMLType(ct string) bool {
	mediatype := strings.ToLower(ct)
	if i := strings.IndexByte(mediatype, ';'); i >= 0 {
		mediatype = strings.TrimSpace(mediatype[:i])
	}
	return mediatype == "text/html"
}

// statusForError maps a call failure to the HTTP status both
// transports report.
func statusForError(err error) int {
	var denied *security.DeniedError
	if errors.As(err, &denied) {
		return http.StatusForbidden
	}
	if errors.Is(err, ErrNotLoggedIn) {
		return http.StatusUnauthorized
	}
	if errors.Is(err, ErrNoSecurityContext) {
		return http.StatusForbidden
	}
	var notFound *MethodNotFoundError
	if errors.As(err, &notFound) {
		return notFound.HTTPStatus()
	}
	var argErr *ArgumentError
	if errors.As(err, &argErr) {
		return http.StatusBadRequest
	}
	var de *diag.Error
	if errors.As(err, &de) {
		switch de.Category {
		case diag.CategoryArguments:
			return http.StatusBadRequest
		case diag.CategorySecurity:
			return http.StatusForbidden
		case diag.CategorySession:
			return http.StatusConflict
		}
	}
	if errors.Is(err, session.ErrVersionConflict) {
		return http.StatusConflict
	}
	var thrown *ThrownValue
	if errors.As(err, &thrown) {
		return statusThrownValue
	}
	var comm *CommunicationError
	if errors.As(err, &comm) {
		if comm.Status != 0 {
			return comm.Status
		}
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

// publicMessage decides what a client may read about a failure.
// Caller-fault errors are always spelled out; server faults hide
// behind a generic message unless exposure is on. Denials stay uniform
// regardless.
func publicMessage(err error, expose bool) string {
	var denied *security.DeniedError
	if errors.As(err, &denied) {
		return denied.Error()
	}
	if errors.Is(err, ErrNotLoggedIn) {
		return ErrNotLoggedIn.Error()
	}
	var notFound *MethodNotFoundError
	if errors.As(err, &notFound) {
		return notFound.Error()
	}
	var argErr *ArgumentError
	if errors.As(err, &argErr) {
		return argErr.Error()
	}
	if errors.Is(err, ErrStreamOverSocket) || errors.Is(err, ErrNoSecurityContext) {
		return err.Error()
	}
	var comm *CommunicationError
	if errors.As(err, &comm) {
		return comm.Error()
	}
	var de *diag.Error
	if errors.As(err, &de) {
		switch de.Category {
		case diag.CategoryArguments, diag.CategorySecurity, diag.CategorySession, diag.CategoryProtocol:
			return de.Error()
		}
	}
	if errors.Is(err, session.ErrVersionConflict) {
		return err.Error()
	}
	if expose {
		return err.Error()
	}
	return genericErrorMessage
}

// errorName labels an error for the wire so generated clients can map
// it back to an exception type.
func errorName(err error) string {
	var denied *security.DeniedError
	if errors.As(err, &denied) {
		return "AccessDeniedError"
	}
	if errors.Is(err, ErrNotLoggedIn) {
		return "NotLoggedInError"
	}
	var notFound *MethodNotFoundError
	if errors.As(err, &notFound) {
		return "MethodNotFoundError"
	}
	var argErr *ArgumentError
	if errors.As(err, &argErr) {
		return "ArgumentError"
	}
	if errors.Is(err, ErrStreamOverSocket) {
		return "UnsupportedResultError"
	}
	var comm *CommunicationError
	if errors.As(err, &comm) {
		return "CommunicationError"
	}
	var de *diag.Error
	if errors.As(err, &de) {
		switch de.Category {
		case diag.CategoryArguments:
			return "ArgumentError"
		case diag.CategorySecurity:
			return "AccessDeniedError"
		case diag.CategorySession:
			return "SessionError"
		case diag.CategoryProtocol:
			return "ProtocolError"
		}
	}
	if errors.Is(err, session.ErrVersionConflict) {
		return "SessionError"
	}
	return "ServerError"
}

// errorPayload renders a failure for the socket. The cause chain is
// preserved only when exposure is on.
func errorPayload(err error, expose bool) *wire.ErrorPayload {
	ep := &wire.ErrorPayload{
		Message: publicMessage(err, expose),
		Name:    errorName(err),
	}
	if expose {
		var cause error
		if u := errors.Unwrap(err); u != nil {
			cause = u
		}
		for cause != nil {
			ep = chainCause(ep, cause)
			cause = errors.Unwrap(cause)
		}
	}
	return ep
}

func chainCause(ep *wire.ErrorPayload, cause error) *wire.ErrorPayload {
	leaf := ep
	for leaf.Cause != nil {
		leaf = leaf.Cause
	}
	leaf.Cause = &wire.ErrorPayload{Message: cause.Error()}
	return ep
}

// writeError renders a call failure over HTTP. Status 550 sends the
// raised value itself as the body so the client can re-throw it.
func writeError(w http.ResponseWriter, err error, expose bool, logger *slog.Logger) {
	status := statusForError(err)

	var thrown *ThrownValue
	if errors.As(err, &thrown) {
		data, merr := wire.Marshal(thrown.Value)
		if merr != nil {
			logger.Warn("thrown value does not serialize", "error", merr)
			data = []byte("null")
		}
		w.Header().Set("Content-Type", jsonContentType)
		w.WriteHeader(status)
		w.Write(data)
		return
	}

	body := map[string]any{
		"error": map[string]any{
			"message": publicMessage(err, expose),
			"name":    errorName(err),
		},
	}
	data, merr := wire.Marshal(body)
	if merr != nil {
		http.Error(w, genericErrorMessage, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", jsonContentType)
	w.WriteHeader(status)
	w.Write(data)
}
