package wire

import (
	"errors"
	"fmt"
)

// MessageType identifies an envelope on the socket.
type MessageType string

const (
	TypeMethodCall       MessageType = "methodCall"
	TypeMethodCallResult MessageType = "methodCallResult"
	TypeCallbackCall     MessageType = "callbackCall"
	TypeCallbackResult   MessageType = "callbackResult"
	TypeGetVersion       MessageType = "getVersion"
	TypeSetSession       MessageType = "setHttpCookieSessionAndSecurityProperties"
	TypeDownCallError    MessageType = "downCallError"
)

// Valid reports whether mt is a known envelope type.
func (mt MessageType) Valid() bool {
	switch mt {
	case TypeMethodCall, TypeMethodCallResult, TypeCallbackCall,
		TypeCallbackResult, TypeGetVersion, TypeSetSession, TypeDownCallError:
		return true
	}
	return false
}

func (mt MessageType) String() string { return string(mt) }

// Envelope is one frame on the wire: a type plus a type-specific payload.
type Envelope struct {
	Type    MessageType
	Payload any
}

// Envelope errors.
var (
	ErrBadEnvelope     = errors.New("wire: malformed envelope")
	ErrUnknownType     = errors.New("wire: unknown envelope type")
	ErrMissingField    = errors.New("wire: missing payload field")
	ErrBadFieldType    = errors.New("wire: wrong payload field type")
	ErrProtocolVersion = errors.New("wire: unsupported protocol version")
)

// MethodCall asks the server to invoke one remote method.
type MethodCall struct {
	CallID    int64
	ServiceID string
	Method    string
	Args      []any
}

// MethodCallResult answers a MethodCall. Exactly one of Result and Err
// is meaningful; HTTPStatus mirrors the status the HTTP plane would have
// produced for the same outcome. SessionUpdateToken is set when the call
// changed the cookie session: the client must ferry it to the HTTP plane
// before the change becomes authoritative.
type MethodCallResult struct {
	CallID             int64
	Result             any
	Err                *ErrorPayload
	HTTPStatus         int
	SessionUpdateToken string
}

// CallbackCall invokes a client-held callback from the server.
type CallbackCall struct {
	CallID     int64
	CallbackID int64
	Args       []any
}

// CallbackResult answers a CallbackCall.
type CallbackResult struct {
	CallID int64
	Result any
	Err    *ErrorPayload
}

// GetVersion is reserved for feature negotiation. Unknown minor codes
// must be tolerated, never rejected.
type GetVersion struct {
	CallID int64
	Minor  int64
}

// SetSession ferries the HTTP-issued context token onto the socket.
// Token is the BREACH-shielded box issued by the HTTP plane.
type SetSession struct {
	Token string
}

// DownCallError reports that a server-to-client call could not run.
// With CallID set it fails one specific pending callback invocation.
// With CallbackIDs set it announces client functions reclaimed by the
// garbage collector; their server stubs must be dropped.
type DownCallError struct {
	CallID      int64
	CallbackIDs []int64
	Message     string
}

// ErrorPayload is the wire form of an error crossing the socket.
type ErrorPayload struct {
	Message string
	Name    string
	Stack   string
	Cause   *ErrorPayload
}

// Error implements the error interface for payloads used directly.
func (e *ErrorPayload) Error() string {
	if e.Name != "" {
		return e.Name + ": " + e.Message
	}
	return e.Message
}

// EncodeEnvelope lowers an envelope with an already-built payload tree.
func EncodeEnvelope(typ MessageType, payload any) map[string]any {
	return map[string]any{"type": string(typ), "payload": payload}
}

// DecodeEnvelope splits a decoded frame tree into type and payload.
func DecodeEnvelope(v any) (*Envelope, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, ErrBadEnvelope
	}
	rawType, ok := m["type"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: no type", ErrBadEnvelope)
	}
	mt := MessageType(rawType)
	if !mt.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, rawType)
	}
	return &Envelope{Type: mt, Payload: m["payload"]}, nil
}

// Payload builders. The wire field names are part of the protocol and
// never change independently of generated clients.

func (c *MethodCall) Tree() map[string]any {
	return map[string]any{
		"callId":               c.CallID,
		"serverSessionClassId": c.ServiceID,
		"methodName":           c.Method,
		"args":                 c.Args,
	}
}

func (r *MethodCallResult) Tree() map[string]any {
	t := map[string]any{"callId": r.CallID, "httpStatusCode": r.HTTPStatus}
	if r.Err != nil {
		t["error"] = r.Err.Tree()
	} else {
		t["result"] = r.Result
	}
	if r.SessionUpdateToken != "" {
		t["sessionUpdateToken"] = r.SessionUpdateToken
	}
	return t
}

func (c *CallbackCall) Tree() map[string]any {
	return map[string]any{"callId": c.CallID, "callbackId": c.CallbackID, "args": c.Args}
}

func (r *CallbackResult) Tree() map[string]any {
	t := map[string]any{"callId": r.CallID}
	if r.Err != nil {
		t["error"] = r.Err.Tree()
	} else {
		t["result"] = r.Result
	}
	return t
}

func (g *GetVersion) Tree() map[string]any {
	return map[string]any{"callId": g.CallID, "minor": g.Minor}
}

func (s *SetSession) Tree() map[string]any {
	return map[string]any{"token": s.Token}
}

func (d *DownCallError) Tree() map[string]any {
	t := map[string]any{"message": d.Message}
	if d.CallID != 0 {
		t["callId"] = d.CallID
	}
	if len(d.CallbackIDs) > 0 {
		ids := make([]any, len(d.CallbackIDs))
		for i, id := range d.CallbackIDs {
			ids[i] = id
		}
		t["callbackIds"] = ids
	}
	return t
}

func (e *ErrorPayload) Tree() map[string]any {
	t := map[string]any{"message": e.Message}
	if e.Name != "" {
		t["name"] = e.Name
	}
	if e.Stack != "" {
		t["stack"] = e.Stack
	}
	if e.Cause != nil {
		t["cause"] = e.Cause.Tree()
	}
	return t
}

// Payload decoders. These walk the decoded value tree by hand so that a
// malformed field is reported precisely instead of silently zeroed.

func DecodeMethodCall(payload any) (*MethodCall, error) {
	m, err := payloadMap(payload)
	if err != nil {
		return nil, err
	}
	callID, err := intField(m, "callId")
	if err != nil {
		return nil, err
	}
	service, err := stringField(m, "serverSessionClassId")
	if err != nil {
		return nil, err
	}
	method, err := stringField(m, "methodName")
	if err != nil {
		return nil, err
	}
	args, err := arrayField(m, "args")
	if err != nil {
		return nil, err
	}
	return &MethodCall{CallID: callID, ServiceID: service, Method: method, Args: args}, nil
}

func DecodeMethodCallResult(payload any) (*MethodCallResult, error) {
	m, err := payloadMap(payload)
	if err != nil {
		return nil, err
	}
	callID, err := intField(m, "callId")
	if err != nil {
		return nil, err
	}
	r := &MethodCallResult{CallID: callID, Result: m["result"]}
	if status, ok := m["httpStatusCode"]; ok {
		if n, ok := NumberToInt64(status); ok {
			r.HTTPStatus = int(n)
		}
	}
	r.SessionUpdateToken, _ = m["sessionUpdateToken"].(string)
	if rawErr, ok := m["error"]; ok && rawErr != nil {
		ep, err := DecodeErrorPayload(rawErr)
		if err != nil {
			return nil, err
		}
		r.Err = ep
	}
	return r, nil
}

func DecodeCallbackCall(payload any) (*CallbackCall, error) {
	m, err := payloadMap(payload)
	if err != nil {
		return nil, err
	}
	callID, err := intField(m, "callId")
	if err != nil {
		return nil, err
	}
	cbID, err := intField(m, "callbackId")
	if err != nil {
		return nil, err
	}
	args, err := arrayField(m, "args")
	if err != nil {
		return nil, err
	}
	return &CallbackCall{CallID: callID, CallbackID: cbID, Args: args}, nil
}

func DecodeCallbackResult(payload any) (*CallbackResult, error) {
	m, err := payloadMap(payload)
	if err != nil {
		return nil, err
	}
	callID, err := intField(m, "callId")
	if err != nil {
		return nil, err
	}
	r := &CallbackResult{CallID: callID, Result: m["result"]}
	if rawErr, ok := m["error"]; ok && rawErr != nil {
		ep, err := DecodeErrorPayload(rawErr)
		if err != nil {
			return nil, err
		}
		r.Err = ep
	}
	return r, nil
}

func DecodeGetVersion(payload any) (*GetVersion, error) {
	g := &GetVersion{}
	m, ok := payload.(map[string]any)
	if !ok {
		// Reserved envelope: tolerate any payload shape.
		return g, nil
	}
	if n, ok := NumberToInt64(m["callId"]); ok {
		g.CallID = n
	}
	if n, ok := NumberToInt64(m["minor"]); ok {
		g.Minor = n
	}
	return g, nil
}

func DecodeSetSession(payload any) (*SetSession, error) {
	m, err := payloadMap(payload)
	if err != nil {
		return nil, err
	}
	token, err := stringField(m, "token")
	if err != nil {
		return nil, err
	}
	return &SetSession{Token: token}, nil
}

func DecodeDownCallError(payload any) (*DownCallError, error) {
	m, err := payloadMap(payload)
	if err != nil {
		return nil, err
	}
	d := &DownCallError{}
	d.Message, _ = m["message"].(string)
	if n, ok := NumberToInt64(m["callId"]); ok {
		d.CallID = n
	}
	if raw, ok := m["callbackIds"].([]any); ok {
		for _, el := range raw {
			n, ok := NumberToInt64(el)
			if !ok {
				return nil, fmt.Errorf("%w: callbackIds", ErrBadFieldType)
			}
			d.CallbackIDs = append(d.CallbackIDs, n)
		}
	}
	return d, nil
}

func DecodeErrorPayload(v any) (*ErrorPayload, error) {
	switch t := v.(type) {
	case string:
		return &ErrorPayload{Message: t}, nil
	case map[string]any:
		ep := &ErrorPayload{}
		ep.Message, _ = t["message"].(string)
		ep.Name, _ = t["name"].(string)
		ep.Stack, _ = t["stack"].(string)
		if cause, ok := t["cause"]; ok && cause != nil {
			inner, err := DecodeErrorPayload(cause)
			if err != nil {
				return nil, err
			}
			ep.Cause = inner
		}
		return ep, nil
	}
	return nil, fmt.Errorf("%w: error payload", ErrBadFieldType)
}

func payloadMap(payload any) (map[string]any, error) {
	m, ok := payload.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: payload is not an object", ErrBadEnvelope)
	}
	return m, nil
}

func intField(m map[string]any, key string) (int64, error) {
	v, ok := m[key]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrMissingField, key)
	}
	n, ok := NumberToInt64(v)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrBadFieldType, key)
	}
	return n, nil
}

func stringField(m map[string]any, key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMissingField, key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrBadFieldType, key)
	}
	return s, nil
}

func arrayField(m map[string]any, key string) ([]any, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return nil, nil
	}
	a, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBadFieldType, key)
	}
	return a, nil
}
