package wire

import (
	"errors"
	"testing"
)

func TestMessageTypeValid(t *testing.T) {
	valid := []MessageType{
		TypeMethodCall, TypeMethodCallResult, TypeCallbackCall,
		TypeCallbackResult, TypeGetVersion, TypeSetSession, TypeDownCallError,
	}
	for _, mt := range valid {
		if !mt.Valid() {
			t.Errorf("MessageType(%q).Valid() = false, want true", mt)
		}
	}
	for _, mt := range []MessageType{"", "ping", "methodcall"} {
		if mt.Valid() {
			t.Errorf("MessageType(%q).Valid() = true, want false", mt)
		}
	}
}

func TestMethodCallRoundTrip(t *testing.T) {
	in := &MethodCall{
		CallID:    7,
		ServiceID: "BookService",
		Method:    "getBook",
		Args:      []any{"a", nil, Undefined{}},
	}

	frame, err := EncodeFrame(TypeMethodCall, in.Tree(), DefaultLimits())
	if err != nil {
		t.Fatalf("EncodeFrame() error = %v", err)
	}
	env, err := DecodeFrame(frame, DefaultLimits())
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	if env.Type != TypeMethodCall {
		t.Fatalf("env.Type = %q, want methodCall", env.Type)
	}

	out, err := DecodeMethodCall(env.Payload)
	if err != nil {
		t.Fatalf("DecodeMethodCall() error = %v", err)
	}
	if out.CallID != 7 || out.ServiceID != "BookService" || out.Method != "getBook" {
		t.Errorf("decoded call = %+v", out)
	}
	if len(out.Args) != 3 {
		t.Fatalf("len(Args) = %d, want 3", len(out.Args))
	}
	if out.Args[0] != "a" || out.Args[1] != nil {
		t.Errorf("Args = %v", out.Args)
	}
	if _, ok := out.Args[2].(Undefined); !ok {
		t.Errorf("Args[2] = %T, want Undefined", out.Args[2])
	}
}

func TestMethodCallResultError(t *testing.T) {
	in := &MethodCallResult{
		CallID:     3,
		HTTPStatus: 550,
		Err: &ErrorPayload{
			Message: "boom",
			Name:    "Error",
			Cause:   &ErrorPayload{Message: "root"},
		},
	}
	frame, err := EncodeFrame(TypeMethodCallResult, in.Tree(), DefaultLimits())
	if err != nil {
		t.Fatalf("EncodeFrame() error = %v", err)
	}
	env, err := DecodeFrame(frame, DefaultLimits())
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	out, err := DecodeMethodCallResult(env.Payload)
	if err != nil {
		t.Fatalf("DecodeMethodCallResult() error = %v", err)
	}
	if out.HTTPStatus != 550 {
		t.Errorf("HTTPStatus = %d, want 550", out.HTTPStatus)
	}
	if out.Err == nil || out.Err.Message != "boom" || out.Err.Cause == nil || out.Err.Cause.Message != "root" {
		t.Errorf("Err = %+v", out.Err)
	}
}

func TestDecodeMethodCallMissingField(t *testing.T) {
	tests := []struct {
		name    string
		payload any
		wantErr error
	}{
		{"not a map", "x", ErrBadEnvelope},
		{"missing callId", map[string]any{"methodName": "m", "serverSessionClassId": "S"}, ErrMissingField},
		{"bad callId type", map[string]any{"callId": "1", "methodName": "m", "serverSessionClassId": "S"}, ErrBadFieldType},
		{"missing method", map[string]any{"callId": float64(1), "serverSessionClassId": "S"}, ErrMissingField},
		{"bad args", map[string]any{"callId": float64(1), "serverSessionClassId": "S", "methodName": "m", "args": "no"}, ErrBadFieldType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeMethodCall(tt.payload)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("DecodeMethodCall() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetVersionTolerant(t *testing.T) {
	// Reserved envelope: any payload shape decodes without error.
	for _, payload := range []any{nil, "weird", float64(1), map[string]any{"minor": float64(9)}} {
		if _, err := DecodeGetVersion(payload); err != nil {
			t.Errorf("DecodeGetVersion(%v) error = %v, want nil", payload, err)
		}
	}
	g, _ := DecodeGetVersion(map[string]any{"callId": float64(4), "minor": float64(2)})
	if g.CallID != 4 || g.Minor != 2 {
		t.Errorf("DecodeGetVersion() = %+v", g)
	}
}

func TestUnknownEnvelopeType(t *testing.T) {
	_, err := DecodeFrame([]byte(`{"type":"shrug","payload":null}`), DefaultLimits())
	if !errors.Is(err, ErrUnknownType) {
		t.Errorf("DecodeFrame() error = %v, want ErrUnknownType", err)
	}
}
