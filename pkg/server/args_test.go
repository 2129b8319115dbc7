package server

import (
	"bytes"
	"errors"
	"io"
	"math"
	"math/big"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/wirecall-dev/wirecall/internal/diag"
	"github.com/wirecall-dev/wirecall/pkg/wire"
)

func bookMethod(opts *MethodOptions) *Method {
	svc := NewService("books")
	return svc.MustRegister("getBook",
		func(c *CallContext, args []any) (any, error) { return args, nil },
		[]Param{
			{Name: "name", Kind: KindString},
			{Name: "authorFilter", Kind: KindString},
		}, opts)
}

func collect(t *testing.T, m *Method, r *http.Request, pathArgs ...string) *boundCall {
	t.Helper()
	bound, err := collectHTTPArgs(r, m, pathArgs, wire.DefaultLimits())
	if err != nil {
		t.Fatalf("collectHTTPArgs: %v", err)
	}
	return bound
}

func checkArgs(t *testing.T, got []any, want ...any) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("bound %d arguments %v, want %d", len(got), got, len(want))
	}
	for i := range want {
		if !wire.EqualValue(got[i], want[i]) {
			t.Errorf("args[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestNamedQueryArgs(t *testing.T) {
	m := bookMethod(nil)
	r := httptest.NewRequest("GET", "/getBook?name=a&authorFilter=b", nil)
	bound := collect(t, m, r)
	checkArgs(t, bound.args, "a", "b")
}

func TestBareQueryIsPositional(t *testing.T) {
	m := bookMethod(nil)
	r := httptest.NewRequest("GET", "/getBook?a,b", nil)
	bound := collect(t, m, r)
	checkArgs(t, bound.args, "a", "b")
}

func TestPathSegmentPlusNamedQuery(t *testing.T) {
	m := bookMethod(nil)
	r := httptest.NewRequest("GET", "/getBook/a?authorFilter=b", nil)
	bound := collect(t, m, r, "a")
	checkArgs(t, bound.args, "a", "b")
}

func TestJSONObjectBodyLeavesMissingUndefined(t *testing.T) {
	m := bookMethod(nil)
	r := httptest.NewRequest("POST", "/getBook", strings.NewReader(`{"name":"a"}`))
	r.Header.Set("Content-Type", "application/json")
	bound := collect(t, m, r)
	checkArgs(t, bound.args, "a", wire.Undefined{})
}

func TestFormBody(t *testing.T) {
	m := bookMethod(nil)
	r := httptest.NewRequest("POST", "/getBook", strings.NewReader("name=a&authorFilter=b"))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	bound := collect(t, m, r)
	checkArgs(t, bound.args, "a", "b")
}

func TestJSONArrayBodyIsPositional(t *testing.T) {
	m := bookMethod(nil)
	r := httptest.NewRequest("POST", "/getBook", strings.NewReader(`["a","b"]`))
	r.Header.Set("Content-Type", "application/json")
	bound := collect(t, m, r)
	checkArgs(t, bound.args, "a", "b")
}

func TestBareJSONValueIsOneArgument(t *testing.T) {
	m := bookMethod(nil)
	r := httptest.NewRequest("POST", "/getBook", strings.NewReader(`"a"`))
	r.Header.Set("Content-Type", "application/json")
	bound := collect(t, m, r)
	checkArgs(t, bound.args, "a", wire.Undefined{})
}

func TestUnparsableJSONBodyRejected(t *testing.T) {
	m := bookMethod(nil)
	r := httptest.NewRequest("POST", "/getBook", strings.NewReader("just some text"))
	r.Header.Set("Content-Type", "application/json")
	if _, err := collectHTTPArgs(r, m, nil, wire.DefaultLimits()); err == nil {
		t.Fatal("a non-JSON body declared as application/json should be rejected")
	}
}

func TestExplicitNullIsNotAbsent(t *testing.T) {
	m := bookMethod(nil)
	r := httptest.NewRequest("POST", "/getBook", strings.NewReader(`{"name":null}`))
	r.Header.Set("Content-Type", "application/json")
	bound := collect(t, m, r)
	checkArgs(t, bound.args, nil, wire.Undefined{})
}

func TestUndefinedInArrayLeavesSlotAbsent(t *testing.T) {
	m := bookMethod(nil)
	r := httptest.NewRequest("POST", "/getBook", strings.NewReader(`["!undefined","b"]`))
	r.Header.Set("Content-Type", "application/json")
	bound := collect(t, m, r)
	checkArgs(t, bound.args, wire.Undefined{}, "b")
}

func TestTextPlainBodyIsOneString(t *testing.T) {
	m := bookMethod(nil)
	r := httptest.NewRequest("POST", "/getBook", strings.NewReader("moby dick"))
	r.Header.Set("Content-Type", "text/plain")
	bound := collect(t, m, r)
	checkArgs(t, bound.args, "moby dick", wire.Undefined{})
}

func TestDuplicateNamedAcrossChannels(t *testing.T) {
	m := bookMethod(nil)
	r := httptest.NewRequest("POST", "/getBook?name=a", strings.NewReader(`{"name":"b"}`))
	r.Header.Set("Content-Type", "application/json")
	_, err := collectHTTPArgs(r, m, nil, wire.DefaultLimits())
	if err == nil {
		t.Fatal("the same name in query and body should be rejected")
	}
	if !strings.Contains(err.Error(), "name") {
		t.Errorf("error should name the parameter, got %v", err)
	}
}

func TestPositionalAndNamedCollision(t *testing.T) {
	m := bookMethod(nil)
	r := httptest.NewRequest("GET", "/getBook/a?name=b", nil)
	_, err := collectHTTPArgs(r, m, []string{"a"}, wire.DefaultLimits())
	var argErr *ArgumentError
	if !errors.As(err, &argErr) {
		t.Fatalf("want *ArgumentError, got %v", err)
	}
}

func TestRepeatedQueryKeyRejected(t *testing.T) {
	m := bookMethod(nil)
	r := httptest.NewRequest("GET", "/getBook?name=a&name=b", nil)
	if _, err := collectHTTPArgs(r, m, nil, wire.DefaultLimits()); err == nil {
		t.Fatal("a repeated query key should be rejected")
	}
}

func TestUnknownNameRejected(t *testing.T) {
	m := bookMethod(nil)
	r := httptest.NewRequest("GET", "/getBook?title=a", nil)
	_, err := collectHTTPArgs(r, m, nil, wire.DefaultLimits())
	var de *diag.Error
	if !errors.As(err, &de) {
		t.Fatalf("want diagnostic, got %v", err)
	}
	if de.Code != "W020" {
		t.Errorf("code = %s, want W020", de.Code)
	}
}

func TestUnknownNameTrimmed(t *testing.T) {
	m := bookMethod(&MethodOptions{TrimArguments: true})
	r := httptest.NewRequest("GET", "/getBook?name=a&title=junk", nil)
	bound := collect(t, m, r)
	checkArgs(t, bound.args, "a", wire.Undefined{})
}

func TestTooManyPositional(t *testing.T) {
	m := bookMethod(nil)
	r := httptest.NewRequest("GET", "/getBook", nil)
	_, err := collectHTTPArgs(r, m, []string{"a", "b", "c"}, wire.DefaultLimits())
	var de *diag.Error
	if !errors.As(err, &de) {
		t.Fatalf("want diagnostic, got %v", err)
	}
	if de.Code != "W022" {
		t.Errorf("code = %s, want W022", de.Code)
	}
}

func TestMetaParamsStripped(t *testing.T) {
	m := bookMethod(nil)
	r := httptest.NewRequest("GET",
		"/getBook?name=a&csrfProtectionMode=csrfToken&csrfToken=s3cret&corsReadToken=r3ad", nil)
	bound := collect(t, m, r)
	checkArgs(t, bound.args, "a", wire.Undefined{})
	if !bound.meta.modeDeclared || bound.meta.mode != "csrfToken" {
		t.Errorf("mode = %q (declared %v), want csrfToken", bound.meta.mode, bound.meta.modeDeclared)
	}
	if bound.meta.csrfToken != "s3cret" {
		t.Errorf("csrfToken = %q, want s3cret", bound.meta.csrfToken)
	}
	if bound.meta.corsReadToken != "r3ad" {
		t.Errorf("corsReadToken = %q, want r3ad", bound.meta.corsReadToken)
	}
}

func TestMetaParamsInJSONBody(t *testing.T) {
	m := bookMethod(nil)
	r := httptest.NewRequest("POST", "/getBook",
		strings.NewReader(`{"name":"a","csrfProtectionMode":"preflight"}`))
	r.Header.Set("Content-Type", "application/json")
	bound := collect(t, m, r)
	checkArgs(t, bound.args, "a", wire.Undefined{})
	if bound.meta.mode != "preflight" {
		t.Errorf("mode = %q, want preflight", bound.meta.mode)
	}
}

func TestPathNumberCoercion(t *testing.T) {
	svc := NewService("nums")
	m := svc.MustRegister("getNum",
		func(c *CallContext, args []any) (any, error) { return args[0], nil },
		[]Param{{Name: "num", Kind: KindFloat}}, nil)

	r := httptest.NewRequest("GET", "/getNum/-12345.67", nil)
	bound := collect(t, m, r, "-12345.67")
	checkArgs(t, bound.args, -12345.67)
}

func TestPathBigIntCoercion(t *testing.T) {
	svc := NewService("nums")
	m := svc.MustRegister("getBigInt",
		func(c *CallContext, args []any) (any, error) { return args[0], nil },
		[]Param{{Name: "num", Kind: KindBigInt}}, nil)

	r := httptest.NewRequest("GET", "/getBigInt/9007199254740992", nil)
	bound := collect(t, m, r, "9007199254740992")

	want, _ := new(big.Int).SetString("9007199254740992", 10)
	checkArgs(t, bound.args, want)
}

func TestStringCoercionGrid(t *testing.T) {
	day := time.Date(2023, 4, 5, 0, 0, 0, 0, time.UTC)
	ts := time.Date(2023, 4, 5, 6, 7, 8, 0, time.UTC)

	tests := []struct {
		name    string
		kind    ParamKind
		in      string
		want    any
		absent  bool
		wantErr bool
	}{
		{"int", KindInt, "42", int64(42), false, false},
		{"negative int", KindInt, "-7", int64(-7), false, false},
		{"hex int", KindInt, "0x10", int64(16), false, false},
		{"bad int", KindInt, "4.5", nil, false, true},
		{"float", KindFloat, "1.5", 1.5, false, false},
		{"infinity", KindFloat, "Infinity", math.Inf(1), false, false},
		{"minus infinity", KindFloat, "-Infinity", math.Inf(-1), false, false},
		{"bool true", KindBool, "true", true, false, false},
		{"bool false", KindBool, "false", false, false, false},
		{"bad bool", KindBool, "yes", nil, false, true},
		{"date", KindTime, "2023-04-05", day, false, false},
		{"timestamp", KindTime, "2023-04-05T06:07:08Z", ts, false, false},
		{"bad time", KindTime, "yesterday", nil, false, true},
		{"empty int absent", KindInt, "", nil, true, false},
		{"empty bool absent", KindBool, "", nil, true, false},
		{"empty string stays", KindString, "", "", false, false},
		{"value passthrough", KindValue, "raw", "raw", false, false},
	}

	m := bookMethod(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Param{Name: "p", Kind: tt.kind}
			v, present, err := coerceString(m, p, tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("coerce(%q) succeeded with %v, want error", tt.in, v)
				}
				return
			}
			if err != nil {
				t.Fatalf("coerce(%q): %v", tt.in, err)
			}
			if present == tt.absent {
				t.Fatalf("present = %v, want %v", present, !tt.absent)
			}
			if present && !wire.EqualValue(v, tt.want) {
				t.Errorf("coerce(%q) = %v, want %v", tt.in, v, tt.want)
			}
		})
	}
}

func TestNaNCoercion(t *testing.T) {
	m := bookMethod(nil)
	v, present, err := coerceString(m, Param{Name: "p", Kind: KindFloat}, "NaN")
	if err != nil || !present {
		t.Fatalf("NaN should coerce, got present=%v err=%v", present, err)
	}
	f, ok := v.(float64)
	if !ok || !math.IsNaN(f) {
		t.Errorf("coerce(NaN) = %v, want NaN", v)
	}
}

func TestNativeTypeMismatch(t *testing.T) {
	m := bookMethod(nil)
	r := httptest.NewRequest("POST", "/getBook", strings.NewReader(`{"name":42}`))
	r.Header.Set("Content-Type", "application/json")
	_, err := collectHTTPArgs(r, m, nil, wire.DefaultLimits())
	var de *diag.Error
	if !errors.As(err, &de) {
		t.Fatalf("want diagnostic, got %v", err)
	}
	if de.Code != "W023" {
		t.Errorf("code = %s, want W023", de.Code)
	}
}

func TestJSONNumberForIntParam(t *testing.T) {
	svc := NewService("nums")
	m := svc.MustRegister("addOne",
		func(c *CallContext, args []any) (any, error) { return args[0], nil },
		[]Param{{Name: "n", Kind: KindInt}}, nil)

	r := httptest.NewRequest("POST", "/addOne", strings.NewReader(`[41]`))
	r.Header.Set("Content-Type", "application/json")
	bound := collect(t, m, r)
	checkArgs(t, bound.args, int64(41))
}

func TestVariadicCollectsRest(t *testing.T) {
	svc := NewService("tags")
	m := svc.MustRegister("tagAll",
		func(c *CallContext, args []any) (any, error) { return args, nil },
		[]Param{
			{Name: "item", Kind: KindString},
			{Name: "tags", Kind: KindString, Variadic: true},
		}, nil)

	r := httptest.NewRequest("GET", "/tagAll", nil)
	bound := collect(t, m, r, "book", "x", "y", "z")
	checkArgs(t, bound.args, "book", "x", "y", "z")
}

func TestOctetStreamBodyIsOneBuffer(t *testing.T) {
	svc := NewService("blobs")
	m := svc.MustRegister("store",
		func(c *CallContext, args []any) (any, error) { return nil, nil },
		[]Param{{Name: "data", Kind: KindBytes}}, nil)

	r := httptest.NewRequest("POST", "/store", bytes.NewReader([]byte{1, 2, 3}))
	r.Header.Set("Content-Type", "application/octet-stream")
	bound := collect(t, m, r)
	if len(bound.args) != 1 {
		t.Fatalf("bound %d args, want 1", len(bound.args))
	}
	if !bytes.Equal(bound.args[0].([]byte), []byte{1, 2, 3}) {
		t.Errorf("buffer = %v, want [1 2 3]", bound.args[0])
	}
}

func TestMultipartRejectedWithoutBinaryParams(t *testing.T) {
	m := bookMethod(nil)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	w.WriteField("name", "a")
	w.Close()

	r := httptest.NewRequest("POST", "/getBook", &buf)
	r.Header.Set("Content-Type", w.FormDataContentType())
	if _, err := collectHTTPArgs(r, m, nil, wire.DefaultLimits()); err == nil {
		t.Fatal("multipart should be refused when no method declares binary parameters")
	}
}

func TestMultipartBinding(t *testing.T) {
	svc := NewService("covers")
	m := svc.MustRegister("setCover",
		func(c *CallContext, args []any) (any, error) { return nil, nil },
		[]Param{
			{Name: "title", Kind: KindString},
			{Name: "image", Kind: KindBytes},
			{Name: "thumb", Kind: KindStream},
		}, nil)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	w.WriteField("title", "moby dick")
	fw, _ := w.CreateFormFile("image", "cover.png")
	fw.Write([]byte("png-bytes"))
	fw, _ = w.CreateFormFile("thumb", "thumb.png")
	fw.Write([]byte("thumb-bytes"))
	w.Close()

	r := httptest.NewRequest("POST", "/setCover", &buf)
	r.Header.Set("Content-Type", w.FormDataContentType())
	bound := collect(t, m, r)

	if len(bound.args) != 3 {
		t.Fatalf("bound %d args, want 3", len(bound.args))
	}
	if bound.args[0] != "moby dick" {
		t.Errorf("title = %v, want moby dick", bound.args[0])
	}
	if !bytes.Equal(bound.args[1].([]byte), []byte("png-bytes")) {
		t.Errorf("image = %v, want png-bytes", bound.args[1])
	}
	rd, ok := bound.args[2].(io.Reader)
	if !ok {
		t.Fatalf("thumb is %T, want io.Reader", bound.args[2])
	}
	data, _ := io.ReadAll(rd)
	if string(data) != "thumb-bytes" {
		t.Errorf("thumb = %q, want thumb-bytes", data)
	}
}

func TestEmptyBodyBindsNothing(t *testing.T) {
	m := bookMethod(nil)
	r := httptest.NewRequest("POST", "/getBook", nil)
	r.Header.Set("Content-Type", "application/json")
	bound := collect(t, m, r)
	checkArgs(t, bound.args, wire.Undefined{}, wire.Undefined{})
}
