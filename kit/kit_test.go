package kit

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func TestChainOrder(t *testing.T) {
	var order []string

	tag := func(name string) Middleware {
		return func(next Endpoint) Endpoint {
			return func(ctx context.Context, req any) (any, error) {
				order = append(order, name+"_before")
				resp, err := next(ctx, req)
				order = append(order, name+"_after")
				return resp, err
			}
		}
	}
	base := func(_ context.Context, _ any) (any, error) {
		order = append(order, "endpoint")
		return "ok", nil
	}

	resp, err := Chain(tag("a"), tag("b"), tag("c"))(base)(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp != "ok" {
		t.Fatalf("response = %v", resp)
	}

	want := []string{"a_before", "b_before", "c_before", "endpoint", "c_after", "b_after", "a_after"}
	if !reflect.DeepEqual(order, want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
}

func TestChainErrorPropagation(t *testing.T) {
	errBoom := errors.New("boom")
	noop := func(next Endpoint) Endpoint { return next }

	_, err := Chain(noop)(func(_ context.Context, _ any) (any, error) {
		return nil, errBoom
	})(context.Background(), nil)
	if !errors.Is(err, errBoom) {
		t.Fatalf("err = %v, want %v", err, errBoom)
	}
}

func TestContextIdentity(t *testing.T) {
	tests := []struct {
		name  string
		set   func(context.Context, string) context.Context
		get   func(context.Context) string
		empty string
	}{
		{"session", WithSessionID, GetSessionID, ""},
		{"worker", WithWorkerID, GetWorkerID, ""},
		{"request", WithRequestID, GetRequestID, ""},
		{"trace", WithTraceID, GetTraceID, ""},
		{"transport", WithTransport, GetTransport, "http"},
		{"remote_addr", WithRemoteAddr, GetRemoteAddr, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.get(context.Background()); got != tt.empty {
				t.Fatalf("empty context: got %q, want %q", got, tt.empty)
			}
			ctx := tt.set(context.Background(), "value_1")
			if got := tt.get(ctx); got != "value_1" {
				t.Fatalf("after set: got %q", got)
			}
		})
	}
}

func TestTransportDefaultsToHTTP(t *testing.T) {
	if got := GetTransport(context.Background()); got != "http" {
		t.Fatalf("default transport = %q, want %q", got, "http")
	}
}
