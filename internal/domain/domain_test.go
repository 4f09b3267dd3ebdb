package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestParseLimitsDefaults(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  string
		want Limits
	}{
		{name: "empty", raw: "", want: Limits{10000, 10, 20, 128}},
		{name: "partial", raw: `{"maxHttp":2}`, want: Limits{10000, 2, 20, 128}},
		{name: "non positive", raw: `{"timeoutMs":0,"maxMessages":-3}`, want: Limits{10000, 10, 20, 128}},
		{name: "non numeric", raw: `{"timeoutMs":"500","maxMemoryMb":true}`, want: Limits{10000, 10, 20, 128}},
		{name: "malformed", raw: `{`, want: Limits{10000, 10, 20, 128}},
		{name: "fractional", raw: `{"timeoutMs":0.5,"maxHttp":2.7}`, want: Limits{10000, 10, 20, 128}},
		{name: "huge", raw: `{"timeoutMs":1e30,"maxHttp":1e19,"maxMessages":5000,"maxMemoryMb":9007199254740993}`, want: Limits{MaxTimeoutMsCap, MaxHTTPCap, MaxMessagesCap, MaxMemoryMbCap}},
		{name: "all set", raw: `{"timeoutMs":50,"maxHttp":1,"maxMessages":1,"maxMemoryMb":64}`, want: Limits{50, 1, 1, 64}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := ParseLimits(json.RawMessage(tt.raw))
			if got != tt.want {
				t.Fatalf("ParseLimits(%s) = %+v, want %+v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestTargetValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		target Target
		field  string
	}{
		{name: "http ok", target: Target{Kind: TargetHTTP, HTTP: &HTTPTarget{Method: "POST", URL: "https://example.com/hook"}}},
		{name: "http missing url", target: Target{Kind: TargetHTTP, HTTP: &HTTPTarget{Method: "POST"}}, field: "url"},
		{name: "http bad scheme", target: Target{Kind: TargetHTTP, HTTP: &HTTPTarget{Method: "GET", URL: "ftp://x"}}, field: "url"},
		{name: "http bad method", target: Target{Kind: TargetHTTP, HTTP: &HTTPTarget{Method: "TRACE", URL: "http://x"}}, field: "method"},
		{name: "message ok", target: Target{Kind: TargetMessage, Message: &MessageTarget{ChannelID: "c", Template: "hi", Recipients: []string{"1"}}}},
		{name: "message no recipients", target: Target{Kind: TargetMessage, Message: &MessageTarget{ChannelID: "c", Template: "hi"}}, field: "recipients"},
		{name: "message no channel", target: Target{Kind: TargetMessage, Message: &MessageTarget{Template: "hi", Recipients: []string{"1"}}}, field: "channelId"},
		{name: "function ok", target: Target{Kind: TargetFunction, Function: &FunctionTarget{FunctionID: "f"}}},
		{name: "function missing", target: Target{Kind: TargetFunction}, field: "functionId"},
		{name: "unknown kind", target: Target{Kind: "SMS"}, field: "targetType"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.target.Validate()
			if tt.field == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("Validate() = %v, want ValidationError", err)
			}
			if ve.Field != tt.field {
				t.Fatalf("Field = %q, want %q", ve.Field, tt.field)
			}
		})
	}
}

func TestParseTargetKind(t *testing.T) {
	t.Parallel()
	if k, err := ParseTargetKind(""); err != nil || k != TargetHTTP {
		t.Fatalf("ParseTargetKind(\"\") = %v, %v", k, err)
	}
	if k, err := ParseTargetKind("message"); err != nil || k != TargetMessage {
		t.Fatalf("ParseTargetKind(message) = %v, %v", k, err)
	}
	if _, err := ParseTargetKind("sms"); !IsValidation(err) {
		t.Fatalf("ParseTargetKind(sms) err = %v, want validation", err)
	}
}

func TestChannelSession(t *testing.T) {
	t.Parallel()
	if got := (Channel{}).Session(); got != "default" {
		t.Fatalf("Session() = %q, want default", got)
	}
	c := Channel{Config: json.RawMessage(`{"session":" Sales "}`)}
	if got := c.Session(); got != "sales" {
		t.Fatalf("Session() = %q, want sales", got)
	}
}

func TestJobPatchApplyClearsNextRun(t *testing.T) {
	t.Parallel()
	now := time.Now()
	j := Job{IsActive: true, NextRunAt: &now}
	JobPatch{IsActive: Ptr(false), NextRunAt: Ptr[*time.Time](nil)}.Apply(&j)
	if j.IsActive || j.NextRunAt != nil {
		t.Fatalf("after patch: active=%v next=%v, want false/nil", j.IsActive, j.NextRunAt)
	}
	if j.Schedulable() {
		t.Fatal("Schedulable() = true, want false")
	}
}

func TestResolveRuntime(t *testing.T) {
	t.Parallel()
	if rt, err := ResolveRuntime(""); err != nil || rt != RuntimeVM {
		t.Fatalf("ResolveRuntime(\"\") = %q, %v", rt, err)
	}
	if _, err := ResolveRuntime("python"); !IsValidation(err) {
		t.Fatalf("ResolveRuntime(python) err = %v, want validation", err)
	}
}
