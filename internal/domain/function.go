package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// RuntimeVM is the only sandbox runtime kind.
const RuntimeVM = "vm"

const (
	DefaultTimeoutMs   = 10000
	DefaultMaxHTTP     = 10
	DefaultMaxMessages = 20
	DefaultMaxMemoryMb = 128

	MaxTimeoutMsCap = 15 * 60 * 1000
	MaxHTTPCap      = 1000
	MaxMessagesCap  = 1000
	MaxMemoryMbCap  = 4096
)

// Function is reusable sandboxed code.
type Function struct {
	ID        string          `json:"id"`
	Name      string          `json:"name,omitempty"`
	Code      string          `json:"code"`
	Runtime   string          `json:"runtime"`
	Version   int             `json:"version"`
	Checksum  string          `json:"checksum"`
	Limits    json.RawMessage `json:"limits,omitempty"`
	State     json.RawMessage `json:"state,omitempty"`
	ChannelID string          `json:"channelId,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Limits are the resolved per-run sandbox limits.
type Limits struct {
	TimeoutMs   int `json:"timeoutMs"`
	MaxHTTP     int `json:"maxHttp"`
	MaxMessages int `json:"maxMessages"`
	MaxMemoryMb int `json:"maxMemoryMb"`
}

func (l Limits) Timeout() time.Duration { return time.Duration(l.TimeoutMs) * time.Millisecond }

// ParseLimits resolves raw limits JSON. Missing, non-integer or non-positive
// values fall back to the defaults and values above a ceiling are clamped to
// it; malformed JSON yields all defaults.
func ParseLimits(raw json.RawMessage) Limits {
	out := Limits{
		TimeoutMs:   DefaultTimeoutMs,
		MaxHTTP:     DefaultMaxHTTP,
		MaxMessages: DefaultMaxMessages,
		MaxMemoryMb: DefaultMaxMemoryMb,
	}
	if len(raw) == 0 {
		return out
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return out
	}
	pick := func(key string, def, ceil int) int {
		f, ok := m[key].(float64)
		if !ok || f <= 0 || f != math.Trunc(f) {
			return def
		}
		if f >= float64(ceil) {
			return ceil
		}
		return int(f)
	}
	out.TimeoutMs = pick("timeoutMs", out.TimeoutMs, MaxTimeoutMsCap)
	out.MaxHTTP = pick("maxHttp", out.MaxHTTP, MaxHTTPCap)
	out.MaxMessages = pick("maxMessages", out.MaxMessages, MaxMessagesCap)
	out.MaxMemoryMb = pick("maxMemoryMb", out.MaxMemoryMb, MaxMemoryMbCap)
	return out
}

// ResolveRuntime applies the default and rejects anything but "vm".
func ResolveRuntime(rt string) (string, error) {
	rt = strings.TrimSpace(rt)
	if rt == "" {
		return RuntimeVM, nil
	}
	if rt != RuntimeVM {
		return "", Invalid("runtime", fmt.Sprintf("runtime %s not supported", rt))
	}
	return rt, nil
}

// Checksum returns the hex sha256 of code.
func Checksum(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// StateMap decodes the persisted state; anything but a JSON object is empty.
func (f Function) StateMap() map[string]any {
	out := map[string]any{}
	if len(f.State) == 0 {
		return out
	}
	if err := json.Unmarshal(f.State, &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}

// FunctionPatch is a partial function update.
type FunctionPatch struct {
	Name      *string
	Code      *string
	Runtime   *string
	Limits    json.RawMessage
	State     json.RawMessage
	ChannelID *string
}
