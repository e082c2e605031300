// Package measurement defines the record written for every profiled call and
// the grouped summary rows read back from storage.
package measurement

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/cockroachdb/apd/v3"
)

// DecimalPlaces is the precision kept for Elapsed.
const DecimalPlaces = 6

// Measurement is one recorded invocation. It is built when a wrapped call
// starts, finalized when it returns or fails and never mutated after insert.
type Measurement struct {
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name"`
	Method    string         `json:"method"`
	Args      []any          `json:"args"`
	Kwargs    map[string]any `json:"kwargs"`
	Context   map[string]any `json:"context"`
	StartedAt float64        `json:"startedAt"`
	EndedAt   float64        `json:"endedAt"`
	Elapsed   float64        `json:"elapsed"`
}

// Summary is one (method, name) group with its elapsed statistics.
type Summary struct {
	Method     string  `json:"method"`
	Name       string  `json:"name"`
	Count      int     `json:"count"`
	MinElapsed float64 `json:"minElapsed"`
	MaxElapsed float64 `json:"maxElapsed"`
	AvgElapsed float64 `json:"avgElapsed"`
}

// New builds a measurement for a call. Args, kwargs and context are snapshotted
// into their JSON form so that every backend hands back the same values.
func New(name, method string, args []any, kwargs map[string]any, context map[string]any) *Measurement {
	return &Measurement{
		Name:    name,
		Method:  method,
		Args:    jsonArgs(args),
		Kwargs:  jsonMap(kwargs),
		Context: jsonContext(context),
	}
}

// Start records the wall clock start of the call.
func (m *Measurement) Start() { m.StartAt(time.Now()) }

// StartAt records t as the start of the call.
func (m *Measurement) StartAt(t time.Time) { m.StartedAt = EpochSeconds(t) }

// Stop records the end of the call and recomputes Elapsed.
func (m *Measurement) Stop() { m.StopAt(time.Now()) }

// StopAt records t as the end of the call and recomputes Elapsed.
func (m *Measurement) StopAt(t time.Time) {
	m.EndedAt = EpochSeconds(t)
	m.Finalize()
}

// Finalize enforces EndedAt >= StartedAt and derives Elapsed from the two
// timestamps. Backends call it on insert, so a caller supplied Elapsed never
// survives.
func (m *Measurement) Finalize() {
	if m.EndedAt < m.StartedAt {
		m.EndedAt = m.StartedAt
	}
	m.Elapsed = Round(m.EndedAt - m.StartedAt)
}

// Ensure fills nil args and kwargs with empty values.
func (m *Measurement) Ensure() {
	if m.Args == nil {
		m.Args = []any{}
	}
	if m.Kwargs == nil {
		m.Kwargs = map[string]any{}
	}
}

// EpochSeconds converts t to floating point seconds since the Unix epoch.
func EpochSeconds(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/float64(time.Second)
}

// Time converts epoch seconds back to a time.Time.
func Time(epoch float64) time.Time {
	sec, frac := math.Modf(epoch)
	return time.Unix(int64(sec), int64(frac*float64(time.Second)))
}

var roundContext = func() *apd.Context {
	c := apd.BaseContext.WithPrecision(34)
	c.Rounding = apd.RoundHalfEven
	return c
}()

// Round rounds v half-even to DecimalPlaces.
func Round(v float64) float64 {
	var d apd.Decimal
	if _, err := d.SetFloat64(v); err != nil {
		return math.RoundToEven(v*1e6) / 1e6
	}
	if _, err := roundContext.Quantize(&d, &d, -DecimalPlaces); err != nil {
		return math.RoundToEven(v*1e6) / 1e6
	}
	f, err := d.Float64()
	if err != nil {
		return math.RoundToEven(v*1e6) / 1e6
	}
	return f
}

func jsonArgs(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = jsonValue(a)
	}
	return out
}

func jsonMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = jsonValue(v)
	}
	return out
}

func jsonContext(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return jsonMap(m)
}

func jsonValue(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return fmt.Sprintf("%v", v)
	}
	return out
}
