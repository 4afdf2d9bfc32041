package persistence

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"reflect"
	"time"

	"github.com/petrijr/flowtx/pkg/api"
)

func init() {
	gob.Register(runData{})
	gob.Register(api.Params{})
}

// EncodeValue serializes arbitrary Go values using encoding/gob.
// Concrete types carried inside interfaces must be gob.Register-ed.
func EncodeValue(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	// Encode as interface{} so the payload can be decoded into interface{}.
	iv := v
	if err := gob.NewEncoder(&buf).Encode(&iv); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeValue decodes a payload produced by EncodeValue into T. Payloads
// that were encoded as a concrete T are accepted as well.
func DecodeValue[T any](data []byte) (T, error) {
	var zero T
	if len(data) == 0 {
		return zero, nil
	}

	var iv any
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&iv); err == nil {
		if iv == nil {
			return zero, nil
		}
		if v, ok := iv.(T); ok {
			return v, nil
		}
		return zero, fmt.Errorf("gob: decoded %T is not assignable to %s", iv, typeName[T]())
	}

	var v T
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&v); err != nil {
		return zero, err
	}
	return v, nil
}

func typeName[T any]() string {
	return reflect.TypeOf((*T)(nil)).Elem().String()
}

// runData is the opaque part of a run record: the values produced by the
// caller and by steps.
type runData struct {
	Actor         any
	Params        map[string]any
	Results       map[string]any
	StepsExecuted []string
	BranchesTaken []string
}

// storable returns v, or its fmt rendering when gob cannot encode it (for
// example an unregistered struct behind an interface).
func storable(v any) any {
	if v == nil {
		return nil
	}
	if _, err := EncodeValue(v); err != nil {
		return fmt.Sprintf("%v", v)
	}
	return v
}

func storableMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = storable(v)
	}
	return out
}

func encodeRunData(rec *api.RunRecord) ([]byte, error) {
	return EncodeValue(runData{
		Actor:         storable(rec.Actor),
		Params:        storableMap(rec.Params),
		Results:       storableMap(rec.Results),
		StepsExecuted: rec.StepsExecuted,
		BranchesTaken: rec.BranchesTaken,
	})
}

func decodeRunData(data []byte, rec *api.RunRecord) error {
	d, err := DecodeValue[runData](data)
	if err != nil {
		return err
	}
	rec.Actor = d.Actor
	if d.Params != nil {
		rec.Params = api.Params(d.Params)
	}
	rec.Results = d.Results
	rec.StepsExecuted = nonNil(d.StepsExecuted)
	rec.BranchesTaken = nonNil(d.BranchesTaken)
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
