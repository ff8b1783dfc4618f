package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectiveMarshal(t *testing.T) {
	tests := []struct {
		name string
		d    Directive
		want string
	}{
		{
			name: "wait",
			d:    Wait(1),
			want: `{"action":"wait","args":[1]}`,
		},
		{
			name: "fractional wait",
			d:    Wait(0.25),
			want: `{"action":"wait","args":[0.25]}`,
		},
		{
			name: "execute",
			d:    Execute("t-1", "add", []json.RawMessage{json.RawMessage("2"), json.RawMessage("3")}),
			want: `{"action":"execute","args":["add",[2,3]],"task_id":"t-1"}`,
		},
		{
			name: "execute without args",
			d:    Execute("", "read_acf", nil),
			want: `{"action":"execute","args":["read_acf",[]]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := json.Marshal(tt.d)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}

func TestDirectiveMarshalRejectsZeroKind(t *testing.T) {
	_, err := json.Marshal(Directive{})
	assert.Error(t, err)
}

func TestDecodeDirective(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    Directive
		wantErr bool
	}{
		{
			name: "wait",
			body: `{"action":"wait","args":[1]}`,
			want: Wait(1),
		},
		{
			name: "execute with nested args",
			body: `{"action":"execute","args":["echo",[{"a":[1,-2]},[]]],"task_id":"x"}`,
			want: Execute("x", "echo", []json.RawMessage{
				json.RawMessage(`{"a":[1,-2]}`),
				json.RawMessage(`[]`),
			}),
		},
		{
			name: "legacy execute without task id",
			body: `{"action":"execute","args":["add",[2,3]]}`,
			want: Execute("", "add", []json.RawMessage{json.RawMessage("2"), json.RawMessage("3")}),
		},
		{name: "not json", body: `<html>oops</html>`, wantErr: true},
		{name: "empty", body: ``, wantErr: true},
		{name: "error body", body: `{"error":"unknown action"}`, wantErr: true},
		{name: "unknown action", body: `{"action":"dance","args":[]}`, wantErr: true},
		{name: "wait arity", body: `{"action":"wait","args":[]}`, wantErr: true},
		{name: "wait negative", body: `{"action":"wait","args":[-1]}`, wantErr: true},
		{name: "execute arity", body: `{"action":"execute","args":["add"]}`, wantErr: true},
		{name: "execute name type", body: `{"action":"execute","args":[5,[]]}`, wantErr: true},
		{name: "execute args type", body: `{"action":"execute","args":["add",7]}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeDirective(strings.NewReader(tt.body))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrMalformed), "want ErrMalformed, got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want.Kind, got.Kind)
			assert.Equal(t, tt.want.Seconds, got.Seconds)
			assert.Equal(t, tt.want.TaskID, got.TaskID)
			assert.Equal(t, tt.want.Name, got.Name)
			require.Len(t, got.Args, len(tt.want.Args))
			for i := range tt.want.Args {
				assert.JSONEq(t, string(tt.want.Args[i]), string(got.Args[i]))
			}
		})
	}
}

func TestEncodeRequest(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodeRequest(&buf, Query()))
	assert.JSONEq(t, `{"action":"query"}`, buf.String())

	buf.Reset()
	require.NoError(t, EncodeRequest(&buf, Response("t-9", json.RawMessage(`5`))))
	assert.JSONEq(t, `{"action":"response","result":5,"task_id":"t-9"}`, buf.String())

	buf.Reset()
	require.NoError(t, EncodeRequest(&buf, Response("", nil)))
	assert.JSONEq(t, `{"action":"response","result":null}`, buf.String())

	assert.Error(t, EncodeRequest(&buf, Request{}))
}

func TestDecodeRequest(t *testing.T) {
	req, err := DecodeRequest(strings.NewReader(`{"action":"response","result":[1,"two"]}`))
	require.NoError(t, err)
	assert.Equal(t, ActionResponse, req.Action)
	assert.JSONEq(t, `[1,"two"]`, string(req.Result))
	assert.Empty(t, req.TaskID)

	_, err = DecodeRequest(strings.NewReader(`{"action":`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDirectiveDelay(t *testing.T) {
	assert.Equal(t, time.Second, Wait(1).Delay())
	assert.Equal(t, 1500*time.Millisecond, Wait(1.5).Delay())
	assert.Equal(t, time.Duration(0), Wait(0).Delay())
	assert.Equal(t, time.Duration(0), Wait(-3).Delay())
}

func TestDirectiveDelaySaturates(t *testing.T) {
	d, err := DecodeDirective(strings.NewReader(`{"action":"wait","args":[1e12]}`))
	require.NoError(t, err)
	assert.Equal(t, time.Duration(math.MaxInt64), d.Delay())
	assert.Positive(t, Wait(maxDelaySeconds).Delay())
	assert.Positive(t, Wait(9.2e9).Delay())
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "wait", KindWait.String())
	assert.Equal(t, "execute", KindExecute.String())
	assert.Equal(t, "unknown", Kind(0).String())
}
