package message

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestEncoding(t *testing.T) {
	req, err := NewRequest(3, "Controller.1.clone", map[string]string{"callsign": "a"})
	require.NoError(t, err)

	data, err := json.Marshal(req)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":3,"method":"Controller.1.clone","params":{"callsign":"a"}}`, string(data))
}

func TestNotificationHasNoID(t *testing.T) {
	n, err := NewNotification("event", nil)
	require.NoError(t, err)

	data, err := json.Marshal(n)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","method":"event"}`, string(data))
}

func TestResponseAlwaysCarriesResultOrError(t *testing.T) {
	id := uint64(9)

	ok := NewResponse(&id)
	data, err := json.Marshal(ok)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":9,"result":null}`, string(data))

	failed := NewResponse(&id)
	require.NoError(t, failed.SetResult("ignored"))
	failed.SetError(CodeServerError, "boom")
	data, err = json.Marshal(failed)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":9,"error":{"code":-32000,"message":"boom"}}`, string(data))
}

func TestNestedResponseMarshalsThroughPointer(t *testing.T) {
	inner := NewRelayedResponse(json.RawMessage(`1`))
	out := RelayResult{Context: json.RawMessage(`"c1"`), Response: inner}

	data, err := json.Marshal(out)
	require.NoError(t, err)
	assert.JSONEq(t, `{"context":"c1","response":{"jsonrpc":"2.0","id":1,"result":null}}`, string(data))
}

func TestRelayedIDsAreKeptVerbatim(t *testing.T) {
	cases := map[string]string{
		"string":   `"abc"`,
		"negative": `-4`,
		"fraction": `2.5`,
		"null":     `null`,
	}
	for name, id := range cases {
		t.Run(name, func(t *testing.T) {
			var req RelayedRequest
			raw := `{"jsonrpc":"2.0","id":` + id + `,"method":"relay.Svc.Ping.1"}`
			require.NoError(t, json.Unmarshal([]byte(raw), &req))

			resp := NewRelayedResponse(req.ID)
			require.NoError(t, resp.SetResult(true))
			data, err := json.Marshal(resp)
			require.NoError(t, err)
			assert.JSONEq(t, `{"jsonrpc":"2.0","id":`+id+`,"result":true}`, string(data))
		})
	}
}

func TestRelayedResponseWithoutID(t *testing.T) {
	var req RelayedRequest
	require.NoError(t, json.Unmarshal([]byte(`{"jsonrpc":"2.0","method":"relay.Svc.Ping.1"}`), &req))
	assert.Empty(t, req.ID)

	resp := NewRelayedResponse(req.ID)
	resp.SetError(CodeServerError, "boom")
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":null,"error":{"code":-32000,"message":"boom"}}`, string(data))
}

func TestTruthy(t *testing.T) {
	cases := map[string]bool{
		`true`:     true,
		`false`:    false,
		`null`:     false,
		`0`:        false,
		`1`:        true,
		`""`:       false,
		`"WebApp"`: true,
		`{}`:       true,
		`[]`:       true,
	}
	for raw, want := range cases {
		r := &Response{Result: json.RawMessage(raw)}
		assert.Equal(t, want, r.Truthy(), raw)
	}

	assert.False(t, (*Response)(nil).Truthy())
	assert.False(t, (&Response{Result: json.RawMessage(`true`), Error: &Error{Code: 1}}).Truthy())
}

func TestEnvelopeSniffing(t *testing.T) {
	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":4,"result":true}`), &env))
	assert.True(t, env.IsResponse())

	env = Envelope{}
	require.NoError(t, json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":4,"method":"x"}`), &env))
	assert.False(t, env.IsResponse())
}
