package gateway

import (
	"testing"

	"github.com/pscheid92/posrelay/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeEvent(t *testing.T) {
	frame, err := EncodeEvent(domain.EventAuthenticateResult, domain.AuthSuccess)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"authenticate_result","data":"success"}`, string(frame))

	frame, err = EncodeEvent(domain.EventDisconnect, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"disconnect"}`, string(frame))
}

func TestEncodeEvent_UnmarshalablePayload(t *testing.T) {
	_, err := EncodeEvent("broken", make(chan int))
	assert.Error(t, err)
}

func TestDecodeEnvelope(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"event":"authenticate_request","data":{"user":"alice","key":"123456"}}`))
	require.NoError(t, err)
	assert.Equal(t, domain.EventAuthenticateRequest, env.Event)
	assert.JSONEq(t, `{"user":"alice","key":"123456"}`, string(env.Data))
}

func TestDecodeEnvelope_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"not json", `hello`},
		{"missing event", `{"data":"x"}`},
		{"empty event", `{"event":""}`},
		{"array", `[1,2,3]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeEnvelope([]byte(tt.frame))
			assert.Error(t, err)
		})
	}
}
