package jsonrpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

type pingParams struct {
	Name string `json:"name"`
}

func TestRequestRoundTrip(t *testing.T) {
	req := NewRequest(1, "ping", pingParams{Name: "agent"})
	data, err := json.Marshal(req)
	require.NoError(t, err)

	decoded, err := UnmarshalRequest(data)
	require.NoError(t, err)
	require.Equal(t, Version, decoded.JSONRPC)
	require.Equal(t, "ping", decoded.Method)
	require.False(t, decoded.IsNotification())

	var params pingParams
	require.NoError(t, DecodeParams(decoded, &params))
	require.Equal(t, "agent", params.Name)
}

func TestNotificationHasNoID(t *testing.T) {
	notif := NewNotification("log", nil)
	require.True(t, notif.IsNotification())
}

func TestNilRequestIsNotification(t *testing.T) {
	var req *Request
	require.True(t, req.IsNotification())
}

func TestResponseRoundTripSuccess(t *testing.T) {
	resp := NewResponse(7, pingParams{Name: "pong"})
	data, err := json.Marshal(resp)
	require.NoError(t, err)

	decoded, err := UnmarshalResponse(data)
	require.NoError(t, err)
	require.Nil(t, decoded.Error)

	var result pingParams
	require.NoError(t, DecodeResult(decoded, &result))
	require.Equal(t, "pong", result.Name)
}

func TestResponseRoundTripError(t *testing.T) {
	resp := NewErrorResponse(3, MethodNotFound, "no such method", nil)
	data, err := json.Marshal(resp)
	require.NoError(t, err)

	decoded, err := UnmarshalResponse(data)
	require.NoError(t, err)
	require.NotNil(t, decoded.Error)
	require.Equal(t, MethodNotFound, decoded.Error.Code)
	require.Equal(t, "no such method", decoded.Error.Error())
}

func TestNilErrorHasEmptyMessage(t *testing.T) {
	var e *Error
	require.Equal(t, "", e.Error())
}
