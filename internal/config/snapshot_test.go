package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeJSON(t *testing.T) {
	raw := `{"serverAddress":"example.com","serverPort":443,"uuid":"u","flow":"vision","muxEnabled":true,"transport":{"kind":"tls"}}`
	s, err := Decode(strings.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "example.com", s.ServerAddress)
	assert.EqualValues(t, 443, s.ServerPort)
	assert.Equal(t, FlowVision, s.Flow)
	assert.Equal(t, TransportTLS, s.Transport.Kind)
	assert.True(t, s.MuxEnabled)
}

func TestDecodeYAML(t *testing.T) {
	raw := "serverAddress: example.com\n" +
		"serverPort: 443\n" +
		"flow: vision\n" +
		"muxEnabled: true\n" +
		"transport:\n" +
		"  kind: ws\n" +
		"  websocket:\n" +
		"    path: /ws\n"
	s, err := DecodeYAML(strings.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "example.com", s.ServerAddress)
	assert.Equal(t, TransportWebSocket, s.Transport.Kind)
	require.NotNil(t, s.Transport.WebSocket)
	assert.Equal(t, "/ws", s.Transport.WebSocket.Path)
}

func TestDecodeInvalidJSON(t *testing.T) {
	_, err := Decode(strings.NewReader("{not json"))
	assert.Error(t, err)
}

func TestWantsMuxRequiresVisionFlow(t *testing.T) {
	s := &Snapshot{MuxEnabled: true, Flow: FlowPlain}
	assert.False(t, s.WantsMux())

	s.Flow = FlowVision
	assert.True(t, s.WantsMux())

	s.Flow = FlowVisionUDP443
	assert.True(t, s.WantsMux())
}

func TestWantsMuxNilSnapshot(t *testing.T) {
	var s *Snapshot
	assert.False(t, s.WantsMux())
}

func TestEndpointPrefersResolvedIP(t *testing.T) {
	s := &Snapshot{ServerAddress: "example.com"}
	assert.Equal(t, "example.com", s.Endpoint())

	s.ResolvedIP = "1.2.3.4"
	assert.Equal(t, "1.2.3.4", s.Endpoint())
}
