// Package config defines the immutable configuration snapshot handed to
// flows at creation time (spec §3, §6) and its JSON wire form.
package config

import (
	"encoding/json"
	"io"

	"gopkg.in/yaml.v3"
)

// FlowMode selects the VLESS flow variant.
type FlowMode string

const (
	FlowPlain         FlowMode = ""
	FlowVision        FlowMode = "vision"
	FlowVisionUDP443  FlowMode = "vision-udp443"
)

// TransportKind selects the outer transport the proxy client dials through.
type TransportKind string

const (
	TransportTCP         TransportKind = "tcp"
	TransportTLS         TransportKind = "tls"
	TransportReality     TransportKind = "reality"
	TransportWebSocket   TransportKind = "ws"
	TransportHTTPUpgrade TransportKind = "httpupgrade"
	TransportXHTTP       TransportKind = "xhttp"
)

// TLSSettings carries the opaque TLS transport fields. The core never
// inspects these beyond handing them to internal/transport.
type TLSSettings struct {
	ServerName    string   `json:"serverName,omitempty" yaml:"serverName,omitempty"`
	AllowInsecure bool     `json:"allowInsecure,omitempty" yaml:"allowInsecure,omitempty"`
	ALPN          []string `json:"alpn,omitempty" yaml:"alpn,omitempty"`
	Fingerprint   string   `json:"fingerprint,omitempty" yaml:"fingerprint,omitempty"`
}

// RealitySettings carries REALITY-specific opaque fields.
type RealitySettings struct {
	PublicKey   string `json:"publicKey,omitempty" yaml:"publicKey,omitempty"`
	ShortID     string `json:"shortId,omitempty" yaml:"shortId,omitempty"`
	ServerName  string `json:"serverName,omitempty" yaml:"serverName,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty" yaml:"fingerprint,omitempty"`
}

// WebSocketSettings carries WebSocket transport opaque fields.
type WebSocketSettings struct {
	Path    string            `json:"path,omitempty" yaml:"path,omitempty"`
	Host    string            `json:"host,omitempty" yaml:"host,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// HTTPUpgradeSettings carries HTTP-Upgrade transport opaque fields.
type HTTPUpgradeSettings struct {
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
	Host string `json:"host,omitempty" yaml:"host,omitempty"`
}

// XHTTPSettings carries XHTTP (split HTTP) transport opaque fields.
type XHTTPSettings struct {
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
	Host string `json:"host,omitempty" yaml:"host,omitempty"`
	Mode string `json:"mode,omitempty" yaml:"mode,omitempty"` // "stream-up" | "stream-one" | "packet-up"
}

// Transport bundles the transport kind with its nested opaque settings.
// Exactly one of the nested structs is meaningful, selected by Kind.
type Transport struct {
	Kind        TransportKind        `json:"kind" yaml:"kind"`
	TLS         *TLSSettings         `json:"tls,omitempty" yaml:"tls,omitempty"`
	Reality     *RealitySettings     `json:"reality,omitempty" yaml:"reality,omitempty"`
	WebSocket   *WebSocketSettings   `json:"websocket,omitempty" yaml:"websocket,omitempty"`
	HTTPUpgrade *HTTPUpgradeSettings `json:"httpupgrade,omitempty" yaml:"httpupgrade,omitempty"`
	XHTTP       *XHTTPSettings       `json:"xhttp,omitempty" yaml:"xhttp,omitempty"`
}

// Snapshot is the immutable configuration record of spec §3/§6.
// Snapshots are never mutated after construction; a reconfigure replaces
// the pointer held by the coordinator, never the fields in place.
type Snapshot struct {
	ServerAddress string    `json:"serverAddress" yaml:"serverAddress"`
	ServerPort    uint16    `json:"serverPort" yaml:"serverPort"`
	UUID          string    `json:"uuid" yaml:"uuid"`
	Encryption    string    `json:"encryption" yaml:"encryption"`
	Flow          FlowMode  `json:"flow" yaml:"flow"`
	Security      string    `json:"security" yaml:"security"`
	MuxEnabled    bool      `json:"muxEnabled" yaml:"muxEnabled"`
	XUDPEnabled   bool      `json:"xudpEnabled" yaml:"xudpEnabled"`
	ResolvedIP    string    `json:"resolvedIP,omitempty" yaml:"resolvedIP,omitempty"`
	Transport     Transport `json:"transport" yaml:"transport"`
}

// WantsMux reports whether this snapshot selects a Vision flow with mux
// enabled, the condition under which the coordinator creates a Mux
// Manager (spec §3 "mux_manager: optional; present iff ...").
func (s *Snapshot) WantsMux() bool {
	if s == nil {
		return false
	}
	return s.MuxEnabled && (s.Flow == FlowVision || s.Flow == FlowVisionUDP443)
}

// Endpoint returns the host to dial: the pre-resolved IP when present,
// otherwise the configured server address.
func (s *Snapshot) Endpoint() string {
	if s.ResolvedIP != "" {
		return s.ResolvedIP
	}
	return s.ServerAddress
}

// Decode parses the wire form of a start/switch control message. The
// control channel itself is always JSON (spec.md §6); this is the only
// format Decode accepts.
func Decode(r io.Reader) (*Snapshot, error) {
	var s Snapshot
	dec := json.NewDecoder(r)
	if err := dec.Decode(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

// DecodeYAML parses a YAML-formatted snapshot, offered as a friendlier
// hand-editable format for cmd/netcored's -config flag when driving the
// binary outside of the real host app's JSON IPC.
func DecodeYAML(r io.Reader) (*Snapshot, error) {
	var s Snapshot
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&s); err != nil {
		return nil, err
	}
	return &s, nil
}
