package transport

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"net"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	utls "github.com/refraction-networking/utls"

	"github.com/hiDandelion/netcore/internal/config"
	"github.com/hiDandelion/netcore/internal/xerrors"
)

// realityDialer performs a REALITY handshake: a genuine uTLS ClientHello
// against the configured front, with the real server's short ID and an
// AEAD-sealed auth tag steganographically written into the TLS
// SessionId field. Grounded on transport/internet/reality.UClient,
// trimmed to the client auth handshake itself — the post-handshake
// "spider" probe that mimics a browser crawling the decoy site is
// detection-evasion behavior this module does not reproduce.
type realityDialer struct{}

func (realityDialer) Dial(ctx context.Context, snap *config.Snapshot) (net.Conn, error) {
	s := snap.Transport.Reality
	if s == nil {
		return nil, xerrors.New("reality transport selected without settings").AtError()
	}

	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", endpoint(snap))
	if err != nil {
		return nil, xerrors.New("tcp dial failed").Base(err).AtError()
	}

	serverName := s.ServerName
	if serverName == "" {
		serverName = snap.ServerAddress
	}

	cfg := &utls.Config{
		ServerName:             serverName,
		InsecureSkipVerify:     true,
		SessionTicketsDisabled: true,
	}
	hello := fingerprintByName(s.Fingerprint)
	uconn := utls.UClient(raw, cfg, hello)

	if err := uconn.BuildHandshakeState(); err != nil {
		_ = raw.Close()
		return nil, xerrors.New("reality handshake state build failed").Base(err).AtError()
	}

	if err := sealAuth(uconn, s.PublicKey, s.ShortID); err != nil {
		_ = raw.Close()
		return nil, err
	}

	if err := uconn.HandshakeContext(ctx); err != nil {
		_ = raw.Close()
		return nil, xerrors.New("reality handshake failed").Base(err).AtError()
	}
	return uconn, nil
}

// sealAuth embeds the short ID and a derived auth tag into the
// ClientHello's SessionId, the way the real server recovers the shared
// secret to decide whether to proxy this connection or serve the decoy
// site. Grounded on reality.UClient's SessionId construction.
func sealAuth(uconn *utls.UConn, publicKeyHex, shortIDHex string) error {
	pub, err := hex.DecodeString(publicKeyHex)
	if err != nil || len(pub) != 32 {
		return xerrors.New("invalid reality public key").AtError()
	}
	shortID, err := hex.DecodeString(shortIDHex)
	if err != nil {
		return xerrors.New("invalid reality short id").AtError()
	}

	h := uconn.HandshakeState.Hello
	h.SessionId = make([]byte, 32)
	h.SessionId[0], h.SessionId[1], h.SessionId[2], h.SessionId[3] = 1, 0, 0, 0
	binary.BigEndian.PutUint32(h.SessionId[4:], uint32(time.Now().Unix()))
	copy(h.SessionId[8:], shortID)

	curve := ecdh.X25519()
	serverPub, err := curve.NewPublicKey(pub)
	if err != nil {
		return xerrors.New("invalid reality public key").Base(err).AtError()
	}
	ecdheKey := uconn.HandshakeState.State13.EcdheKey
	shared, err := ecdheKey.ECDH(serverPub)
	if err != nil || shared == nil {
		return xerrors.New("reality key agreement failed").Base(err).AtError()
	}

	authKey := make([]byte, 32)
	if _, err := hkdf.New(sha256.New, shared, h.Random[:20], []byte("REALITY")).Read(authKey); err != nil {
		return xerrors.New("reality key derivation failed").Base(err).AtError()
	}

	var aead cipher.AEAD
	block, err := aes.NewCipher(authKey)
	if err == nil {
		aead, err = cipher.NewGCM(block)
	}
	if err != nil {
		aead, err = chacha20poly1305.New(authKey)
		if err != nil {
			return xerrors.New("reality aead construction failed").Base(err).AtError()
		}
	}

	aead.Seal(h.SessionId[:0], h.Random[20:], h.SessionId[:16], h.Raw)
	copy(h.Raw[39:], h.SessionId)
	return nil
}

func fingerprintByName(name string) utls.ClientHelloID {
	switch name {
	case "firefox":
		return utls.HelloFirefox_Auto
	case "safari":
		return utls.HelloSafari_Auto
	case "ios":
		return utls.HelloIOS_Auto
	case "android":
		return utls.HelloAndroid_11_OkHttp
	case "edge":
		return utls.HelloEdge_Auto
	default:
		return utls.HelloChrome_Auto
	}
}
