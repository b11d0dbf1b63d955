package mesh

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/flynn/noise"
	"golang.org/x/crypto/hkdf"
)

// hkdfInfo namespaces the hybrid rekey derivation from any other use of
// the same Noise handshake hash.
const hkdfInfo = "osMODA-mesh-v1"

// noiseCipherSuite names the Noise primitives this mesh speaks:
// X25519 DH, ChaChaPoly AEAD, BLAKE2s hash. Each handshake pairs it with
// the XX pattern (mutual, no prior knowledge of peer static keys).
var noiseCipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)

// HandshakeResult is the outcome of a completed Noise_XX handshake: a
// ready transport cipher state, the verified peer identity, and hybrid
// post-quantum rekey material derived from both the Noise and ML-KEM
// shared secrets.
type HandshakeResult struct {
	Transport      *noise.CipherState
	RecvCipher     *noise.CipherState
	PeerIdentity   PublicIdentity
	PQRekeyMaterial [32]byte
}

// InitiateHandshake performs the Noise_XX handshake as the connecting
// peer, then exchanges signed identities and an ML-KEM-768 ciphertext
// pair inside the encrypted tunnel.
func InitiateHandshake(ctx context.Context, conn net.Conn, id *Identity) (*HandshakeResult, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   noiseCipherSuite,
		Pattern:       noise.HandshakeXX,
		Initiator:     true,
		StaticKeypair: id.NoiseStaticKeypair(),
	})
	if err != nil {
		return nil, err
	}

	// Message 1: -> e
	msg1, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, err
	}
	if err := sendFrame(conn, msg1); err != nil {
		return nil, err
	}

	// Message 2: <- e, ee, s, es
	msg2, err := recvFrame(conn)
	if err != nil {
		return nil, err
	}
	if _, _, _, err := hs.ReadMessage(nil, msg2); err != nil {
		return nil, err
	}

	// Message 3: -> s, se (completes the handshake)
	msg3, csOut, csIn, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, err
	}
	if err := sendFrame(conn, msg3); err != nil {
		return nil, err
	}

	handshakeHash := hs.ChannelBinding()
	send, recv := csOut, csIn

	peerIdentity, err := exchangeIdentity(conn, send, recv, id.Public)
	if err != nil {
		return nil, err
	}

	ssInitiator, ssResponder, err := pqExchangeInitiator(conn, send, recv, id, peerIdentity)
	if err != nil {
		return nil, err
	}

	rekey := deriveHybridKey(handshakeHash, ssInitiator, ssResponder)

	return &HandshakeResult{
		Transport:       send,
		RecvCipher:      recv,
		PeerIdentity:    peerIdentity,
		PQRekeyMaterial: rekey,
	}, nil
}

// RespondHandshake performs the Noise_XX handshake as the accepting peer.
func RespondHandshake(ctx context.Context, conn net.Conn, id *Identity) (*HandshakeResult, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   noiseCipherSuite,
		Pattern:       noise.HandshakeXX,
		Initiator:     false,
		StaticKeypair: id.NoiseStaticKeypair(),
	})
	if err != nil {
		return nil, err
	}

	// Message 1: <- e
	msg1, err := recvFrame(conn)
	if err != nil {
		return nil, err
	}
	if _, _, _, err := hs.ReadMessage(nil, msg1); err != nil {
		return nil, err
	}

	// Message 2: -> e, ee, s, es
	msg2, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, err
	}
	if err := sendFrame(conn, msg2); err != nil {
		return nil, err
	}

	// Message 3: <- s, se (completes the handshake)
	msg3, err := recvFrame(conn)
	if err != nil {
		return nil, err
	}
	_, csIn, csOut, err := hs.ReadMessage(nil, msg3)
	if err != nil {
		return nil, err
	}

	handshakeHash := hs.ChannelBinding()
	send, recv := csOut, csIn

	peerIdentity, err := exchangeIdentityAsResponder(conn, send, recv, id.Public)
	if err != nil {
		return nil, err
	}

	ssInitiator, ssResponder, err := pqExchangeResponder(conn, send, recv, id, peerIdentity)
	if err != nil {
		return nil, err
	}

	rekey := deriveHybridKey(handshakeHash, ssInitiator, ssResponder)

	return &HandshakeResult{
		Transport:       send,
		RecvCipher:      recv,
		PeerIdentity:    peerIdentity,
		PQRekeyMaterial: rekey,
	}, nil
}

// exchangeIdentity (initiator side) sends our identity first, then reads the peer's.
func exchangeIdentity(conn net.Conn, send, recv *noise.CipherState, self PublicIdentity) (PublicIdentity, error) {
	selfJSON, err := json.Marshal(self)
	if err != nil {
		return PublicIdentity{}, err
	}
	enc, err := send.Encrypt(nil, nil, selfJSON)
	if err != nil {
		return PublicIdentity{}, err
	}
	if err := sendFrame(conn, enc); err != nil {
		return PublicIdentity{}, err
	}

	return readPeerIdentity(conn, recv)
}

// exchangeIdentityAsResponder (responder side) reads the peer's identity first, then sends ours.
func exchangeIdentityAsResponder(conn net.Conn, send, recv *noise.CipherState, self PublicIdentity) (PublicIdentity, error) {
	peerIdentity, err := readPeerIdentity(conn, recv)
	if err != nil {
		return PublicIdentity{}, err
	}

	selfJSON, err := json.Marshal(self)
	if err != nil {
		return PublicIdentity{}, err
	}
	enc, err := send.Encrypt(nil, nil, selfJSON)
	if err != nil {
		return PublicIdentity{}, err
	}
	if err := sendFrame(conn, enc); err != nil {
		return PublicIdentity{}, err
	}

	return peerIdentity, nil
}

func readPeerIdentity(conn net.Conn, recv *noise.CipherState) (PublicIdentity, error) {
	frame, err := recvFrame(conn)
	if err != nil {
		return PublicIdentity{}, err
	}
	plain, err := recv.Decrypt(nil, nil, frame)
	if err != nil {
		return PublicIdentity{}, err
	}
	var peerIdentity PublicIdentity
	if err := json.Unmarshal(plain, &peerIdentity); err != nil {
		return PublicIdentity{}, fmt.Errorf("parse peer identity: %w", err)
	}
	valid, err := VerifyIdentity(peerIdentity)
	if err != nil {
		return PublicIdentity{}, err
	}
	if !valid {
		return PublicIdentity{}, errors.New("peer identity signature verification failed")
	}
	return peerIdentity, nil
}

func pqExchangeInitiator(conn net.Conn, send, recv *noise.CipherState, id *Identity, peer PublicIdentity) (ssInitiator, ssResponder []byte, err error) {
	ctToPeer, ss, err := MLKEMEncapsulate(peer.MLKEMEncapKey)
	if err != nil {
		return nil, nil, err
	}
	if err := sendPqExchange(conn, send, ctToPeer); err != nil {
		return nil, nil, err
	}

	peerCT, err := recvPqExchange(conn, recv)
	if err != nil {
		return nil, nil, err
	}
	ssResponder, err = id.MLKEMDecapsulate(peerCT)
	if err != nil {
		return nil, nil, err
	}
	return ss, ssResponder, nil
}

func pqExchangeResponder(conn net.Conn, send, recv *noise.CipherState, id *Identity, peer PublicIdentity) (ssInitiator, ssResponder []byte, err error) {
	peerCT, err := recvPqExchange(conn, recv)
	if err != nil {
		return nil, nil, err
	}
	ssInitiator, err = id.MLKEMDecapsulate(peerCT)
	if err != nil {
		return nil, nil, err
	}

	ctToPeer, ss, err := MLKEMEncapsulate(peer.MLKEMEncapKey)
	if err != nil {
		return nil, nil, err
	}
	if err := sendPqExchange(conn, send, ctToPeer); err != nil {
		return nil, nil, err
	}
	return ssInitiator, ss, nil
}

func sendPqExchange(conn net.Conn, send *noise.CipherState, ciphertext []byte) error {
	msg := Message{Type: MsgPqExchange, MLKEMCiphertext: base64.StdEncoding.EncodeToString(ciphertext)}
	blob, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	enc, err := send.Encrypt(nil, nil, blob)
	if err != nil {
		return err
	}
	return sendFrame(conn, enc)
}

func recvPqExchange(conn net.Conn, recv *noise.CipherState) ([]byte, error) {
	frame, err := recvFrame(conn)
	if err != nil {
		return nil, err
	}
	plain, err := recv.Decrypt(nil, nil, frame)
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal(plain, &msg); err != nil {
		return nil, err
	}
	if msg.Type != MsgPqExchange {
		return nil, fmt.Errorf("expected pq_exchange message, got %s", msg.Type)
	}
	return base64.StdEncoding.DecodeString(msg.MLKEMCiphertext)
}

// deriveHybridKey derives 32 bytes of rekey material via HKDF-SHA256
// over the Noise handshake hash followed by both ML-KEM shared secrets.
func deriveHybridKey(handshakeHash, ss1, ss2 []byte) [32]byte {
	ikm := make([]byte, 0, len(handshakeHash)+len(ss1)+len(ss2))
	ikm = append(ikm, handshakeHash...)
	ikm = append(ikm, ss1...)
	ikm = append(ikm, ss2...)

	reader := hkdf.New(sha256.New, ikm, nil, []byte(hkdfInfo))
	var out [32]byte
	io.ReadFull(reader, out[:])
	return out
}

func sendFrame(conn net.Conn, payload []byte) error {
	_, err := conn.Write(EncodeFrame(payload))
	return err
}

func recvFrame(conn net.Conn) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return nil, err
	}
	length := DecodeFrameLength(header)
	if length > MaxMessageSize {
		return nil, ErrFrameTooLarge{Length: length}
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
