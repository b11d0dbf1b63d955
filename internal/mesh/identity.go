// Package mesh implements the osmoda mesh daemon: peer identity, the
// Noise_XX + ML-KEM-768 hybrid post-quantum handshake, framed transport,
// room invites and gossip-based room sync. Ported from
// original_source/crates/osmoda-mesh into a gorilla/mux daemon idiom.
package mesh

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"
)

// PublicIdentity is the signed, shareable identity of a mesh peer.
type PublicIdentity struct {
	InstanceID        string   `json:"instance_id"`
	Ed25519Pubkey     string   `json:"ed25519_pubkey"`
	NoiseStaticPubkey string   `json:"noise_static_pubkey"`
	MLKEMEncapKey     string   `json:"mlkem_encap_key"`
	Capabilities      []string `json:"capabilities"`
	Signature         string   `json:"signature,omitempty"`
}

// Identity holds a peer's full key material, private and public.
type Identity struct {
	ed25519Priv ed25519.PrivateKey
	noiseStatic noise.DHKey
	mlkemPriv   *mlkem768.PrivateKey
	Public      PublicIdentity
}

const (
	ed25519KeyFile = "ed25519.key"
	noisePrivFile  = "noise_static.key"
	noisePubFile   = "noise_static.pub"
	mlkemDKFile    = "mlkem.dk"
	identityFile   = "identity.json"

	// meshProtocolVersion names the capability a peer advertises; gates
	// room invites and gossip against peers speaking an incompatible wire format.
	meshProtocolVersion = "mesh.v1"
)

var noiseDH = noise.DH25519

// LoadOrCreate loads a persisted identity from dataDir, or generates and
// persists a new one on first boot.
func LoadOrCreate(dataDir string) (*Identity, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, err
	}

	needed := []string{ed25519KeyFile, noisePrivFile, noisePubFile, mlkemDKFile}
	complete := true
	for _, f := range needed {
		if _, err := os.Stat(filepath.Join(dataDir, f)); err != nil {
			complete = false
			break
		}
	}

	if complete {
		return loadFromDisk(dataDir)
	}

	id, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := id.saveToDisk(dataDir); err != nil {
		return nil, err
	}
	blob, err := json.MarshalIndent(id.Public, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dataDir, identityFile), blob, 0o644); err != nil {
		return nil, err
	}
	logrus.WithField("instance_id", id.Public.InstanceID).Info("generated new mesh identity")
	return id, nil
}

// Generate creates a brand new identity: Ed25519 signing key, Noise_XX
// static X25519 keypair, and an ML-KEM-768 keypair, then self-signs it.
func Generate() (*Identity, error) {
	edPub, edPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	staticKP, err := noiseDH.GenerateKeypair(rand.Reader)
	if err != nil {
		return nil, err
	}

	mlkemPub, mlkemPriv, err := mlkem768.GenerateKeyPair(rand.Reader)
	if err != nil {
		return nil, err
	}
	ekBytes, err := mlkemPub.MarshalBinary()
	if err != nil {
		return nil, err
	}

	pub := PublicIdentity{
		InstanceID:        instanceID(staticKP.Public),
		Ed25519Pubkey:     hex.EncodeToString(edPub),
		NoiseStaticPubkey: hex.EncodeToString(staticKP.Public),
		MLKEMEncapKey:     base64.StdEncoding.EncodeToString(ekBytes),
		Capabilities:      []string{meshProtocolVersion},
	}

	sig, err := signIdentity(edPriv, pub)
	if err != nil {
		return nil, err
	}
	pub.Signature = hex.EncodeToString(sig)

	return &Identity{
		ed25519Priv: edPriv,
		noiseStatic: staticKP,
		mlkemPriv:   mlkemPriv,
		Public:      pub,
	}, nil
}

// instanceID derives the short peer id: the first 16 bytes of
// SHA-256(noise_static_pubkey), hex-encoded to 32 characters.
func instanceID(noiseStaticPub []byte) string {
	sum := sha256.Sum256(noiseStaticPub)
	return hex.EncodeToString(sum[:16])
}

// canonicalJSON produces the deterministic signable form of a public
// identity: field order fixed, signature excluded.
func canonicalJSON(id PublicIdentity) ([]byte, error) {
	signable := struct {
		InstanceID        string   `json:"instance_id"`
		Ed25519Pubkey     string   `json:"ed25519_pubkey"`
		NoiseStaticPubkey string   `json:"noise_static_pubkey"`
		MLKEMEncapKey     string   `json:"mlkem_encap_key"`
		Capabilities      []string `json:"capabilities"`
	}{id.InstanceID, id.Ed25519Pubkey, id.NoiseStaticPubkey, id.MLKEMEncapKey, id.Capabilities}
	return json.Marshal(signable)
}

func signIdentity(priv ed25519.PrivateKey, id PublicIdentity) ([]byte, error) {
	canonical, err := canonicalJSON(id)
	if err != nil {
		return nil, err
	}
	return ed25519.Sign(priv, canonical), nil
}

// VerifyIdentity checks the Ed25519 signature embedded in a public identity.
func VerifyIdentity(id PublicIdentity) (bool, error) {
	if id.Signature == "" {
		return false, errors.New("identity has no signature")
	}
	sigBytes, err := hex.DecodeString(id.Signature)
	if err != nil {
		return false, err
	}
	if len(sigBytes) != ed25519.SignatureSize {
		return false, fmt.Errorf("invalid signature length: %d", len(sigBytes))
	}
	pubBytes, err := hex.DecodeString(id.Ed25519Pubkey)
	if err != nil {
		return false, err
	}
	if len(pubBytes) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid ed25519 pubkey length: %d", len(pubBytes))
	}

	canonical, err := canonicalJSON(id)
	if err != nil {
		return false, err
	}
	return ed25519.Verify(ed25519.PublicKey(pubBytes), canonical, sigBytes), nil
}

func (id *Identity) saveToDisk(dataDir string) error {
	writeSecret := func(name string, data []byte) error {
		path := filepath.Join(dataDir, name)
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return err
		}
		return os.Chmod(path, 0o600)
	}

	if err := writeSecret(ed25519KeyFile, id.ed25519Priv.Seed()); err != nil {
		return err
	}
	if err := writeSecret(noisePrivFile, id.noiseStatic.Private); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dataDir, noisePubFile), id.noiseStatic.Public, 0o644); err != nil {
		return err
	}
	dkBytes, err := id.mlkemPriv.MarshalBinary()
	if err != nil {
		return err
	}
	return writeSecret(mlkemDKFile, dkBytes)
}

func loadFromDisk(dataDir string) (*Identity, error) {
	edSeed, err := os.ReadFile(filepath.Join(dataDir, ed25519KeyFile))
	if err != nil {
		return nil, fmt.Errorf("read ed25519 key: %w", err)
	}
	if len(edSeed) != ed25519.SeedSize {
		return nil, fmt.Errorf("ed25519 key has invalid length: %d", len(edSeed))
	}
	edPriv := ed25519.NewKeyFromSeed(edSeed)
	edPub := edPriv.Public().(ed25519.PublicKey)

	noisePriv, err := os.ReadFile(filepath.Join(dataDir, noisePrivFile))
	if err != nil {
		return nil, fmt.Errorf("read noise key: %w", err)
	}
	noisePub, err := os.ReadFile(filepath.Join(dataDir, noisePubFile))
	if err != nil {
		return nil, fmt.Errorf("read noise public key: %w", err)
	}
	if len(noisePriv) != 32 || len(noisePub) != 32 {
		return nil, errors.New("noise static key has invalid length")
	}
	staticKP := noise.DHKey{Private: noisePriv, Public: noisePub}

	dkBytes, err := os.ReadFile(filepath.Join(dataDir, mlkemDKFile))
	if err != nil {
		return nil, fmt.Errorf("read ML-KEM dk: %w", err)
	}
	mlkemPriv, err := mlkem768.Scheme().UnmarshalBinaryPrivateKey(dkBytes)
	if err != nil {
		return nil, fmt.Errorf("invalid ML-KEM dk: %w", err)
	}
	priv, ok := mlkemPriv.(*mlkem768.PrivateKey)
	if !ok {
		return nil, errors.New("unexpected ML-KEM private key type")
	}
	ekBytes, err := priv.Public().(*mlkem768.PublicKey).MarshalBinary()
	if err != nil {
		return nil, err
	}

	pub := PublicIdentity{
		InstanceID:        instanceID(staticKP.Public),
		Ed25519Pubkey:     hex.EncodeToString(edPub),
		NoiseStaticPubkey: hex.EncodeToString(staticKP.Public),
		MLKEMEncapKey:     base64.StdEncoding.EncodeToString(ekBytes),
		Capabilities:      []string{meshProtocolVersion},
	}
	sig, err := signIdentity(edPriv, pub)
	if err != nil {
		return nil, err
	}
	pub.Signature = hex.EncodeToString(sig)

	return &Identity{
		ed25519Priv: edPriv,
		noiseStatic: staticKP,
		mlkemPriv:   priv,
		Public:      pub,
	}, nil
}

// MLKEMEncapsulate encapsulates a shared secret to a peer's base64
// ML-KEM-768 encapsulation key, returning (ciphertext, shared secret).
func MLKEMEncapsulate(peerEncapKeyB64 string) ([]byte, []byte, error) {
	ekBytes, err := base64.StdEncoding.DecodeString(peerEncapKeyB64)
	if err != nil {
		return nil, nil, err
	}
	pub, err := mlkem768.Scheme().UnmarshalBinaryPublicKey(ekBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid ML-KEM encap key: %w", err)
	}
	ct, ss, err := mlkem768.Scheme().Encapsulate(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("ML-KEM encapsulation failed: %w", err)
	}
	return ct, ss, nil
}

// MLKEMDecapsulate recovers the shared secret from a ciphertext using this
// identity's ML-KEM-768 decapsulation key.
func (id *Identity) MLKEMDecapsulate(ciphertext []byte) ([]byte, error) {
	ss, err := mlkem768.Scheme().Decapsulate(id.mlkemPriv, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("ML-KEM decapsulation failed: %w", err)
	}
	return ss, nil
}

// NoiseStaticKeypair exposes the DH keypair used to build Noise_XX
// handshake states.
func (id *Identity) NoiseStaticKeypair() noise.DHKey {
	return id.noiseStatic
}
