package key

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"

	synos "github.com/p2plookup/synack/pkg/os"
)

// NodeKey is the persistent peer key.
// It contains the nodes private key for authentication.
type NodeKey struct {
	PrivKey crypto.PrivKey // our priv key
	PubKey  crypto.PubKey  // our pub key
}

type nodeKeyJSON struct {
	PrivKeyBytes []byte `json:"priv_key"`
	PubKeyBytes  []byte `json:"pub_key"`
}

// MarshalJSON implements the json.Marshaler interface.
// Keys are stored in their protobuf encoding so that any libp2p key type survives a round trip.
func (nodeKey *NodeKey) MarshalJSON() ([]byte, error) {
	if nodeKey.PrivKey == nil || nodeKey.PubKey == nil {
		return nil, fmt.Errorf("nodeKey has nil key(s)")
	}

	privBytes, err := crypto.MarshalPrivateKey(nodeKey.PrivKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	pubBytes, err := crypto.MarshalPublicKey(nodeKey.PubKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}

	return json.Marshal(nodeKeyJSON{
		PrivKeyBytes: privBytes,
		PubKeyBytes:  pubBytes,
	})
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (nodeKey *NodeKey) UnmarshalJSON(data []byte) error {
	aux := nodeKeyJSON{}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	privKey, err := crypto.UnmarshalPrivateKey(aux.PrivKeyBytes)
	if err != nil {
		return fmt.Errorf("failed to unmarshal private key: %w", err)
	}

	pubKey, err := crypto.UnmarshalPublicKey(aux.PubKeyBytes)
	if err != nil {
		return fmt.Errorf("failed to unmarshal public key: %w", err)
	}

	if !privKey.GetPublic().Equals(pubKey) {
		return fmt.Errorf("public key does not match private key")
	}

	nodeKey.PrivKey = privKey
	nodeKey.PubKey = pubKey

	return nil
}

// ID returns the peer ID derived from the public key.
func (nodeKey *NodeKey) ID() (peer.ID, error) {
	return peer.IDFromPublicKey(nodeKey.PubKey)
}

// SaveAs persists the NodeKey to filePath.
func (nodeKey *NodeKey) SaveAs(filePath string) error {
	jsonBytes, err := json.Marshal(nodeKey)
	if err != nil {
		return err
	}
	if err := synos.EnsureDir(filepath.Dir(filePath), 0700); err != nil {
		return err
	}
	return os.WriteFile(filePath, jsonBytes, 0600)
}

// FromBase64 decodes a base64 string holding a protobuf-encoded private key.
func FromBase64(encoded string) (*NodeKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding base64 key: %w", err)
	}
	privKey, err := crypto.UnmarshalPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("decoding private key: %w", err)
	}
	return &NodeKey{PrivKey: privKey, PubKey: privKey.GetPublic()}, nil
}

// FromPKCS8File reads a PKCS#8 private key from filePath. Both DER and PEM
// encodings are accepted.
func FromPKCS8File(filePath string) (*NodeKey, error) {
	data, err := os.ReadFile(filePath) //nolint:gosec
	if err != nil {
		return nil, err
	}
	if block, _ := pem.Decode(data); block != nil {
		data = block.Bytes
	}

	stdKey, err := x509.ParsePKCS8PrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parsing PKCS#8 key: %w", err)
	}
	if k, ok := stdKey.(ed25519.PrivateKey); ok {
		stdKey = &k
	}

	privKey, pubKey, err := crypto.KeyPairFromStdKey(stdKey)
	if err != nil {
		return nil, fmt.Errorf("converting PKCS#8 key: %w", err)
	}
	return &NodeKey{PrivKey: privKey, PubKey: pubKey}, nil
}

// LoadOrGenNodeKey attempts to load the NodeKey from the given filePath. If
// the file does not exist, it generates and saves a new NodeKey.
func LoadOrGenNodeKey(filePath string) (*NodeKey, error) {
	if synos.FileExists(filePath) {
		return LoadNodeKey(filePath)
	}

	nodeKey, err := GenerateNodeKey()
	if err != nil {
		return nil, err
	}

	if err := nodeKey.SaveAs(filePath); err != nil {
		return nil, err
	}

	return nodeKey, nil
}

// GenerateNodeKey creates a new ed25519 NodeKey.
func GenerateNodeKey() (*NodeKey, error) {
	privKey, pubKey, err := crypto.GenerateKeyPair(crypto.Ed25519, 256)
	if err != nil {
		return nil, err
	}
	return &NodeKey{PrivKey: privKey, PubKey: pubKey}, nil
}

// LoadNodeKey loads NodeKey located in filePath.
func LoadNodeKey(filePath string) (*NodeKey, error) {
	jsonBytes, err := os.ReadFile(filePath) //nolint:gosec
	if err != nil {
		return nil, err
	}
	nodeKey := new(NodeKey)
	if err := json.Unmarshal(jsonBytes, nodeKey); err != nil {
		return nil, err
	}
	return nodeKey, nil
}

// Load picks the node identity: an explicit base64 key wins, otherwise the key
// file at filePath is loaded or created.
func Load(base64Key, filePath string) (*NodeKey, error) {
	if base64Key != "" {
		return FromBase64(base64Key)
	}
	return LoadOrGenNodeKey(filePath)
}
