package encryption

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"time"
)

// Algorithm identifiers written into encryption metadata.
const (
	AlgorithmAES256GCM  = "AES-256-GCM"
	KeyDerivationPBKDF2 = "PBKDF2-HMAC-SHA256"
	KeyDerivationX25519 = "X25519+PBKDF2-HMAC-SHA256"
	MetadataVersion     = "1"
	masterKeyMessage    = "DataSov:master-key:v1"
	sharedKeySalt       = "DataSov:shared-key:v1"
	masterKeyIterations = 100_000
	sharedKeyIterations = 10_000
	keySize             = 32
	ivSize              = 12
	tagSize             = 16
)

// Keypair 是注入的钱包签名能力，引擎从不持久化它。
type Keypair struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// GenerateKeypair 使用 r（为空时使用 crypto/rand）生成新的 ed25519 钱包。
func GenerateKeypair(r io.Reader) (*Keypair, error) {
	if r == nil {
		r = rand.Reader
	}
	pub, priv, err := ed25519.GenerateKey(r)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return &Keypair{PublicKey: pub, PrivateKey: priv}, nil
}

// KeypairFromSeed 从 32 字节种子恢复钱包。
func KeypairFromSeed(seed []byte) (*Keypair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Keypair{PublicKey: priv.Public().(ed25519.PublicKey), PrivateKey: priv}, nil
}

// Address returns the hex form of the public key used as an owner address.
func (k *Keypair) Address() string {
	if k == nil {
		return ""
	}
	return hex.EncodeToString(k.PublicKey)
}

// EncodePublicKey renders a public key for transport.
func EncodePublicKey(pub ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub)
}

// DecodePublicKey parses a public key produced by EncodePublicKey or a hex address.
func DecodePublicKey(raw string) (ed25519.PublicKey, error) {
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil && len(decoded) == ed25519.PublicKeySize {
		return ed25519.PublicKey(decoded), nil
	}
	if decoded, err := hex.DecodeString(raw); err == nil && len(decoded) == ed25519.PublicKeySize {
		return ed25519.PublicKey(decoded), nil
	}
	return nil, fmt.Errorf("public key must be %d bytes in base64 or hex", ed25519.PublicKeySize)
}

// EncryptedField is one independently encrypted value.
type EncryptedField struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	AuthTag    string `json:"authTag"`
}

// Metadata 记录加密所用的算法与密钥派生方式。
type Metadata struct {
	Algorithm     string `json:"algorithm"`
	KeyDerivation string `json:"keyDerivation"`
	Iterations    int    `json:"iterations"`
	Version       string `json:"version"`
}

// EncryptedPersonalInfo maps field names to their ciphertexts.
type EncryptedPersonalInfo struct {
	Fields   map[string]EncryptedField `json:"fields"`
	Metadata Metadata                  `json:"encryptionMetadata"`
}

// FieldNames returns the names of the encrypted fields.
func (p *EncryptedPersonalInfo) FieldNames() []string {
	if p == nil {
		return nil
	}
	names := make([]string, 0, len(p.Fields))
	for name := range p.Fields {
		names = append(names, name)
	}
	return names
}

// Clone returns a deep copy.
func (p *EncryptedPersonalInfo) Clone() *EncryptedPersonalInfo {
	if p == nil {
		return nil
	}
	out := &EncryptedPersonalInfo{Metadata: p.Metadata}
	if p.Fields != nil {
		out.Fields = make(map[string]EncryptedField, len(p.Fields))
		for k, v := range p.Fields {
			out.Fields[k] = v
		}
	}
	return out
}

// SelectiveDisclosure 是为单个消费者重新加密的字段子集，生成后不可修改。
type SelectiveDisclosure struct {
	Fields         map[string]EncryptedField `json:"fields"`
	ConsumerID     string                    `json:"consumerId"`
	OwnerPublicKey string                    `json:"ownerPublicKey"`
	Timestamp      time.Time                 `json:"timestamp"`
	Metadata       Metadata                  `json:"encryptionMetadata"`
}

// FieldNames returns the disclosed field names.
func (d *SelectiveDisclosure) FieldNames() []string {
	if d == nil {
		return nil
	}
	names := make([]string, 0, len(d.Fields))
	for name := range d.Fields {
		names = append(names, name)
	}
	return names
}
