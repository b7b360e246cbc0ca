package encryption

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/pbkdf2"

	xerrors "DataSov-Bridge/internal/errors"
)

const (
	CodeDecryptionFailed xerrors.Code = "DECRYPTION_FAILED"
	CodeFieldNotFound    xerrors.Code = "FIELD_NOT_FOUND"
	CodeEncryptionFailed xerrors.Code = "ENCRYPTION_FAILED"
)

func init() {
	xerrors.Register(CodeDecryptionFailed, xerrors.Attributes{
		Message:  "decryption failed",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeFieldNotFound, xerrors.Attributes{
		Message:  "field not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeEncryptionFailed, xerrors.Attributes{
		Message:  "encryption failed",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

// Engine 实现主密钥派生、逐字段 AEAD 以及基于 ECDH 的选择性披露。
// 除随机源外没有可变状态，可并发使用。
type Engine struct {
	random io.Reader
	now    func() time.Time
}

// Option 自定义 Engine。
type Option func(*Engine)

// WithRandom overrides the IV source.
func WithRandom(r io.Reader) Option {
	return func(e *Engine) {
		if r != nil {
			e.random = r
		}
	}
}

// WithClock overrides the timestamp source of disclosures.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine constructs an Engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{random: rand.Reader, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// DeriveMasterKey 通过钱包签名固定的域分离消息来确定性地派生主密钥。
func (e *Engine) DeriveMasterKey(owner *Keypair) ([]byte, error) {
	if err := checkKeypair(owner); err != nil {
		return nil, err
	}
	signature := ed25519.Sign(owner.PrivateKey, []byte(masterKeyMessage))
	salt := cycle(owner.PublicKey, keySize)
	return pbkdf2.Key(signature[:keySize], salt, masterKeyIterations, keySize, sha256.New), nil
}

// EncryptField seals the UTF-8 JSON of value under key with a fresh IV.
func (e *Engine) EncryptField(value any, key []byte) (EncryptedField, error) {
	plaintext, err := json.Marshal(value)
	if err != nil {
		return EncryptedField{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "field value is not JSON encodable")
	}
	aead, err := newAEAD(key)
	if err != nil {
		return EncryptedField{}, err
	}
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(e.random, iv); err != nil {
		return EncryptedField{}, xerrors.Wrap(CodeEncryptionFailed, err, "read iv")
	}
	sealed := aead.Seal(nil, iv, plaintext, nil)
	split := len(sealed) - tagSize
	return EncryptedField{
		Ciphertext: base64.StdEncoding.EncodeToString(sealed[:split]),
		IV:         base64.StdEncoding.EncodeToString(iv),
		AuthTag:    base64.StdEncoding.EncodeToString(sealed[split:]),
	}, nil
}

// DecryptField opens field and decodes the JSON value.
func (e *Engine) DecryptField(field EncryptedField, key []byte) (any, error) {
	raw, err := e.decryptRaw(field, key)
	if err != nil {
		return nil, err
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, xerrors.Wrap(CodeDecryptionFailed, err, "plaintext is not JSON")
	}
	return value, nil
}

// DecryptFieldInto opens field and decodes the JSON value into out.
func (e *Engine) DecryptFieldInto(field EncryptedField, key []byte, out any) error {
	raw, err := e.decryptRaw(field, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return xerrors.Wrap(CodeDecryptionFailed, err, "plaintext does not match target")
	}
	return nil
}

func (e *Engine) decryptRaw(field EncryptedField, key []byte) (json.RawMessage, error) {
	iv, err := base64.StdEncoding.DecodeString(field.IV)
	if err != nil || len(iv) != ivSize {
		return nil, xerrors.New(CodeDecryptionFailed, "malformed iv")
	}
	tag, err := base64.StdEncoding.DecodeString(field.AuthTag)
	if err != nil || len(tag) != tagSize {
		return nil, xerrors.New(CodeDecryptionFailed, "malformed auth tag")
	}
	ciphertext, err := base64.StdEncoding.DecodeString(field.Ciphertext)
	if err != nil {
		return nil, xerrors.New(CodeDecryptionFailed, "malformed ciphertext")
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, xerrors.Wrap(CodeDecryptionFailed, err, "invalid key")
	}
	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	plaintext, err := aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, xerrors.New(CodeDecryptionFailed, "authentication failed")
	}
	return plaintext, nil
}

// EncryptPersonalInfo encrypts every field independently under masterKey.
func (e *Engine) EncryptPersonalInfo(info map[string]any, masterKey []byte) (*EncryptedPersonalInfo, error) {
	out := &EncryptedPersonalInfo{
		Fields: make(map[string]EncryptedField, len(info)),
		Metadata: Metadata{
			Algorithm:     AlgorithmAES256GCM,
			KeyDerivation: KeyDerivationPBKDF2,
			Iterations:    masterKeyIterations,
			Version:       MetadataVersion,
		},
	}
	for name, value := range info {
		field, err := e.EncryptField(value, masterKey)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeOf(err), err, fmt.Sprintf("encrypt field %s", name))
		}
		out.Fields[name] = field
	}
	return out, nil
}

// DecryptPersonalInfo opens every field. Any failing field fails the whole call.
func (e *Engine) DecryptPersonalInfo(data *EncryptedPersonalInfo, masterKey []byte) (map[string]any, error) {
	if data == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "encrypted personal info is required")
	}
	out := make(map[string]any, len(data.Fields))
	for name, field := range data.Fields {
		value, err := e.DecryptField(field, masterKey)
		if err != nil {
			return nil, xerrors.Wrap(CodeDecryptionFailed, err, fmt.Sprintf("decrypt field %s", name))
		}
		out[name] = value
	}
	return out, nil
}

// DeriveSharedKey 计算双方一致的共享密钥：X25519 后再经 PBKDF2 拉伸。
func (e *Engine) DeriveSharedKey(self *Keypair, peer ed25519.PublicKey) ([]byte, error) {
	if err := checkKeypair(self); err != nil {
		return nil, err
	}
	peerPoint, err := montgomeryPublic(peer)
	if err != nil {
		return nil, err
	}
	secret, err := curve25519.X25519(montgomeryScalar(self.PrivateKey), peerPoint)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "x25519 exchange failed")
	}
	return pbkdf2.Key(secret, []byte(sharedKeySalt), sharedKeyIterations, keySize, sha256.New), nil
}

// ShareRequest 描述一次选择性披露。
type ShareRequest struct {
	Fields            []string
	ConsumerID        string
	ConsumerPublicKey ed25519.PublicKey
	Owner             *Keypair
	OwnerData         *EncryptedPersonalInfo
	MasterKey         []byte
}

// ShareFieldsWithConsumer re-encrypts the requested fields under the key the
// owner shares with the consumer. Every missing field is reported.
func (e *Engine) ShareFieldsWithConsumer(req ShareRequest) (*SelectiveDisclosure, error) {
	if len(req.Fields) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "at least one field must be requested")
	}
	if req.OwnerData == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "owner encrypted data is required")
	}
	requested := dedupe(req.Fields)
	var missing []string
	for _, name := range requested {
		if _, ok := req.OwnerData.Fields[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, xerrors.New(CodeFieldNotFound, "requested fields are not present",
			xerrors.WithDetails(missing...),
			xerrors.WithMetadata(xerrors.MetaConsumer, req.ConsumerID))
	}

	shared, err := e.DeriveSharedKey(req.Owner, req.ConsumerPublicKey)
	if err != nil {
		return nil, err
	}
	disclosure := &SelectiveDisclosure{
		Fields:         make(map[string]EncryptedField, len(requested)),
		ConsumerID:     req.ConsumerID,
		OwnerPublicKey: EncodePublicKey(req.Owner.PublicKey),
		Timestamp:      e.now(),
		Metadata: Metadata{
			Algorithm:     AlgorithmAES256GCM,
			KeyDerivation: KeyDerivationX25519,
			Iterations:    sharedKeyIterations,
			Version:       MetadataVersion,
		},
	}
	for _, name := range requested {
		plaintext, err := e.decryptRaw(req.OwnerData.Fields[name], req.MasterKey)
		if err != nil {
			return nil, xerrors.Wrap(CodeDecryptionFailed, err, fmt.Sprintf("decrypt field %s", name))
		}
		field, err := e.EncryptField(plaintext, shared)
		if err != nil {
			return nil, err
		}
		disclosure.Fields[name] = field
	}
	return disclosure, nil
}

// DecryptSharedFields opens a disclosure on the consumer side.
func (e *Engine) DecryptSharedFields(disclosure *SelectiveDisclosure, consumer *Keypair, ownerPublicKey ed25519.PublicKey) (map[string]any, error) {
	if disclosure == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "disclosure is required")
	}
	shared, err := e.DeriveSharedKey(consumer, ownerPublicKey)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(disclosure.Fields))
	for name, field := range disclosure.Fields {
		value, err := e.DecryptField(field, shared)
		if err != nil {
			return nil, xerrors.Wrap(CodeDecryptionFailed, err, fmt.Sprintf("decrypt shared field %s", name))
		}
		out[name] = value
	}
	return out, nil
}

// GenerateHash returns the hex SHA-256 of the canonical JSON of v.
func (e *Engine) GenerateHash(v any) (string, error) {
	payload, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyHash compares v against a hash produced by GenerateHash.
func (e *Engine) VerifyHash(v any, expected string) (bool, error) {
	actual, err := e.GenerateHash(v)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare([]byte(actual), []byte(strings.ToLower(expected))) == 1, nil
}

// SignData returns a detached base64 ed25519 signature over canonical JSON.
func (e *Engine) SignData(v any, signer *Keypair) (string, error) {
	if err := checkKeypair(signer); err != nil {
		return "", err
	}
	payload, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(signer.PrivateKey, payload)), nil
}

// VerifySignature checks a signature produced by SignData.
func (e *Engine) VerifySignature(v any, signature string, pub ed25519.PublicKey) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	payload, err := CanonicalJSON(v)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, payload, sig)
}

// CanonicalJSON 对 v 进行二次编码，使对象键按字典序排列，数字保持原样。
func CanonicalJSON(v any) ([]byte, error) {
	first, err := json.Marshal(v)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "value is not JSON encodable")
	}
	dec := json.NewDecoder(bytes.NewReader(first))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "value is not JSON encodable")
	}
	return json.Marshal(generic)
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != keySize {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("key must be %d bytes, got %d", keySize, len(key)))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, xerrors.Wrap(CodeEncryptionFailed, err, "init cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, xerrors.Wrap(CodeEncryptionFailed, err, "init gcm")
	}
	return aead, nil
}

func checkKeypair(k *Keypair) error {
	if k == nil || len(k.PrivateKey) != ed25519.PrivateKeySize || len(k.PublicKey) != ed25519.PublicKeySize {
		return xerrors.New(xerrors.CodeInvalidArgument, "a complete ed25519 keypair is required")
	}
	return nil
}

// montgomeryScalar 按 RFC 8032 从钱包种子得到 X25519 私钥标量，X25519 内部负责 clamp。
func montgomeryScalar(priv ed25519.PrivateKey) []byte {
	h := sha512.Sum512(priv.Seed())
	return h[:keySize]
}

func montgomeryPublic(pub ed25519.PublicKey) ([]byte, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "peer public key must be 32 bytes")
	}
	point, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "peer public key is not a curve point")
	}
	return point.BytesMontgomery(), nil
}

func cycle(src []byte, size int) []byte {
	out := make([]byte, size)
	for i := range out {
		out[i] = src[i%len(src)]
	}
	return out
}

func dedupe(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
