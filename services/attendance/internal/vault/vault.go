// Package vault stores biometric face-encoding sets at rest. Sets are
// compressed, encrypted to the device's age recipient, and uploaded to
// object storage; the returned ref is what FaceResult and the face profile
// carry instead of raw biometric data. The same age key seeds an Ed25519
// signing key used to make queued offline records tamper-evident.
package vault

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"filippo.io/age"
	"github.com/btcsuite/btcutil/bech32"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	gos3 "shiftd/pkg/s3"
)

const envAgeSecretKey = "AGE_SECRET_KEY"

// EncodingSet is a complete multi-angle registration payload.
type EncodingSet struct {
	UserID       string    `json:"user_id"`
	Angles       []Angle   `json:"angles"`
	QualityScore float64   `json:"quality_score"`
	CollectedAt  time.Time `json:"collected_at"`
}

// Angle is one accepted capture within a set.
type Angle struct {
	Pose     string    `json:"pose"` // front, left, right
	Encoding []float64 `json:"encoding"`
	Quality  float64   `json:"quality"`
}

// Vault encrypts, signs, and stores encoding sets.
type Vault struct {
	store      *gos3.Client
	bucket     string
	identity   *age.X25519Identity
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
}

// NewFromEnv initialises a Vault from AGE_SECRET_KEY. store may be nil for
// sign/verify-only use (offline record signing without object storage).
func NewFromEnv(store *gos3.Client, bucket string) (*Vault, error) {
	secret := strings.TrimSpace(os.Getenv(envAgeSecretKey))
	if secret == "" {
		return nil, fmt.Errorf("%s must be set", envAgeSecretKey)
	}
	return New(store, bucket, secret)
}

// New initialises a Vault from an age secret key string.
func New(store *gos3.Client, bucket, ageSecret string) (*Vault, error) {
	identity, err := age.ParseX25519Identity(strings.TrimSpace(ageSecret))
	if err != nil {
		return nil, fmt.Errorf("parse age identity: %w", err)
	}

	seed, err := decodeAgeSecretKey(strings.TrimSpace(ageSecret))
	if err != nil {
		return nil, fmt.Errorf("derive signing key: %w", err)
	}
	privateKey := ed25519.NewKeyFromSeed(seed)

	if store != nil && bucket == "" {
		return nil, errors.New("bucket is required when object storage is configured")
	}

	return &Vault{
		store:      store,
		bucket:     bucket,
		identity:   identity,
		privateKey: privateKey,
		publicKey:  privateKey.Public().(ed25519.PublicKey),
	}, nil
}

// StoreEncodingSet encrypts and uploads a set, returning its ref.
func (v *Vault) StoreEncodingSet(ctx context.Context, set EncodingSet) (string, error) {
	if v.store == nil {
		return "", errors.New("vault has no object storage configured")
	}
	if set.UserID == "" {
		return "", errors.New("encoding set missing user id")
	}
	if len(set.Angles) == 0 {
		return "", errors.New("encoding set is empty")
	}

	sealed, err := v.seal(set)
	if err != nil {
		return "", err
	}

	digest := sha256.Sum256(sealed)
	ref := fmt.Sprintf("faces/%s/%s.age", set.UserID, uuid.NewString())

	if err := v.store.PutObject(ctx, v.bucket, ref, bytes.NewReader(sealed), int64(len(sealed)), hex.EncodeToString(digest[:])); err != nil {
		return "", fmt.Errorf("upload encoding set: %w", err)
	}

	return ref, nil
}

// LoadEncodingSet fetches and decrypts a set by ref.
func (v *Vault) LoadEncodingSet(ctx context.Context, ref string) (EncodingSet, error) {
	if v.store == nil {
		return EncodingSet{}, errors.New("vault has no object storage configured")
	}

	body, err := v.store.GetObject(ctx, v.bucket, ref)
	if err != nil {
		return EncodingSet{}, fmt.Errorf("fetch encoding set: %w", err)
	}
	defer body.Close()

	sealed, err := io.ReadAll(body)
	if err != nil {
		return EncodingSet{}, err
	}

	return v.open(sealed)
}

func (v *Vault) seal(set EncodingSet) ([]byte, error) {
	plain, err := json.Marshal(set)
	if err != nil {
		return nil, err
	}

	compressor, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	compressed := compressor.EncodeAll(plain, nil)
	if err := compressor.Close(); err != nil {
		return nil, err
	}

	var sealed bytes.Buffer
	w, err := age.Encrypt(&sealed, v.identity.Recipient())
	if err != nil {
		return nil, fmt.Errorf("encrypt encoding set: %w", err)
	}
	if _, err := w.Write(compressed); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	return sealed.Bytes(), nil
}

func (v *Vault) open(sealed []byte) (EncodingSet, error) {
	r, err := age.Decrypt(bytes.NewReader(sealed), v.identity)
	if err != nil {
		return EncodingSet{}, fmt.Errorf("decrypt encoding set: %w", err)
	}
	compressed, err := io.ReadAll(r)
	if err != nil {
		return EncodingSet{}, err
	}

	decompressor, err := zstd.NewReader(nil)
	if err != nil {
		return EncodingSet{}, err
	}
	defer decompressor.Close()
	plain, err := decompressor.DecodeAll(compressed, nil)
	if err != nil {
		return EncodingSet{}, fmt.Errorf("decompress encoding set: %w", err)
	}

	var set EncodingSet
	if err := json.Unmarshal(plain, &set); err != nil {
		return EncodingSet{}, err
	}
	return set, nil
}

// Sign produces a base64 Ed25519 signature over payload.
func (v *Vault) Sign(payload []byte) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(v.privateKey, payload))
}

// VerifySignature checks a base64 signature over payload.
func (v *Vault) VerifySignature(payload []byte, signature string) bool {
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(v.publicKey, payload, sig)
}

// PublicKeyBase64 returns the signing public key for server-side verification.
func (v *Vault) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(v.publicKey)
}

// GenerateIdentity mints a fresh age identity; used by the keygen command.
func GenerateIdentity() (secret, recipient string, err error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return "", "", err
	}
	return identity.String(), identity.Recipient().String(), nil
}

func decodeAgeSecretKey(raw string) ([]byte, error) {
	hrp, data, err := bech32.Decode(raw)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(hrp, "age-secret-key-") {
		return nil, fmt.Errorf("unexpected hrp %q", hrp)
	}
	decoded, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, err
	}
	if len(decoded) != ed25519.SeedSize {
		return nil, fmt.Errorf("unexpected seed length %d", len(decoded))
	}
	return decoded, nil
}
