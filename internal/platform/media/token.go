// Package media issues room credentials for the external real-time media SDK
// the clients use once a consultation has been matched.
package media

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

const tokenVersion = "04"

var ErrNotConfigured = errors.New("media token issuer is not configured")

// Config holds the media SDK credentials.
type Config struct {
	AppID        uint32
	ServerSecret string
	TTL          time.Duration
}

// Enabled reports whether tokens can be issued.
func (c Config) Enabled() bool {
	return c.AppID != 0 && c.ServerSecret != ""
}

type tokenPayload struct {
	AppID  uint32 `json:"app_id"`
	UserID string `json:"user_id"`
	Nonce  int32  `json:"nonce"`
	CTime  int64  `json:"ctime"`
	Expire int64  `json:"expire"`
}

// Issuer mints version-04 tokens: the JSON payload is AES-128-CBC encrypted
// under MD5(server secret) with a random IV, and IV||ciphertext is encoded
// into a URL-friendly string.
type Issuer struct {
	cfg Config
	key []byte
	now func() time.Time
}

// NewIssuer validates cfg and derives the encryption key.
func NewIssuer(cfg Config) (*Issuer, error) {
	if !cfg.Enabled() {
		return nil, ErrNotConfigured
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	sum := md5.Sum([]byte(cfg.ServerSecret))
	return &Issuer{cfg: cfg, key: sum[:], now: time.Now}, nil
}

func (i *Issuer) AppID() uint32 { return i.cfg.AppID }

// IssueToken returns a token for userID and the time it expires.
func (i *Issuer) IssueToken(userID string) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, fmt.Errorf("user id is required")
	}

	var nb [4]byte
	if _, err := rand.Read(nb[:]); err != nil {
		return "", time.Time{}, fmt.Errorf("nonce: %w", err)
	}
	now := i.now()
	exp := now.Add(i.cfg.TTL)
	payload, err := json.Marshal(tokenPayload{
		AppID:  i.cfg.AppID,
		UserID: userID,
		Nonce:  int32(binary.BigEndian.Uint32(nb[:]) & math.MaxInt32),
		CTime:  now.Unix(),
		Expire: exp.Unix(),
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("marshal token payload: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", time.Time{}, fmt.Errorf("iv: %w", err)
	}
	block, err := aes.NewCipher(i.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("cipher: %w", err)
	}
	plain := pkcs7Pad(payload, aes.BlockSize)
	sealed := make([]byte, len(plain))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(sealed, plain)

	return tokenVersion + encode(append(iv, sealed...)), exp, nil
}

// decode reverses IssueToken.
func (i *Issuer) decode(token string) (tokenPayload, error) {
	var p tokenPayload
	if !strings.HasPrefix(token, tokenVersion) {
		return p, fmt.Errorf("unsupported token version")
	}
	raw, err := decodeString(token[len(tokenVersion):])
	if err != nil {
		return p, fmt.Errorf("decode token: %w", err)
	}
	if len(raw) < 2*aes.BlockSize || len(raw)%aes.BlockSize != 0 {
		return p, fmt.Errorf("token has invalid length %d", len(raw))
	}
	block, err := aes.NewCipher(i.key)
	if err != nil {
		return p, err
	}
	iv, sealed := raw[:aes.BlockSize], raw[aes.BlockSize:]
	plain := make([]byte, len(sealed))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, sealed)
	plain, err = pkcs7Unpad(plain, aes.BlockSize)
	if err != nil {
		return p, err
	}
	err = json.Unmarshal(plain, &p)
	return p, err
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 || len(b)%size != 0 {
		return nil, fmt.Errorf("invalid padded length %d", len(b))
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, fmt.Errorf("invalid padding")
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, fmt.Errorf("invalid padding")
		}
	}
	return b[:len(b)-n], nil
}

// encode is unpadded standard base64 with '+' as '*' and '/' as '-'.
func encode(b []byte) string {
	s := base64.RawStdEncoding.EncodeToString(b)
	return strings.NewReplacer("+", "*", "/", "-").Replace(s)
}

func decodeString(s string) ([]byte, error) {
	s = strings.NewReplacer("*", "+", "-", "/").Replace(s)
	return base64.RawStdEncoding.DecodeString(s)
}
