// Package qualifier issues the placeholder VIN and encrypted qualifier token
// handed out once per newly provisioned device.
//
// The key is derived from a fixed prefix and two characters of the serial
// number, and the nonce from the serial number alone. Tokens are therefore
// reproducible by anyone holding the prefix. The derivation is kept only for
// compatibility with devices already in the field.
package qualifier

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"

	"device-association/internal/observability/metrics"
)

const (
	// KeyPrefixSize is the required length of the key prefix in bytes.
	KeyPrefixSize = 14

	vinLength      = 17
	vinAlphabet    = "ABCDEFGHJKLMNPRSTUVWXYZ0123456789"
	aadMarker      = "::"
	aadPartLength  = 5
	keySerialChars = 2
	padChar        = "0"
	fieldSeparator = "|"
	defaultVersion = "1"
)

var (
	// ErrEmptySerialNumber is returned when the serial number is blank.
	ErrEmptySerialNumber = errors.New("qualifier: empty serial number")
	// ErrInvalidKeyPrefix is returned when the prefix is not KeyPrefixSize bytes.
	ErrInvalidKeyPrefix = errors.New("qualifier: key prefix must be 14 bytes")
	// ErrInvalidToken is returned when a token cannot be opened.
	ErrInvalidToken = errors.New("qualifier: invalid token")
)

// Qualifier is the provisioning output for one serial number.
type Qualifier struct {
	SerialNumber string
	VIN          string
	Token        string
}

// Payload is the decrypted content of a token.
type Payload struct {
	VIN          string
	SerialNumber string
	Version      string
}

// Generator draws VINs and seals qualifier tokens. It is safe for concurrent use.
type Generator struct {
	prefix  []byte
	version string

	mu  sync.Mutex
	rng *rand.Rand
}

// Option customizes the generator.
type Option func(*Generator)

// WithSeed makes the VIN draw reproducible.
func WithSeed(seed1, seed2 uint64) Option {
	return func(g *Generator) {
		g.rng = rand.New(rand.NewPCG(seed1, seed2))
	}
}

// WithVersion sets the version field sealed into tokens.
func WithVersion(version string) Option {
	return func(g *Generator) {
		if version = strings.TrimSpace(version); version != "" {
			g.version = version
		}
	}
}

// NewGenerator constructs a Generator for a 14-byte key prefix.
func NewGenerator(keyPrefix string, opts ...Option) (*Generator, error) {
	if len(keyPrefix) != KeyPrefixSize {
		return nil, ErrInvalidKeyPrefix
	}
	g := &Generator{
		prefix:  []byte(keyPrefix),
		version: defaultVersion,
		rng:     rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Generate draws a VIN for serialNumber and seals the qualifier token.
func (g *Generator) Generate(serialNumber string) (Qualifier, error) {
	serialNumber = strings.TrimSpace(serialNumber)
	if serialNumber == "" {
		metrics.IncQualifier(metrics.ResultError)
		return Qualifier{}, ErrEmptySerialNumber
	}
	q, err := g.Seal(serialNumber, g.drawVIN())
	if err != nil {
		metrics.IncQualifier(metrics.ResultError)
		return Qualifier{}, err
	}
	metrics.IncQualifier(metrics.ResultSuccess)
	return q, nil
}

// Seal builds the token for a given VIN and serial number.
func (g *Generator) Seal(serialNumber, vin string) (Qualifier, error) {
	if serialNumber == "" {
		return Qualifier{}, ErrEmptySerialNumber
	}
	aead, err := g.aead(serialNumber)
	if err != nil {
		return Qualifier{}, err
	}
	plaintext := strings.Join([]string{vin, serialNumber, g.version}, fieldSeparator)
	sealed := aead.Seal(nil, nonce(serialNumber, aead.NonceSize()), []byte(plaintext), AssociatedData(serialNumber))
	return Qualifier{
		SerialNumber: serialNumber,
		VIN:          vin,
		Token:        base64.StdEncoding.EncodeToString(sealed),
	}, nil
}

// Open decrypts a token issued for serialNumber.
func (g *Generator) Open(serialNumber, token string) (Payload, error) {
	if serialNumber == "" {
		return Payload{}, ErrEmptySerialNumber
	}
	sealed, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	aead, err := g.aead(serialNumber)
	if err != nil {
		return Payload{}, err
	}
	plaintext, err := aead.Open(nil, nonce(serialNumber, aead.NonceSize()), sealed, AssociatedData(serialNumber))
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	parts := strings.Split(string(plaintext), fieldSeparator)
	if len(parts) != 3 {
		return Payload{}, fmt.Errorf("%w: malformed payload", ErrInvalidToken)
	}
	return Payload{VIN: parts[0], SerialNumber: parts[1], Version: parts[2]}, nil
}

// AssociatedData is the first and last five characters of the serial number
// joined by a marker. Serial numbers shorter than five characters are padded.
func AssociatedData(serialNumber string) []byte {
	padded := padRight(serialNumber, aadPartLength)
	head := padded[:aadPartLength]
	tail := padded[len(padded)-aadPartLength:]
	return []byte(head + aadMarker + tail)
}

func (g *Generator) aead(serialNumber string) (cipher.AEAD, error) {
	key := make([]byte, 0, KeyPrefixSize+keySerialChars)
	key = append(key, g.prefix...)
	key = append(key, padRight(serialNumber, keySerialChars)[:keySerialChars]...)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (g *Generator) drawVIN() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var b strings.Builder
	b.Grow(vinLength)
	for i := 0; i < vinLength; i++ {
		b.WriteByte(vinAlphabet[g.rng.IntN(len(vinAlphabet))])
	}
	return b.String()
}

func nonce(serialNumber string, size int) []byte {
	sum := sha256.Sum256([]byte(serialNumber))
	return sum[:size]
}

func padRight(value string, length int) string {
	if len(value) >= length {
		return value
	}
	return value + strings.Repeat(padChar, length-len(value))
}
