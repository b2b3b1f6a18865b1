package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

// argon2idParams tunes credential hashing.
type argon2idParams struct {
	time       uint32
	memory     uint32
	threads    uint8
	keyLength  uint32
	saltLength uint32
}

var defaultParams = argon2idParams{
	time:       1,
	memory:     64 * 1024,
	threads:    4,
	keyLength:  32,
	saltLength: 16,
}

// HashPassword hashes a password with argon2id. The encoded form embeds the
// parameters so they can evolve without invalidating stored digests.
func HashPassword(password string) (string, error) {
	p := defaultParams
	salt := make([]byte, int(p.saltLength))
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	hash := argon2.IDKey([]byte(password), salt, p.time, p.memory, p.threads, p.keyLength)
	b64Salt := base64.RawStdEncoding.EncodeToString(salt)
	b64Hash := base64.RawStdEncoding.EncodeToString(hash)

	return fmt.Sprintf("argon2id$%d$%d$%d$%s$%s", p.time, p.memory, p.threads, b64Salt, b64Hash), nil
}

// VerifyPassword reports whether the password matches the encoded digest.
// Comparison is constant-time.
func VerifyPassword(password, encoded string) (bool, error) {
	p, salt, hash, err := decodeDigest(encoded)
	if err != nil {
		return false, err
	}
	computed := argon2.IDKey([]byte(password), salt, p.time, p.memory, p.threads, uint32(len(hash)))
	return subtle.ConstantTimeCompare(computed, hash) == 1, nil
}

func decodeDigest(encoded string) (argon2idParams, []byte, []byte, error) {
	var p argon2idParams
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 {
		return p, nil, nil, errors.New("invalid digest format")
	}
	if parts[0] != "argon2id" {
		return p, nil, nil, fmt.Errorf("unsupported digest algorithm: %s", parts[0])
	}
	timeValue, err := parseUint32(parts[1])
	if err != nil {
		return p, nil, nil, fmt.Errorf("invalid time parameter: %w", err)
	}
	memoryValue, err := parseUint32(parts[2])
	if err != nil {
		return p, nil, nil, fmt.Errorf("invalid memory parameter: %w", err)
	}
	threadsValue, err := parseUint32(parts[3])
	if err != nil {
		return p, nil, nil, fmt.Errorf("invalid threads parameter: %w", err)
	}
	if threadsValue == 0 || threadsValue > 255 {
		return p, nil, nil, errors.New("invalid thread count")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return p, nil, nil, fmt.Errorf("decode salt: %w", err)
	}
	hash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return p, nil, nil, fmt.Errorf("decode hash: %w", err)
	}
	p.time = timeValue
	p.memory = memoryValue
	p.threads = uint8(threadsValue)
	p.keyLength = uint32(len(hash))
	p.saltLength = uint32(len(salt))
	return p, salt, hash, nil
}

func parseUint32(value string) (uint32, error) {
	parsed, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(parsed), nil
}
