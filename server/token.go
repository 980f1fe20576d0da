package server

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"
)

const (
	tokenSize = 16
	tokenInfo = "CONFCORE_MEDIA_TOKEN_V1"
)

// tokenIssuer derives media tokens from a per-process secret. A token binds
// a UDP address to the client that received it on the control connection.
type tokenIssuer struct {
	secret [32]byte
}

func newTokenIssuer() (*tokenIssuer, error) {
	ti := &tokenIssuer{}
	if _, err := rand.Read(ti.secret[:]); err != nil {
		return nil, err
	}
	return ti, nil
}

// issue derives a token for clientID. The issue time is mixed into the salt
// so a reconnecting client with a reused id gets a different token.
func (ti *tokenIssuer) issue(clientID uint32, now time.Time) (string, error) {
	salt := make([]byte, 12)
	binary.BigEndian.PutUint32(salt[0:4], clientID)
	binary.BigEndian.PutUint64(salt[4:12], uint64(now.UnixNano()))

	reader := hkdf.New(sha256.New, ti.secret[:], salt, []byte(tokenInfo))

	token := make([]byte, tokenSize)
	if _, err := io.ReadFull(reader, token); err != nil {
		return "", err
	}
	return hex.EncodeToString(token), nil
}
