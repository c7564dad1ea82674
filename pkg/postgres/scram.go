package postgres

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// scramClient runs the client side of a SCRAM-SHA-256 exchange. It
// follows the PostgreSQL convention of omitting the username in the
// SCRAM messages (n=,) since the username already arrived in the startup
// message, and uses the gs2-header "n,," (no channel binding).
type scramClient struct {
	password string

	clientNonce        string
	clientFirstMsgBare string
	serverFirstMsg     string
	saltedPassword     []byte
	authMessage        string
}

func newScramClient(password string) (*scramClient, error) {
	nonceBytes := make([]byte, 18)
	if _, err := rand.Read(nonceBytes); err != nil {
		return nil, fmt.Errorf("failed to generate client nonce: %w", err)
	}
	return &scramClient{
		password:    password,
		clientNonce: base64.StdEncoding.EncodeToString(nonceBytes),
	}, nil
}

// clientFirstMessage builds the initial SASL payload.
func (s *scramClient) clientFirstMessage() []byte {
	s.clientFirstMsgBare = "n=,r=" + s.clientNonce
	return []byte("n,," + s.clientFirstMsgBare)
}

// clientFinalMessage processes the server-first-message and returns the
// client-final-message with the proof.
func (s *scramClient) clientFinalMessage(serverFirstMsg []byte) ([]byte, error) {
	s.serverFirstMsg = string(serverFirstMsg)
	attrs := parseScramAttributes(s.serverFirstMsg)

	// Format: "r=combined-nonce,s=base64-salt,i=iteration-count"
	combinedNonce, ok := attrs["r"]
	if !ok {
		return nil, errors.New("missing nonce in server-first-message")
	}
	if !strings.HasPrefix(combinedNonce, s.clientNonce) {
		return nil, errors.New("server nonce does not extend client nonce")
	}

	saltB64, ok := attrs["s"]
	if !ok {
		return nil, errors.New("missing salt in server-first-message")
	}
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return nil, fmt.Errorf("invalid salt encoding: %w", err)
	}

	iterStr, ok := attrs["i"]
	if !ok {
		return nil, errors.New("missing iteration count in server-first-message")
	}
	iterations, err := strconv.Atoi(iterStr)
	if err != nil || iterations < 1 {
		return nil, fmt.Errorf("invalid iteration count %q", iterStr)
	}

	s.saltedPassword = pbkdf2.Key([]byte(s.password), salt, iterations, 32, sha256.New)

	// "c=biws" is base64("n,,"), matching our gs2-header.
	clientFinalWithoutProof := "c=biws,r=" + combinedNonce
	s.authMessage = s.clientFirstMsgBare + "," + s.serverFirstMsg + "," + clientFinalWithoutProof

	// ClientKey = HMAC(SaltedPassword, "Client Key")
	clientKey := hmacSHA256(s.saltedPassword, []byte("Client Key"))

	// StoredKey = SHA256(ClientKey)
	storedKeyHash := sha256.Sum256(clientKey)

	// ClientSignature = HMAC(StoredKey, AuthMessage)
	clientSignature := hmacSHA256(storedKeyHash[:], []byte(s.authMessage))

	// ClientProof = ClientKey XOR ClientSignature
	proof := make([]byte, len(clientKey))
	for i := range clientKey {
		proof[i] = clientKey[i] ^ clientSignature[i]
	}

	final := clientFinalWithoutProof + ",p=" + base64.StdEncoding.EncodeToString(proof)
	return []byte(final), nil
}

// verifyServerFinal checks the server signature in the
// server-final-message, proving the server also knows the password.
func (s *scramClient) verifyServerFinal(serverFinalMsg []byte) error {
	attrs := parseScramAttributes(string(serverFinalMsg))

	if e, ok := attrs["e"]; ok {
		return fmt.Errorf("server rejected authentication: %s", e)
	}

	signatureB64, ok := attrs["v"]
	if !ok {
		return errors.New("missing server signature in server-final-message")
	}
	signature, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("invalid server signature encoding: %w", err)
	}

	// ServerSignature = HMAC(HMAC(SaltedPassword, "Server Key"), AuthMessage)
	serverKey := hmacSHA256(s.saltedPassword, []byte("Server Key"))
	expected := hmacSHA256(serverKey, []byte(s.authMessage))

	if !hmac.Equal(expected, signature) {
		return errors.New("server signature mismatch")
	}
	return nil
}

// parseScramAttributes parses a comma-separated list of key=value
// attributes.
func parseScramAttributes(msg string) map[string]string {
	attrs := make(map[string]string)
	for _, part := range strings.Split(msg, ",") {
		if len(part) >= 2 && part[1] == '=' {
			attrs[part[:1]] = part[2:]
		}
	}
	return attrs
}

// hmacSHA256 computes HMAC-SHA256.
func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}
