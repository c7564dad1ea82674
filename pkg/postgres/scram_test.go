package postgres

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/pbkdf2"
)

// scramServerSide verifies a client exchange using the same math a real
// server runs, and produces the server messages.
type scramServerSide struct {
	salt       []byte
	iterations int
	password   string

	serverNonce    string
	serverFirstMsg string
	authMessage    string
}

func (s *scramServerSide) serverFirst(t *testing.T, clientFirst []byte) []byte {
	t.Helper()

	msg := string(clientFirst)
	require.True(t, strings.HasPrefix(msg, "n,,"), "gs2-header must disable channel binding")
	bare := strings.TrimPrefix(msg, "n,,")
	attrs := parseScramAttributes(bare)
	clientNonce, ok := attrs["r"]
	require.True(t, ok, "client-first-message must carry a nonce")

	s.serverNonce = clientNonce + "servernonce"
	s.serverFirstMsg = fmt.Sprintf("r=%s,s=%s,i=%d",
		s.serverNonce, base64.StdEncoding.EncodeToString(s.salt), s.iterations)
	s.authMessage = bare + "," + s.serverFirstMsg + ",c=biws,r=" + s.serverNonce
	return []byte(s.serverFirstMsg)
}

func (s *scramServerSide) verifyClientFinal(t *testing.T, clientFinal []byte) {
	t.Helper()

	attrs := parseScramAttributes(string(clientFinal))
	assert.Equal(t, "biws", attrs["c"])
	assert.Equal(t, s.serverNonce, attrs["r"])

	proof, err := base64.StdEncoding.DecodeString(attrs["p"])
	require.NoError(t, err)

	saltedPassword := pbkdf2.Key([]byte(s.password), s.salt, s.iterations, 32, sha256.New)
	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	storedKey := sha256.Sum256(clientKey)
	clientSignature := hmacSHA256(storedKey[:], []byte(s.authMessage))

	require.Len(t, proof, len(clientSignature))
	recovered := make([]byte, len(proof))
	for i := range proof {
		recovered[i] = proof[i] ^ clientSignature[i]
	}
	recoveredStored := sha256.Sum256(recovered)
	assert.True(t, hmac.Equal(storedKey[:], recoveredStored[:]), "client proof must recover the stored key")
}

func (s *scramServerSide) serverFinal() []byte {
	saltedPassword := pbkdf2.Key([]byte(s.password), s.salt, s.iterations, 32, sha256.New)
	serverKey := hmacSHA256(saltedPassword, []byte("Server Key"))
	signature := hmacSHA256(serverKey, []byte(s.authMessage))
	return []byte("v=" + base64.StdEncoding.EncodeToString(signature))
}

func TestScramClient_FullExchange(t *testing.T) {
	server := &scramServerSide{
		salt:       []byte("0123456789abcdef"),
		iterations: 4096,
		password:   "opensesame",
	}

	client, err := newScramClient("opensesame")
	require.NoError(t, err)

	first := client.clientFirstMessage()
	serverFirst := server.serverFirst(t, first)

	final, err := client.clientFinalMessage(serverFirst)
	require.NoError(t, err)
	server.verifyClientFinal(t, final)

	require.NoError(t, client.verifyServerFinal(server.serverFinal()))
}

func TestScramClient_RejectsForgedServerSignature(t *testing.T) {
	server := &scramServerSide{
		salt:       []byte("0123456789abcdef"),
		iterations: 4096,
		password:   "opensesame",
	}

	client, err := newScramClient("opensesame")
	require.NoError(t, err)
	serverFirst := server.serverFirst(t, client.clientFirstMessage())
	_, err = client.clientFinalMessage(serverFirst)
	require.NoError(t, err)

	forged := []byte("v=" + base64.StdEncoding.EncodeToString([]byte("not the signature, sorry..")))
	assert.Error(t, client.verifyServerFinal(forged))

	assert.Error(t, client.verifyServerFinal([]byte("e=other-error")))
}

func TestScramClient_RejectsTamperedNonce(t *testing.T) {
	client, err := newScramClient("pw")
	require.NoError(t, err)
	client.clientFirstMessage()

	// Server echoes a nonce that does not extend the client's nonce.
	serverFirst := fmt.Sprintf("r=%s,s=%s,i=4096",
		"attackercontrolled", base64.StdEncoding.EncodeToString([]byte("0123456789abcdef")))
	_, err = client.clientFinalMessage([]byte(serverFirst))
	assert.Error(t, err)
}

func TestScramClient_RejectsMalformedServerFirst(t *testing.T) {
	for _, msg := range []string{
		"",
		"s=AAAA,i=4096",   // missing nonce
		"r=abc,i=4096",    // missing salt
		"r=abc,s=!!,i=1",  // bad salt encoding
		"r=abc,s=AAAA",     // missing iterations
		"r=abc,s=AAAA,i=x", // bad iterations
	} {
		client, err := newScramClient("pw")
		require.NoError(t, err)
		client.clientNonce = "abc"
		client.clientFirstMessage()
		_, err = client.clientFinalMessage([]byte(msg))
		assert.Error(t, err, "server-first %q", msg)
	}
}

func TestMD5Password(t *testing.T) {
	// Known-answer: md5(md5("secretalice") + salt) with salt {1,2,3,4}.
	got := md5Password("alice", "secret", [4]byte{1, 2, 3, 4})
	assert.True(t, strings.HasPrefix(got, "md5"))
	assert.Len(t, got, 35)
	// Deterministic.
	assert.Equal(t, got, md5Password("alice", "secret", [4]byte{1, 2, 3, 4}))
	assert.NotEqual(t, got, md5Password("alice", "secret", [4]byte{4, 3, 2, 1}))
}
