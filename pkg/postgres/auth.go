package postgres

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/justjake/sqlink/pkg/driver"
)

const scramSASLMechanismSHA256 = "SCRAM-SHA-256"

// authenticate answers the server's authentication requests until
// AuthenticationOk. Supported methods: trust (no request), cleartext
// password, MD5, and SCRAM-SHA-256.
func (c *Conn) authenticate(ctx context.Context, password string) error {
	for {
		msg, err := c.receive(ctx)
		if err != nil {
			return err
		}

		switch m := msg.(type) {
		case *pgproto3.AuthenticationOk:
			return nil

		case *pgproto3.AuthenticationCleartextPassword:
			if err := c.sendAuthResponse(ctx, &pgproto3.PasswordMessage{Password: password}); err != nil {
				return err
			}

		case *pgproto3.AuthenticationMD5Password:
			hashed := md5Password(c.opts.User, password, m.Salt)
			if err := c.sendAuthResponse(ctx, &pgproto3.PasswordMessage{Password: hashed}); err != nil {
				return err
			}

		case *pgproto3.AuthenticationSASL:
			if err := c.authenticateSASL(ctx, m, password); err != nil {
				return err
			}

		case *pgproto3.ErrorResponse:
			return &driver.ConnectionError{Op: "auth", Err: pgErrorFromResponse(m)}

		case *pgproto3.NoticeResponse:

		default:
			return unexpectedMessage("authentication", msg)
		}
	}
}

// authenticateSASL runs the SCRAM-SHA-256 exchange. It returns after the
// server-final-message is verified; the caller's loop then consumes the
// AuthenticationOk that follows.
func (c *Conn) authenticateSASL(ctx context.Context, req *pgproto3.AuthenticationSASL, password string) error {
	if !slices.Contains(req.AuthMechanisms, scramSASLMechanismSHA256) {
		return &driver.ConnectionError{
			Op:  "auth",
			Err: fmt.Errorf("no supported SASL mechanism offered (server offers %v)", req.AuthMechanisms),
		}
	}
	if password == "" {
		return &driver.ConnectionError{Op: "auth", Err: errors.New("server requested SCRAM authentication but no password is configured")}
	}

	scram, err := newScramClient(password)
	if err != nil {
		return &driver.ConnectionError{Op: "auth", Err: err}
	}

	if err := c.sendAuthResponse(ctx, &pgproto3.SASLInitialResponse{
		AuthMechanism: scramSASLMechanismSHA256,
		Data:          scram.clientFirstMessage(),
	}); err != nil {
		return err
	}

	msg, err := c.receive(ctx)
	if err != nil {
		return err
	}
	cont, ok := msg.(*pgproto3.AuthenticationSASLContinue)
	if !ok {
		if errResp, isErr := msg.(*pgproto3.ErrorResponse); isErr {
			return &driver.ConnectionError{Op: "auth", Err: pgErrorFromResponse(errResp)}
		}
		return unexpectedMessage("SASL exchange", msg)
	}

	final, err := scram.clientFinalMessage(cont.Data)
	if err != nil {
		return &driver.ConnectionError{Op: "auth", Err: err}
	}
	if err := c.sendAuthResponse(ctx, &pgproto3.SASLResponse{Data: final}); err != nil {
		return err
	}

	msg, err = c.receive(ctx)
	if err != nil {
		return err
	}
	finalMsg, ok := msg.(*pgproto3.AuthenticationSASLFinal)
	if !ok {
		if errResp, isErr := msg.(*pgproto3.ErrorResponse); isErr {
			return &driver.ConnectionError{Op: "auth", Err: pgErrorFromResponse(errResp)}
		}
		return unexpectedMessage("SASL exchange", msg)
	}
	if err := scram.verifyServerFinal(finalMsg.Data); err != nil {
		return &driver.ConnectionError{Op: "auth", Err: err}
	}
	return nil
}

func (c *Conn) sendAuthResponse(ctx context.Context, msg pgproto3.FrontendMessage) error {
	c.send(msg)
	return c.flushWire(ctx)
}

// md5Password computes the PostgreSQL MD5 password response:
// "md5" + md5hex(md5hex(password + user) + salt).
func md5Password(user, password string, salt [4]byte) string {
	inner := md5.Sum([]byte(password + user))
	innerHex := hex.EncodeToString(inner[:])
	outer := md5.Sum(append([]byte(innerHex), salt[:]...))
	return "md5" + hex.EncodeToString(outer[:])
}
