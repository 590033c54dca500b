package session

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
)

var ErrTampered = errors.New("session data corrupted")

// Codec signs and encodes session payloads with a key derived from the
// project's SECRET_KEY.
type Codec struct {
	key []byte
}

func NewCodec(secret string) Codec {
	h := sha256.Sum256([]byte("psyho.sessions.codec" + secret))
	return Codec{key: h[:]}
}

func (c Codec) mac(payload []byte) string {
	m := hmac.New(sha256.New, c.key)
	m.Write(payload)
	return hex.EncodeToString(m.Sum(nil))
}

// Encode returns base64(hexmac ":" json).
func (c Codec) Encode(data map[string]any) (string, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	buf.WriteString(c.mac(payload))
	buf.WriteByte(':')
	buf.Write(payload)
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Decode verifies and parses an encoded payload.
func (c Codec) Decode(s string) (map[string]any, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrTampered
	}
	sig, payload, ok := bytes.Cut(raw, []byte(":"))
	if !ok {
		return nil, ErrTampered
	}
	if !hmac.Equal(sig, []byte(c.mac(payload))) {
		return nil, ErrTampered
	}
	data := map[string]any{}
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, ErrTampered
	}
	return data, nil
}
