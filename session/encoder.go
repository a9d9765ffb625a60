package session

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

const (
	sessionFormatVersionCurrent = 2
	sessionFormatVersionV1      = 1
)

func writeString(buf *bytes.Buffer, field, value string) error {
	if len(value) > 255 {
		return errors.New(field + " too long")
	}
	buf.WriteByte(byte(len(value)))
	buf.WriteString(value)
	return nil
}

func readString(reader *bytes.Reader) (string, error) {
	length, err := reader.ReadByte()
	if err != nil {
		return "", err
	}
	value := make([]byte, length)
	if _, err := io.ReadFull(reader, value); err != nil {
		return "", err
	}
	return string(value), nil
}

// Encode serializes a [Session] to the current schema version. The session ID
// is the Redis key, not part of the blob.
func Encode(s *Session) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(sessionFormatVersionCurrent)

	if err := writeString(&buf, "userID", s.UserID); err != nil {
		return nil, err
	}
	if err := writeString(&buf, "email", s.Email); err != nil {
		return nil, err
	}
	if err := writeString(&buf, "role", s.Role); err != nil {
		return nil, err
	}
	if err := writeString(&buf, "firstName", s.FirstName); err != nil {
		return nil, err
	}
	if err := writeString(&buf, "lastName", s.LastName); err != nil {
		return nil, err
	}
	if err := writeString(&buf, "csrfToken", s.CSRFToken); err != nil {
		return nil, err
	}

	if err := binary.Write(&buf, binary.BigEndian, s.LoginAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, s.CreatedAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, s.ExpiresAt); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Decode parses a session blob of any supported schema version.
func Decode(data []byte) (*Session, error) {
	s, _, err := decode(data)
	return s, err
}

func decode(data []byte) (*Session, byte, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, 0, err
	}
	if version != sessionFormatVersionCurrent && version != sessionFormatVersionV1 {
		return nil, 0, errors.New("invalid session version")
	}

	s := &Session{}

	if s.UserID, err = readString(reader); err != nil {
		return nil, 0, err
	}
	if s.Email, err = readString(reader); err != nil {
		return nil, 0, err
	}
	if s.Role, err = readString(reader); err != nil {
		return nil, 0, err
	}

	// v2 added display names and the CSRF secret. A migrated v1 session
	// keeps working; middleware treats an empty CSRFToken as match-nothing.
	if version >= 2 {
		if s.FirstName, err = readString(reader); err != nil {
			return nil, 0, err
		}
		if s.LastName, err = readString(reader); err != nil {
			return nil, 0, err
		}
		if s.CSRFToken, err = readString(reader); err != nil {
			return nil, 0, err
		}
	}

	if err := binary.Read(reader, binary.BigEndian, &s.LoginAt); err != nil {
		return nil, 0, err
	}
	if err := binary.Read(reader, binary.BigEndian, &s.CreatedAt); err != nil {
		return nil, 0, err
	}
	if err := binary.Read(reader, binary.BigEndian, &s.ExpiresAt); err != nil {
		return nil, 0, err
	}

	return s, version, nil
}
