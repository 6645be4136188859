package storage

import (
	"fmt"

	"github.com/jmcleod/authkeeper/internal/util"
)

const (
	envelopeVersion = 1

	// SchemeAES256GCM marks an envelope whose payload is sealed.
	SchemeAES256GCM = "aes256gcm"
	// SchemeRaw marks an envelope whose payload is stored as-is. It is used
	// for non-secret records such as session metadata.
	SchemeRaw = "raw"
)

// Envelope is a stored record together with how its payload is encoded.
type Envelope struct {
	Ver        int    `json:"ver"`
	Scheme     string `json:"scheme"`
	Nonce      []byte `json:"nonce,omitempty"`
	Ciphertext []byte `json:"ciphertext"`
}

// SealRecord encrypts plaintext into an Envelope using the given record key and AAD.
func SealRecord(recordKey, plaintext, aad []byte) (*Envelope, error) {
	nonce, ciphertext, err := util.Seal(recordKey, plaintext, aad)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Ver:        envelopeVersion,
		Scheme:     SchemeAES256GCM,
		Nonce:      nonce,
		Ciphertext: ciphertext,
	}, nil
}

// OpenRecord decrypts an Envelope using the given record key and AAD.
func OpenRecord(recordKey []byte, envelope *Envelope, aad []byte) ([]byte, error) {
	if err := checkEnvelope(envelope, SchemeAES256GCM); err != nil {
		return nil, err
	}
	return util.Open(recordKey, envelope.Nonce, envelope.Ciphertext, aad)
}

// RawRecord wraps data in an unencrypted Envelope.
func RawRecord(data []byte) *Envelope {
	return &Envelope{
		Ver:        envelopeVersion,
		Scheme:     SchemeRaw,
		Ciphertext: util.CopyBytes(data),
	}
}

// OpenRaw returns the payload of an unencrypted Envelope.
func OpenRaw(envelope *Envelope) ([]byte, error) {
	if err := checkEnvelope(envelope, SchemeRaw); err != nil {
		return nil, err
	}
	return util.CopyBytes(envelope.Ciphertext), nil
}

func checkEnvelope(envelope *Envelope, scheme string) error {
	if envelope == nil {
		return fmt.Errorf("nil envelope")
	}
	if envelope.Ver != envelopeVersion {
		return fmt.Errorf("unsupported envelope version: %d", envelope.Ver)
	}
	if envelope.Scheme != scheme {
		return fmt.Errorf("unexpected envelope scheme: got %s, want %s", envelope.Scheme, scheme)
	}
	return nil
}
