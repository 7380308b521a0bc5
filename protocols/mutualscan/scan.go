package mutualscan

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/companyzero/protoengine/encoded"
	"github.com/companyzero/protoengine/obvidentity"
	"github.com/skip2/go-qrcode"
)

const (
	challengePrefix = "mutualScan"

	// payloadScheme prefixes the text encoded in mutual scan QR codes.
	payloadScheme = "mutualscan:"
)

// ErrInvalidPayload is returned when scanned text is not a mutual scan
// payload.
var ErrInvalidPayload = errors.New("invalid mutual scan payload")

// Challenge returns the bytes signed by signer to let scanner add it as a
// contact.
func Challenge(scanner, signer obvidentity.Identity) []byte {
	s, o := scanner.Bytes(), signer.Bytes()
	b := make([]byte, 0, len(challengePrefix)+len(s)+len(o))
	b = append(b, challengePrefix...)
	b = append(b, s...)
	b = append(b, o...)
	return b
}

// Sign signs the challenge of a mutual scan of signer by scanner.
func Sign(signer *obvidentity.OwnedIdentity, scanner obvidentity.Identity) obvidentity.FixedSizeSignature {
	return signer.SignMessage(Challenge(scanner, signer.Public))
}

// Verify returns true if sig was made by signer for scanner.
func Verify(scanner, signer obvidentity.Identity, sig *obvidentity.FixedSizeSignature) bool {
	return signer.VerifyMessage(Challenge(scanner, signer), sig)
}

// Payload is the content of the QR code displayed by the signer once it
// scanned the identity of the scanner.
type Payload struct {
	Identity  obvidentity.Identity
	Signature obvidentity.FixedSizeSignature
}

// NewPayload returns the payload signer displays for scanner.
func NewPayload(signer *obvidentity.OwnedIdentity, scanner obvidentity.Identity) *Payload {
	return &Payload{Identity: signer.Public, Signature: Sign(signer, scanner)}
}

// Text returns the text encoded in the QR code.
func (p *Payload) Text() (string, error) {
	b, err := encoded.Encode(p)
	if err != nil {
		return "", err
	}
	return payloadScheme + base64.RawURLEncoding.EncodeToString(b), nil
}

// PNG renders the QR code of the payload as a size x size PNG image.
func (p *Payload) PNG(size int) ([]byte, error) {
	text, err := p.Text()
	if err != nil {
		return nil, err
	}
	return qrcode.Encode(text, qrcode.Medium, size)
}

// Terminal renders the QR code with unicode blocks.
func (p *Payload) Terminal() (string, error) {
	text, err := p.Text()
	if err != nil {
		return "", err
	}
	qr, err := qrcode.New(text, qrcode.Low)
	if err != nil {
		return "", err
	}
	return qr.ToSmallString(false), nil
}

// ParsePayload decodes the text of a scanned QR code.
func ParsePayload(text string) (*Payload, error) {
	rest, ok := strings.CutPrefix(text, payloadScheme)
	if !ok {
		return nil, fmt.Errorf("%w: unknown scheme", ErrInvalidPayload)
	}
	b, err := base64.RawURLEncoding.DecodeString(rest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	var p Payload
	if err := encoded.Value(b).Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return &p, nil
}

// StartMessage returns the message that starts the mutual scan of the
// payload signer.
func (p *Payload) StartMessage() *Start {
	return &Start{Contact: p.Identity, Signature: p.Signature}
}
