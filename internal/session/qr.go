package session

import (
	"encoding/base64"
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

// QRDataURL renders a pairing challenge as a PNG data URL.
func QRDataURL(challenge string) (string, error) {
	png, err := qrcode.Encode(challenge, qrcode.Medium, 256)
	if err != nil {
		return "", fmt.Errorf("session: render qr: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

// QRTerminal renders a pairing challenge with block characters.
func QRTerminal(challenge string) (string, error) {
	q, err := qrcode.New(challenge, qrcode.Low)
	if err != nil {
		return "", fmt.Errorf("session: render qr: %w", err)
	}
	return q.ToSmallString(false), nil
}
