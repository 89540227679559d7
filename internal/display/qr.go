package display

import (
	"errors"
	"fmt"
	"strings"

	"github.com/skip2/go-qrcode"
)

const DefaultQRSize = 256

// ReceiveQR renders the static receive code as a PNG. Lightning addresses
// and LNURLs are case-insensitive, so a "lightning:" URI is upper-cased to
// fit the denser alphanumeric QR mode.
func ReceiveQR(code string, size int) ([]byte, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, errors.New("no static receive code to encode")
	}
	if size <= 0 {
		size = DefaultQRSize
	}

	png, err := qrcode.Encode(receiveURI(code), qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("failed to generate QR code: %w", err)
	}
	return png, nil
}

func receiveURI(code string) string {
	lower := strings.ToLower(code)
	if strings.HasPrefix(lower, "lightning:") {
		return strings.ToUpper(code)
	}
	if strings.HasPrefix(lower, "lnurl") || strings.Contains(code, "@") {
		return strings.ToUpper("lightning:" + code)
	}
	return code
}
