package credential

import (
	"encoding/base64"
	"strings"

	qrcode "github.com/skip2/go-qrcode"
)

// TokenSeparator joins identifier and signature inside the scanned token.
// Identifiers and signatures are hex, so the separator can never appear in
// either half.
const TokenSeparator = ":"

const qrImageSize = 256

// Issued is a freshly encoded credential ready to hand to a client.
type Issued struct {
	Identifier string `json:"identifier"`
	Signature  string `json:"signature"`
	URL        string `json:"url"`
	PNG        []byte `json:"-"`
}

// DataURL returns the QR image as a data: URL suitable for inline rendering.
func (i Issued) DataURL() string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(i.PNG)
}

// Encoder renders credentials into scannable verification URLs.
type Encoder struct {
	signer  Signer
	baseURL string
}

// NewEncoder creates an Encoder that points issued QR codes at
// baseURL + "/verify/<identifier>:<signature>". A trailing slash on baseURL
// is stripped so the verification path never contains a double slash.
func NewEncoder(signer Signer, baseURL string) Encoder {
	return Encoder{
		signer:  signer,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// Token returns the canonical token string for an identifier.
func (e Encoder) Token(id string) string {
	return id + TokenSeparator + e.signer.Sign(id)
}

// VerifyURL returns the full verification URL for an identifier.
func (e Encoder) VerifyURL(id string) string {
	return e.baseURL + "/verify/" + e.Token(id)
}

// Encode signs the identifier and renders the verification URL into a QR
// image. The URL text round-trips losslessly through the image.
func (e Encoder) Encode(id string) (Issued, error) {
	sig := e.signer.Sign(id)
	url := e.baseURL + "/verify/" + id + TokenSeparator + sig
	png, err := qrcode.Encode(url, qrcode.Medium, qrImageSize)
	if err != nil {
		return Issued{}, err
	}
	return Issued{
		Identifier: id,
		Signature:  sig,
		URL:        url,
		PNG:        png,
	}, nil
}
