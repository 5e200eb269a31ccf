package tickets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/skip2/go-qrcode"
)

// Payload is what a ticket's QR code carries, encrypted.
type Payload struct {
	TicketCode string `json:"ticket_code"`
	OrderID    string `json:"order_id"`
	EventID    string `json:"event_id"`
	Unit       int    `json:"unit"`
}

type QRGenerator struct {
	secret []byte
}

func NewQRGenerator(secret string) *QRGenerator {
	hashed := sha256.Sum256([]byte(secret)) // normalize to 32 bytes
	return &QRGenerator{secret: hashed[:]}
}

// Generate returns a PNG QR code of the encrypted payload.
func (q *QRGenerator) Generate(p Payload) ([]byte, error) {
	token, err := q.Encrypt(p)
	if err != nil {
		return nil, err
	}
	return qrcode.Encode(token, qrcode.Medium, 256)
}

func (q *QRGenerator) Encrypt(p Payload) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return encryptAES(data, q.secret)
}

// Decrypt reverses Encrypt. Used at the gate to read a scanned code.
func (q *QRGenerator) Decrypt(token string) (Payload, error) {
	var p Payload
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return p, fmt.Errorf("decode qr token: %w", err)
	}
	if len(raw) < aes.BlockSize {
		return p, errors.New("qr token too short")
	}
	block, err := aes.NewCipher(q.secret)
	if err != nil {
		return p, err
	}
	iv, body := raw[:aes.BlockSize], raw[aes.BlockSize:]
	cipher.NewCFBDecrypter(block, iv).XORKeyStream(body, body)
	if err := json.Unmarshal(body, &p); err != nil {
		return p, fmt.Errorf("qr token payload: %w", err)
	}
	return p, nil
}

func encryptAES(data []byte, key []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	ciphertext := make([]byte, aes.BlockSize+len(data))
	iv := ciphertext[:aes.BlockSize]

	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", err
	}

	stream := cipher.NewCFBEncrypter(block, iv)
	stream.XORKeyStream(ciphertext[aes.BlockSize:], data)

	return base64.URLEncoding.EncodeToString(ciphertext), nil
}
