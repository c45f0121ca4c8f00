package core

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	deviceCheckProductionHost  = "https://api.devicecheck.apple.com"
	deviceCheckDevelopmentHost = "https://api.development.devicecheck.apple.com"
	deviceCheckTokenLifetime   = time.Hour
)

// DeviceCheckConfig holds the signing identity for the attestation service.
type DeviceCheckConfig struct {
	TeamID string
	KeyID  string
	// PrivateKeyBase64 is the base64 of the .p8 PEM file.
	PrivateKeyBase64 string
	Development      bool
}

// DeviceCheckClient queries and updates per-device bits on Apple's DeviceCheck API.
type DeviceCheckClient struct {
	teamID     string
	keyID      string
	key        *ecdsa.PrivateKey
	host       string
	httpClient *http.Client
	clock      Clock
}

// NewDeviceCheckClient parses the signing key and returns a client.
func NewDeviceCheckClient(cfg DeviceCheckConfig, httpClient *http.Client, clock Clock) (*DeviceCheckClient, error) {
	if cfg.TeamID == "" || cfg.KeyID == "" || cfg.PrivateKeyBase64 == "" {
		return nil, errors.New("devicecheck: team id, key id and private key are required")
	}
	pemBytes, err := base64.StdEncoding.DecodeString(cfg.PrivateKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("devicecheck: private key is not valid base64: %w", err)
	}
	key, err := jwt.ParseECPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("devicecheck: failed to parse private key: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if clock == nil {
		clock = SystemClock
	}
	host := deviceCheckProductionHost
	if cfg.Development {
		host = deviceCheckDevelopmentHost
	}
	return &DeviceCheckClient{
		teamID:     cfg.TeamID,
		keyID:      cfg.KeyID,
		key:        key,
		host:       host,
		httpClient: httpClient,
		clock:      clock,
	}, nil
}

// signedToken returns a short-lived ES256 bearer credential.
func (c *DeviceCheckClient) signedToken() (string, error) {
	now := c.clock()
	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.RegisteredClaims{
		Issuer:    c.teamID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(deviceCheckTokenLifetime)),
	})
	token.Header["kid"] = c.keyID
	return token.SignedString(c.key)
}

type deviceCheckRequest struct {
	DeviceToken   string `json:"device_token"`
	TransactionID string `json:"transaction_id"`
	Timestamp     int64  `json:"timestamp"`
	Bit0          *bool  `json:"bit0,omitempty"`
	Bit1          *bool  `json:"bit1,omitempty"`
}

type deviceCheckBits struct {
	Bit0 bool `json:"bit0"`
	Bit1 bool `json:"bit1"`
}

func (c *DeviceCheckClient) post(ctx context.Context, path string, body deviceCheckRequest) ([]byte, error) {
	bearer, err := c.signedToken()
	if err != nil {
		return nil, fmt.Errorf("devicecheck: failed to sign credential: %w", err)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("devicecheck: %s: %w", path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("devicecheck: %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}

func (c *DeviceCheckClient) newRequest(token string) deviceCheckRequest {
	return deviceCheckRequest{
		DeviceToken:   token,
		TransactionID: uuid.NewString(),
		Timestamp:     c.clock().UnixMilli(),
	}
}

// QueryBits returns the device's two bits. A device that was never written
// reads as both bits unset.
func (c *DeviceCheckClient) QueryBits(ctx context.Context, token string) (bool, bool, error) {
	data, err := c.post(ctx, "/v1/query_two_bits", c.newRequest(token))
	if err != nil {
		return false, false, err
	}
	// Unset devices answer 200 with a plain-text body.
	if !bytes.HasPrefix(bytes.TrimSpace(data), []byte("{")) {
		return false, false, nil
	}
	var bits deviceCheckBits
	if err := json.Unmarshal(data, &bits); err != nil {
		return false, false, fmt.Errorf("devicecheck: failed to decode bits: %w", err)
	}
	return bits.Bit0, bits.Bit1, nil
}

// UpdateBits writes the device's two bits.
func (c *DeviceCheckClient) UpdateBits(ctx context.Context, token string, bit0, bit1 bool) error {
	req := c.newRequest(token)
	req.Bit0 = &bit0
	req.Bit1 = &bit1
	_, err := c.post(ctx, "/v1/update_two_bits", req)
	return err
}
