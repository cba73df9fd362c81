package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mr-tron/base58"

	"github.com/duskmesh/dht/internal/dhterrors"
	"github.com/duskmesh/dht/internal/id"
)

// APIClient is the HTTP REST client for the messaging broker's
// registration, auth, and profile/contacts surface: context-scoped
// requests built with http.NewRequestWithContext, a shared
// *http.Client, and explicit JSON (de)serialization.
type APIClient struct {
	baseURL string
	http    *http.Client
	token   string
}

// NewAPIClient creates a client for the broker at baseURL (e.g.
// "https://broker.example.org").
func NewAPIClient(baseURL string) *APIClient {
	return &APIClient{baseURL: baseURL, http: &http.Client{Timeout: 15 * time.Second}}
}

// Token returns the bearer token obtained from Authenticate, empty
// before the first successful call.
func (a *APIClient) Token() string { return a.token }

// authNonceResponse is what /api/v1/auth returns for the first leg of
// the sign-nonce flow: a fresh server nonce to sign.
type authNonceResponse struct {
	Nonce string `json:"nonce"`
}

type authTokenResponse struct {
	Token string `json:"token"`
}

// Authenticate performs the bearer-token sign-nonce flow (§6: "auth
// via bearer token obtained from /api/v1/auth with the sign-nonce
// flow"): fetch a server nonce, sign it with both the user and device
// identities the same way Session.AuthPassword does, and exchange the
// signed nonce for a bearer token.
func (a *APIClient) Authenticate(ctx context.Context, session *Session) error {
	var nonceResp authNonceResponse
	if err := a.doJSON(ctx, http.MethodGet, "/api/v1/auth", nil, &nonceResp); err != nil {
		return dhterrors.Wrap(dhterrors.IO, "messaging.Authenticate", err)
	}
	nonce, err := base58.Decode(nonceResp.Nonce)
	if err != nil || len(nonce) != NonceSize {
		return dhterrors.New(dhterrors.Protocol, "messaging.Authenticate", "invalid auth nonce from broker")
	}
	var fixed [NonceSize]byte
	copy(fixed[:], nonce)
	password, err := session.authPasswordForNonce(fixed)
	if err != nil {
		return dhterrors.Wrap(dhterrors.Crypto, "messaging.Authenticate", err)
	}

	body := map[string]string{
		"user_id":  session.UserId().String(),
		"password": password,
	}
	var tokResp authTokenResponse
	if err := a.doJSON(ctx, http.MethodPost, "/api/v1/auth", body, &tokResp); err != nil {
		return dhterrors.Wrap(dhterrors.IO, "messaging.Authenticate", err)
	}
	a.token = tokResp.Token
	return nil
}

// RegisterUser registers a new user identity with the broker.
func (a *APIClient) RegisterUser(ctx context.Context, userID id.Id) error {
	return a.doJSON(ctx, http.MethodPost, "/api/v1/users", map[string]string{
		"user_id": userID.String(),
	}, nil)
}

// RegisterDevice registers a device identity under its owning user.
func (a *APIClient) RegisterDevice(ctx context.Context, userID, deviceID id.Id) error {
	return a.doJSON(ctx, http.MethodPost, "/api/v1/devices", map[string]string{
		"user_id":   userID.String(),
		"device_id": deviceID.String(),
	}, nil)
}

// DeviceRegistrationResponse is returned by the two-step device
// registration confirmation flow.
type DeviceRegistrationResponse struct {
	RegistrationID string `json:"registration_id"`
	Confirmed      bool   `json:"confirmed"`
}

// RequestDeviceRegistration starts a device registration challenge.
func (a *APIClient) RequestDeviceRegistration(ctx context.Context, deviceID id.Id) (*DeviceRegistrationResponse, error) {
	var resp DeviceRegistrationResponse
	if err := a.doJSON(ctx, http.MethodPost, "/api/v1/devices/registrations", map[string]string{
		"device_id": deviceID.String(),
	}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ConfirmDeviceRegistration completes a pending registration by id.
func (a *APIClient) ConfirmDeviceRegistration(ctx context.Context, registrationID string) error {
	path := "/api/v1/devices/registrations/" + registrationID
	return a.doJSON(ctx, http.MethodPost, path, nil, nil)
}

// ServiceInfo describes the broker's own identity and capabilities.
type ServiceInfo struct {
	Version string `json:"version"`
	NodeID  string `json:"node_id"`
}

// ServiceInfo fetches the broker's service metadata.
func (a *APIClient) ServiceInfo(ctx context.Context) (*ServiceInfo, error) {
	var info ServiceInfo
	if err := a.doJSON(ctx, http.MethodGet, "/api/v1/service/info", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ServiceID fetches the broker's DHT peer identity, the NodeInfo a
// Session's HomePeer is constructed from.
func (a *APIClient) ServiceID(ctx context.Context) (id.Id, error) {
	var resp struct {
		ID string `json:"id"`
	}
	if err := a.doJSON(ctx, http.MethodGet, "/api/v1/service/id", nil, &resp); err != nil {
		return id.Zero, err
	}
	return id.FromBase58(resp.ID)
}

// contactsResponse is the wire shape of the /api/v1/contacts
// response, whose body is the same binary-map ContactsUpdate encoding
// used for the server-pushed notification (§4.7), base58-wrapped to
// travel inside JSON.
type contactsResponse struct {
	Payload string `json:"payload"`
}

// Contacts fetches the full contacts snapshot (no version argument) or
// an incremental update relative to version.
func (a *APIClient) Contacts(ctx context.Context, version string) (*ContactsUpdate, error) {
	path := "/api/v1/contacts"
	if version != "" {
		path += "/" + version
	}
	var resp contactsResponse
	if err := a.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, dhterrors.Wrap(dhterrors.IO, "messaging.Contacts", err)
	}
	payload, err := base58.Decode(resp.Payload)
	if err != nil {
		return nil, dhterrors.Wrap(dhterrors.Protocol, "messaging.Contacts", err)
	}
	return decodeContactsUpdate(payload)
}

// Profile is the user-facing profile fields synced to the broker.
type Profile struct {
	Name   string `json:"name"`
	Avatar []byte `json:"avatar,omitempty"`
}

// PutProfile updates the caller's profile on the broker.
func (a *APIClient) PutProfile(ctx context.Context, p *Profile) error {
	return a.doJSON(ctx, http.MethodPut, "/api/v1/profile", p, nil)
}

func (a *APIClient) doJSON(ctx context.Context, method, path string, reqBody, respBody any) error {
	var reader io.Reader
	if reqBody != nil {
		buf, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("broker returned %s: %s", resp.Status, string(body))
	}
	if respBody == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
