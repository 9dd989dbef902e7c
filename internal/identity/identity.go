// Package identity obtains the overlay identity the server runs as: an
// explicit identity file, a previously stored one, or a fresh temporary
// identity requested from an Aperitivo service and enrolled on the spot.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openziti/sdk-golang/ziti/enroll"
	"go.uber.org/zap"
)

const (
	DefaultAperitivoURL = "https://aperitivo.production.netfoundry.io"
	// DefaultFile stores the identity obtained from Aperitivo.
	DefaultFile = "taste_of_ziti.json"
	// ServiceSuffix is appended to the identity name by Aperitivo when it
	// creates the matching modbus service.
	ServiceSuffix = "-modbus"

	identitiesPath = "/aperitivo/v1/identities"
)

var ErrAperitivo = errors.New("identity: aperitivo request failed")

// Grant is an identity handed out by Aperitivo, not yet enrolled.
type Grant struct {
	Name       string    `json:"name"`
	JWT        string    `json:"jwt"`
	ValidUntil time.Time `json:"validUntil"`
}

// EnrollFunc exchanges an enrollment JWT for an identity config document.
type EnrollFunc func(jwt string) ([]byte, error)

// Bootstrapper locates or creates the identity file.
type Bootstrapper struct {
	AperitivoURL string
	// File is where a generated identity is stored.
	File   string
	Client *http.Client
	Enroll EnrollFunc
}

func NewBootstrapper(aperitivoURL string) *Bootstrapper {
	if aperitivoURL == "" {
		aperitivoURL = DefaultAperitivoURL
	}
	return &Bootstrapper{
		AperitivoURL: strings.TrimSuffix(aperitivoURL, "/"),
		File:         DefaultFile,
		Client:       &http.Client{Timeout: 30 * time.Second},
		Enroll:       EnrollJWT,
	}
}

// ObtainOrLoad returns the path of the identity to use. An explicit path wins;
// otherwise the stored identity is reused, or a new one is requested,
// enrolled and stored.
func (b *Bootstrapper) ObtainOrLoad(ctx context.Context, explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("identity: %w", err)
		}
		return explicit, nil
	}

	if _, err := os.Stat(b.File); err == nil {
		return b.File, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("identity: %w", err)
	}

	grant, err := b.Request(ctx)
	if err != nil {
		return "", err
	}

	cfg, err := b.Enroll(grant.JWT)
	if err != nil {
		return "", fmt.Errorf("identity: enroll %s: %w", grant.Name, err)
	}
	if err := os.WriteFile(b.File, cfg, 0o600); err != nil {
		return "", fmt.Errorf("identity: store: %w", err)
	}

	path := b.File
	if abs, err := filepath.Abs(b.File); err == nil {
		path = abs
	}
	zap.L().Info("enrolled a temporary identity",
		zap.String("name", grant.Name),
		zap.String("file", path),
		zap.Time("valid_until", grant.ValidUntil),
	)

	return b.File, nil
}

// Request asks Aperitivo for a new identity with a modbus service attached.
func (b *Bootstrapper) Request(ctx context.Context) (*Grant, error) {
	url := b.AperitivoURL + identitiesPath
	zap.L().Info("requesting a temporary identity", zap.String("aperitivo", b.AperitivoURL))

	body := bytes.NewReader([]byte(`{"options":["modbus"]}`))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := b.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAperitivo, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAperitivo, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d: %s", ErrAperitivo, resp.StatusCode, bytes.TrimSpace(data))
	}

	var grant Grant
	if err := json.Unmarshal(data, &grant); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrAperitivo, err)
	}
	if grant.JWT == "" {
		return nil, fmt.Errorf("%w: response carries no jwt", ErrAperitivo)
	}
	return &grant, nil
}

// EnrollJWT enrolls with RSA keys and returns the identity config as JSON.
func EnrollJWT(jwt string) ([]byte, error) {
	claims, token, err := enroll.ParseToken(jwt)
	if err != nil {
		return nil, err
	}

	cfg, err := enroll.Enroll(enroll.EnrollmentFlags{
		Token:    claims,
		JwtToken: token,
		KeyAlg:   "RSA",
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(cfg)
}

// ServiceName is the service Aperitivo created for identity name.
func ServiceName(name string) string {
	return name + ServiceSuffix
}
