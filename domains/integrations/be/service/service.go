package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"github.com/Mythidas/mspbyte-sync/platform/go/secrets"
)

// Errors returned by the service layer.
var (
	ErrNotFound      = errors.New("integration not found")
	ErrInvalidConfig = errors.New("integration config is invalid")
)

// Interval controls how often an integration is scheduled.
type Interval string

const (
	IntervalHourly Interval = "hourly"
	IntervalDaily  Interval = "daily"
)

// Integration represents a tenant's configured connection to a vendor source.
type Integration struct {
	SourceID        string
	TenantID        uuid.UUID
	ConfigEncrypted string
	AccessToken     *string
	TokenExpiresAt  *time.Time
	LastSyncAt      *time.Time
	Interval        Interval
	Timezone        string
}

// Due reports whether the integration should be scheduled for a sync at now.
// Daily integrations compare calendar dates in the tenant's local timezone.
func (i Integration) Due(now time.Time) bool {
	if i.LastSyncAt == nil {
		return true
	}
	switch i.Interval {
	case IntervalHourly:
		return now.Sub(*i.LastSyncAt) >= time.Hour
	default:
		loc, err := time.LoadLocation(i.Timezone)
		if err != nil {
			loc = time.UTC
		}
		ly, lm, ld := i.LastSyncAt.In(loc).Date()
		ny, nm, nd := now.In(loc).Date()
		return ly != ny || lm != nm || ld != nd
	}
}

// Config is the decrypted credential document stored on an integration.
type Config struct {
	ClientID      string `json:"client_id"`
	ClientSecret  string `json:"client_secret"`
	PartnerID     string `json:"partner_id,omitempty"`
	AzureTenantID string `json:"azure_tenant_id,omitempty"`
	APIHost       string `json:"api_host,omitempty"`
}

// configSchema rejects credential documents that would fail deep inside a
// vendor call with an opaque 401.
const configSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["client_id", "client_secret"],
  "properties": {
    "client_id": {"type": "string", "minLength": 1},
    "client_secret": {"type": "string", "minLength": 1},
    "partner_id": {"type": "string"},
    "azure_tenant_id": {"type": "string"},
    "api_host": {"type": "string"}
  },
  "additionalProperties": false
}`

// Repository abstracts persistence.
type Repository interface {
	List(ctx context.Context) ([]Integration, error)
	Get(ctx context.Context, sourceID string, tenantID uuid.UUID) (Integration, error)
	SaveToken(ctx context.Context, sourceID string, tenantID uuid.UUID, token string, expiresAt time.Time) error
	MarkSynced(ctx context.Context, sourceID string, tenantID uuid.UUID, at time.Time) error
}

// Service provides integration registry operations for the sync pipeline.
type Service struct {
	repo   Repository
	cipher *secrets.Cipher
	schema *jsonschema.Schema
	logger *zap.Logger
}

// New constructs a Service with required dependencies.
func New(repo Repository, cipher *secrets.Cipher, logger *zap.Logger) *Service {
	if repo == nil {
		panic("integrations repo is required")
	}
	if cipher == nil {
		panic("secrets cipher is required")
	}
	if logger == nil {
		panic("logger is required")
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("integration-config.json", strings.NewReader(configSchema)); err != nil {
		panic(fmt.Sprintf("add config schema: %v", err))
	}
	schema, err := compiler.Compile("integration-config.json")
	if err != nil {
		panic(fmt.Sprintf("compile config schema: %v", err))
	}

	return &Service{repo: repo, cipher: cipher, schema: schema, logger: logger}
}

// List returns every configured integration.
func (s *Service) List(ctx context.Context) ([]Integration, error) {
	return s.repo.List(ctx)
}

// Get returns one integration by its composite key.
func (s *Service) Get(ctx context.Context, sourceID string, tenantID uuid.UUID) (Integration, error) {
	return s.repo.Get(ctx, sourceID, tenantID)
}

// Credentials decrypts and validates the integration's credential document.
func (s *Service) Credentials(integ Integration) (Config, error) {
	plaintext, err := s.cipher.Decrypt(integ.ConfigEncrypted)
	if err != nil {
		return Config{}, fmt.Errorf("decrypt config for %s/%s: %w", integ.SourceID, integ.TenantID, err)
	}

	var doc any
	if err := json.Unmarshal([]byte(plaintext), &doc); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := s.schema.Validate(doc); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	var cfg Config
	if err := json.Unmarshal([]byte(plaintext), &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return cfg, nil
}

// SaveToken caches a refreshed vendor token on the integration row.
func (s *Service) SaveToken(ctx context.Context, sourceID string, tenantID uuid.UUID, token string, expiresAt time.Time) error {
	return s.repo.SaveToken(ctx, sourceID, tenantID, token, expiresAt)
}

// MarkSynced records a fully completed sync pass for the integration.
func (s *Service) MarkSynced(ctx context.Context, sourceID string, tenantID uuid.UUID, at time.Time) error {
	return s.repo.MarkSynced(ctx, sourceID, tenantID, at)
}
