package sophos

import (
	"github.com/google/uuid"

	"github.com/Mythidas/mspbyte-sync/platform/go/persistence"
)

// SiteRecord maps a partner tenant onto a site mirror row. Sites are
// partner-scoped, so the row carries no site_id of its own.
func SiteRecord(t Tenant, tenantID uuid.UUID) persistence.MirrorRecord {
	sourceTenant := t.ID
	return persistence.MirrorRecord{
		TenantID:       tenantID,
		SourceID:       SourceID,
		SourceTenantID: &sourceTenant,
		ExternalID:     t.ID,
		DisplayName:    t.Name,
		Metadata:       []byte(t.Raw),
	}
}

// DeviceRecord maps an endpoint onto a device mirror row under the given site.
func DeviceRecord(e Endpoint, tenantID, siteID uuid.UUID, sourceTenantID string) persistence.MirrorRecord {
	name := e.Hostname
	if name == "" {
		name = e.ID
	}
	return persistence.MirrorRecord{
		TenantID:       tenantID,
		SiteID:         &siteID,
		SourceID:       SourceID,
		SourceTenantID: &sourceTenantID,
		ExternalID:     e.ID,
		DisplayName:    name,
		Metadata:       []byte(e.Raw),
	}
}
