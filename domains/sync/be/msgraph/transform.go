package msgraph

import (
	"github.com/google/uuid"

	"github.com/Mythidas/mspbyte-sync/platform/go/persistence"
)

// IdentityRecord maps a directory user onto an identity mirror row.
func IdentityRecord(u User, tenantID uuid.UUID, azureTenantID string) persistence.MirrorRecord {
	name := u.UserPrincipalName
	if name == "" {
		name = u.DisplayName
	}
	return persistence.MirrorRecord{
		TenantID:       tenantID,
		SourceID:       SourceID,
		SourceTenantID: &azureTenantID,
		ExternalID:     u.ID,
		DisplayName:    name,
		Metadata:       []byte(u.Raw),
	}
}

// LicenseRecord maps a subscribed SKU onto a license mirror row.
func LicenseRecord(s SubscribedSku, tenantID uuid.UUID, azureTenantID string) persistence.MirrorRecord {
	externalID := s.ID
	if externalID == "" {
		externalID = s.SkuID
	}
	return persistence.MirrorRecord{
		TenantID:       tenantID,
		SourceID:       SourceID,
		SourceTenantID: &azureTenantID,
		ExternalID:     externalID,
		DisplayName:    s.SkuPartNumber,
		Metadata:       []byte(s.Raw),
	}
}

// PolicyRecord maps a conditional access policy onto a policy mirror row.
func PolicyRecord(p Policy, tenantID uuid.UUID, azureTenantID string) persistence.MirrorRecord {
	return persistence.MirrorRecord{
		TenantID:       tenantID,
		SourceID:       SourceID,
		SourceTenantID: &azureTenantID,
		ExternalID:     p.ID,
		DisplayName:    p.DisplayName,
		Metadata:       []byte(p.Raw),
	}
}
