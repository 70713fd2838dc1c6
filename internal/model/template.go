package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Category identifies a procurement-signal hypothesis category. The set is
// closed: adding a category means adding a template below, which is a
// compile-time-checked change.
type Category string

const (
	CategoryStadiumProject   Category = "stadium_project"
	CategoryKitSupplier      Category = "kit_supplier"
	CategoryTicketingReplat  Category = "ticketing_replatform"
	CategoryBroadcastRights  Category = "broadcast_rights"
	CategorySponsorshipCycle Category = "sponsorship_cycle"
	CategoryDigitalVendor    Category = "digital_vendor"
)

// Template describes how hypotheses of one category are created and tested.
type Template struct {
	Category  Category
	Statement string // fmt verb receives the entity name
	// HopOrder lists candidate hop types in descending expected yield.
	HopOrder []HopType
	// Prior is the information-value prior for EIG scoring; zero means the
	// configured default applies.
	Prior float64
}

// templates is the closed registry, keyed by category.
var templates = map[Category]Template{
	CategoryStadiumProject: {
		Category:  CategoryStadiumProject,
		Statement: "%s is planning or executing a stadium construction or renovation project",
		HopOrder:  []HopType{HopProcurementPortal, HopPressRelease, HopOfficialSite},
		Prior:     1.4,
	},
	CategoryKitSupplier: {
		Category:  CategoryKitSupplier,
		Statement: "%s has an expiring or contested kit supplier agreement",
		HopOrder:  []HopType{HopPressRelease, HopOfficialSite, HopTenderArchive},
	},
	CategoryTicketingReplat: {
		Category:  CategoryTicketingReplat,
		Statement: "%s is replacing or re-tendering its ticketing platform",
		HopOrder:  []HopType{HopProcurementPortal, HopCareersPage, HopOfficialSite},
		Prior:     1.2,
	},
	CategoryBroadcastRights: {
		Category:  CategoryBroadcastRights,
		Statement: "%s has a broadcast rights cycle entering renegotiation",
		HopOrder:  []HopType{HopPressRelease, HopTenderArchive},
	},
	CategorySponsorshipCycle: {
		Category:  CategorySponsorshipCycle,
		Statement: "%s has a principal sponsorship entering its final season",
		HopOrder:  []HopType{HopPressRelease, HopOfficialSite},
	},
	CategoryDigitalVendor: {
		Category:  CategoryDigitalVendor,
		Statement: "%s is procuring digital or data infrastructure services",
		HopOrder:  []HopType{HopCareersPage, HopProcurementPortal, HopTenderArchive},
	},
}

// TemplateFor returns the template for a category.
func TemplateFor(c Category) (Template, bool) {
	t, ok := templates[c]
	return t, ok
}

// AllCategories returns every registered category in stable order.
func AllCategories() []Category {
	return []Category{
		CategoryStadiumProject,
		CategoryKitSupplier,
		CategoryTicketingReplat,
		CategoryBroadcastRights,
		CategorySponsorshipCycle,
		CategoryDigitalVendor,
	}
}

// DefaultCategories returns the fallback template set for an entity type,
// used when the classification service is unavailable.
func DefaultCategories(t EntityType) []Category {
	switch t {
	case EntityFederation:
		return []Category{CategoryStadiumProject, CategoryBroadcastRights, CategoryTicketingReplat, CategoryDigitalVendor}
	case EntityLeague:
		return []Category{CategoryBroadcastRights, CategorySponsorshipCycle, CategoryDigitalVendor}
	default:
		return AllCategories()
	}
}

// NewHypothesis instantiates a pending hypothesis from a category template.
func NewHypothesis(entity Entity, c Category, now time.Time) (Hypothesis, error) {
	t, ok := TemplateFor(c)
	if !ok {
		return Hypothesis{}, ErrConfigInvalid
	}
	return Hypothesis{
		ID:        uuid.New().String(),
		EntityID:  entity.ID,
		Category:  c,
		Statement: fmt.Sprintf(t.Statement, entity.Name),
		State:     StatePending,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}
