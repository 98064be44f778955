package domain

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Separator joins the segments of an encoded job id. Tenant names may not contain it.
const Separator = "-"

// SuffixLen is the length of the random tail of a job id.
const SuffixLen = 9

var tenantPattern = regexp.MustCompile(`^[A-Za-z0-9_.]{1,64}$`)

// ValidateTenant rejects names that would not survive a round trip through
// an encoded job id.
func ValidateTenant(tenant string) error {
	if tenant == "" {
		return &ValidationError{Field: "tenant"}
	}
	if !tenantPattern.MatchString(tenant) {
		return fmt.Errorf("%w: %q", ErrInvalidTenant, tenant)
	}
	return nil
}

// JobRef is a job identity carried as a structured pair. ID is the full
// encoded form handed to callers; Tenant is always its leading segment.
type JobRef struct {
	Tenant string
	ID     string
}

func (r JobRef) String() string { return r.ID }

// NewJobRef encodes {tenant}-{epochMillis}-{suffix}.
func NewJobRef(tenant string, at time.Time, suffix string) JobRef {
	id := tenant + Separator + strconv.FormatInt(at.UnixMilli(), 10) + Separator + suffix
	return JobRef{Tenant: tenant, ID: id}
}

// ParseJobRef decodes the owning tenant from an encoded id by splitting on the
// first separator.
func ParseJobRef(id string) (JobRef, error) {
	i := strings.Index(id, Separator)
	if i <= 0 || i == len(id)-1 {
		return JobRef{}, fmt.Errorf("%w: %q", ErrMalformedJobID, id)
	}
	return JobRef{Tenant: id[:i], ID: id}, nil
}

// TenantOf returns the tenant segment of id, or "" if it has none.
func TenantOf(id string) string {
	ref, err := ParseJobRef(id)
	if err != nil {
		return ""
	}
	return ref.Tenant
}

// NewSuffix returns SuffixLen random lowercase hex characters.
func NewSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:SuffixLen]
}
