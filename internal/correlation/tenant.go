package correlation

import "context"

// DefaultTenant is the tenant ID of the default (no-tenant) scope.
const DefaultTenant = ""

// TenantResolver decides which tenant's definitions apply to a request.
//
// Resolution is exact-first: the requested tenant wins when it has a
// matching definition. When it has none and fallback is enabled, the
// default tenant is used instead.
type TenantResolver struct {
	// FallbackToDefault enables falling back to the default tenant when
	// the requested tenant has no matching definition.
	FallbackToDefault bool
}

// Resolve returns the effective tenant for a request. exists reports
// whether the probed tenant has a matching definition; it is called at most
// twice.
func (r TenantResolver) Resolve(ctx context.Context, tenantID string, exists func(ctx context.Context, tenantID string) (bool, error)) (string, error) {
	ok, err := exists(ctx, tenantID)
	if err != nil {
		return "", err
	}
	if ok {
		return tenantID, nil
	}
	if r.FallbackToDefault && tenantID != DefaultTenant {
		ok, err = exists(ctx, DefaultTenant)
		if err != nil {
			return "", err
		}
		if ok {
			return DefaultTenant, nil
		}
	}
	// No definition anywhere: stay on the requested tenant so lookups
	// fail with that tenant in the error.
	return tenantID, nil
}
