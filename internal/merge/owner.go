package merge

import (
	"context"

	"github.com/timmy/harvest/internal/domain"
	"github.com/timmy/harvest/internal/errors"
	"github.com/timmy/harvest/internal/logger"
)

// Directory looks up local organizations and groups.
type Directory interface {
	GetOrganization(ctx context.Context, idOrName string) (*domain.Organization, error)
	GetGroup(ctx context.Context, idOrName string) (*domain.Group, error)
}

// Provisioner creates local copies of remote organizations and groups
// for the "create" policy.
type Provisioner interface {
	ProvisionOrganization(ctx context.Context, name string) (*domain.Organization, error)
	ProvisionGroup(ctx context.Context, name string) (*domain.Group, error)
}

// ResolveOwner picks the owner organization of a harvested package.
//
// Unless policy is only_local or create, the source's organization wins.
// Otherwise remote is accepted when it exists locally; under create a
// missing organization is provisioned. Anything unresolved falls back to
// local.
func ResolveOwner(ctx context.Context, dir Directory, prov Provisioner, policy, remote, local string) string {
	if policy != domain.RemotePolicyOnlyLocal && policy != domain.RemotePolicyCreate {
		return local
	}
	if remote == "" {
		return local
	}

	org, err := dir.GetOrganization(ctx, remote)
	if err == nil {
		return org.ID
	}
	if !errors.Is(err, errors.ErrNotFound) {
		logger.CtxWarn(ctx, "Organization lookup for %s failed: %v", remote, err)
		return local
	}
	logger.CtxInfo(ctx, "Organization %s is not available", remote)

	if policy == domain.RemotePolicyCreate && prov != nil {
		org, err := prov.ProvisionOrganization(ctx, remote)
		if err != nil {
			logger.CtxError(ctx, "Could not get remote org %s: %v", remote, err)
			return local
		}
		logger.CtxInfo(ctx, "Organization %s has been newly created", remote)
		return org.ID
	}
	return local
}

// ResolveGroups maps remote group names onto local group ids. The second
// return value is false when groups should be dropped from the package
// altogether, which is the case unless policy is only_local or create.
func ResolveGroups(ctx context.Context, dir Directory, prov Provisioner, policy string, remote []string) ([]string, bool) {
	if policy != domain.RemotePolicyOnlyLocal && policy != domain.RemotePolicyCreate {
		return nil, false
	}

	validated := make([]string, 0, len(remote))
	for _, name := range remote {
		group, err := dir.GetGroup(ctx, name)
		if err == nil {
			validated = append(validated, group.ID)
			continue
		}
		logger.CtxInfo(ctx, "Group %s is not available", name)
		if policy != domain.RemotePolicyCreate || prov == nil || !errors.Is(err, errors.ErrNotFound) {
			continue
		}
		group, err = prov.ProvisionGroup(ctx, name)
		if err != nil {
			logger.CtxError(ctx, "Could not get remote group %s: %v", name, err)
			continue
		}
		logger.CtxInfo(ctx, "Group %s has been newly created", name)
		validated = append(validated, group.ID)
	}
	return validated, true
}
