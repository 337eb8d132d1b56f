package auth

const (
	PermIdentityApprove    = "identity.approve"
	PermIdentityReject     = "identity.reject"
	PermIdentityUnlock     = "identity.unlock"
	PermTwoFactorManage    = "twofactor.manage"
	PermOrganizationManage = "organization.manage"
)

// rolePermissions is the coarse route-level grant table. Per-target checks (authority
// over the group, shared organizations) stay in the service operations.
var rolePermissions = map[Role][]string{
	RoleAdmin:      {PermIdentityApprove, PermIdentityReject, PermIdentityUnlock, PermTwoFactorManage, PermOrganizationManage},
	RoleSuperagent: {PermIdentityApprove, PermIdentityReject, PermIdentityUnlock, PermTwoFactorManage, PermOrganizationManage},
	RoleAgent:      {PermIdentityApprove, PermIdentityReject, PermIdentityUnlock},
}
