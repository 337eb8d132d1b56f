package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestApproveTruncatesSingleOrganizationGroup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := f.seedStaff(t, "root", RoleAdmin)
	orgs := []string{f.org(t, "Acme"), f.org(t, "Globex"), f.org(t, "Initech")}
	id := f.registerVerified(t, "alice", "a@x.com")

	res, err := f.svc.Approve(ctx, ApproveRequest{ApproverID: admin.ID, TargetID: id.ID, Group: "Klient", Organizations: orgs})
	require.NoError(t, err)
	require.Equal(t, []Warning{WarnOrganizationsTruncated}, res.Warnings)
	require.Equal(t, []string{orgs[0]}, res.Identity.Organizations)

	got, err := f.svc.Identity(ctx, id.ID)
	require.NoError(t, err)
	require.True(t, got.Approved)
	require.Equal(t, admin.ID, got.ApprovedBy)
	require.NotNil(t, got.ApprovedAt)
	require.Equal(t, RoleClient, got.Role)
	require.Equal(t, "Klient", got.Group)
	require.Len(t, got.Organizations, 1)
}

func TestApproveMultiOrganizationGroupKeepsAll(t *testing.T) {
	f := newFixture(t)
	admin := f.seedStaff(t, "root", RoleAdmin)
	orgs := []string{f.org(t, "Acme"), f.org(t, "Globex")}
	id := f.registerVerified(t, "alice", "a@x.com")

	res, err := f.svc.Approve(context.Background(), ApproveRequest{ApproverID: admin.ID, TargetID: id.ID, Group: "Agent", Organizations: orgs})
	require.NoError(t, err)
	require.Empty(t, res.Warnings)
	require.Equal(t, RoleAgent, res.Identity.Role)
	require.Equal(t, orgs, res.Identity.Organizations)
}

func TestAgentApprovalIsConstrained(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acme := f.org(t, "Acme")
	globex := f.org(t, "Globex")
	agent := f.seedStaff(t, "agent", RoleAgent, acme)
	id := f.registerVerified(t, "alice", "a@x.com")

	_, err := f.svc.Approve(ctx, ApproveRequest{ApproverID: agent.ID, TargetID: id.ID, Group: "Agent", Organizations: []string{acme}})
	require.ErrorIs(t, err, ErrInsufficientApprovalAuthority)

	_, err = f.svc.Approve(ctx, ApproveRequest{ApproverID: agent.ID, TargetID: id.ID, Group: "Klient", Organizations: []string{globex}})
	require.ErrorIs(t, err, ErrInsufficientApprovalAuthority)

	_, err = f.svc.Approve(ctx, ApproveRequest{ApproverID: agent.ID, TargetID: id.ID, Group: "Klient", Organizations: []string{acme, globex}})
	require.ErrorIs(t, err, ErrInsufficientApprovalAuthority)

	got, err := f.svc.Identity(ctx, id.ID)
	require.NoError(t, err)
	require.False(t, got.Approved)

	res, err := f.svc.Approve(ctx, ApproveRequest{ApproverID: agent.ID, TargetID: id.ID, Group: "Viewer", Organizations: []string{acme}})
	require.NoError(t, err)
	require.Equal(t, RoleViewer, res.Identity.Role)
}

func TestSuperagentCannotGrantAdmin(t *testing.T) {
	f := newFixture(t)
	super := f.seedStaff(t, "super", RoleSuperagent)
	id := f.registerVerified(t, "alice", "a@x.com")

	_, err := f.svc.Approve(context.Background(), ApproveRequest{ApproverID: super.ID, TargetID: id.ID, Group: "Admin"})
	require.ErrorIs(t, err, ErrInsufficientApprovalAuthority)
	_, err = f.svc.Approve(context.Background(), ApproveRequest{ApproverID: super.ID, TargetID: id.ID, Group: "Superagent"})
	require.NoError(t, err)
}

func TestApproveRequiresVerifiedTarget(t *testing.T) {
	f := newFixture(t)
	admin := f.seedStaff(t, "root", RoleAdmin)
	id := f.register(t, "alice", "a@x.com")

	_, err := f.svc.Approve(context.Background(), ApproveRequest{ApproverID: admin.ID, TargetID: id.ID, Group: "Klient"})
	require.ErrorIs(t, err, ErrPendingVerification)
}

func TestApproveUnknownGroupOrApprover(t *testing.T) {
	f := newFixture(t)
	admin := f.seedStaff(t, "root", RoleAdmin)
	id := f.registerVerified(t, "alice", "a@x.com")

	_, err := f.svc.Approve(context.Background(), ApproveRequest{ApproverID: admin.ID, TargetID: id.ID, Group: "Nope"})
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.svc.Approve(context.Background(), ApproveRequest{ApproverID: "missing", TargetID: id.ID, Group: "Klient"})
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestRejectLeavesNoOrphans(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := f.seedStaff(t, "root", RoleAdmin)
	id := f.approvedClient(t, "alice")
	sess := f.login(t, id)
	secret, _ := f.enroll(t, id, sess)

	f.clock.Advance(30 * time.Second)
	_, err := f.svc.VerifyLogin(ctx, NewSession(id.ID, f.clock.Now()), id.ID, f.code(t, secret), VerifyOptions{
		TrustDevice: true,
		Device:      Device{UserAgent: "firefox", IP: "10.0.0.1"},
	})
	require.NoError(t, err)

	require.NoError(t, f.svc.Reject(ctx, admin.ID, id.ID))

	_, err = f.svc.Identity(ctx, id.ID)
	require.ErrorIs(t, err, ErrNotFound)
	_, ok, _ := f.store.Verifications(ctx).Get(ctx, id.ID)
	require.False(t, ok)
	_, ok, _ = f.store.LoginSecurity(ctx).Get(ctx, id.ID)
	require.False(t, ok)
	_, ok, _ = f.store.TwoFactor(ctx).Get(ctx, id.ID)
	require.False(t, ok)
	_, ok, _ = f.store.Recovery(ctx).Get(ctx, id.ID)
	require.False(t, ok)
	devices, err := f.store.Devices(ctx).List(ctx, id.ID)
	require.NoError(t, err)
	require.Empty(t, devices)

	orphans, err := f.store.Identities(ctx).Orphans(ctx)
	require.NoError(t, err)
	require.Empty(t, orphans)
	require.Equal(t, 1, f.events.count(EventUserRejected))
}

func TestAgentRejectsOnlyPendingIdentities(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent := f.seedStaff(t, "agent", RoleAgent)
	pending := f.registerVerified(t, "bob", "b@x.com")
	approved := f.approvedClient(t, "alice")

	require.ErrorIs(t, f.svc.Reject(ctx, agent.ID, approved.ID), ErrInsufficientApprovalAuthority)
	require.NoError(t, f.svc.Reject(ctx, agent.ID, pending.ID))
}
