package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Warning is a non-fatal remark attached to a successful operation.
type Warning string

// WarnOrganizationsTruncated means the group allows one organization and only the first
// requested one was kept.
const WarnOrganizationsTruncated Warning = "organizations_truncated"

// ApproveRequest assigns a group and organizations to a verified identity.
type ApproveRequest struct {
	ApproverID    string
	TargetID      string
	Group         string
	Organizations []string
	IP            string
}

// ApprovalResult is the approved identity plus any warnings.
type ApprovalResult struct {
	Identity *Identity
	Warnings []Warning
}

// Approve places the target into exactly one group, fixes its role from that group and
// sets its organizations.
func (s *Service) Approve(ctx context.Context, req ApproveRequest) (ApprovalResult, error) {
	orgs := dedupeStrings(req.Organizations)
	var result ApprovalResult
	err := s.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		approver, err := s.txActor(ctx, tx, req.ApproverID)
		if err != nil {
			return err
		}
		group, ok, err := tx.Groups(ctx).Find(ctx, strings.TrimSpace(req.Group))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: unknown group %q", ErrInvalidInput, req.Group)
		}
		if !approver.Role.CanApproveInto(group.Role) {
			return ErrInsufficientApprovalAuthority
		}
		for _, orgID := range orgs {
			if _, ok, err := tx.Organizations(ctx).Find(ctx, orgID); err != nil {
				return err
			} else if !ok {
				return fmt.Errorf("%w: unknown organization %q", ErrInvalidInput, orgID)
			}
			if !approver.Role.Privileged() && !approver.InOrganization(orgID) {
				return ErrInsufficientApprovalAuthority
			}
		}

		target, err := tx.Identities(ctx).Find(ctx, req.TargetID)
		if err != nil {
			return err
		}
		if target.ID == approver.ID {
			return ErrInsufficientApprovalAuthority
		}
		if target.Approved && !approver.Role.CanApproveInto(target.Role) {
			return ErrInsufficientApprovalAuthority
		}
		if !target.Active {
			return ErrPendingVerification
		}

		if !group.AllowMultipleOrganizations && len(orgs) > 1 {
			orgs = orgs[:1]
			result.Warnings = append(result.Warnings, WarnOrganizationsTruncated)
		}
		now := s.now().UTC()
		target.Approved = true
		target.ApprovedBy = approver.ID
		target.ApprovedAt = &now
		target.Group = group.Name
		target.Role = group.Role
		target.Organizations = orgs
		target.UpdatedAt = now
		if err := tx.Identities(ctx).Update(ctx, target); err != nil {
			return err
		}
		result.Identity = target
		return nil
	})
	if err != nil {
		return ApprovalResult{}, err
	}
	fields := map[string]string{"group": result.Identity.Group, "role": string(result.Identity.Role)}
	if len(result.Warnings) > 0 {
		fields["warning"] = string(result.Warnings[0])
	}
	s.emit(ctx, Event{Type: EventUserApproved, IdentityID: req.TargetID, ActorID: req.ApproverID, IP: req.IP, Fields: fields})
	return result, nil
}

// Reject deletes the target and everything it owns, dependents first.
func (s *Service) Reject(ctx context.Context, approverID, targetID string) error {
	err := s.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		approver, err := s.txActor(ctx, tx, approverID)
		if err != nil {
			return err
		}
		target, err := tx.Identities(ctx).Find(ctx, targetID)
		if err != nil {
			return err
		}
		if target.ID == approver.ID {
			return ErrInsufficientApprovalAuthority
		}
		switch {
		case approver.Role.Privileged():
			if !approver.Role.Outranks(target.Role) {
				return ErrInsufficientApprovalAuthority
			}
		case approver.Role == RoleAgent:
			if target.Approved {
				return ErrInsufficientApprovalAuthority
			}
		default:
			return ErrInsufficientApprovalAuthority
		}
		if err := deleteDependents(ctx, tx, targetID); err != nil {
			return err
		}
		return tx.Identities(ctx).Delete(ctx, targetID)
	})
	if err != nil {
		return err
	}
	s.emit(ctx, Event{Type: EventUserRejected, IdentityID: targetID, ActorID: approverID})
	return nil
}

func (s *Service) txActor(ctx context.Context, tx Store, actorID string) (*Identity, error) {
	actor, err := tx.Identities(ctx).Find(ctx, actorID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}
	if !actor.Active || !actor.Approved {
		return nil, ErrUnauthorized
	}
	return actor, nil
}
