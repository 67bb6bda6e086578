package remote

import (
	"context"
	"errors"

	"github.com/Mschirtzinger/tasksync/internal/syncerr"
)

type actorKey struct{}

// WithActor returns a context carrying the authenticated user id.
func WithActor(ctx context.Context, uid string) context.Context {
	return context.WithValue(ctx, actorKey{}, uid)
}

// ActorFrom returns the authenticated user id carried by ctx.
func ActorFrom(ctx context.Context) (string, bool) {
	uid, ok := ctx.Value(actorKey{}).(string)
	return uid, ok && uid != ""
}

// errNotMember is the cause of denials issued by MembershipRule.
var errNotMember = errors.New("caller is not a member of the queried scope")

// MembershipRule returns a read rule modelled on per-document security rules.
// A query on tasksColl is allowed only when every document it could return is
// readable by the caller:
//
//   - it pins createdBy to the caller, or
//   - it pins assignedTo or members to contain the caller, or
//   - it pins scopeField to a scope whose project document lists the caller
//     as a member or owner.
//
// Queries on other collections pass through. canRead resolves project
// membership and is called with the store lock held, so it must not call back
// into the store.
func MembershipRule(tasksColl, scopeField string, canRead func(uid string, scopeID any) bool) Rule {
	return func(ctx context.Context, q Query) error {
		if q.Collection != tasksColl {
			return nil
		}
		uid, ok := ActorFrom(ctx)
		if !ok {
			return &syncerr.AuthorizationError{Op: "watch " + q.String(), Kind: syncerr.ErrAuthorization, Err: errors.New("unauthenticated")}
		}
		for _, f := range q.Filters {
			switch {
			case f.Op == OpEq && f.Field == "createdBy" && ValuesEqual(f.Value, uid):
				return nil
			case f.Op == OpArrayContains && (f.Field == "assignedTo" || f.Field == "members") && ValuesEqual(f.Value, uid):
				return nil
			case f.Op == OpEq && f.Field == scopeField && canRead(uid, f.Value):
				return nil
			case f.Op == OpIn && f.Field == scopeField:
				all := true
				for _, v := range asSlice(f.Value) {
					if !canRead(uid, v) {
						all = false
						break
					}
				}
				if all {
					return nil
				}
			}
		}
		return &syncerr.AuthorizationError{Op: "watch " + q.String(), Kind: syncerr.ErrAuthorization, Err: errNotMember}
	}
}

// ProjectMembership builds the canRead callback of MembershipRule from the
// projects collection of s. It reads s.docs directly and relies on the store
// lock being held by the caller.
func (s *MemStore) ProjectMembership(projectsColl, membersField, ownerField string) func(uid string, scopeID any) bool {
	return func(uid string, scopeID any) bool {
		for id, fields := range s.docs[projectsColl] {
			if !ValuesEqual(id, scopeID) && !ValuesEqual(id, normalizeID(scopeID)) {
				continue
			}
			if ValuesEqual(fields[ownerField], uid) {
				return true
			}
			for _, m := range asSlice(fields[membersField]) {
				if ValuesEqual(m, uid) {
					return true
				}
			}
		}
		return false
	}
}
