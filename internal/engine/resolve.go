package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/roach88/agencysync/internal/snapshot"
	"github.com/roach88/agencysync/internal/store"
)

// reference is a foreign key to resolve: first through the run arena, then
// through the store lookups in order.
type reference struct {
	field   string
	target  snapshot.Collection
	key     string
	arena   arenaKey
	table   string
	lookups []store.Row
}

// resolve maps a reference to a local id. A reference found nowhere is a
// DanglingReferenceError for the referencing row.
func (r *run) resolve(ctx context.Context, tx *store.Tx, from snapshot.Collection, fromKey string, ref reference) (int64, error) {
	if id, ok := r.arena.lookup(ref.arena); ok {
		return id, nil
	}
	for _, where := range ref.lookups {
		id, found, err := tx.FindID(ctx, ref.table, where)
		if err != nil {
			return 0, err
		}
		if found {
			return id, nil
		}
	}
	return 0, &DanglingReferenceError{
		Collection: from,
		Key:        fromKey,
		Field:      ref.field,
		Target:     ref.target,
		TargetKey:  ref.key,
	}
}

// resolveOpt resolves a nullable reference. Nil stays nil.
func (r *run) resolveOpt(ctx context.Context, tx *store.Tx, from snapshot.Collection, fromKey string, value *string, build func(string) reference) (any, error) {
	if value == nil {
		return nil, nil
	}
	id, err := r.resolve(ctx, tx, from, fromKey, build(*value))
	if err != nil {
		return nil, err
	}
	return id, nil
}

// scope returns the local agency a row owned by agency lands in.
func (r *run) scope(agency int64) int64 {
	if r.target != nil {
		return *r.target
	}
	return agency
}

// owner resolves the local agency of an agency-owned row and checks that it
// exists.
func (r *run) owner(ctx context.Context, tx *store.Tx, from snapshot.Collection, fromKey string, agency int64) (int64, error) {
	return r.resolve(ctx, tx, from, fromKey, agencyRef("agency", r.scope(agency)))
}

// agencyName returns the name used to abbreviate agency in clone keys.
func (r *run) agencyName(ctx context.Context, tx *store.Tx, agency int64) (string, error) {
	if name, ok := r.arena.agencyNames[agency]; ok {
		return name, nil
	}
	found, err := tx.Exists(ctx, "agencies", store.Row{"id": agency})
	if err != nil || !found {
		return "", err
	}
	row, err := tx.Get(ctx, "agencies", agency, "name")
	if err != nil {
		return "", err
	}
	return row.String("name")
}

func agencyRef(field string, id int64) reference {
	key := strconv.FormatInt(id, 10)
	return reference{
		field:   field,
		target:  snapshot.Agencies,
		key:     key,
		arena:   arenaKey{snapshot.Agencies, 0, key},
		table:   "agencies",
		lookups: []store.Row{{"id": id}},
	}
}

func familyRef(code string) reference {
	return reference{
		field:   "family",
		target:  snapshot.Families,
		key:     code,
		arena:   arenaKey{snapshot.Families, 0, code},
		table:   "families",
		lookups: []store.Row{{"code": code}},
	}
}

// accountRef builds a reference to an account of agency. local is the agency
// the account is looked up in when it is not part of the snapshot.
func accountRef(field string, agency, local int64) func(string) reference {
	return func(number string) reference {
		return reference{
			field:   field,
			target:  snapshot.Accounts,
			key:     number,
			arena:   arenaKey{snapshot.Accounts, agency, number},
			table:   "accounts",
			lookups: []store.Row{{"agency_id": local, "number": number}},
		}
	}
}

func (r *run) partnerRef(field, kind string, agency int64) func(string) reference {
	return func(name string) reference {
		key := kind + ":" + name
		return reference{
			field:   field,
			target:  snapshot.Partners,
			key:     key,
			arena:   arenaKey{snapshot.Partners, agency, key},
			table:   "partners",
			lookups: []store.Row{{"agency_id": r.scope(agency), "kind": kind, "name": name}},
		}
	}
}

// productRef resolves a product by the reference it carries on the source
// node. agency owns the referencing row there.
func (r *run) productRef(field string, agency int64) func(string) reference {
	return func(ref string) reference {
		return reference{
			field:   field,
			target:  snapshot.Products,
			key:     ref,
			arena:   arenaKey{snapshot.Products, 0, ref},
			table:   "products",
			lookups: r.productLookups(ref, agency),
		}
	}
}

// productLookups finds a product the snapshot does not carry. A product the
// snapshot carries binds through the run arena only, so a row that failed
// leaves its dependents dangling. Otherwise the stored product must descend
// from the same origin pair; the bare reference is trusted only inside the
// source agency's own scope.
func (r *run) productLookups(ref string, agency int64) []store.Row {
	if r.carried[ref] {
		return nil
	}
	lookups := []store.Row{
		{"agency_id": r.scope(agency), "origin_agency_id": agency, "origin_reference": ref},
		{"origin_agency_id": agency, "origin_reference": ref},
	}
	if r.target == nil {
		lookups = append(lookups, store.Row{"agency_id": agency, "reference": ref})
	}
	return lookups
}

func (r *run) tillRef(agency int64) func(string) reference {
	return func(number string) reference {
		return reference{
			field:   "till",
			target:  snapshot.Tills,
			key:     number,
			arena:   arenaKey{snapshot.Tills, agency, number},
			table:   "tills",
			lookups: []store.Row{{"agency_id": r.scope(agency), "number": number}},
		}
	}
}

// documentRef builds a reference to a document by its business number.
func (r *run) documentRef(field string, c snapshot.Collection, column string, agency int64) func(string) reference {
	return func(number string) reference {
		return reference{
			field:   field,
			target:  c,
			key:     number,
			arena:   arenaKey{c, agency, number},
			table:   string(c),
			lookups: []store.Row{{"agency_id": r.scope(agency), column: number}},
		}
	}
}

// resolveSession resolves a "<till>@<opened_at>" session key.
func (r *run) resolveSession(ctx context.Context, tx *store.Tx, from snapshot.Collection, fromKey string, agency int64, key *string) (any, error) {
	if key == nil {
		return nil, nil
	}
	if id, ok := r.arena.lookup(arenaKey{snapshot.TillSessions, agency, *key}); ok {
		return id, nil
	}
	dangling := &DanglingReferenceError{
		Collection: from,
		Key:        fromKey,
		Field:      "session",
		Target:     snapshot.TillSessions,
		TargetKey:  *key,
	}
	till, opened, err := splitSessionKey(*key)
	if err != nil {
		return nil, dangling
	}
	tillID, found, err := tx.FindID(ctx, "tills", store.Row{"agency_id": r.scope(agency), "number": till})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, dangling
	}
	id, found, err := tx.FindID(ctx, "till_sessions", store.Row{"till_id": tillID, "opened_at": opened.StoreString()})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, dangling
	}
	return id, nil
}

func splitSessionKey(key string) (string, snapshot.Timestamp, error) {
	i := strings.LastIndexByte(key, '@')
	if i <= 0 {
		return "", snapshot.Timestamp{}, fmt.Errorf("malformed session key %q", key)
	}
	opened, err := snapshot.ParseTimestamp(key[i+1:])
	if err != nil {
		return "", snapshot.Timestamp{}, err
	}
	return key[:i], opened, nil
}

// keepUnknownAccounts drops null account columns from values when the
// snapshot carries no accounts, so existing links are left as they are.
func (r *run) keepUnknownAccounts(values store.Row, refs map[string]*string) {
	if r.accounts {
		return
	}
	for col, ref := range refs {
		if ref == nil {
			delete(values, col)
		}
	}
}
