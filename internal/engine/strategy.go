package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/roach88/agencysync/internal/identity"
	"github.com/roach88/agencysync/internal/snapshot"
	"github.com/roach88/agencysync/internal/store"
)

// mapped is an incoming record translated into store columns, with every
// foreign key already resolved to a local id.
type mapped struct {
	table string
	key   string
	arena arenaKey

	values store.Row

	// insertOnly columns are written when the row is created and never
	// overwritten afterwards.
	insertOnly []string

	// Clone strategy only.
	origin       store.Row
	sourceAgency int64
	targetAgency int64
	originAgency int64
	// ownerOnly columns are overwritten only when the row comes from the
	// scope that owns it.
	ownerOnly []string
}

// result is the outcome of applying one row.
type result struct {
	arena    arenaKey
	id       int64
	outcome  RowOutcome
	conflict *NaturalKeyConflictError
}

// apply resolves rec according to its collection's policy and writes it.
func (r *run) apply(ctx context.Context, tx *store.Tx, p *identity.Policy, m mapper, rec snapshot.Record) (result, error) {
	mp, err := m(ctx, r, tx, rec)
	if err != nil {
		return result{}, err
	}
	var res result
	switch p.Strategy {
	case identity.SurrogateShared, identity.NaturalKeyScoped:
		res, err = r.updateOrCreate(ctx, tx, p, mp)
	case identity.NaturalKeyGlobalWithClone:
		res, err = r.updateOrClone(ctx, tx, p, mp)
	case identity.AppendOnly:
		res, err = r.appendOnly(ctx, tx, mp)
	default:
		err = fmt.Errorf("%s: unknown strategy %q", p.Collection, p.Strategy)
	}
	res.arena = mp.arena
	return res, err
}

// naturalKey picks the policy's key columns out of values. A key field that
// is a reference is stored as its resolved "<field>_id" column.
func naturalKey(p *identity.Policy, values store.Row) (store.Row, error) {
	key := make(store.Row, len(p.Key))
	for _, field := range p.Key {
		col := field
		if _, ok := values[col]; !ok {
			col = field + "_id"
		}
		v, ok := values[col]
		if !ok {
			return nil, fmt.Errorf("%s: key field %q has no column", p.Collection, field)
		}
		key[col] = v
	}
	return key, nil
}

// parentColumns names the column a parent-scoped row points at its parent with.
var parentColumns = map[snapshot.Collection]string{
	snapshot.Products:          "product_id",
	snapshot.SalesDocuments:    "document_id",
	snapshot.PurchaseDocuments: "document_id",
	snapshot.TransferDocuments: "document_id",
}

// matchRow finds the stored counterpart of values: the natural key narrowed
// to the scope it is unique in.
func matchRow(p *identity.Policy, values store.Row) (store.Row, error) {
	where, err := naturalKey(p, values)
	if err != nil {
		return nil, err
	}
	var col string
	switch p.Scope {
	case identity.ScopeAgency:
		col = "agency_id"
	case identity.ScopeParent:
		col = parentColumns[p.Parent]
	default:
		return where, nil
	}
	v, ok := values[col]
	if col == "" || !ok {
		return nil, fmt.Errorf("%s: no column for %s scope", p.Collection, p.Scope)
	}
	where[col] = v
	return where, nil
}

// updateOrCreate updates the row matching the natural key in the target
// scope, or inserts a new one. Equal values leave the row untouched.
func (r *run) updateOrCreate(ctx context.Context, tx *store.Tx, p *identity.Policy, mp *mapped) (result, error) {
	match, err := matchRow(p, mp.values)
	if err != nil {
		return result{}, err
	}
	id, found, err := tx.FindID(ctx, mp.table, match)
	if err != nil {
		return result{}, err
	}
	if !found {
		id, err := tx.Insert(ctx, mp.table, mp.values)
		if err != nil {
			return result{}, err
		}
		return result{id: id, outcome: OutcomeCreated}, nil
	}
	changed, err := tx.Update(ctx, mp.table, id, without(mp.values, mp.insertOnly...))
	if err != nil {
		return result{}, err
	}
	return result{id: id, outcome: updated(changed)}, nil
}

// updateOrClone resolves a key that should be unique store-wide.
//
//  1. A row in the target scope descending from the same origin is updated.
//  2. Otherwise, if the key is free store-wide, the row is created as is.
//  3. Otherwise the row is created under the first free clone key and a
//     conflict notice is returned.
func (r *run) updateOrClone(ctx context.Context, tx *store.Tx, p *identity.Policy, mp *mapped) (result, error) {
	id, found, err := tx.FindID(ctx, mp.table, mp.origin)
	if err != nil {
		return result{}, err
	}
	if found {
		// The target owns the original; copies held elsewhere never
		// overwrite it.
		if mp.targetAgency == mp.originAgency && mp.sourceAgency != mp.targetAgency {
			return result{id: id, outcome: OutcomeUnchanged}, nil
		}
		values := without(mp.values, mp.insertOnly...)
		if mp.sourceAgency != mp.targetAgency {
			values = without(values, mp.ownerOnly...)
		}
		changed, err := tx.Update(ctx, mp.table, id, values)
		if err != nil {
			return result{}, err
		}
		return result{id: id, outcome: updated(changed)}, nil
	}

	natural, err := naturalKey(p, mp.values)
	if err != nil {
		return result{}, err
	}
	keyColumn := p.Key[0]
	key, _ := natural[keyColumn].(string)
	taken, err := tx.Exists(ctx, mp.table, natural)
	if err != nil {
		return result{}, err
	}
	if !taken {
		id, err := tx.Insert(ctx, mp.table, mp.values)
		if err != nil {
			return result{}, err
		}
		return result{id: id, outcome: OutcomeCreated}, nil
	}

	name, err := r.agencyName(ctx, tx, mp.sourceAgency)
	if err != nil {
		return result{}, err
	}
	abbr := identity.Abbreviate(name, mp.sourceAgency, p.Clone.AbbreviationLength)
	cloneKey, err := p.Clone.FirstFreeKey(key, abbr, func(k string) (bool, error) {
		return tx.Exists(ctx, mp.table, store.Row{keyColumn: k})
	})
	if err != nil {
		var exhausted *identity.CloneExhaustedError
		if errors.As(err, &exhausted) {
			return result{}, cloneExhausted{exhausted}
		}
		return result{}, err
	}

	values := without(mp.values)
	values[keyColumn] = cloneKey
	id, err = tx.Insert(ctx, mp.table, values)
	if err != nil {
		return result{}, err
	}
	return result{
		id:      id,
		outcome: OutcomeCloned,
		conflict: &NaturalKeyConflictError{
			Collection:   p.Collection,
			Key:          key,
			ClonedAs:     cloneKey,
			SourceAgency: mp.sourceAgency,
			TargetAgency: mp.targetAgency,
		},
	}, nil
}

// appendOnly inserts a ledger row once. A row already present is reported
// unchanged; history is never edited.
func (r *run) appendOnly(ctx context.Context, tx *store.Tx, mp *mapped) (result, error) {
	inserted, err := tx.InsertIgnore(ctx, mp.table, mp.values)
	if err != nil {
		return result{}, err
	}
	if !inserted {
		return result{outcome: OutcomeUnchanged}, nil
	}
	return result{outcome: OutcomeCreated}, nil
}

func updated(changed bool) RowOutcome {
	if changed {
		return OutcomeUpdated
	}
	return OutcomeUnchanged
}

// without returns a copy of row minus cols.
func without(row store.Row, cols ...string) store.Row {
	out := make(store.Row, len(row))
	for c, v := range row {
		if !slices.Contains(cols, c) {
			out[c] = v
		}
	}
	return out
}
