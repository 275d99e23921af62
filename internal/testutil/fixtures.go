package testutil

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/agencysync/internal/identity"
	"github.com/roach88/agencysync/internal/snapshot"
	"github.com/roach88/agencysync/internal/store"
)

// OpenStore opens an empty store in a temp dir, closed on cleanup.
func OpenStore(t testing.TB) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "agency.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// At returns Epoch + offset as a wire timestamp.
func At(offset time.Duration) snapshot.Timestamp {
	return snapshot.NewTimestamp(Epoch.Add(offset))
}

// Dec parses a decimal literal.
func Dec(s string) snapshot.Decimal {
	return snapshot.MustDecimal(s)
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

// NewSnapshot builds an unsealed snapshot in the default collection order.
func NewSnapshot(id string, recs ...snapshot.Record) *snapshot.Snapshot {
	s := snapshot.New(snapshot.Header{SnapshotID: id, CapturedAt: At(24 * time.Hour)}, identity.Default().Order())
	s.Add(recs...)
	return s
}

func Agency(id int64, name string) *snapshot.Agency {
	return &snapshot.Agency{ID: id, Name: name, Address: name + " market", UpdatedAt: At(0)}
}

func Family(code string) *snapshot.Family {
	return &snapshot.Family{Code: code, Label: code + " family", SaleUnit: "kg", StockTracked: true, UpdatedAt: At(0)}
}

// Product builds a locally created product (origin = own scope and key).
func Product(ref string, agency int64, family, stock string) *snapshot.Product {
	return &snapshot.Product{
		Reference:         ref,
		Designation:       ref + " designation",
		Family:            family,
		StockTracked:      true,
		Packaging:         "bag",
		SaleUnit:          "kg",
		PurchasePrice:     Dec("3.10"),
		LastPurchasePrice: Dec("3.25"),
		SalePrice:         Dec("4.50"),
		StockBalance:      Dec(stock),
		StockMinimum:      Dec("2.000"),
		Agency:            agency,
		OriginAgency:      agency,
		OriginReference:   ref,
		CreatedAt:         At(0),
		UpdatedAt:         At(time.Hour),
	}
}

func Partner(kind, name string, agency int64) *snapshot.Partner {
	return &snapshot.Partner{Kind: kind, Name: name, Agency: agency, UpdatedAt: At(0)}
}

func Account(number string, agency int64) *snapshot.Account {
	return &snapshot.Account{
		Number:    number,
		Kind:      "cashier",
		FirstName: "Ada",
		LastName:  "Number " + number,
		Active:    true,
		Agency:    agency,
		CreatedAt: Ptr(At(0)),
		HiredOn:   Ptr(snapshot.NewDate(2023, time.May, 2)),
		UpdatedAt: At(0),
	}
}

func Till(number string, agency int64) *snapshot.Till {
	return &snapshot.Till{
		Number:         number,
		Name:           "Till " + number,
		OpeningBalance: Dec("100.00"),
		CurrentBalance: Dec("250.50"),
		Status:         "open",
		OpenedAt:       Ptr(At(0)),
		Agency:         agency,
		UpdatedAt:      At(0),
	}
}

func Session(till string, agency int64, opened snapshot.Timestamp) *snapshot.TillSession {
	return &snapshot.TillSession{
		Till:           till,
		OpenedAt:       opened,
		OpeningBalance: Dec("100.00"),
		Status:         "open",
		Agency:         agency,
		UpdatedAt:      opened,
	}
}

func SalesDocument(ticket string, agency int64, updated snapshot.Timestamp) *snapshot.SalesDocument {
	return &snapshot.SalesDocument{
		Ticket:      ticket,
		IssuedAt:    updated,
		Discount:    Dec("0.00"),
		NetAmount:   Dec("9.00"),
		AmountPaid:  Dec("10.00"),
		ChangeGiven: Dec("1.00"),
		SellerName:  "Ada",
		Agency:      agency,
		UpdatedAt:   updated,
	}
}

func SalesLine(document string, lineNo int, product string, agency int64, updated snapshot.Timestamp) *snapshot.SalesLine {
	return &snapshot.SalesLine{
		Document:    document,
		LineNo:      lineNo,
		Product:     Ptr(product),
		Designation: product,
		Quantity:    Dec("2.000"),
		UnitPrice:   Dec("4.50"),
		Total:       Dec("9.00"),
		Agency:      agency,
		UpdatedAt:   updated,
	}
}

func StockMovement(uid, product string, agency int64, updated snapshot.Timestamp) *snapshot.StockMovement {
	return &snapshot.StockMovement{
		UID:                 uid,
		MovedAt:             updated,
		Kind:                "sale",
		QuantityInStock:     Dec("10.00"),
		OpeningStock:        Dec("10.00"),
		Balance:             Dec("8.00"),
		Quantity:            Dec("-2.00"),
		WeightedAverageCost: Dec("3.1725"),
		PermanentStock:      Dec("8.00"),
		Product:             product,
		Agency:              agency,
		UpdatedAt:           updated,
	}
}
