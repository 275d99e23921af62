package engine

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/agencysync/internal/snapshot"
	"github.com/roach88/agencysync/internal/store"
)

// rowReader decodes columns of an export view. The first failure is kept in
// err and later reads return zero values.
type rowReader struct {
	row             store.Row
	includeAccounts bool
	err             error
}

func (r *rowReader) fail(col string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("column %s: %w", col, err)
	}
}

func (r *rowReader) str(col string) string {
	s, err := r.row.String(col)
	if err != nil {
		r.fail(col, err)
	}
	return s
}

func (r *rowReader) nullStr(col string) *string {
	s, err := r.row.NullString(col)
	if err != nil {
		r.fail(col, err)
	}
	return s
}

func (r *rowReader) i64(col string) int64 {
	n, err := r.row.Int64(col)
	if err != nil {
		r.fail(col, err)
	}
	return n
}

func (r *rowReader) boolean(col string) bool {
	b, err := r.row.Bool(col)
	if err != nil {
		r.fail(col, err)
	}
	return b
}

func (r *rowReader) dec(col string) snapshot.Decimal {
	d, err := snapshot.ParseDecimal(r.str(col))
	if err != nil {
		r.fail(col, err)
	}
	return d
}

func (r *rowReader) nullDec(col string) *snapshot.Decimal {
	if r.row[col] == nil {
		return nil
	}
	d := r.dec(col)
	return &d
}

func (r *rowReader) ts(col string) snapshot.Timestamp {
	t, err := parseStoredTime(r.str(col))
	if err != nil {
		r.fail(col, err)
	}
	return t
}

func (r *rowReader) nullTS(col string) *snapshot.Timestamp {
	if r.row[col] == nil {
		return nil
	}
	t := r.ts(col)
	return &t
}

func (r *rowReader) nullDate(col string) *snapshot.Date {
	if r.row[col] == nil {
		return nil
	}
	d, err := snapshot.ParseDate(r.str(col))
	if err != nil {
		r.fail(col, err)
	}
	return &d
}

func (r *rowReader) date(col string) snapshot.Date {
	d, err := snapshot.ParseDate(r.str(col))
	if err != nil {
		r.fail(col, err)
	}
	return d
}

// account reads an account reference, or nil when accounts are not exported.
func (r *rowReader) account(col string) *string {
	if !r.includeAccounts {
		return nil
	}
	return r.nullStr(col)
}

// session composes the portable session key from its till number and
// opening instant.
func (r *rowReader) session(tillCol, openedCol string) *string {
	if r.row[tillCol] == nil || r.row[openedCol] == nil {
		return nil
	}
	key := snapshot.SessionKey(r.str(tillCol), r.ts(openedCol))
	return &key
}

func (r *rowReader) raw(col string) json.RawMessage {
	s := r.nullStr(col)
	if s == nil {
		return nil
	}
	return json.RawMessage(*s)
}

// parseStoredTime accepts the fixed-width column layout and, for rows written
// by other tools, plain RFC 3339.
func parseStoredTime(s string) (snapshot.Timestamp, error) {
	if t, err := snapshot.ParseStoreTimestamp(s); err == nil {
		return t, nil
	}
	return snapshot.ParseTimestamp(s)
}

// exportConverters turn one export view row into a record.
var exportConverters = map[snapshot.Collection]func(*rowReader) snapshot.Record{
	snapshot.Agencies: func(r *rowReader) snapshot.Record {
		return &snapshot.Agency{
			ID:        r.i64("id"),
			Name:      r.str("name"),
			Address:   r.str("address"),
			UpdatedAt: r.ts("updated_at"),
		}
	},
	snapshot.Families: func(r *rowReader) snapshot.Record {
		return &snapshot.Family{
			Code:         r.str("code"),
			Label:        r.str("label"),
			SaleUnit:     r.str("sale_unit"),
			StockTracked: r.boolean("stock_tracked"),
			UpdatedAt:    r.ts("updated_at"),
		}
	},
	snapshot.Accounts: func(r *rowReader) snapshot.Record {
		return &snapshot.Account{
			Number:         r.str("number"),
			Kind:           r.str("kind"),
			FirstName:      r.str("first_name"),
			LastName:       r.str("last_name"),
			Phone:          r.str("phone"),
			Email:          r.str("email"),
			Username:       r.str("username"),
			Active:         r.boolean("active"),
			Agency:         r.i64("agency_id"),
			CreatedAt:      r.nullTS("created_at"),
			LastLoginAt:    r.nullTS("last_login_at"),
			EmployeeNumber: r.str("employee_number"),
			Position:       r.str("position"),
			Department:     r.str("department"),
			HiredOn:        r.nullDate("hired_on"),
			UpdatedAt:      r.ts("updated_at"),
		}
	},
	snapshot.Partners: func(r *rowReader) snapshot.Record {
		return &snapshot.Partner{
			Kind:      r.str("kind"),
			Name:      r.str("name"),
			Address:   r.str("address"),
			Phone:     r.str("phone"),
			Email:     r.str("email"),
			Agency:    r.i64("agency_id"),
			UpdatedAt: r.ts("updated_at"),
		}
	},
	snapshot.Products: func(r *rowReader) snapshot.Record {
		return &snapshot.Product{
			Reference:         r.str("reference"),
			Designation:       r.str("designation"),
			Family:            r.str("family"),
			StockTracked:      r.boolean("stock_tracked"),
			Packaging:         r.str("packaging"),
			SaleUnit:          r.str("sale_unit"),
			PurchasePrice:     r.dec("purchase_price"),
			LastPurchasePrice: r.dec("last_purchase_price"),
			SalePrice:         r.dec("sale_price"),
			StockBalance:      r.dec("stock_balance"),
			StockMinimum:      r.dec("stock_minimum"),
			Agency:            r.i64("agency_id"),
			OriginAgency:      r.i64("origin_agency_id"),
			OriginReference:   r.str("origin_reference"),
			CreatedAt:         r.ts("created_at"),
			UpdatedAt:         r.ts("updated_at"),
		}
	},
	snapshot.PriceTiers: func(r *rowReader) snapshot.Record {
		return &snapshot.PriceTier{
			Product:   r.str("product"),
			Label:     r.str("label"),
			Price:     r.dec("price"),
			UpdatedAt: r.ts("updated_at"),
		}
	},
	snapshot.Tills: func(r *rowReader) snapshot.Record {
		return &snapshot.Till{
			Number:         r.str("number"),
			Name:           r.str("name"),
			OpeningBalance: r.dec("opening_balance"),
			CurrentBalance: r.dec("current_balance"),
			Status:         r.str("status"),
			OpenedAt:       r.nullTS("opened_at"),
			ClosedAt:       r.nullTS("closed_at"),
			Agency:         r.i64("agency_id"),
			UpdatedAt:      r.ts("updated_at"),
		}
	},
	snapshot.TillSessions: func(r *rowReader) snapshot.Record {
		return &snapshot.TillSession{
			Till:           r.str("till"),
			OpenedAt:       r.ts("opened_at"),
			ClosedAt:       r.nullTS("closed_at"),
			OpeningBalance: r.dec("opening_balance"),
			ClosingBalance: r.nullDec("closing_balance"),
			Status:         r.str("status"),
			Account:        r.account("account"),
			Agency:         r.i64("agency_id"),
			UpdatedAt:      r.ts("updated_at"),
		}
	},
	snapshot.SalesDocuments: func(r *rowReader) snapshot.Record {
		return &snapshot.SalesDocument{
			Ticket:      r.str("ticket"),
			IssuedAt:    r.ts("issued_at"),
			Discount:    r.dec("discount"),
			NetAmount:   r.dec("net_amount"),
			AmountPaid:  r.dec("amount_paid"),
			ChangeGiven: r.dec("change_given"),
			Pending:     r.boolean("pending"),
			SellerName:  r.str("seller_name"),
			Till:        r.nullStr("till"),
			Client:      r.nullStr("client"),
			Session:     r.session("session_till", "session_opened_at"),
			Agency:      r.i64("agency_id"),
			UpdatedAt:   r.ts("updated_at"),
		}
	},
	snapshot.SalesLines: func(r *rowReader) snapshot.Record {
		return &snapshot.SalesLine{
			Document:    r.str("document"),
			LineNo:      int(r.i64("line_no")),
			Product:     r.nullStr("product"),
			Designation: r.str("designation"),
			Quantity:    r.dec("quantity"),
			UnitPrice:   r.dec("unit_price"),
			Total:       r.dec("total"),
			Agency:      r.i64("agency_id"),
			UpdatedAt:   r.ts("updated_at"),
		}
	},
	snapshot.PurchaseDocuments: func(r *rowReader) snapshot.Record {
		return &snapshot.PurchaseDocument{
			Reference:         r.str("reference"),
			SupplierInvoiceNo: r.str("supplier_invoice_no"),
			PurchasedAt:       r.ts("purchased_at"),
			Total:             r.dec("total"),
			Status:            r.str("status"),
			Comment:           r.str("comment"),
			Supplier:          r.nullStr("supplier"),
			Account:           r.account("account"),
			Agency:            r.i64("agency_id"),
			UpdatedAt:         r.ts("updated_at"),
		}
	},
	snapshot.PurchaseLines: func(r *rowReader) snapshot.Record {
		return &snapshot.PurchaseLine{
			Document:    r.str("document"),
			LineNo:      int(r.i64("line_no")),
			Product:     r.nullStr("product"),
			Designation: r.str("designation"),
			Quantity:    r.dec("quantity"),
			UnitPrice:   r.dec("unit_price"),
			Total:       r.dec("total"),
			Agency:      r.i64("agency_id"),
			UpdatedAt:   r.ts("updated_at"),
		}
	},
	snapshot.TransferDocuments: func(r *rowReader) snapshot.Record {
		return &snapshot.TransferDocument{
			Reference:         r.str("reference"),
			TransferredAt:     r.ts("transferred_at"),
			OriginPlace:       r.str("origin_place"),
			DestinationPlace:  r.str("destination_place"),
			Status:            r.str("status"),
			State:             r.str("state"),
			Comment:           r.str("comment"),
			Agency:            r.i64("agency_id"),
			SourceAgency:      r.i64("source_agency_id"),
			DestinationAgency: r.i64("destination_agency_id"),
			Sender:            r.account("sender"),
			Receiver:          r.account("receiver"),
			UpdatedAt:         r.ts("updated_at"),
		}
	},
	snapshot.TransferLines: func(r *rowReader) snapshot.Record {
		return &snapshot.TransferLine{
			Document:   r.str("document"),
			LineNo:     int(r.i64("line_no")),
			Product:    r.str("product"),
			Quantity:   r.dec("quantity"),
			UnitPrice:  r.dec("unit_price"),
			TotalValue: r.dec("total_value"),
			Agency:     r.i64("agency_id"),
			UpdatedAt:  r.ts("updated_at"),
		}
	},
	snapshot.ClosureDocuments: func(r *rowReader) snapshot.Record {
		return &snapshot.ClosureDocument{
			Number:       r.str("number"),
			BusinessDate: r.date("business_date"),
			ClosedAt:     r.ts("closed_at"),
			Session:      r.session("session_till", "session_opened_at"),
			SellerName:   r.str("seller_name"),
			InvoiceCount: int(r.i64("invoice_count")),
			ItemCount:    int(r.i64("item_count")),
			Turnover:     r.dec("turnover"),
			InvoicesData: r.raw("invoices_data"),
			Agency:       r.i64("agency_id"),
			UpdatedAt:    r.ts("updated_at"),
		}
	},
	snapshot.StockMovements: func(r *rowReader) snapshot.Record {
		return &snapshot.StockMovement{
			UID:                 r.str("uid"),
			MovedAt:             r.ts("moved_at"),
			Kind:                r.str("kind"),
			DocumentNumber:      r.str("document_number"),
			QuantityInStock:     r.dec("quantity_in_stock"),
			OpeningStock:        r.dec("opening_stock"),
			Balance:             r.dec("balance"),
			Quantity:            r.dec("quantity"),
			WeightedAverageCost: r.dec("weighted_average_cost"),
			PermanentStock:      r.dec("permanent_stock"),
			Comment:             r.str("comment"),
			Product:             r.str("product"),
			Agency:              r.i64("agency_id"),
			Account:             r.account("account"),
			Supplier:            r.nullStr("supplier"),
			SalesDocument:       r.nullStr("sales_document"),
			PurchaseDocument:    r.nullStr("purchase_document"),
			TransferDocument:    r.nullStr("transfer_document"),
			UpdatedAt:           r.ts("updated_at"),
		}
	},
}
