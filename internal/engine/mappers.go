package engine

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/roach88/agencysync/internal/snapshot"
	"github.com/roach88/agencysync/internal/store"
)

// mapper translates one record into store columns, resolving its foreign
// keys. It decides nothing about identity; that is the strategy's job.
type mapper func(ctx context.Context, r *run, tx *store.Tx, rec snapshot.Record) (*mapped, error)

var mappers = map[snapshot.Collection]mapper{
	snapshot.Agencies:          mapAgency,
	snapshot.Families:          mapFamily,
	snapshot.Accounts:          mapAccount,
	snapshot.Partners:          mapPartner,
	snapshot.Products:          mapProduct,
	snapshot.PriceTiers:        mapPriceTier,
	snapshot.Tills:             mapTill,
	snapshot.TillSessions:      mapTillSession,
	snapshot.SalesDocuments:    mapSalesDocument,
	snapshot.SalesLines:        mapSalesLine,
	snapshot.PurchaseDocuments: mapPurchaseDocument,
	snapshot.PurchaseLines:     mapPurchaseLine,
	snapshot.TransferDocuments: mapTransferDocument,
	snapshot.TransferLines:     mapTransferLine,
	snapshot.ClosureDocuments:  mapClosureDocument,
	snapshot.StockMovements:    mapStockMovement,
}

func mapAgency(_ context.Context, _ *run, _ *store.Tx, rec snapshot.Record) (*mapped, error) {
	a := rec.(*snapshot.Agency)
	return &mapped{
		table: "agencies",
		key:   a.NaturalKey(),
		arena: arenaKey{snapshot.Agencies, 0, a.NaturalKey()},
		values: store.Row{
			"id":         a.ID,
			"name":       a.Name,
			"address":    a.Address,
			"updated_at": a.UpdatedAt.StoreString(),
		},
	}, nil
}

func mapFamily(_ context.Context, _ *run, _ *store.Tx, rec snapshot.Record) (*mapped, error) {
	f := rec.(*snapshot.Family)
	return &mapped{
		table: "families",
		key:   f.Code,
		arena: arenaKey{snapshot.Families, 0, f.Code},
		values: store.Row{
			"code":          f.Code,
			"label":         f.Label,
			"sale_unit":     f.SaleUnit,
			"stock_tracked": f.StockTracked,
			"updated_at":    f.UpdatedAt.StoreString(),
		},
	}, nil
}

func mapAccount(ctx context.Context, r *run, tx *store.Tx, rec snapshot.Record) (*mapped, error) {
	a := rec.(*snapshot.Account)
	agency, err := r.owner(ctx, tx, snapshot.Accounts, a.Number, a.Agency)
	if err != nil {
		return nil, err
	}
	return &mapped{
		table: "accounts",
		key:   a.Number,
		arena: arenaKey{snapshot.Accounts, a.Agency, a.Number},
		values: store.Row{
			"number":          a.Number,
			"kind":            a.Kind,
			"first_name":      a.FirstName,
			"last_name":       a.LastName,
			"phone":           a.Phone,
			"email":           a.Email,
			"username":        a.Username,
			"active":          a.Active,
			"agency_id":       agency,
			"created_at":      optTime(a.CreatedAt),
			"last_login_at":   optTime(a.LastLoginAt),
			"employee_number": a.EmployeeNumber,
			"position":        a.Position,
			"department":      a.Department,
			"hired_on":        optDate(a.HiredOn),
			"updated_at":      a.UpdatedAt.StoreString(),
		},
	}, nil
}

func mapPartner(ctx context.Context, r *run, tx *store.Tx, rec snapshot.Record) (*mapped, error) {
	p := rec.(*snapshot.Partner)
	key := p.NaturalKey()
	agency, err := r.owner(ctx, tx, snapshot.Partners, key, p.Agency)
	if err != nil {
		return nil, err
	}
	return &mapped{
		table: "partners",
		key:   key,
		arena: arenaKey{snapshot.Partners, p.Agency, key},
		values: store.Row{
			"kind":       p.Kind,
			"name":       p.Name,
			"address":    p.Address,
			"phone":      p.Phone,
			"email":      p.Email,
			"agency_id":  agency,
			"updated_at": p.UpdatedAt.StoreString(),
		},
	}, nil
}

func mapProduct(ctx context.Context, r *run, tx *store.Tx, rec snapshot.Record) (*mapped, error) {
	p := rec.(*snapshot.Product)
	agency, err := r.owner(ctx, tx, snapshot.Products, p.Reference, p.Agency)
	if err != nil {
		return nil, err
	}
	family, err := r.resolve(ctx, tx, snapshot.Products, p.Reference, familyRef(p.Family))
	if err != nil {
		return nil, err
	}
	originAgency, originRef := p.Origin()
	return &mapped{
		table: "products",
		key:   p.Reference,
		arena: arenaKey{snapshot.Products, 0, p.Reference},
		values: store.Row{
			"reference":           p.Reference,
			"designation":         p.Designation,
			"family_id":           family,
			"stock_tracked":       p.StockTracked,
			"packaging":           p.Packaging,
			"sale_unit":           p.SaleUnit,
			"purchase_price":      p.PurchasePrice.String(),
			"last_purchase_price": p.LastPurchasePrice.String(),
			"sale_price":          p.SalePrice.String(),
			"stock_balance":       p.StockBalance.String(),
			"stock_minimum":       p.StockMinimum.String(),
			"agency_id":           agency,
			"origin_agency_id":    originAgency,
			"origin_reference":    originRef,
			"created_at":          p.CreatedAt.StoreString(),
			"updated_at":          p.UpdatedAt.StoreString(),
		},
		insertOnly: []string{"reference", "origin_agency_id", "origin_reference", "created_at"},
		origin: store.Row{
			"agency_id":        agency,
			"origin_agency_id": originAgency,
			"origin_reference": originRef,
		},
		sourceAgency: p.Agency,
		targetAgency: agency,
		originAgency: originAgency,
		ownerOnly:    []string{"stock_balance"},
	}, nil
}

func mapPriceTier(ctx context.Context, r *run, tx *store.Tx, rec snapshot.Record) (*mapped, error) {
	t := rec.(*snapshot.PriceTier)
	key := t.NaturalKey()
	product, err := r.resolve(ctx, tx, snapshot.PriceTiers, key, r.priceTierProductRef(t.Product))
	if err != nil {
		return nil, err
	}
	return &mapped{
		table: "price_tiers",
		key:   key,
		arena: arenaKey{snapshot.PriceTiers, 0, key},
		values: store.Row{
			"product_id": product,
			"label":      t.Label,
			"price":      t.Price.String(),
			"updated_at": t.UpdatedAt.StoreString(),
		},
	}, nil
}

// priceTierProductRef resolves a tier's product. Tiers carry no agency, so a
// product outside the snapshot is found only when the snapshot is scoped to
// one agency.
func (r *run) priceTierProductRef(ref string) reference {
	if r.source != nil {
		return r.productRef("product", *r.source)(ref)
	}
	return reference{
		field:  "product",
		target: snapshot.Products,
		key:    ref,
		arena:  arenaKey{snapshot.Products, 0, ref},
		table:  "products",
	}
}

func mapTill(ctx context.Context, r *run, tx *store.Tx, rec snapshot.Record) (*mapped, error) {
	t := rec.(*snapshot.Till)
	agency, err := r.owner(ctx, tx, snapshot.Tills, t.Number, t.Agency)
	if err != nil {
		return nil, err
	}
	return &mapped{
		table: "tills",
		key:   t.Number,
		arena: arenaKey{snapshot.Tills, t.Agency, t.Number},
		values: store.Row{
			"number":          t.Number,
			"name":            t.Name,
			"opening_balance": t.OpeningBalance.String(),
			"current_balance": t.CurrentBalance.String(),
			"status":          t.Status,
			"opened_at":       optTime(t.OpenedAt),
			"closed_at":       optTime(t.ClosedAt),
			"agency_id":       agency,
			"updated_at":      t.UpdatedAt.StoreString(),
		},
	}, nil
}

func mapTillSession(ctx context.Context, r *run, tx *store.Tx, rec snapshot.Record) (*mapped, error) {
	s := rec.(*snapshot.TillSession)
	key := s.NaturalKey()
	agency, err := r.owner(ctx, tx, snapshot.TillSessions, key, s.Agency)
	if err != nil {
		return nil, err
	}
	till, err := r.resolve(ctx, tx, snapshot.TillSessions, key, r.tillRef(s.Agency)(s.Till))
	if err != nil {
		return nil, err
	}
	account, err := r.resolveOpt(ctx, tx, snapshot.TillSessions, key, s.Account, accountRef("account", s.Agency, agency))
	if err != nil {
		return nil, err
	}
	opened := s.OpenedAt.StoreString()
	mp := &mapped{
		table: "till_sessions",
		key:   key,
		arena: arenaKey{snapshot.TillSessions, s.Agency, key},
		values: store.Row{
			"till_id":         till,
			"opened_at":       opened,
			"closed_at":       optTime(s.ClosedAt),
			"opening_balance": s.OpeningBalance.String(),
			"closing_balance": optDecimal(s.ClosingBalance),
			"status":          s.Status,
			"account_id":      account,
			"agency_id":       agency,
			"updated_at":      s.UpdatedAt.StoreString(),
		},
	}
	r.keepUnknownAccounts(mp.values, map[string]*string{"account_id": s.Account})
	return mp, nil
}

func mapSalesDocument(ctx context.Context, r *run, tx *store.Tx, rec snapshot.Record) (*mapped, error) {
	d := rec.(*snapshot.SalesDocument)
	c := snapshot.SalesDocuments
	agency, err := r.owner(ctx, tx, c, d.Ticket, d.Agency)
	if err != nil {
		return nil, err
	}
	till, err := r.resolveOpt(ctx, tx, c, d.Ticket, d.Till, r.tillRef(d.Agency))
	if err != nil {
		return nil, err
	}
	client, err := r.resolveOpt(ctx, tx, c, d.Ticket, d.Client, r.partnerRef("client", snapshot.PartnerClient, d.Agency))
	if err != nil {
		return nil, err
	}
	session, err := r.resolveSession(ctx, tx, c, d.Ticket, d.Agency, d.Session)
	if err != nil {
		return nil, err
	}
	return &mapped{
		table: "sales_documents",
		key:   d.Ticket,
		arena: arenaKey{c, d.Agency, d.Ticket},
		values: store.Row{
			"ticket":       d.Ticket,
			"issued_at":    d.IssuedAt.StoreString(),
			"discount":     d.Discount.String(),
			"net_amount":   d.NetAmount.String(),
			"amount_paid":  d.AmountPaid.String(),
			"change_given": d.ChangeGiven.String(),
			"pending":      d.Pending,
			"seller_name":  d.SellerName,
			"till_id":      till,
			"client_id":    client,
			"session_id":   session,
			"agency_id":    agency,
			"updated_at":   d.UpdatedAt.StoreString(),
		},
	}, nil
}

// line is the shape shared by sales and purchase lines.
type line struct {
	document    string
	lineNo      int
	product     *string
	designation string
	quantity    snapshot.Decimal
	unitPrice   snapshot.Decimal
	total       snapshot.Decimal
	agency      int64
	updatedAt   snapshot.Timestamp
}

func mapLine(ctx context.Context, r *run, tx *store.Tx, c, parent snapshot.Collection, docColumn string, l line) (*mapped, error) {
	key := snapshot.LineKey(l.document, l.lineNo)
	agency, err := r.owner(ctx, tx, c, key, l.agency)
	if err != nil {
		return nil, err
	}
	doc, err := r.resolve(ctx, tx, c, key, r.documentRef("document", parent, docColumn, l.agency)(l.document))
	if err != nil {
		return nil, err
	}
	product, err := r.resolveOpt(ctx, tx, c, key, l.product, r.productRef("product", l.agency))
	if err != nil {
		return nil, err
	}
	return &mapped{
		table: string(c),
		key:   key,
		arena: arenaKey{c, l.agency, key},
		values: store.Row{
			"document_id": doc,
			"line_no":     int64(l.lineNo),
			"product_id":  product,
			"designation": l.designation,
			"quantity":    l.quantity.String(),
			"unit_price":  l.unitPrice.String(),
			"total":       l.total.String(),
			"agency_id":   agency,
			"updated_at":  l.updatedAt.StoreString(),
		},
	}, nil
}

func mapSalesLine(ctx context.Context, r *run, tx *store.Tx, rec snapshot.Record) (*mapped, error) {
	l := rec.(*snapshot.SalesLine)
	return mapLine(ctx, r, tx, snapshot.SalesLines, snapshot.SalesDocuments, "ticket", line{
		document:    l.Document,
		lineNo:      l.LineNo,
		product:     l.Product,
		designation: l.Designation,
		quantity:    l.Quantity,
		unitPrice:   l.UnitPrice,
		total:       l.Total,
		agency:      l.Agency,
		updatedAt:   l.UpdatedAt,
	})
}

func mapPurchaseDocument(ctx context.Context, r *run, tx *store.Tx, rec snapshot.Record) (*mapped, error) {
	d := rec.(*snapshot.PurchaseDocument)
	c := snapshot.PurchaseDocuments
	agency, err := r.owner(ctx, tx, c, d.Reference, d.Agency)
	if err != nil {
		return nil, err
	}
	supplier, err := r.resolveOpt(ctx, tx, c, d.Reference, d.Supplier, r.partnerRef("supplier", snapshot.PartnerSupplier, d.Agency))
	if err != nil {
		return nil, err
	}
	account, err := r.resolveOpt(ctx, tx, c, d.Reference, d.Account, accountRef("account", d.Agency, agency))
	if err != nil {
		return nil, err
	}
	mp := &mapped{
		table: "purchase_documents",
		key:   d.Reference,
		arena: arenaKey{c, d.Agency, d.Reference},
		values: store.Row{
			"reference":           d.Reference,
			"supplier_invoice_no": d.SupplierInvoiceNo,
			"purchased_at":        d.PurchasedAt.StoreString(),
			"total":               d.Total.String(),
			"status":              d.Status,
			"comment":             d.Comment,
			"supplier_id":         supplier,
			"account_id":          account,
			"agency_id":           agency,
			"updated_at":          d.UpdatedAt.StoreString(),
		},
	}
	r.keepUnknownAccounts(mp.values, map[string]*string{"account_id": d.Account})
	return mp, nil
}

func mapPurchaseLine(ctx context.Context, r *run, tx *store.Tx, rec snapshot.Record) (*mapped, error) {
	l := rec.(*snapshot.PurchaseLine)
	return mapLine(ctx, r, tx, snapshot.PurchaseLines, snapshot.PurchaseDocuments, "reference", line{
		document:    l.Document,
		lineNo:      l.LineNo,
		product:     l.Product,
		designation: l.Designation,
		quantity:    l.Quantity,
		unitPrice:   l.UnitPrice,
		total:       l.Total,
		agency:      l.Agency,
		updatedAt:   l.UpdatedAt,
	})
}

func mapTransferDocument(ctx context.Context, r *run, tx *store.Tx, rec snapshot.Record) (*mapped, error) {
	d := rec.(*snapshot.TransferDocument)
	c := snapshot.TransferDocuments
	agency, err := r.owner(ctx, tx, c, d.Reference, d.Agency)
	if err != nil {
		return nil, err
	}
	source, err := r.resolve(ctx, tx, c, d.Reference, agencyRef("source_agency", d.SourceAgency))
	if err != nil {
		return nil, err
	}
	destination, err := r.resolve(ctx, tx, c, d.Reference, agencyRef("destination_agency", d.DestinationAgency))
	if err != nil {
		return nil, err
	}
	sender, err := r.resolveOpt(ctx, tx, c, d.Reference, d.Sender, accountRef("sender", d.Agency, agency))
	if err != nil {
		return nil, err
	}
	// The receiver works for the destination agency, which is never rebound.
	receiver, err := r.resolveOpt(ctx, tx, c, d.Reference, d.Receiver, accountRef("receiver", d.DestinationAgency, destination))
	if err != nil {
		return nil, err
	}
	mp := &mapped{
		table: "transfer_documents",
		key:   d.Reference,
		arena: arenaKey{c, d.Agency, d.Reference},
		values: store.Row{
			"reference":             d.Reference,
			"transferred_at":        d.TransferredAt.StoreString(),
			"origin_place":          d.OriginPlace,
			"destination_place":     d.DestinationPlace,
			"status":                d.Status,
			"state":                 d.State,
			"comment":               d.Comment,
			"agency_id":             agency,
			"source_agency_id":      source,
			"destination_agency_id": destination,
			"sender_id":             sender,
			"receiver_id":           receiver,
			"updated_at":            d.UpdatedAt.StoreString(),
		},
	}
	r.keepUnknownAccounts(mp.values, map[string]*string{"sender_id": d.Sender, "receiver_id": d.Receiver})
	return mp, nil
}

func mapTransferLine(ctx context.Context, r *run, tx *store.Tx, rec snapshot.Record) (*mapped, error) {
	l := rec.(*snapshot.TransferLine)
	c := snapshot.TransferLines
	key := l.NaturalKey()
	agency, err := r.owner(ctx, tx, c, key, l.Agency)
	if err != nil {
		return nil, err
	}
	doc, err := r.resolve(ctx, tx, c, key, r.documentRef("document", snapshot.TransferDocuments, "reference", l.Agency)(l.Document))
	if err != nil {
		return nil, err
	}
	product, err := r.resolve(ctx, tx, c, key, r.productRef("product", l.Agency)(l.Product))
	if err != nil {
		return nil, err
	}
	return &mapped{
		table: "transfer_lines",
		key:   key,
		arena: arenaKey{c, l.Agency, key},
		values: store.Row{
			"document_id": doc,
			"line_no":     int64(l.LineNo),
			"product_id":  product,
			"quantity":    l.Quantity.String(),
			"unit_price":  l.UnitPrice.String(),
			"total_value": l.TotalValue.String(),
			"agency_id":   agency,
			"updated_at":  l.UpdatedAt.StoreString(),
		},
	}, nil
}

func mapClosureDocument(ctx context.Context, r *run, tx *store.Tx, rec snapshot.Record) (*mapped, error) {
	d := rec.(*snapshot.ClosureDocument)
	c := snapshot.ClosureDocuments
	agency, err := r.owner(ctx, tx, c, d.Number, d.Agency)
	if err != nil {
		return nil, err
	}
	session, err := r.resolveSession(ctx, tx, c, d.Number, d.Agency, d.Session)
	if err != nil {
		return nil, err
	}
	return &mapped{
		table: "closure_documents",
		key:   d.Number,
		arena: arenaKey{c, d.Agency, d.Number},
		values: store.Row{
			"number":        d.Number,
			"business_date": d.BusinessDate.String(),
			"closed_at":     d.ClosedAt.StoreString(),
			"session_id":    session,
			"seller_name":   d.SellerName,
			"invoice_count": int64(d.InvoiceCount),
			"item_count":    int64(d.ItemCount),
			"turnover":      d.Turnover.String(),
			"invoices_data": optRaw(d.InvoicesData),
			"agency_id":     agency,
			"updated_at":    d.UpdatedAt.StoreString(),
		},
	}, nil
}

func mapStockMovement(ctx context.Context, r *run, tx *store.Tx, rec snapshot.Record) (*mapped, error) {
	m := rec.(*snapshot.StockMovement)
	c := snapshot.StockMovements
	agency, err := r.owner(ctx, tx, c, m.UID, m.Agency)
	if err != nil {
		return nil, err
	}
	product, err := r.resolve(ctx, tx, c, m.UID, r.productRef("product", m.Agency)(m.Product))
	if err != nil {
		return nil, err
	}
	account, err := r.resolveOpt(ctx, tx, c, m.UID, m.Account, accountRef("account", m.Agency, agency))
	if err != nil {
		return nil, err
	}
	supplier, err := r.resolveOpt(ctx, tx, c, m.UID, m.Supplier, r.partnerRef("supplier", snapshot.PartnerSupplier, m.Agency))
	if err != nil {
		return nil, err
	}
	sales, err := r.resolveOpt(ctx, tx, c, m.UID, m.SalesDocument, r.documentRef("sales_document", snapshot.SalesDocuments, "ticket", m.Agency))
	if err != nil {
		return nil, err
	}
	purchase, err := r.resolveOpt(ctx, tx, c, m.UID, m.PurchaseDocument, r.documentRef("purchase_document", snapshot.PurchaseDocuments, "reference", m.Agency))
	if err != nil {
		return nil, err
	}
	transfer, err := r.resolveOpt(ctx, tx, c, m.UID, m.TransferDocument, r.documentRef("transfer_document", snapshot.TransferDocuments, "reference", m.Agency))
	if err != nil {
		return nil, err
	}
	mp := &mapped{
		table: "stock_movements",
		key:   m.UID,
		values: store.Row{
			"uid":                   m.UID,
			"moved_at":              m.MovedAt.StoreString(),
			"kind":                  m.Kind,
			"document_number":       m.DocumentNumber,
			"quantity_in_stock":     m.QuantityInStock.String(),
			"opening_stock":         m.OpeningStock.String(),
			"balance":               m.Balance.String(),
			"quantity":              m.Quantity.String(),
			"weighted_average_cost": m.WeightedAverageCost.String(),
			"permanent_stock":       m.PermanentStock.String(),
			"comment":               m.Comment,
			"product_id":            product,
			"agency_id":             agency,
			"account_id":            account,
			"supplier_id":           supplier,
			"sales_document_id":     sales,
			"purchase_document_id":  purchase,
			"transfer_document_id":  transfer,
			"updated_at":            m.UpdatedAt.StoreString(),
		},
	}
	r.keepUnknownAccounts(mp.values, map[string]*string{"account_id": m.Account})
	return mp, nil
}

func optTime(t *snapshot.Timestamp) any {
	if t == nil {
		return nil
	}
	return t.StoreString()
}

func optDate(d *snapshot.Date) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func optDecimal(d *snapshot.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

// optRaw stores an opaque JSON payload in compact form so that re-encoding a
// snapshot never counts as a change. An absent or null payload is NULL.
func optRaw(raw json.RawMessage) any {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return string(trimmed)
	}
	return buf.String()
}
