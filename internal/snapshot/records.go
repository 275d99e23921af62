package snapshot

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Collection names one entity array in a snapshot document.
type Collection string

// Collection names as they appear on the wire.
const (
	Agencies          Collection = "agencies"
	Families          Collection = "families"
	Accounts          Collection = "accounts"
	Partners          Collection = "partners"
	Products          Collection = "products"
	PriceTiers        Collection = "price_tiers"
	Tills             Collection = "tills"
	TillSessions      Collection = "till_sessions"
	SalesDocuments    Collection = "sales_documents"
	SalesLines        Collection = "sales_lines"
	PurchaseDocuments Collection = "purchase_documents"
	PurchaseLines     Collection = "purchase_lines"
	TransferDocuments Collection = "transfer_documents"
	TransferLines     Collection = "transfer_lines"
	ClosureDocuments  Collection = "closure_documents"
	StockMovements    Collection = "stock_movements"
)

// Record is one typed row of a collection.
//
// NaturalKey is the portable identity used in reports and by referencing rows;
// Validate checks the fields Decode cannot check structurally.
type Record interface {
	Collection() Collection
	NaturalKey() string
	Validate() error
}

// Partner kinds.
const (
	PartnerClient   = "client"
	PartnerSupplier = "supplier"
)

// FieldError describes a missing or malformed field.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("field %q: %s", e.Field, e.Reason)
}

func required(field, value string) error {
	if value == "" {
		return &FieldError{Field: field, Reason: "required"}
	}
	return nil
}

func positive(field string, value int64) error {
	if value <= 0 {
		return &FieldError{Field: field, Reason: "must be positive"}
	}
	return nil
}

func stamped(field string, value Timestamp) error {
	if value.IsZero() {
		return &FieldError{Field: field, Reason: "required"}
	}
	return nil
}

// requiredKeys lists, per collection, the value fields a row must carry.
// Decimals and timestamps have usable zero values, so a missing key would
// otherwise decode as "0" or the zero instant and overwrite real state.
var requiredKeys = map[Collection][]string{
	Agencies:          {"updated_at"},
	Families:          {"updated_at"},
	Accounts:          {"updated_at"},
	Partners:          {"updated_at"},
	Products:          {"stock_balance", "updated_at"},
	PriceTiers:        {"price", "updated_at"},
	Tills:             {"current_balance", "updated_at"},
	TillSessions:      {"opened_at", "opening_balance", "updated_at"},
	SalesDocuments:    {"issued_at", "net_amount", "updated_at"},
	SalesLines:        {"quantity", "total", "updated_at"},
	PurchaseDocuments: {"purchased_at", "total", "updated_at"},
	PurchaseLines:     {"quantity", "total", "updated_at"},
	TransferDocuments: {"transferred_at", "updated_at"},
	TransferLines:     {"quantity", "updated_at"},
	ClosureDocuments:  {"business_date", "closed_at", "turnover", "updated_at"},
	StockMovements:    {"moved_at", "quantity", "balance", "updated_at"},
}

// checkRequired reports the first required key that is absent or null.
func checkRequired(c Collection, raw json.RawMessage) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return err
	}
	for _, key := range requiredKeys[c] {
		v, ok := fields[key]
		if !ok || string(v) == "null" {
			return &FieldError{Field: key, Reason: "required"}
		}
	}
	return nil
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// SessionKey is the portable key of a till session: till number and opening instant.
func SessionKey(till string, openedAt Timestamp) string {
	return till + "@" + openedAt.String()
}

// LineKey is the portable key of a document line.
func LineKey(document string, lineNo int) string {
	return document + "#" + strconv.Itoa(lineNo)
}

// Agency is an outlet. Its id is shared by every node.
type Agency struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Address   string    `json:"address"`
	UpdatedAt Timestamp `json:"updated_at"`
}

func (*Agency) Collection() Collection { return Agencies }
func (r *Agency) NaturalKey() string  { return strconv.FormatInt(r.ID, 10) }
func (r *Agency) Validate() error {
	return firstError(
		positive("id", r.ID),
		required("name", r.Name),
		stamped("updated_at", r.UpdatedAt),
	)
}

// Family is a product family of the reference catalog.
type Family struct {
	Code         string    `json:"code"`
	Label        string    `json:"label"`
	SaleUnit     string    `json:"sale_unit"`
	StockTracked bool      `json:"stock_tracked"`
	UpdatedAt    Timestamp `json:"updated_at"`
}

func (*Family) Collection() Collection { return Families }
func (r *Family) NaturalKey() string  { return r.Code }
func (r *Family) Validate() error {
	return firstError(
		required("code", r.Code),
		required("label", r.Label),
		stamped("updated_at", r.UpdatedAt),
	)
}

// Account is a user account together with its employee record.
// Credentials are never exported.
type Account struct {
	Number         string     `json:"number"`
	Kind           string     `json:"kind"`
	FirstName      string     `json:"first_name"`
	LastName       string     `json:"last_name"`
	Phone          string     `json:"phone"`
	Email          string     `json:"email"`
	Username       string     `json:"username"`
	Active         bool       `json:"active"`
	Agency         int64      `json:"agency"`
	CreatedAt      *Timestamp `json:"created_at"`
	LastLoginAt    *Timestamp `json:"last_login_at"`
	EmployeeNumber string     `json:"employee_number"`
	Position       string     `json:"position"`
	Department     string     `json:"department"`
	HiredOn        *Date      `json:"hired_on"`
	UpdatedAt      Timestamp  `json:"updated_at"`
}

func (*Account) Collection() Collection { return Accounts }
func (r *Account) NaturalKey() string  { return r.Number }
func (r *Account) Validate() error {
	return firstError(
		required("number", r.Number),
		positive("agency", r.Agency),
		stamped("updated_at", r.UpdatedAt),
	)
}

// Partner is a client or a supplier of one agency.
type Partner struct {
	Kind      string    `json:"kind"`
	Name      string    `json:"name"`
	Address   string    `json:"address"`
	Phone     string    `json:"phone"`
	Email     string    `json:"email"`
	Agency    int64     `json:"agency"`
	UpdatedAt Timestamp `json:"updated_at"`
}

func (*Partner) Collection() Collection { return Partners }
func (r *Partner) NaturalKey() string  { return r.Kind + ":" + r.Name }
func (r *Partner) Validate() error {
	if r.Kind != PartnerClient && r.Kind != PartnerSupplier {
		return &FieldError{Field: "kind", Reason: fmt.Sprintf("unknown partner kind %q", r.Kind)}
	}
	return firstError(
		required("name", r.Name),
		positive("agency", r.Agency),
		stamped("updated_at", r.UpdatedAt),
	)
}

// Product is a sellable article with its stock balance and cost fields.
//
// OriginAgency and OriginReference identify the authoritative row this
// product descends from; for a locally created product they equal Agency and
// Reference.
type Product struct {
	Reference         string    `json:"reference"`
	Designation       string    `json:"designation"`
	Family            string    `json:"family"`
	StockTracked      bool      `json:"stock_tracked"`
	Packaging         string    `json:"packaging"`
	SaleUnit          string    `json:"sale_unit"`
	PurchasePrice     Decimal   `json:"purchase_price"`
	LastPurchasePrice Decimal   `json:"last_purchase_price"`
	SalePrice         Decimal   `json:"sale_price"`
	StockBalance      Decimal   `json:"stock_balance"`
	StockMinimum      Decimal   `json:"stock_minimum"`
	Agency            int64     `json:"agency"`
	OriginAgency      int64     `json:"origin_agency"`
	OriginReference   string    `json:"origin_reference"`
	CreatedAt         Timestamp `json:"created_at"`
	UpdatedAt         Timestamp `json:"updated_at"`
}

func (*Product) Collection() Collection { return Products }
func (r *Product) NaturalKey() string  { return r.Reference }
func (r *Product) Validate() error {
	return firstError(
		required("reference", r.Reference),
		required("family", r.Family),
		positive("agency", r.Agency),
		stamped("updated_at", r.UpdatedAt),
	)
}

// Origin returns the authoritative (agency, reference) pair, defaulting to
// the row's own scope and key when the snapshot predates origin tracking.
func (r *Product) Origin() (int64, string) {
	agency, ref := r.OriginAgency, r.OriginReference
	if agency == 0 {
		agency = r.Agency
	}
	if ref == "" {
		ref = r.Reference
	}
	return agency, ref
}

// PriceTier is a named sale price of a product.
type PriceTier struct {
	Product   string    `json:"product"`
	Label     string    `json:"label"`
	Price     Decimal   `json:"price"`
	UpdatedAt Timestamp `json:"updated_at"`
}

func (*PriceTier) Collection() Collection { return PriceTiers }
func (r *PriceTier) NaturalKey() string  { return r.Product + ":" + r.Label }
func (r *PriceTier) Validate() error {
	return firstError(
		required("product", r.Product),
		required("label", r.Label),
		stamped("updated_at", r.UpdatedAt),
	)
}

// Till is a cash register of one agency.
type Till struct {
	Number         string     `json:"number"`
	Name           string     `json:"name"`
	OpeningBalance Decimal    `json:"opening_balance"`
	CurrentBalance Decimal    `json:"current_balance"`
	Status         string     `json:"status"`
	OpenedAt       *Timestamp `json:"opened_at"`
	ClosedAt       *Timestamp `json:"closed_at"`
	Agency         int64      `json:"agency"`
	UpdatedAt      Timestamp  `json:"updated_at"`
}

func (*Till) Collection() Collection { return Tills }
func (r *Till) NaturalKey() string  { return r.Number }
func (r *Till) Validate() error {
	return firstError(
		required("number", r.Number),
		positive("agency", r.Agency),
		stamped("updated_at", r.UpdatedAt),
	)
}

// TillSession is one opening-to-closing period of a till.
type TillSession struct {
	Till           string     `json:"till"`
	OpenedAt       Timestamp  `json:"opened_at"`
	ClosedAt       *Timestamp `json:"closed_at"`
	OpeningBalance Decimal    `json:"opening_balance"`
	ClosingBalance *Decimal   `json:"closing_balance"`
	Status         string     `json:"status"`
	Account        *string    `json:"account"`
	Agency         int64      `json:"agency"`
	UpdatedAt      Timestamp  `json:"updated_at"`
}

func (*TillSession) Collection() Collection { return TillSessions }
func (r *TillSession) NaturalKey() string  { return SessionKey(r.Till, r.OpenedAt) }
func (r *TillSession) Validate() error {
	if r.OpenedAt.IsZero() {
		return &FieldError{Field: "opened_at", Reason: "required"}
	}
	return firstError(
		required("till", r.Till),
		positive("agency", r.Agency),
		stamped("updated_at", r.UpdatedAt),
	)
}

// SalesDocument is a sales invoice (till ticket).
type SalesDocument struct {
	Ticket      string    `json:"ticket"`
	IssuedAt    Timestamp `json:"issued_at"`
	Discount    Decimal   `json:"discount"`
	NetAmount   Decimal   `json:"net_amount"`
	AmountPaid  Decimal   `json:"amount_paid"`
	ChangeGiven Decimal   `json:"change_given"`
	Pending     bool      `json:"pending"`
	SellerName  string    `json:"seller_name"`
	Till        *string   `json:"till"`
	Client      *string   `json:"client"`
	Session     *string   `json:"session"`
	Agency      int64     `json:"agency"`
	UpdatedAt   Timestamp `json:"updated_at"`
}

func (*SalesDocument) Collection() Collection { return SalesDocuments }
func (r *SalesDocument) NaturalKey() string  { return r.Ticket }
func (r *SalesDocument) Validate() error {
	return firstError(
		required("ticket", r.Ticket),
		positive("agency", r.Agency),
		stamped("updated_at", r.UpdatedAt),
	)
}

// SalesLine is one line of a sales document.
type SalesLine struct {
	Document    string    `json:"document"`
	LineNo      int       `json:"line_no"`
	Product     *string   `json:"product"`
	Designation string    `json:"designation"`
	Quantity    Decimal   `json:"quantity"`
	UnitPrice   Decimal   `json:"unit_price"`
	Total       Decimal   `json:"total"`
	Agency      int64     `json:"agency"`
	UpdatedAt   Timestamp `json:"updated_at"`
}

func (*SalesLine) Collection() Collection { return SalesLines }
func (r *SalesLine) NaturalKey() string  { return LineKey(r.Document, r.LineNo) }
func (r *SalesLine) Validate() error {
	return firstError(
		required("document", r.Document),
		positive("line_no", int64(r.LineNo)),
		positive("agency", r.Agency),
		stamped("updated_at", r.UpdatedAt),
	)
}

// PurchaseDocument is a supplier invoice.
type PurchaseDocument struct {
	Reference         string    `json:"reference"`
	SupplierInvoiceNo string    `json:"supplier_invoice_no"`
	PurchasedAt       Timestamp `json:"purchased_at"`
	Total             Decimal   `json:"total"`
	Status            string    `json:"status"`
	Comment           string    `json:"comment"`
	Supplier          *string   `json:"supplier"`
	Account           *string   `json:"account"`
	Agency            int64     `json:"agency"`
	UpdatedAt         Timestamp `json:"updated_at"`
}

func (*PurchaseDocument) Collection() Collection { return PurchaseDocuments }
func (r *PurchaseDocument) NaturalKey() string  { return r.Reference }
func (r *PurchaseDocument) Validate() error {
	return firstError(
		required("reference", r.Reference),
		positive("agency", r.Agency),
		stamped("updated_at", r.UpdatedAt),
	)
}

// PurchaseLine is one line of a purchase document.
type PurchaseLine struct {
	Document    string    `json:"document"`
	LineNo      int       `json:"line_no"`
	Product     *string   `json:"product"`
	Designation string    `json:"designation"`
	Quantity    Decimal   `json:"quantity"`
	UnitPrice   Decimal   `json:"unit_price"`
	Total       Decimal   `json:"total"`
	Agency      int64     `json:"agency"`
	UpdatedAt   Timestamp `json:"updated_at"`
}

func (*PurchaseLine) Collection() Collection { return PurchaseLines }
func (r *PurchaseLine) NaturalKey() string  { return LineKey(r.Document, r.LineNo) }
func (r *PurchaseLine) Validate() error {
	return firstError(
		required("document", r.Document),
		positive("line_no", int64(r.LineNo)),
		positive("agency", r.Agency),
		stamped("updated_at", r.UpdatedAt),
	)
}

// TransferDocument moves goods from one agency to another.
// Agency is the owning (source) scope.
type TransferDocument struct {
	Reference         string    `json:"reference"`
	TransferredAt     Timestamp `json:"transferred_at"`
	OriginPlace       string    `json:"origin_place"`
	DestinationPlace  string    `json:"destination_place"`
	Status            string    `json:"status"`
	State             string    `json:"state"`
	Comment           string    `json:"comment"`
	Agency            int64     `json:"agency"`
	SourceAgency      int64     `json:"source_agency"`
	DestinationAgency int64     `json:"destination_agency"`
	Sender            *string   `json:"sender"`
	Receiver          *string   `json:"receiver"`
	UpdatedAt         Timestamp `json:"updated_at"`
}

func (*TransferDocument) Collection() Collection { return TransferDocuments }
func (r *TransferDocument) NaturalKey() string  { return r.Reference }
func (r *TransferDocument) Validate() error {
	return firstError(
		required("reference", r.Reference),
		positive("agency", r.Agency),
		positive("source_agency", r.SourceAgency),
		positive("destination_agency", r.DestinationAgency),
		stamped("updated_at", r.UpdatedAt),
	)
}

// TransferLine is one line of a transfer document.
type TransferLine struct {
	Document   string    `json:"document"`
	LineNo     int       `json:"line_no"`
	Product    string    `json:"product"`
	Quantity   Decimal   `json:"quantity"`
	UnitPrice  Decimal   `json:"unit_price"`
	TotalValue Decimal   `json:"total_value"`
	Agency     int64     `json:"agency"`
	UpdatedAt  Timestamp `json:"updated_at"`
}

func (*TransferLine) Collection() Collection { return TransferLines }
func (r *TransferLine) NaturalKey() string  { return LineKey(r.Document, r.LineNo) }
func (r *TransferLine) Validate() error {
	return firstError(
		required("document", r.Document),
		positive("line_no", int64(r.LineNo)),
		required("product", r.Product),
		positive("agency", r.Agency),
		stamped("updated_at", r.UpdatedAt),
	)
}

// ClosureDocument archives the end of a till session.
// InvoicesData is an opaque JSON payload carried verbatim.
type ClosureDocument struct {
	Number       string          `json:"number"`
	BusinessDate Date            `json:"business_date"`
	ClosedAt     Timestamp       `json:"closed_at"`
	Session      *string         `json:"session"`
	SellerName   string          `json:"seller_name"`
	InvoiceCount int             `json:"invoice_count"`
	ItemCount    int             `json:"item_count"`
	Turnover     Decimal         `json:"turnover"`
	InvoicesData json.RawMessage `json:"invoices_data"`
	Agency       int64           `json:"agency"`
	UpdatedAt    Timestamp       `json:"updated_at"`
}

func (*ClosureDocument) Collection() Collection { return ClosureDocuments }
func (r *ClosureDocument) NaturalKey() string  { return r.Number }
func (r *ClosureDocument) Validate() error {
	if len(r.InvoicesData) > 0 && !json.Valid(r.InvoicesData) {
		return &FieldError{Field: "invoices_data", Reason: "invalid JSON"}
	}
	return firstError(
		required("number", r.Number),
		positive("agency", r.Agency),
		stamped("updated_at", r.UpdatedAt),
	)
}

// StockMovement is one immutable entry of the stock ledger.
// UID is assigned once when the movement is recorded and never changes.
type StockMovement struct {
	UID                 string    `json:"uid"`
	MovedAt             Timestamp `json:"moved_at"`
	Kind                string    `json:"kind"`
	DocumentNumber      string    `json:"document_number"`
	QuantityInStock     Decimal   `json:"quantity_in_stock"`
	OpeningStock        Decimal   `json:"opening_stock"`
	Balance             Decimal   `json:"balance"`
	Quantity            Decimal   `json:"quantity"`
	WeightedAverageCost Decimal   `json:"weighted_average_cost"`
	PermanentStock      Decimal   `json:"permanent_stock"`
	Comment             string    `json:"comment"`
	Product             string    `json:"product"`
	Agency              int64     `json:"agency"`
	Account             *string   `json:"account"`
	Supplier            *string   `json:"supplier"`
	SalesDocument       *string   `json:"sales_document"`
	PurchaseDocument    *string   `json:"purchase_document"`
	TransferDocument    *string   `json:"transfer_document"`
	UpdatedAt           Timestamp `json:"updated_at"`
}

func (*StockMovement) Collection() Collection { return StockMovements }
func (r *StockMovement) NaturalKey() string  { return r.UID }
func (r *StockMovement) Validate() error {
	return firstError(
		required("uid", r.UID),
		required("kind", r.Kind),
		required("product", r.Product),
		positive("agency", r.Agency),
		stamped("updated_at", r.UpdatedAt),
	)
}
