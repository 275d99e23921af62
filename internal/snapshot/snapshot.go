package snapshot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
)

// Header carries the snapshot metadata written before the collections.
type Header struct {
	Version         string     `json:"version"`
	SnapshotID      string     `json:"snapshot_id"`
	EngineVersion   string     `json:"engine_version"`
	SourceNode      string     `json:"source_node,omitempty"`
	SourceAgency    *int64     `json:"source_agency"`
	CapturedAt      Timestamp  `json:"captured_at"`
	Since           *Timestamp `json:"since"`
	IncludeAccounts bool       `json:"include_accounts"`
}

// Snapshot is a bundle of typed rows grouped by collection.
//
// A snapshot is built by the exporter (or by Decode) and sealed once it has
// been serialized; Add on a sealed snapshot panics.
type Snapshot struct {
	Header

	// Problems lists rows Decode rejected. They never appear in Rows.
	Problems []*SerializationError

	order  []Collection
	rows   map[Collection][]Record
	sealed bool
}

// New creates an empty snapshot. order fixes the collection order of the
// encoded document; every listed collection is written even when empty.
func New(h Header, order []Collection) *Snapshot {
	if h.Version == "" {
		h.Version = FormatVersion
	}
	if h.EngineVersion == "" {
		h.EngineVersion = EngineVersion
	}
	return &Snapshot{
		Header: h,
		order:  slices.Clone(order),
		rows:   make(map[Collection][]Record),
	}
}

// Add appends records to their collections.
func (s *Snapshot) Add(recs ...Record) {
	if s.sealed {
		panic("snapshot: Add on a sealed snapshot")
	}
	for _, rec := range recs {
		c := rec.Collection()
		s.rows[c] = append(s.rows[c], rec)
	}
}

// Rows returns the records of one collection in insertion order.
// The returned slice is a copy; the records themselves must not be mutated.
func (s *Snapshot) Rows(c Collection) []Record {
	return slices.Clone(s.rows[c])
}

// Collections returns the declared order followed by any other non-empty
// collection in name order.
func (s *Snapshot) Collections() []Collection {
	out := slices.Clone(s.order)
	var extra []Collection
	for c := range s.rows {
		if !slices.Contains(out, c) {
			extra = append(extra, c)
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
	return append(out, extra...)
}

// Len returns the total number of rows.
func (s *Snapshot) Len() int {
	n := 0
	for _, rows := range s.rows {
		n += len(rows)
	}
	return n
}

// Counts returns the number of rows per collection.
func (s *Snapshot) Counts() map[Collection]int {
	out := make(map[Collection]int, len(s.rows))
	for c, rows := range s.rows {
		out[c] = len(rows)
	}
	return out
}

// Sealed reports whether the snapshot has been serialized or decoded.
func (s *Snapshot) Sealed() bool {
	return s.sealed
}

// factories maps every known collection to a constructor of its record type.
var factories = map[Collection]func() Record{
	Agencies:          func() Record { return &Agency{} },
	Families:          func() Record { return &Family{} },
	Accounts:          func() Record { return &Account{} },
	Partners:          func() Record { return &Partner{} },
	Products:          func() Record { return &Product{} },
	PriceTiers:        func() Record { return &PriceTier{} },
	Tills:             func() Record { return &Till{} },
	TillSessions:      func() Record { return &TillSession{} },
	SalesDocuments:    func() Record { return &SalesDocument{} },
	SalesLines:        func() Record { return &SalesLine{} },
	PurchaseDocuments: func() Record { return &PurchaseDocument{} },
	PurchaseLines:     func() Record { return &PurchaseLine{} },
	TransferDocuments: func() Record { return &TransferDocument{} },
	TransferLines:     func() Record { return &TransferLine{} },
	ClosureDocuments:  func() Record { return &ClosureDocument{} },
	StockMovements:    func() Record { return &StockMovement{} },
}

// Known reports whether c is a collection this package can decode.
func Known(c Collection) bool {
	_, ok := factories[c]
	return ok
}

// Encode serializes the snapshot as an indented JSON document and seals it.
// Header fields come first, then one array per collection.
func Encode(s *Snapshot) ([]byte, error) {
	header, err := marshalNoEscape(s.Header)
	if err != nil {
		return nil, &SerializationError{Index: -1, Err: fmt.Errorf("header: %w", err)}
	}

	var buf bytes.Buffer
	buf.Write(header[:len(header)-1]) // drop closing brace
	for _, c := range s.Collections() {
		rows := s.rows[c]
		if rows == nil {
			rows = []Record{}
		}
		data, err := marshalNoEscape(rows)
		if err != nil {
			return nil, &SerializationError{Collection: c, Index: -1, Err: err}
		}
		name, _ := json.Marshal(string(c))
		buf.WriteByte(',')
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(data)
	}
	buf.WriteByte('}')

	var out bytes.Buffer
	if err := json.Indent(&out, buf.Bytes(), "", "  "); err != nil {
		return nil, &SerializationError{Index: -1, Err: err}
	}
	out.WriteByte('\n')
	s.sealed = true
	return out.Bytes(), nil
}

// Decode parses a snapshot document.
//
// Document-level failures (malformed JSON, unknown version) are returned as
// errors. Row-level failures are collected in Problems and the offending row
// is left out. Unknown collections are ignored.
func Decode(data []byte) (*Snapshot, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &SerializationError{Index: -1, Err: fmt.Errorf("document: %w", err)}
	}

	var h Header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, &SerializationError{Index: -1, Err: fmt.Errorf("header: %w", err)}
	}
	if !supportedVersions[h.Version] {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedVersion, h.Version)
	}

	s := New(h, nil)
	names := make([]string, 0, len(doc))
	for name := range doc {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		c := Collection(name)
		factory, ok := factories[c]
		if !ok {
			continue
		}
		var raws []json.RawMessage
		if err := json.Unmarshal(doc[name], &raws); err != nil {
			s.Problems = append(s.Problems, &SerializationError{Collection: c, Index: -1, Err: err})
			continue
		}
		for i, raw := range raws {
			rec := factory()
			if err := json.Unmarshal(raw, rec); err != nil {
				s.Problems = append(s.Problems, &SerializationError{
					Collection: c, Index: i, Key: keyHint(raw), Err: err,
				})
				continue
			}
			err := rec.Validate()
			if err == nil {
				err = checkRequired(c, raw)
			}
			if err != nil {
				se := &SerializationError{Collection: c, Index: i, Key: rec.NaturalKey(), Err: err}
				var fe *FieldError
				if errors.As(err, &fe) {
					se.Field = fe.Field
				}
				s.Problems = append(s.Problems, se)
				continue
			}
			s.rows[c] = append(s.rows[c], rec)
		}
	}

	s.sealed = true
	return s, nil
}

// keyFields are tried in order to name a row that failed to decode.
var keyFields = []string{"reference", "ticket", "number", "code", "uid", "name", "id"}

// keyHint extracts a best-effort natural key from an undecodable row.
func keyHint(raw json.RawMessage) string {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return ""
	}
	if doc, ok := fields["document"].(string); ok {
		if n, ok := fields["line_no"].(float64); ok {
			return LineKey(doc, int(n))
		}
	}
	for _, f := range keyFields {
		switch v := fields[f].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return fmt.Sprintf("%d", int64(v))
		}
	}
	return ""
}

func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
