// Package rndc builds and transmits registry (RNDC) protocol messages.
package rndc

import (
	"encoding/xml"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"

	"github.com/ryabkov82/rndc-batch-server/internal/ingest"
)

// Kind selects one of the fixed message templates.
type Kind string

const (
	KindPositionReport     Kind = "position-report"
	KindQueryByConsecutive Kind = "query-by-consecutive"
	KindShipmentCompletion Kind = "shipment-completion"
	KindManifestCompletion Kind = "manifest-completion"
)

// Kinds lists every supported kind.
var Kinds = []Kind{KindPositionReport, KindQueryByConsecutive, KindShipmentCompletion, KindManifestCompletion}

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Kinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown message kind: %q", s)
}

// Operation returns the tipo/procesoid pair of the kind.
func (k Kind) Operation() (tipo, procesoid string) {
	switch k {
	case KindPositionReport:
		return "1", "60"
	case KindQueryByConsecutive:
		return "3", "3"
	case KindShipmentCompletion:
		return "1", "5"
	case KindManifestCompletion:
		return "1", "6"
	}
	return "", ""
}

// Declaration opens every request.
const Declaration = "<?xml version='1.0' encoding='ISO-8859-1' ?>"

// Defaults for values the spreadsheets never carry.
const (
	TipoCumplido          = "C"
	UnidadMedidaCapacidad = "1"
	QueryFieldList        = "INGRESOID,FECHAING,CANTIDADCARGADA"
)

// Arrival/departure heuristics, in minutes.
const (
	ArrivalOffsetMin   = 60
	ArrivalOffsetMax   = 90
	StayMin            = 90
	StayMax            = 140
	EntryAfterArrival  = 30
	DefaultStayMinutes = 120
)

// Credentials are the operator's registry credentials.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Computed carries values obtained outside the row, such as the quantity
// returned by a query-by-consecutive lookup.
type Computed struct {
	CantidadCargada string `json:"cantidadCargada,omitempty"`
}

// Times holds the two date/time pairs relevant to a message: arrival and
// departure for position reports, load and unload arrival for completions.
type Times struct {
	First  ingest.DateTime `json:"first"`
	Second ingest.DateTime `json:"second"`
}

// Rendered is a built message together with the times it carries.
type Rendered struct {
	XML   string
	Times Times
}

// Builder renders registry messages. It is safe for concurrent use.
type Builder struct {
	mu      sync.Mutex
	rnd     *rand.Rand
	decoder *ingest.Decoder
}

// Option configures a Builder.
type Option func(*Builder)

// WithRand pins the random source used for position report offsets.
func WithRand(r *rand.Rand) Option {
	return func(b *Builder) { b.rnd = r }
}

// WithDecoder sets the date/time decoder.
func WithDecoder(d *ingest.Decoder) Option {
	return func(b *Builder) { b.decoder = d }
}

// NewBuilder creates a Builder.
func NewBuilder(opts ...Option) *Builder {
	b := &Builder{decoder: ingest.DefaultDecoder}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build returns the XML request for row. It never fails: missing values
// render as empty elements and an unknown kind yields an empty body.
func (b *Builder) Build(kind Kind, row ingest.Row, creds Credentials, computed Computed) string {
	return b.Render(kind, row, creds, computed).XML
}

// Render is Build plus the decoded times written into the message.
func (b *Builder) Render(kind Kind, row ingest.Row, creds Credentials, computed Computed) Rendered {
	var (
		body  string
		times Times
	)
	switch kind {
	case KindPositionReport:
		body, times = b.positionReport(row)
	case KindQueryByConsecutive:
		body = queryByConsecutive(row)
	case KindShipmentCompletion:
		body, times = b.shipmentCompletion(row, computed)
	case KindManifestCompletion:
		body, times = b.manifestCompletion(row)
	}

	tipo, procesoid := kind.Operation()
	var sb strings.Builder
	sb.WriteString(Declaration)
	sb.WriteString("<root>")
	sb.WriteString("<acceso>")
	writeElement(&sb, "username", creds.Username)
	writeElement(&sb, "password", creds.Password)
	sb.WriteString("</acceso>")
	sb.WriteString("<solicitud>")
	writeElement(&sb, "tipo", tipo)
	writeElement(&sb, "procesoid", procesoid)
	sb.WriteString("</solicitud>")
	sb.WriteString(body)
	sb.WriteString("</root>")

	return Rendered{XML: sb.String(), Times: times}
}

type field struct {
	name  string
	value string
}

func (b *Builder) positionReport(row ingest.Row) (string, Times) {
	arrivalOffset := b.uniform(ArrivalOffsetMin, ArrivalOffsetMax)
	arrival := b.decoder.Decode(row["FECHACITA"], row["HORACITA"], arrivalOffset)
	departure := arrival.Shift(b.uniform(StayMin, StayMax))

	fields := []field{
		{"NUMIDGPS", row.String("NUMIDGPS")},
		{"INGRESOIDMANIFIESTO", row.String("INGRESOIDMANIFIESTO")},
		{"CODPUNTOCONTROL", row.String("CODPUNTOCONTROL")},
		{"LATITUD", row.String("LATITUD")},
		{"LONGITUD", row.String("LONGITUD")},
		{"FECHALLEGADA", arrival.Date},
		{"HORALLEGADA", arrival.Time},
		{"FECHASALIDA", departure.Date},
		{"HORASALIDA", departure.Time},
	}
	return variables(fields), Times{First: arrival, Second: departure}
}

func queryByConsecutive(row ingest.Row) string {
	var sb strings.Builder
	writeElement(&sb, "variables", QueryFieldList)
	sb.WriteString("<documento>")
	writeElement(&sb, "NUMNITEMPRESATRANSPORTE", row.String("NUMNITEMPRESATRANSPORTE"))
	writeElement(&sb, "CONSECUTIVOREMESA", row.String("CONSECUTIVOREMESA"))
	sb.WriteString("</documento>")
	return sb.String()
}

func (b *Builder) shipmentCompletion(row ingest.Row, computed Computed) (string, Times) {
	loadArrival := b.decoder.Decode(row["FECHALLEGADACARGUE"], row["HORALLEGADACARGUE"], 0)
	loadEntry := loadArrival.Shift(EntryAfterArrival)
	loadExit := b.optionalPair(row, "FECHASALIDACARGUE", "HORASALIDACARGUE", loadArrival)

	unloadArrival := loadExit
	if row.Has("FECHALLEGADADESCARGUE") {
		unloadArrival = b.decoder.Decode(row["FECHALLEGADADESCARGUE"], row["HORALLEGADADESCARGUE"], 0)
	}
	unloadEntry := unloadArrival.Shift(EntryAfterArrival)
	unloadExit := b.optionalPair(row, "FECHASALIDADESCARGUE", "HORASALIDADESCARGUE", unloadArrival)

	fields := []field{
		{"NUMNITEMPRESATRANSPORTE", row.String("NUMNITEMPRESATRANSPORTE")},
		{"CONSECUTIVOREMESA", row.String("CONSECUTIVOREMESA")},
		{"NUMMANIFIESTOCARGA", row.String("NUMMANIFIESTOCARGA")},
		{"TIPOCUMPLIDOREMESA", TipoCumplido},
		{"CANTIDADCARGADA", computed.CantidadCargada},
		{"CANTIDADENTREGADA", computed.CantidadCargada},
		{"UNIDADMEDIDACAPACIDAD", UnidadMedidaCapacidad},
		{"FECHALLEGADACARGUE", loadArrival.Date},
		{"HORALLEGADACARGUEREMESA", loadArrival.Time},
		{"FECHAENTRADACARGUE", loadEntry.Date},
		{"HORAENTRADACARGUEREMESA", loadEntry.Time},
		{"FECHASALIDACARGUE", loadExit.Date},
		{"HORASALIDACARGUEREMESA", loadExit.Time},
		{"FECHALLEGADADESCARGUE", unloadArrival.Date},
		{"HORALLEGADADESCARGUECUMPLIDO", unloadArrival.Time},
		{"FECHAENTRADADESCARGUE", unloadEntry.Date},
		{"HORAENTRADADESCARGUECUMPLIDO", unloadEntry.Time},
		{"FECHASALIDADESCARGUE", unloadExit.Date},
		{"HORASALIDADESCARGUECUMPLIDO", unloadExit.Time},
	}
	return variables(fields), Times{First: loadArrival, Second: unloadArrival}
}

func (b *Builder) manifestCompletion(row ingest.Row) (string, Times) {
	delivered := b.decoder.Decode(row["FECHAENTREGADOCUMENTOS"], row["HORAENTREGADOCUMENTOS"], 0)

	tipo := row.String("TIPOCUMPLIDOMANIFIESTO")
	if tipo == "" {
		tipo = TipoCumplido
	}

	fields := []field{
		{"NUMNITEMPRESATRANSPORTE", row.String("NUMNITEMPRESATRANSPORTE")},
		{"NUMMANIFIESTOCARGA", row.String("NUMMANIFIESTOCARGA")},
		{"TIPOCUMPLIDOMANIFIESTO", tipo},
		{"FECHAENTREGADOCUMENTOS", delivered.Date},
		{"VALORADICIONALHORASCARGUE", row.String("VALORADICIONALHORASCARGUE")},
		{"VALORADICIONALHORASDESCARGUE", row.String("VALORADICIONALHORASDESCARGUE")},
		{"VALORADICIONALFLETE", row.String("VALORADICIONALFLETE")},
		{"MOTIVOVALORADICIONAL", row.String("MOTIVOVALORADICIONAL")},
		{"VALORDESCUENTOFLETE", row.String("VALORDESCUENTOFLETE")},
		{"MOTIVOVALORDESCUENTOMANIFIESTO", row.String("MOTIVOVALORDESCUENTOMANIFIESTO")},
		{"VALORSOBREANTICIPO", row.String("VALORSOBREANTICIPO")},
		{"OBSERVACIONES", row.String("OBSERVACIONES")},
	}
	return variables(fields), Times{First: delivered, Second: delivered}
}

// optionalPair decodes a date/time pair when the date column is present,
// otherwise returns base + DefaultStayMinutes.
func (b *Builder) optionalPair(row ingest.Row, dateCol, timeCol string, base ingest.DateTime) ingest.DateTime {
	if row.Has(dateCol) {
		return b.decoder.Decode(row[dateCol], row[timeCol], 0)
	}
	return base.Shift(DefaultStayMinutes)
}

// uniform returns an integer drawn uniformly from [lo, hi].
func (b *Builder) uniform(lo, hi int) int {
	n := hi - lo + 1
	if b.rnd == nil {
		return lo + rand.IntN(n)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return lo + b.rnd.IntN(n)
}

func variables(fields []field) string {
	var sb strings.Builder
	sb.WriteString("<variables>")
	for _, f := range fields {
		writeElement(&sb, f.name, f.value)
	}
	sb.WriteString("</variables>")
	return sb.String()
}

func writeElement(sb *strings.Builder, name, value string) {
	sb.WriteString("<")
	sb.WriteString(name)
	sb.WriteString(">")
	sb.WriteString(Escape(value))
	sb.WriteString("</")
	sb.WriteString(name)
	sb.WriteString(">")
}

// Escape returns value with XML special characters replaced by entities.
func Escape(value string) string {
	if !strings.ContainsAny(value, "<>&'\"\t\n\r") {
		return value
	}
	var sb strings.Builder
	// strings.Builder never returns a write error.
	_ = xml.EscapeText(&sb, []byte(value))
	return sb.String()
}
