// Package submission models one registry operation per spreadsheet row.
package submission

import (
	"fmt"
	"time"

	"github.com/ryabkov82/rndc-batch-server/internal/ingest"
	"github.com/ryabkov82/rndc-batch-server/internal/rndc"
)

// Status is the lifecycle state of a record.
type Status string

const (
	StatusReady      Status = "ready"
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusError      Status = "error"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusError
}

// CanTransition reports whether a record may move from s to next.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusReady:
		return next == StatusPending
	case StatusPending:
		return next == StatusProcessing || next.Terminal()
	case StatusProcessing:
		return next.Terminal()
	}
	return false
}

// Record is one protocol operation instance.
type Record struct {
	ID      string    `json:"id"`
	BatchID string    `json:"batchId,omitempty"`
	RowNo   int       `json:"rowNo"`
	Kind    rndc.Kind `json:"kind"`

	// Business keys; which ones are set depends on Kind.
	NumNitEmpresaTransporte string `json:"numNitEmpresaTransporte,omitempty"`
	ConsecutivoRemesa       string `json:"consecutivoRemesa,omitempty"`
	NumManifiestoCarga      string `json:"numManifiestoCarga,omitempty"`
	IngresoIDManifiesto     string `json:"ingresoIdManifiesto,omitempty"`
	CodPuntoControl         string `json:"codPuntoControl,omitempty"`
	NumIDGPS                string `json:"numIdGps,omitempty"`
	NumPlaca                string `json:"numPlaca,omitempty"`
	Origen                  string `json:"origen,omitempty"`
	Destino                 string `json:"destino,omitempty"`

	// Times holds arrival/departure for position reports and load/unload
	// arrival for completions.
	Times rndc.Times `json:"times"`

	CantidadCargada string `json:"cantidadCargada,omitempty"`
	QueryFallback   bool   `json:"queryFallback,omitempty"`

	XMLRequest string `json:"xmlRequest"`
	Status     Status `json:"status"`

	ResponseCode    string     `json:"responseCode,omitempty"`
	ResponseMessage string     `json:"responseMessage,omitempty"`
	ResponseXML     string     `json:"responseXml,omitempty"`
	ProcessedAt     *time.Time `json:"processedAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// Key is the stable row identity used to associate results with rows
// regardless of processing order.
func (r *Record) Key() string {
	var key string
	switch r.Kind {
	case rndc.KindPositionReport:
		if r.IngresoIDManifiesto != "" || r.CodPuntoControl != "" {
			key = r.IngresoIDManifiesto + "/" + r.CodPuntoControl
		}
	case rndc.KindShipmentCompletion, rndc.KindQueryByConsecutive:
		key = r.ConsecutivoRemesa
	case rndc.KindManifestCompletion:
		key = r.NumManifiestoCarga
	}
	if key == "" {
		return fmt.Sprintf("row-%d", r.RowNo)
	}
	return key
}

// Result is the registry outcome applied to a record.
type Result struct {
	Success     bool
	Code        string
	Message     string
	ResponseXML string
	ProcessedAt time.Time
}

// Status returns the terminal status the result maps to.
func (r Result) Status() Status {
	if r.Success {
		return StatusSuccess
	}
	return StatusError
}

// businessKeys copies the identifying columns of row into r.
func (r *Record) businessKeys(row ingest.Row) {
	r.NumNitEmpresaTransporte = row.String("NUMNITEMPRESATRANSPORTE")
	r.ConsecutivoRemesa = row.String("CONSECUTIVOREMESA")
	r.NumManifiestoCarga = row.String("NUMMANIFIESTOCARGA")
	r.IngresoIDManifiesto = row.String("INGRESOIDMANIFIESTO")
	r.CodPuntoControl = row.String("CODPUNTOCONTROL")
	r.NumIDGPS = row.String("NUMIDGPS")
	r.NumPlaca = row.String("NUMPLACA")
	r.Origen = row.String("ORIGEN")
	r.Destino = row.String("DESTINO")
}

// RowKey returns the row identity a record built from row would carry.
func RowKey(kind rndc.Kind, rowNo int, row ingest.Row) string {
	rec := Record{Kind: kind, RowNo: rowNo}
	rec.businessKeys(row)
	return rec.Key()
}
