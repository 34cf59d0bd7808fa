package rndc

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"golang.org/x/text/encoding/charmap"
)

// Response is a parsed registry answer.
//
// On success Code holds the registry ingreso id (empty for queries).
// On rejection Code holds the registry error code, e.g. "CRE308", or
// "ERROR" when the message carries none.
type Response struct {
	Success bool              `json:"success"`
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
	Raw     string            `json:"raw"`
}

// Field returns a response value by case-insensitive name.
func (r *Response) Field(name string) string {
	if r == nil {
		return ""
	}
	return r.Fields[strings.ToLower(name)]
}

// ErrEmptyResponse is returned when the registry answers with no XML.
var ErrEmptyResponse = errors.New("empty registry response")

// GenericErrorCode is used for rejections without a recognizable code.
const GenericErrorCode = "ERROR"

var errorCodePattern = regexp.MustCompile(`[A-Z]{3}\d{3}`)

// ParseResponse parses the inner registry XML. Leaf element names below the
// document element are lower-cased; the first occurrence of a name wins.
func ParseResponse(raw string) (*Response, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, ErrEmptyResponse
	}

	fields, err := leafValues(raw)
	if err != nil {
		return nil, fmt.Errorf("parse registry response: %w", err)
	}

	resp := &Response{Fields: fields, Raw: raw}
	if msg, ok := fields["errormsg"]; ok && msg != "" {
		resp.Message = msg
		resp.Code = errorCodePattern.FindString(msg)
		if resp.Code == "" {
			resp.Code = GenericErrorCode
		}
		return resp, nil
	}

	if len(fields) == 0 {
		resp.Code = GenericErrorCode
		resp.Message = "registry response carries no data"
		return resp, nil
	}

	resp.Success = true
	resp.Code = fields["ingresoid"]
	resp.Message = "OK"
	return resp, nil
}

func leafValues(raw string) (map[string]string, error) {
	dec := xml.NewDecoder(strings.NewReader(raw))
	// raw is already decoded text whatever its declaration says.
	dec.CharsetReader = func(_ string, input io.Reader) (io.Reader, error) { return input, nil }

	fields := make(map[string]string)
	var (
		stack []string
		text  bytes.Buffer
		leaf  bool
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			stack = append(stack, strings.ToLower(t.Name.Local))
			text.Reset()
			leaf = true
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			if len(stack) == 0 {
				continue
			}
			name := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if leaf && len(stack) > 0 {
				if _, seen := fields[name]; !seen {
					fields[name] = strings.TrimSpace(text.String())
				}
			}
			leaf = false
			text.Reset()
		}
	}
	return fields, nil
}

// charsetReader handles the single-byte encodings the registry declares.
func charsetReader(label string, input io.Reader) (io.Reader, error) {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "", "utf-8", "utf8":
		return input, nil
	case "iso-8859-1", "latin1", "iso8859-1":
		return charmap.ISO8859_1.NewDecoder().Reader(input), nil
	case "windows-1252", "cp1252":
		return charmap.Windows1252.NewDecoder().Reader(input), nil
	}
	return nil, fmt.Errorf("unsupported charset: %s", label)
}
