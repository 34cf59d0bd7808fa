package rndc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResponse(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		wantSuccess bool
		wantCode    string
		wantMessage string
	}{
		{
			name:        "accepted",
			raw:         `<?xml version="1.0" encoding="ISO-8859-1" ?><root><ingresoid>98765432</ingresoid></root>`,
			wantSuccess: true,
			wantCode:    "98765432",
			wantMessage: "OK",
		},
		{
			name:        "rejected with code",
			raw:         `<?xml version="1.0" encoding="ISO-8859-1" ?><root><ErrorMSG>Error CRE308: La remesa ya tiene cumplido</ErrorMSG></root>`,
			wantCode:    "CRE308",
			wantMessage: "Error CRE308: La remesa ya tiene cumplido",
		},
		{
			name:        "rejected without code",
			raw:         `<root><ErrorMSG>Usuario no autorizado</ErrorMSG></root>`,
			wantCode:    GenericErrorCode,
			wantMessage: "Usuario no autorizado",
		},
		{
			name:     "no data",
			raw:      `<root></root>`,
			wantCode: GenericErrorCode,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseResponse(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.wantSuccess, got.Success)
			assert.Equal(t, tt.wantCode, got.Code)
			if tt.wantMessage != "" {
				assert.Equal(t, tt.wantMessage, got.Message)
			}
			assert.Equal(t, tt.raw, got.Raw)
		})
	}
}

func TestParseResponse_QueryDocument(t *testing.T) {
	raw := `<?xml version="1.0" encoding="ISO-8859-1" ?>` +
		`<root><documento><ingresoid>555</ingresoid><fechaing>2025/01/21 08:00:00</fechaing>` +
		`<CANTIDADCARGADA> 5000 </CANTIDADCARGADA></documento>` +
		`<documento><ingresoid>556</ingresoid></documento></root>`

	got, err := ParseResponse(raw)
	require.NoError(t, err)
	assert.True(t, got.Success)
	assert.Equal(t, "5000", got.Field("CantidadCargada"))
	assert.Equal(t, "555", got.Field("ingresoid"))
	assert.Equal(t, "", got.Field("missing"))
}

func TestParseResponse_Errors(t *testing.T) {
	_, err := ParseResponse("   ")
	assert.ErrorIs(t, err, ErrEmptyResponse)

	_, err = ParseResponse("<root><ingresoid>1</root>")
	assert.Error(t, err)
}

func TestResponseField_Nil(t *testing.T) {
	var r *Response
	assert.Equal(t, "", r.Field("ingresoid"))
}
