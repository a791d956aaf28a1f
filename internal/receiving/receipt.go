package receiving

import (
	"strings"
	"text/template"

	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var pesoPrinter = message.NewPrinter(language.English)

var pesoUnit = currency.MustParseISO("PHP")

// formatPeso renders an amount in Philippine pesos with grouping separators.
func formatPeso(v float64) string {
	return pesoPrinter.Sprint(currency.NarrowSymbol(pesoUnit.Amount(v)))
}

var receiptTemplate = template.Must(template.New("receipt").Funcs(template.FuncMap{
	"peso": formatPeso,
}).Parse(`DELIVERY RECEIPT {{.ID}}
Purchase Order : {{.PurchaseOrderID}}
Branch         : {{.BranchID}}
Received       : {{.ReceivedAt.Format "2006-01-02 15:04"}}
----------------------------------------------------------------
{{range .Items -}}
{{printf "%-28s" .ProductName}} ordered {{printf "%8.2f" .OrderedQty}} received {{printf "%8.2f" .ReceivedQty}} ({{printf "%+.2f" .Discrepancy}})
    unit {{peso .UnitPrice}}  line total {{peso .LineTotal}}{{with .ExpiresAt}}  expires {{.Format "2006-01-02"}}{{end}}
{{end -}}
----------------------------------------------------------------
TOTAL PAYABLE  : {{peso .TotalPayable}}
{{- with .Notes}}
Notes          : {{.}}
{{- end}}
`))

// RenderReceipt produces the printable text artifact for a receipt.
func RenderReceipt(r DeliveryReceipt) (string, error) {
	var b strings.Builder
	if err := receiptTemplate.Execute(&b, r); err != nil {
		return "", err
	}
	return b.String(), nil
}
