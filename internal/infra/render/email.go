// Package render turns deal batches into the email and SMS bodies sent to members.
package render

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"time"

	"deal_expiration_notifier/internal/domain/deal"
	"deal_expiration_notifier/internal/domain/member"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const expiringDealsHTML = `<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; color: #222;">
  <p>Hi {{.MemberName}},</p>
  <p>{{.Intro}}</p>
  <table cellpadding="6" style="border-collapse: collapse;">
    <tr><th align="left">Deal</th><th align="left">Category</th><th align="right">Price</th><th align="right">Committed</th><th align="left">Ends</th></tr>
    {{- range .Deals}}
    <tr>
      <td><a href="{{.URL}}">{{.Name}}</a></td>
      <td>{{.Category}}</td>
      <td align="right">{{.Price}}</td>
      <td align="right">{{.Committed}}</td>
      <td>{{.EndsAt}}</td>
    </tr>
    {{- end}}
  </table>
  {{- if .More}}
  <p><a href="{{.AllDealsURL}}">{{.MoreText}}</a></p>
  {{- end}}
  <p>You are receiving this because you are a member of the buying group.</p>
</body>
</html>`

var expiringDealsTmpl = template.Must(template.New("expiring_deals").Parse(expiringDealsHTML))

type dealRow struct {
	Name      string
	Category  string
	Price     string
	Committed string
	EndsAt    string
	URL       string
}

type expiringDealsView struct {
	MemberName  string
	Intro       string
	Deals       []dealRow
	More        int
	MoreText    string
	AllDealsURL string
}

// EmailRenderer renders the per-bucket expiration email.
type EmailRenderer struct {
	baseURL string
	printer *message.Printer
}

func NewEmailRenderer(baseURL string) *EmailRenderer {
	return &EmailRenderer{
		baseURL: strings.TrimRight(baseURL, "/"),
		printer: message.NewPrinter(language.English),
	}
}

func (r *EmailRenderer) RenderExpiringDeals(m *member.Member, bucket deal.Bucket, shown []*deal.Deal, more int) (string, string, error) {
	if m == nil {
		return "", "", fmt.Errorf("render: member is nil")
	}
	if len(shown) == 0 {
		return "", "", fmt.Errorf("render: no deals to show for member %s", m.ID)
	}

	total := len(shown) + more
	subject := r.printer.Sprintf("%s ending in %s", r.plural(total, "1 deal", "%d deals"), bucket.Label)

	view := expiringDealsView{
		MemberName:  m.Name,
		Intro:       r.printer.Sprintf("The following deals close in %s. Commit now so you don't miss out.", bucket.Label),
		More:        more,
		AllDealsURL: r.baseURL + "/deals",
	}
	if more > 0 {
		view.MoreText = r.printer.Sprintf("and %s ending soon", r.plural(more, "1 more deal", "%d more deals"))
	}
	for _, d := range shown {
		view.Deals = append(view.Deals, dealRow{
			Name:      d.Name,
			Category:  d.Category,
			Price:     r.printer.Sprintf("$%.2f", d.DiscountPrice),
			Committed: r.printer.Sprintf("%d", d.CommittedQuantity),
			EndsAt:    d.EndsAt.UTC().Format(time.RFC1123),
			URL:       r.baseURL + "/deals/" + d.ID,
		})
	}

	var buf bytes.Buffer
	if err := expiringDealsTmpl.Execute(&buf, view); err != nil {
		return "", "", fmt.Errorf("render: executing expiring deals template: %w", err)
	}
	return subject, buf.String(), nil
}

func (r *EmailRenderer) plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return r.printer.Sprintf(many, n)
}
