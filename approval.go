package oauth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/giantswarm/oauth-server/storage"
)

// Approval form fields. Any decision other than ApprovalApprove denies.
const (
	ApprovalDecisionField = "authorization"
	ApprovalApprove       = "Approve"
	ApprovalDeny          = "Deny"
	ApprovalCSRFField     = "csrf_token"
)

// approvalTokenTTL bounds how long a rendered consent page can be submitted.
const approvalTokenTTL = time.Hour

// ApprovalPage is the data handed to an ApprovalRenderer. The form must
// POST to ActionURL with the decision and CSRF fields.
type ApprovalPage struct {
	ClientID   string
	ClientName string
	UserID     string
	Scopes     []*storage.Scope

	ActionURL string
	CSRFToken string

	DecisionField string
	CSRFField     string
	ApproveValue  string
	DenyValue     string
}

// ApprovalRenderer renders the consent page of an authorization request
// awaiting the user's decision.
type ApprovalRenderer interface {
	RenderApproval(w http.ResponseWriter, r *http.Request, page *ApprovalPage) error
}

const approvalTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Authorize {{.ClientName}}</title>
<style>
body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", sans-serif; max-width: 28rem; margin: 4rem auto; padding: 0 1rem; color: #222; }
ul { padding-left: 1.2rem; }
button { padding: .5rem 1.2rem; margin-right: .5rem; font-size: 1rem; }
</style>
</head>
<body>
<h1>{{.ClientName}} wants access to your account</h1>
{{if .Scopes}}<p>It is requesting:</p>
<ul>
{{range .Scopes}}<li>{{if .Description}}{{.Description}}{{else}}{{.ID}}{{end}}</li>
{{end}}</ul>{{end}}
<form method="post" action="{{.ActionURL}}">
<input type="hidden" name="{{.CSRFField}}" value="{{.CSRFToken}}">
<button type="submit" name="{{.DecisionField}}" value="{{.ApproveValue}}">Approve</button>
<button type="submit" name="{{.DecisionField}}" value="{{.DenyValue}}">Deny</button>
</form>
</body>
</html>
`

var defaultApprovalTmpl = template.Must(template.New("approval").Parse(approvalTemplate))

type templateRenderer struct {
	tmpl *template.Template
}

// DefaultApprovalRenderer returns the built-in consent page.
func DefaultApprovalRenderer() ApprovalRenderer {
	return templateRenderer{tmpl: defaultApprovalTmpl}
}

// NewTemplateApprovalRenderer renders ApprovalPage with a custom template.
func NewTemplateApprovalRenderer(tmpl *template.Template) ApprovalRenderer {
	return templateRenderer{tmpl: tmpl}
}

func (t templateRenderer) RenderApproval(w http.ResponseWriter, _ *http.Request, page *ApprovalPage) error {
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, page); err != nil {
		return fmt.Errorf("failed to render approval page: %w", err)
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
	return nil
}

// approvalCSRF binds approval form tokens to a user and the exact
// authorize query they were rendered for.
type approvalCSRF struct {
	key []byte
	now func() time.Time
}

func (c approvalCSRF) mac(issued int64, userID, query string) []byte {
	m := hmac.New(sha256.New, c.key)
	fmt.Fprintf(m, "%d\x00%s\x00%s", issued, userID, query)
	return m.Sum(nil)
}

// Token returns "<unix issued>.<mac>".
func (c approvalCSRF) Token(userID, query string) string {
	issued := c.now().Unix()
	return strconv.FormatInt(issued, 10) + "." + base64.RawURLEncoding.EncodeToString(c.mac(issued, userID, query))
}

// Valid checks a submitted token.
func (c approvalCSRF) Valid(token, userID, query string) bool {
	issuedStr, sig, ok := strings.Cut(token, ".")
	if !ok {
		return false
	}
	issued, err := strconv.ParseInt(issuedStr, 10, 64)
	if err != nil {
		return false
	}
	age := c.now().Sub(time.Unix(issued, 0))
	if age < 0 || age > approvalTokenTTL {
		return false
	}
	got, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return false
	}
	return hmac.Equal(got, c.mac(issued, userID, query))
}
