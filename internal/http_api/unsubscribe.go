package http_api

import (
	"bytes"
	"html/template"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/minipass/reconciler/internal/mailer"
	"github.com/minipass/reconciler/pkg/validation"
)

var unsubscribeTemplate = template.Must(template.New("unsubscribe").Parse(`<!DOCTYPE html>
<html lang="fr"><head><meta charset="utf-8"><title>Désabonnement</title></head>
<body style="font-family: Arial, sans-serif;">
{{if .Done}}<p>L'adresse {{.Email}} ne recevra plus nos courriels.</p>{{else}}
<form method="post" action="/unsubscribe">
<input type="hidden" name="email" value="{{.Email}}">
<input type="hidden" name="token" value="{{.Token}}">
<p>Ne plus envoyer de courriels à {{.Email}}?</p>
<button type="submit">Me désabonner</button>
</form>{{end}}
</body></html>`))

type unsubscribeView struct {
	Email string
	Token string
	Done  bool
}

func (s *HTTPServer) unsubscribeParams(c *gin.Context) (string, string, bool) {
	email := c.Query("email")
	token := c.Query("token")
	if email == "" {
		email = c.PostForm("email")
	}
	if token == "" {
		token = c.PostForm("token")
	}
	email, err := validation.ValidateAndNormalizeEmail(email)
	if err != nil {
		return "", "", false
	}
	return email, token, mailer.VerifyUnsubscribeToken(s.unsubscribeSecret, email, token)
}

// unsubscribePage shows a confirmation form. GET never changes state since mail
// scanners follow links.
func (s *HTTPServer) unsubscribePage(c *gin.Context) {
	email, token, ok := s.unsubscribeParams(c)
	if !ok {
		c.String(http.StatusForbidden, "Invalid unsubscribe link")
		return
	}
	s.renderUnsubscribe(c, unsubscribeView{Email: email, Token: token})
}

// unsubscribe handles both the confirmation form and RFC 8058 one-click posts.
func (s *HTTPServer) unsubscribe(c *gin.Context) {
	email, token, ok := s.unsubscribeParams(c)
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"success": false, "error": "Invalid unsubscribe link"})
		return
	}
	if err := s.users.SetEmailOptOut(c.Request.Context(), email, true); err != nil {
		s.logger.Error("Failed to record email opt-out", "email", email, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to unsubscribe"})
		return
	}
	s.logger.Info("Recipient unsubscribed", "email", email)

	if c.PostForm("List-Unsubscribe") == "One-Click" {
		c.JSON(http.StatusOK, gin.H{"success": true})
		return
	}
	s.renderUnsubscribe(c, unsubscribeView{Email: email, Token: token, Done: true})
}

func (s *HTTPServer) renderUnsubscribe(c *gin.Context, view unsubscribeView) {
	var buf bytes.Buffer
	if err := unsubscribeTemplate.Execute(&buf, view); err != nil {
		s.logger.Error("Failed to render unsubscribe page", "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", buf.Bytes())
}
