package models

import "context"

const (
	TemplatePaymentReceived = "paymentReceived"
	TemplateLatePayment     = "latePayment"
)

// EmailRequest describes one templated email.
type EmailRequest struct {
	To           string
	TemplateName string
	// Subject overrides the template's default subject when set.
	Subject string
	Context map[string]interface{}
	// InlineImages maps a Content-ID to PNG bytes referenced as cid:<id> in the template.
	InlineImages map[string][]byte
	// PassCode is copied to the email log when set.
	PassCode string
}

// SendResult is the outcome of one send attempt.
type SendResult struct {
	Status EmailResult
	// Reason carries the classified error for FAILED results.
	Reason string
}

// Delivered reports whether the caller may treat the send as done. Opt-outs count as done.
func (r SendResult) Delivered() bool {
	return r.Status == EmailSent || r.Status == EmailBlockedOptOut
}

type EmailGateway interface {
	// Send renders and delivers synchronously. An EmailLog row is written in every case.
	Send(ctx context.Context, req EmailRequest) SendResult
	// SendAsync queues the send on a worker and returns immediately.
	SendAsync(req EmailRequest)
}
