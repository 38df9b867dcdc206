// Package interac parses Interac e-Transfer notification subjects.
package interac

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var ErrUnrecognizedSubject = errors.New("subject matches no known e-Transfer template")

var (
	// "Virement Interac : Vous avez reçu 50,00 $ de JEAN BELANGER et ce montant a été déposé..."
	receivedPattern = regexp.MustCompile(`(?i)reçu\s+(\d[\d\s.,]*?)\s*\$\s*de\s+(.+?)(?:\s+et\s+ce\s+montant|\s*$)`)
	// "Virement Interac : JEAN BELANGER vous a envoyé 50,00 $"
	sentPattern = regexp.MustCompile(`(?i):\s*(.+?)\s+vous\s+a\s+envoyé\s+(\d[\d\s.,]*?)\s*\$`)

	spaceReplacer = strings.NewReplacer("\u00a0", " ", "\u202f", " ", "\u2009", " ")
)

// Payment is what a notification subject carries.
type Payment struct {
	// Name is the payer display name exactly as written by the bank.
	Name   string
	Amount decimal.Decimal
}

// ParseSubject extracts the payer name and amount.
func ParseSubject(subject string) (Payment, error) {
	s := strings.TrimSpace(spaceReplacer.Replace(subject))

	var name, amount string
	if m := receivedPattern.FindStringSubmatch(s); m != nil {
		amount, name = m[1], m[2]
	} else if m := sentPattern.FindStringSubmatch(s); m != nil {
		name, amount = m[1], m[2]
	} else {
		return Payment{}, ErrUnrecognizedSubject
	}

	name = strings.TrimSpace(strings.TrimRight(strings.TrimSpace(name), ".,;"))
	if name == "" {
		return Payment{}, fmt.Errorf("%w: empty payer name", ErrUnrecognizedSubject)
	}
	amt, err := ParseAmount(amount)
	if err != nil {
		return Payment{}, err
	}
	return Payment{Name: name, Amount: amt}, nil
}

// ParseAmount reads amounts such as "50,00", "1 234,56", "1,234.56" or "75".
// The last separator is decimal when followed by one or two digits; all other
// separators group thousands.
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.Map(func(r rune) rune {
		if r == ' ' || r == '\t' {
			return -1
		}
		return r
	}, spaceReplacer.Replace(s))
	if s == "" {
		return decimal.Zero, fmt.Errorf("empty amount")
	}

	intPart, frac := s, ""
	if i := strings.LastIndexAny(s, ".,"); i >= 0 {
		if tail := s[i+1:]; len(tail) == 1 || len(tail) == 2 {
			intPart, frac = s[:i], tail
		}
	}
	intPart = strings.NewReplacer(",", "", ".", "").Replace(intPart)
	if intPart == "" {
		intPart = "0"
	}
	num := intPart
	if frac != "" {
		num += "." + frac
	}
	d, err := decimal.NewFromString(num)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if d.IsNegative() || d.IsZero() {
		return decimal.Zero, fmt.Errorf("invalid amount %q", s)
	}
	return d, nil
}
