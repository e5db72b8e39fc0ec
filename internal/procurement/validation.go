package procurement

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// OrderInput is the editable content of a pending purchase order.
type OrderInput struct {
	Number     string
	SupplierID int64
	FacilityID int64
	Remarks    string
	Document   *Attachment
	Items      []LineInput
}

// LineInput describes one ordered product.
type LineInput struct {
	ProductID int64
	Quantity  decimal.Decimal
	UnitPrice decimal.Decimal
}

// DispatchInput carries the hand off details.
type DispatchInput struct {
	RecipientName    string
	RecipientContact string
	Remarks          string
	Document         *Attachment
}

func validateOrderInput(input OrderInput) error {
	var kind error
	fields := FieldErrors{}
	fail := func(k error, path, msg string) {
		if kind == nil {
			kind = k
		}
		fields.Add(path, msg)
	}
	if input.SupplierID <= 0 {
		fail(ErrValidation, "supplier_id", "is required")
	}
	if input.FacilityID <= 0 {
		fail(ErrValidation, "facility_id", "is required")
	}
	if len(input.Items) == 0 {
		fail(ErrValidation, "items", "at least one line item is required")
	}
	for i, item := range input.Items {
		if item.ProductID <= 0 {
			fail(ErrValidation, itemPath(i, "product_id"), "is required")
		}
		switch {
		case !item.Quantity.IsPositive():
			fail(ErrInvalidQuantity, itemPath(i, "quantity"), "must be greater than zero")
		case !fitsScale(item.Quantity, QuantityScale):
			fail(ErrInvalidQuantity, itemPath(i, "quantity"), fmt.Sprintf("must have at most %d decimal places", QuantityScale))
		}
		switch {
		case item.UnitPrice.IsNegative():
			fail(ErrValidation, itemPath(i, "unit_price"), "must not be negative")
		case !fitsScale(item.UnitPrice, PriceScale):
			fail(ErrValidation, itemPath(i, "unit_price"), fmt.Sprintf("must have at most %d decimal places", PriceScale))
		}
	}
	validateAttachment(fields, "document", input.Document)
	if kind == nil && len(fields) > 0 {
		kind = ErrValidation
	}
	if kind != nil {
		return newValidationError(kind, fields)
	}
	return nil
}

func validateApproval(remarks string, required bool) error {
	if required && strings.TrimSpace(remarks) == "" {
		return newValidationError(ErrValidation, FieldErrors{"remarks": "approval remarks are required"})
	}
	return nil
}

func validateDispatch(input DispatchInput) error {
	fields := FieldErrors{}
	if strings.TrimSpace(input.RecipientName) == "" {
		fields.Add("recipient_name", "is required")
	}
	if strings.TrimSpace(input.RecipientContact) == "" {
		fields.Add("recipient_contact", "is required")
	}
	validateAttachment(fields, "document", input.Document)
	if len(fields) > 0 {
		return newValidationError(ErrValidation, fields)
	}
	return nil
}

func validateAttachment(fields FieldErrors, path string, doc *Attachment) {
	if doc == nil {
		return
	}
	if strings.TrimSpace(doc.URL) == "" {
		fields.Add(path+".url", "is required")
	}
	if strings.TrimSpace(doc.Filename) == "" {
		fields.Add(path+".filename", "is required")
	}
	if doc.Size < 0 {
		fields.Add(path+".size", "must not be negative")
	}
}
