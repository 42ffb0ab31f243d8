package validator

import (
	"strings"

	"app/internal/usecase"
)

type orderValidator struct{}

// Usecaseは interface を依存注入
func NewOrderValidator() usecase.OrderValidator {
	return &orderValidator{}
}

// 配送先の5項目がすべて埋まっているか検証。
// 足りない項目はフィールド名つきで返す（ストアには触らない）。
func (v *orderValidator) ValidateShippingAddress(in usecase.ShippingAddressInput) error {
	fields := map[string][]string{}

	check := func(key string, value string) {
		if strings.TrimSpace(value) == "" {
			fields["shipping_address."+key] = []string{"The shipping_address." + key + " field is required."}
		}
	}

	check("street", in.Street)
	check("city", in.City)
	check("state", in.State)
	check("zip_code", in.ZipCode)
	check("country", in.Country)

	if len(fields) > 0 {
		return &usecase.FieldErrors{Fields: fields}
	}
	return nil
}
