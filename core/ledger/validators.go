package ledger

import (
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"github.com/trezcool/feeledger/core"
)

var (
	payMethodTag  = "pay_method"
	payMethodText = "invalid payment method"
)

// InitValidators registers the ledger validation tags.
func InitValidators(validate *validator.Validate, translator ut.Translator) {
	_ = validate.RegisterValidation(payMethodTag, payMethodValidation)
	core.RegisterCustomTranslation(validate, translator, payMethodTag, payMethodText)
}

func payMethodValidation(fl validator.FieldLevel) bool {
	method := fl.Field().String()
	for _, m := range Methods {
		if method == m {
			return true
		}
	}
	return false
}
