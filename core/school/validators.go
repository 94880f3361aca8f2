package school

import (
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"github.com/trezcool/feeledger/core"
)

var (
	schoolStatusTag  = "school_status"
	schoolStatusText = "invalid school status"
)

// InitValidators registers the school validation tags.
func InitValidators(validate *validator.Validate, translator ut.Translator) {
	_ = validate.RegisterValidation(schoolStatusTag, schoolStatusValidation)
	core.RegisterCustomTranslation(validate, translator, schoolStatusTag, schoolStatusText)
}

func schoolStatusValidation(fl validator.FieldLevel) bool {
	status := Status(fl.Field().String())
	for _, s := range Statuses {
		if status == s {
			return true
		}
	}
	return false
}
