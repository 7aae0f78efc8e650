// Package i18n carries the bilingual (Arabic and English) operator
// message catalog. Integrity incidents and recovery outcomes must be
// reportable in both languages; the catalog is the single source for
// those strings.
package i18n

import (
	"golang.org/x/text/language"
)

// Message codes.
const (
	CodeValidationError     = "validation_error"
	CodeResourceNotFound    = "resource_not_found"
	CodeInternalError       = "internal_error"
	CodeStoreUnavailable    = "store_unavailable"
	CodePerformanceTimeout  = "performance_timeout"
	CodeChainIntegrity      = "chain_integrity_failure"
	CodeChainCorruption     = "chain_corruption_detected"
	CodeRecoveryIncomplete  = "recovery_incomplete"
	CodeBackupFailed        = "backup_failed"
	CodeComplianceViolation = "compliance_violation"
)

type message struct {
	ar string
	en string
}

var catalog = map[string]message{
	CodeValidationError: {
		ar: "خطأ في التحقق من صحة البيانات",
		en: "Data validation error",
	},
	CodeResourceNotFound: {
		ar: "المورد غير موجود",
		en: "Resource not found",
	},
	CodeInternalError: {
		ar: "خطأ داخلي في النظام",
		en: "Internal system error",
	},
	CodeStoreUnavailable: {
		ar: "مخزن السجلات غير متاح",
		en: "Ledger store unavailable",
	},
	CodePerformanceTimeout: {
		ar: "تجاوز الحد الزمني المسموح",
		en: "Performance timeout exceeded",
	},
	CodeChainIntegrity: {
		ar: "فشل في سلامة سلسلة التدقيق",
		en: "Audit chain integrity failure",
	},
	CodeChainCorruption: {
		ar: "تم اكتشاف تلف في سلسلة التدقيق",
		en: "Audit chain corruption detected",
	},
	CodeRecoveryIncomplete: {
		ar: "الاستعادة غير مكتملة",
		en: "Recovery incomplete",
	},
	CodeBackupFailed: {
		ar: "فشل في إنشاء النسخة الاحتياطية",
		en: "Backup creation failed",
	},
	CodeComplianceViolation: {
		ar: "انتهاك لمتطلبات الامتثال",
		en: "Compliance violation",
	},
}

var supported = []language.Tag{
	language.English, // fallback
	language.Arabic,
}

var matcher = language.NewMatcher(supported)

// Message returns the catalog text for code in the best-matching
// supported language for locale (a BCP 47 tag such as "ar-SA").
// Unknown codes come back as the code itself.
func Message(code, locale string) string {
	m, ok := catalog[code]
	if !ok {
		return code
	}
	tag, _ := language.MatchStrings(matcher, locale)
	base, _ := tag.Base()
	if base.String() == "ar" {
		return m.ar
	}
	return m.en
}

// Arabic returns the Arabic catalog text for code.
func Arabic(code string) string {
	if m, ok := catalog[code]; ok {
		return m.ar
	}
	return code
}

// English returns the English catalog text for code.
func English(code string) string {
	if m, ok := catalog[code]; ok {
		return m.en
	}
	return code
}
