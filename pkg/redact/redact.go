// redact — утилиты для логов: токены панели и коды входа никогда не пишутся целиком.
package redact

// Token возвращает литерал-заглушку для токена в логах.
func Token() string { return "[REDACTED_TOKEN]" }

// Prefix оставляет первые n символов значения и маскирует остальное.
// Нужен, чтобы по логам можно было сопоставить записи одного токена.
//
// Примеры:
//
//	Prefix("0123456789abcdef", 4) -> "0123***"
//	Prefix("abc", 4)              -> "***"
func Prefix(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return "***"
	}

	return s[:n] + "***"
}

// Code маскирует одноразовый код входа, полученный после сканирования QR.
func Code(s string) string {
	if s == "" {
		return ""
	}

	return "[REDACTED_CODE]"
}
